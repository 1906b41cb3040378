package connectivity

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dante-gpu/clustercheck/internal/bus"
	"github.com/dante-gpu/clustercheck/internal/bus/bustest"
	"github.com/dante-gpu/clustercheck/internal/cluster"
	"github.com/dante-gpu/clustercheck/internal/node"
)

func startNodes(t *testing.T, net *bustest.Network, hosts ...string) {
	t.Helper()
	for _, h := range hosts {
		conn := net.Conn()
		a := node.NewAgent(conn, node.HostFacts{Hostname: h, Address: h, CPUs: 8}, node.Options{NodeID: h}, zaptest.NewLogger(t))
		require.NoError(t, a.Start())
		t.Cleanup(func() {
			a.Stop()
			_ = conn.Close()
		})
	}
}

func newCluster(t *testing.T, net *bustest.Network) *cluster.Cluster {
	t.Helper()
	c := cluster.InitWithBus(net.Conn(), cluster.Options{ProbeWindow: 200 * time.Millisecond}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestTally(t *testing.T) {
	tally := Tally{"b": 3, "a": 7}
	assert.Equal(t, 10, tally.Total())
	assert.Equal(t, []string{"a", "b"}, tally.Hosts())
	assert.True(t, tally.Distributed())
	assert.False(t, Tally{"a": 10}.Distributed())
}

func TestRunAcrossTwoNodes(t *testing.T) {
	net := bustest.NewNetwork()
	startNodes(t, net, "ray-head", "ray-worker")
	c := newCluster(t, net)

	tally, err := Run(context.Background(), c, Options{NumTasks: 1000, TaskDelay: time.Millisecond}, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, 1000, tally.Total())
	assert.Len(t, tally, 2)
	for _, host := range tally.Hosts() {
		assert.Positive(t, tally[host])
	}

	var out bytes.Buffer
	require.NoError(t, Report(&out, tally))
	assert.Contains(t, out.String(), "Node ray-head: 500 tasks\nNode ray-worker: 500 tasks\n")
	assert.Contains(t, out.String(), SuccessMessage)
	assert.NotContains(t, out.String(), "WARNING")
}

func TestRunOnSingleNode(t *testing.T) {
	net := bustest.NewNetwork()
	startNodes(t, net, "ray-head")
	c := newCluster(t, net)

	tally, err := Run(context.Background(), c, Options{NumTasks: 1000}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, Tally{"ray-head": 1000}, tally)

	var out bytes.Buffer
	require.NoError(t, Report(&out, tally))
	assert.Contains(t, out.String(), "Node ray-head: 1000 tasks")
	assert.Contains(t, out.String(), WarningMessage)
	assert.NotContains(t, out.String(), "SUCCESS")
}

func TestRunFailsWithoutNodes(t *testing.T) {
	c := newCluster(t, bustest.NewNetwork())
	_, err := Run(context.Background(), c, Options{NumTasks: 5}, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, bus.ErrNoResponders)
}

func TestRunRejectsZeroTasks(t *testing.T) {
	c := newCluster(t, bustest.NewNetwork())
	_, err := Run(context.Background(), c, Options{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestWriteResources(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, WriteResources(&out, cluster.Resources{Totals: map[string]float64{"CPU": 16, "node:10.0.0.1": 1}}))
	assert.Equal(t, "Cluster Resources: {'CPU': 16, 'node:10.0.0.1': 1}\n", out.String())
}
