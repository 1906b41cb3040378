package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dante-gpu/clustercheck/internal/bus"
	"github.com/dante-gpu/clustercheck/internal/bus/bustest"
	"github.com/dante-gpu/clustercheck/internal/models"
)

type fakeLocator struct {
	addr string
	err  error
}

func (f fakeLocator) LocateHead(context.Context) (string, error) {
	return f.addr, f.err
}

func noEnv(string) string { return "" }

func TestResolveAddress(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	file := filepath.Join(dir, "current_cluster")

	t.Run("explicit address", func(t *testing.T) {
		got, err := ResolveAddress(ctx, "nats://10.0.0.5:4222", Discovery{Getenv: noEnv})
		require.NoError(t, err)
		assert.Equal(t, "nats://10.0.0.5:4222", got)

		got, err = ResolveAddress(ctx, "10.0.0.5:4222", Discovery{Getenv: noEnv})
		require.NoError(t, err)
		assert.Equal(t, "nats://10.0.0.5:4222", got)
	})

	t.Run("auto without cluster", func(t *testing.T) {
		_, err := ResolveAddress(ctx, AutoAddress, Discovery{File: file, Getenv: noEnv})
		assert.ErrorIs(t, err, ErrClusterNotFound)

		_, err = ResolveAddress(ctx, AutoAddress, Discovery{File: file, Getenv: noEnv, Locator: fakeLocator{err: errors.New("catalog down")}})
		assert.ErrorIs(t, err, ErrClusterNotFound)
	})

	t.Run("default falls back to local", func(t *testing.T) {
		got, err := ResolveAddress(ctx, "", Discovery{File: file, Getenv: noEnv})
		require.NoError(t, err)
		assert.Equal(t, DefaultLocalAddress, got)
	})

	t.Run("environment wins", func(t *testing.T) {
		env := func(k string) string {
			if k == EnvAddress {
				return "head:4222"
			}
			return ""
		}
		got, err := ResolveAddress(ctx, AutoAddress, Discovery{File: file, Getenv: env})
		require.NoError(t, err)
		assert.Equal(t, "nats://head:4222", got)
	})

	t.Run("discovery file", func(t *testing.T) {
		require.NoError(t, WriteDiscoveryFile(file, "nats://192.168.1.10:4222"))
		got, err := ResolveAddress(ctx, AutoAddress, Discovery{File: file, Getenv: noEnv})
		require.NoError(t, err)
		assert.Equal(t, "nats://192.168.1.10:4222", got)

		require.NoError(t, RemoveDiscoveryFile(file, "nats://other:4222"))
		_, err = os.Stat(file)
		require.NoError(t, err, "file pointing at another cluster must be kept")

		require.NoError(t, RemoveDiscoveryFile(file, "nats://192.168.1.10:4222"))
		_, err = os.Stat(file)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("locator", func(t *testing.T) {
		got, err := ResolveAddress(ctx, AutoAddress, Discovery{Getenv: noEnv, Locator: fakeLocator{addr: "10.1.1.1:4222"}})
		require.NoError(t, err)
		assert.Equal(t, "nats://10.1.1.1:4222", got)
	})
}

func newTestCluster(t *testing.T, net *bustest.Network) *Cluster {
	t.Helper()
	conn := net.Conn()
	c := InitWithBus(conn, Options{ProbeWindow: 200 * time.Millisecond, RequestTimeout: 5 * time.Second}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func serveNodeInfo(t *testing.T, net *bustest.Network, info models.NodeInfo) {
	t.Helper()
	conn := net.Conn()
	t.Cleanup(func() { _ = conn.Close() })
	subjects := models.Subjects{Prefix: "clustercheck"}
	_, err := conn.Subscribe(subjects.NodesInfo(), "", func(context.Context, *bus.Message) ([]byte, error) {
		return json.Marshal(info)
	})
	require.NoError(t, err)
}

func TestResources(t *testing.T) {
	net := bustest.NewNetwork()
	serveNodeInfo(t, net, models.NodeInfo{NodeID: "node-b", Address: "10.0.0.2", CPUs: 4, MemoryBytes: 1 << 30})
	serveNodeInfo(t, net, models.NodeInfo{
		NodeID: "node-a", Address: "10.0.0.1", IsHead: true, CPUs: 8, MemoryBytes: 2 << 30,
		GPUs: []models.GPUInfo{{ID: "0", Name: "A10G", Vendor: "NVIDIA"}},
	})
	c := newTestCluster(t, net)

	res, err := c.Resources(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Nodes, 2)
	assert.Equal(t, "node-a", res.Nodes[0].NodeID)
	assert.Equal(t, 12.0, res.Totals[ResourceCPU])
	assert.Equal(t, 1.0, res.Totals[ResourceGPU])
	assert.Equal(t, float64(3<<30), res.Totals[ResourceMemory])
	assert.Equal(t, 1.0, res.Totals["node:10.0.0.1"])
	assert.Equal(t, 1.0, res.Totals["node:10.0.0.2"])
	assert.Contains(t, res.String(), "'CPU': 12")
}

func TestResourcesEmptyCluster(t *testing.T) {
	c := newTestCluster(t, bustest.NewNetwork())
	res, err := c.Resources(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Nodes)
	assert.Equal(t, "{}", res.String())
}

func TestSubmitAndGet(t *testing.T) {
	net := bustest.NewNetwork()
	worker := net.Conn()
	t.Cleanup(func() { _ = worker.Close() })

	subjects := models.Subjects{Prefix: "clustercheck"}
	_, err := worker.Subscribe(subjects.Task(models.FunctionEcho), subjects.WorkerQueue(), func(_ context.Context, msg *bus.Message) ([]byte, error) {
		var req models.TaskRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, err
		}
		return json.Marshal(models.TaskResult{TaskID: req.TaskID, NodeID: "node-a", Hostname: "host-a", Value: req.Args})
	})
	require.NoError(t, err)

	c := newTestCluster(t, net)
	ctx := context.Background()

	refs := make([]*ObjectRef, 0, 10)
	for i := 0; i < 10; i++ {
		ref, err := c.Submit(ctx, models.FunctionEcho, map[string]int{"i": i})
		require.NoError(t, err)
		refs = append(refs, ref)
	}
	results, err := Get(ctx, refs...)
	require.NoError(t, err)
	require.Len(t, results, 10)

	for i, r := range results {
		assert.Equal(t, refs[i].TaskID, r.TaskID)
		assert.Equal(t, "host-a", r.Hostname)
		var v map[string]int
		require.NoError(t, Value(r, &v))
		assert.Equal(t, i, v["i"])
	}
}

func TestGetReportsTaskFailure(t *testing.T) {
	c := newTestCluster(t, bustest.NewNetwork())
	ref, err := c.Submit(context.Background(), models.FunctionHostname, nil)
	require.NoError(t, err)

	_, err = Get(context.Background(), ref)
	require.Error(t, err)
	assert.ErrorIs(t, err, bus.ErrNoResponders)
}

func TestActorLifecycle(t *testing.T) {
	net := bustest.NewNetwork()
	node := net.Conn()
	t.Cleanup(func() { _ = node.Close() })

	live := make(map[string]bool)
	subjects := models.Subjects{Prefix: "clustercheck"}
	_, err := node.Subscribe(subjects.Actors("node-a"), "", func(_ context.Context, msg *bus.Message) ([]byte, error) {
		var req models.ActorRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, err
		}
		switch req.Op {
		case models.ActorCreate:
			live[req.ActorID] = true
			return nil, nil
		case models.ActorCall:
			if !live[req.ActorID] {
				return nil, errors.New("unknown actor")
			}
			return req.Payload, nil
		case models.ActorRelease:
			delete(live, req.ActorID)
			return nil, nil
		}
		return nil, errors.New("bad op")
	})
	require.NoError(t, err)

	c := newTestCluster(t, net)
	ctx := context.Background()

	a, err := c.CreateActor(ctx, "node-a", models.ActorKindBoostWorker, map[string]int{"shard": 0})
	require.NoError(t, err)
	assert.Equal(t, "node-a", a.NodeID)

	var out map[string]string
	require.NoError(t, c.CallActor(ctx, a, "ping", map[string]string{"hello": "world"}, &out))
	assert.Equal(t, "world", out["hello"])

	require.NoError(t, c.ReleaseActor(ctx, a))
	err = c.CallActor(ctx, a, "ping", nil, nil)
	var remote *bus.RemoteError
	assert.ErrorAs(t, err, &remote)

	_, err = c.CreateActor(ctx, "node-missing", models.ActorKindBoostWorker, nil)
	assert.ErrorIs(t, err, bus.ErrNoResponders)
}
