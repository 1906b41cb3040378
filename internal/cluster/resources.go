package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/dante-gpu/clustercheck/internal/models"
)

// Resource names used in Resources.Totals.
const (
	ResourceCPU    = "CPU"
	ResourceGPU    = "GPU"
	ResourceMemory = "memory"
	// ResourceNodePrefix is followed by a node address; each node contributes 1.
	ResourceNodePrefix = "node:"
)

// Resources is the aggregate capacity of the nodes that answered a probe.
type Resources struct {
	Totals map[string]float64
	Nodes  []models.NodeInfo
}

// String renders the totals with sorted keys, one "name: value" pair per entry.
func (r Resources) String() string {
	keys := make([]string, 0, len(r.Totals))
	for k := range r.Totals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("'%s': %g", k, r.Totals[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Nodes probes every node agent and returns their reports sorted by node ID. Nodes that do
// not answer within the probe window are absent.
func (c *Cluster) Nodes(ctx context.Context) ([]models.NodeInfo, error) {
	replies, err := c.bus.Gather(ctx, c.subjects.NodesInfo(), nil, c.opts.ProbeWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to probe nodes: %w", err)
	}

	seen := make(map[string]bool, len(replies))
	nodes := make([]models.NodeInfo, 0, len(replies))
	for _, data := range replies {
		var info models.NodeInfo
		if err := json.Unmarshal(data, &info); err != nil {
			c.logger.Warn("Ignoring malformed node info reply", zap.Error(err))
			continue
		}
		if info.NodeID == "" || seen[info.NodeID] {
			continue
		}
		seen[info.NodeID] = true
		nodes = append(nodes, info)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
	return nodes, nil
}

// Resources sums the capacity advertised by every live node.
func (c *Cluster) Resources(ctx context.Context) (Resources, error) {
	nodes, err := c.Nodes(ctx)
	if err != nil {
		return Resources{}, err
	}
	return Aggregate(nodes), nil
}

// Aggregate computes resource totals for nodes.
func Aggregate(nodes []models.NodeInfo) Resources {
	totals := make(map[string]float64)
	for _, n := range nodes {
		totals[ResourceCPU] += float64(n.CPUs)
		totals[ResourceMemory] += float64(n.MemoryBytes)
		if len(n.GPUs) > 0 {
			totals[ResourceGPU] += float64(len(n.GPUs))
		}
		addr := n.Address
		if addr == "" {
			addr = n.Hostname
		}
		totals[ResourceNodePrefix+addr] += 1
	}
	return Resources{Totals: totals, Nodes: nodes}
}
