package train

import (
	"fmt"
	"sort"

	"github.com/dante-gpu/clustercheck/internal/models"
)

// Place assigns workers to nodes round-robin in node ID order. Each worker takes one CPU, and
// one GPU when useGPU is set.
func Place(nodes []models.NodeInfo, numWorkers int, useGPU bool) ([]string, error) {
	sorted := append([]models.NodeInfo(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].NodeID < sorted[j].NodeID })

	capacity := make([]int, len(sorted))
	total := 0
	for i, n := range sorted {
		c := n.CPUs
		if useGPU {
			c = min(c, len(n.GPUs))
		}
		capacity[i] = c
		total += c
	}
	if total < numWorkers {
		kind := "CPU"
		if useGPU {
			kind = "CPU+GPU"
		}
		return nil, fmt.Errorf("%w: %d workers need %d %s slots, cluster has %d across %d nodes",
			ErrInsufficientResources, numWorkers, numWorkers, kind, total, len(sorted))
	}

	placement := make([]string, 0, numWorkers)
	for i := 0; len(placement) < numWorkers; i = (i + 1) % len(sorted) {
		if capacity[i] == 0 {
			continue
		}
		capacity[i]--
		placement = append(placement, sorted[i].NodeID)
	}
	return placement, nil
}
