// Package connectivity checks that remote tasks are spread across more than one node.
package connectivity

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/dante-gpu/clustercheck/internal/cluster"
	"github.com/dante-gpu/clustercheck/internal/models"
)

// Result lines printed by Report.
const (
	SuccessMessage = "SUCCESS: Tasks were distributed across multiple nodes!"
	WarningMessage = "WARNING: All tasks ran on a single node. Scaling might not be working or worker group is not ready."
)

// Submitter schedules a remote task.
type Submitter interface {
	Submit(ctx context.Context, function string, args any) (*cluster.ObjectRef, error)
}

// Options configures Run.
type Options struct {
	NumTasks  int
	TaskDelay time.Duration
}

// Tally counts completed tasks per executing host.
type Tally map[string]int

// Total is the number of tasks counted.
func (t Tally) Total() int {
	n := 0
	for _, c := range t {
		n += c
	}
	return n
}

// Hosts returns the hosts in sorted order.
func (t Tally) Hosts() []string {
	hosts := make([]string, 0, len(t))
	for h := range t {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// Distributed reports whether more than one host ran tasks.
func (t Tally) Distributed() bool {
	return len(t) > 1
}

// Run submits opts.NumTasks hostname tasks, waits for all of them and tallies the hosts.
// Any task failure fails the run.
func Run(ctx context.Context, s Submitter, opts Options, logger *zap.Logger) (Tally, error) {
	if opts.NumTasks <= 0 {
		return nil, fmt.Errorf("number of tasks must be positive, got %d", opts.NumTasks)
	}

	logger.Info("Launching remote tasks", zap.Int("count", opts.NumTasks), zap.Duration("delay", opts.TaskDelay))
	start := time.Now()

	refs := make([]*cluster.ObjectRef, 0, opts.NumTasks)
	for i := 0; i < opts.NumTasks; i++ {
		ref, err := s.Submit(ctx, models.FunctionHostname, models.HostnameArgs{
			Index:   i,
			DelayMS: opts.TaskDelay.Milliseconds(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to submit task %d: %w", i, err)
		}
		refs = append(refs, ref)
	}

	results, err := cluster.Get(ctx, refs...)
	if err != nil {
		return nil, err
	}

	tally := make(Tally)
	for _, r := range results {
		tally[r.Hostname]++
	}
	logger.Info("All remote tasks completed",
		zap.Int("count", tally.Total()),
		zap.Int("hosts", len(tally)),
		zap.Duration("took", time.Since(start)),
	)
	return tally, nil
}

// WriteResources prints the aggregate cluster resources.
func WriteResources(w io.Writer, res cluster.Resources) error {
	_, err := fmt.Fprintf(w, "Cluster Resources: %s\n", res)
	return err
}

// Report prints the per-host distribution followed by the SUCCESS or WARNING line.
func Report(w io.Writer, t Tally) error {
	if _, err := fmt.Fprintln(w, "\n--- Ease of Distribution ---"); err != nil {
		return err
	}
	for _, host := range t.Hosts() {
		if _, err := fmt.Fprintf(w, "Node %s: %d tasks\n", host, t[host]); err != nil {
			return err
		}
	}

	verdict := WarningMessage
	if t.Distributed() {
		verdict = SuccessMessage
	}
	_, err := fmt.Fprintf(w, "\n%s\n", verdict)
	return err
}
