package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dante-gpu/clustercheck/internal/models"
)

// ObjectRef is a handle to the eventual result of a submitted task.
type ObjectRef struct {
	TaskID   string
	Function string

	done   chan struct{}
	result *models.TaskResult
	err    error
}

// Done is closed once the result or error is available.
func (r *ObjectRef) Done() <-chan struct{} {
	return r.done
}

// Submit schedules function on whichever node the control plane selects and returns
// immediately. The task is bounded by ctx and the cluster's request timeout.
func (c *Cluster) Submit(ctx context.Context, function string, args any) (*ObjectRef, error) {
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal arguments for %s: %w", function, err)
		}
		raw = b
	}

	req := models.TaskRequest{
		TaskID:      uuid.NewString(),
		Function:    function,
		Args:        raw,
		SubmittedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task request: %w", err)
	}

	ref := &ObjectRef{TaskID: req.TaskID, Function: function, done: make(chan struct{})}
	subject := c.subjects.Task(function)
	go func() {
		defer close(ref.done)
		reqCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()

		resp, err := c.bus.Request(reqCtx, subject, data)
		if err != nil {
			ref.err = fmt.Errorf("task %s (%s) failed: %w", ref.TaskID, function, err)
			return
		}
		var result models.TaskResult
		if err := json.Unmarshal(resp, &result); err != nil {
			ref.err = fmt.Errorf("failed to decode result of task %s: %w", ref.TaskID, err)
			return
		}
		ref.result = &result
	}()
	return ref, nil
}

// Get waits for every ref and returns the results in the same order. The first failure is
// returned once all refs have settled.
func Get(ctx context.Context, refs ...*ObjectRef) ([]*models.TaskResult, error) {
	results := make([]*models.TaskResult, len(refs))
	var firstErr error
	for i, ref := range refs {
		select {
		case <-ref.done:
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for task results: %w", ctx.Err())
		}
		if ref.err != nil {
			if firstErr == nil {
				firstErr = ref.err
			}
			continue
		}
		results[i] = ref.result
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// Value decodes a task result's value into out.
func Value(result *models.TaskResult, out any) error {
	if len(result.Value) == 0 {
		return fmt.Errorf("task %s returned no value", result.TaskID)
	}
	if err := json.Unmarshal(result.Value, out); err != nil {
		return fmt.Errorf("failed to decode value of task %s: %w", result.TaskID, err)
	}
	return nil
}
