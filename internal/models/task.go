package models

import (
	"encoding/json"
	"time"
)

// Built-in remote functions every node agent serves.
const (
	FunctionHostname = "hostname"
	FunctionEcho     = "echo"
)

// TaskRequest is a single remote task invocation. Tasks are dispatched through a queue group,
// so the executing node is chosen by the control plane rather than the caller.
type TaskRequest struct {
	TaskID      string          `json:"task_id"`
	Function    string          `json:"function"`
	Args        json.RawMessage `json:"args,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// HostnameArgs are the arguments of the hostname function.
type HostnameArgs struct {
	Index   int   `json:"index"`
	DelayMS int64 `json:"delay_ms"`
}

// TaskResult is the reply for one TaskRequest.
type TaskResult struct {
	TaskID     string          `json:"task_id"`
	NodeID     string          `json:"node_id"`
	Hostname   string          `json:"hostname"`
	Value      json.RawMessage `json:"value,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Duration is how long the task ran on the node.
func (r *TaskResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
