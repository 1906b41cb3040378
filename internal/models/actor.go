package models

import "encoding/json"

// ActorOp selects an actor control operation.
type ActorOp string

const (
	ActorCreate  ActorOp = "create"
	ActorCall    ActorOp = "call"
	ActorRelease ActorOp = "release"
)

// ActorKindBoostWorker hosts one shard of a distributed gradient-boosting job.
const ActorKindBoostWorker = "boost-worker"

// ActorRequest is sent to a specific node's actor subject.
type ActorRequest struct {
	Op      ActorOp         `json:"op"`
	ActorID string          `json:"actor_id"`
	Kind    string          `json:"kind,omitempty"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
