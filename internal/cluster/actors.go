package cluster

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dante-gpu/clustercheck/internal/models"
)

// Actor is a stateful worker pinned to one node.
type Actor struct {
	ID     string
	Kind   string
	NodeID string
}

// CreateActor starts an actor of kind on nodeID, passing spec to its constructor.
func (c *Cluster) CreateActor(ctx context.Context, nodeID, kind string, spec any) (*Actor, error) {
	payload, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s actor spec: %w", kind, err)
	}
	a := &Actor{ID: uuid.NewString(), Kind: kind, NodeID: nodeID}
	req := models.ActorRequest{Op: models.ActorCreate, ActorID: a.ID, Kind: kind, Payload: payload}
	if _, err := c.actorRequest(ctx, nodeID, req); err != nil {
		return nil, fmt.Errorf("failed to create %s actor on %s: %w", kind, nodeID, err)
	}
	c.logger.Debug("Actor created", zap.String("actor_id", a.ID), zap.String("kind", kind), zap.String("node_id", nodeID))
	return a, nil
}

// CallActor invokes method on the actor. in is JSON encoded; the reply is decoded into out when
// out is non-nil.
func (c *Cluster) CallActor(ctx context.Context, a *Actor, method string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal %s arguments: %w", method, err)
	}
	req := models.ActorRequest{Op: models.ActorCall, ActorID: a.ID, Method: method, Payload: payload}
	resp, err := c.actorRequest(ctx, a.NodeID, req)
	if err != nil {
		return fmt.Errorf("actor %s %s failed: %w", a.ID, method, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return fmt.Errorf("failed to decode %s reply: %w", method, err)
	}
	return nil
}

// ReleaseActor stops the actor and frees its resources on the node.
func (c *Cluster) ReleaseActor(ctx context.Context, a *Actor) error {
	req := models.ActorRequest{Op: models.ActorRelease, ActorID: a.ID}
	if _, err := c.actorRequest(ctx, a.NodeID, req); err != nil {
		return fmt.Errorf("failed to release actor %s: %w", a.ID, err)
	}
	return nil
}

func (c *Cluster) actorRequest(ctx context.Context, nodeID string, req models.ActorRequest) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal actor request: %w", err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	return c.bus.Request(reqCtx, c.subjects.Actors(models.SubjectToken(nodeID)), data)
}
