package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dante-gpu/clustercheck/internal/boost"
	"github.com/dante-gpu/clustercheck/internal/models"
)

// Actor is stateful work hosted by the agent between create and release.
type Actor interface {
	Call(ctx context.Context, method string, payload []byte) ([]byte, error)
	Close() error
}

// ActorFactory builds an actor from its create payload.
type ActorFactory func(payload json.RawMessage) (Actor, error)

// BoostWorkerFactory hosts one gradient boosting shard.
func BoostWorkerFactory(payload json.RawMessage) (Actor, error) {
	var spec boost.ShardSpec
	if err := json.Unmarshal(payload, &spec); err != nil {
		return nil, fmt.Errorf("invalid shard spec: %w", err)
	}
	w, err := boost.NewWorker(spec)
	if err != nil {
		return nil, err
	}
	return w, nil
}

type actorRegistry struct {
	mu        sync.Mutex
	factories map[string]ActorFactory
	actors    map[string]Actor
}

func newActorRegistry() *actorRegistry {
	return &actorRegistry{
		factories: map[string]ActorFactory{models.ActorKindBoostWorker: BoostWorkerFactory},
		actors:    make(map[string]Actor),
	}
}

func (r *actorRegistry) register(kind string, f ActorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

func (r *actorRegistry) create(id, kind string, payload json.RawMessage) error {
	r.mu.Lock()
	factory, ok := r.factories[kind]
	_, exists := r.actors[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown actor kind %q", kind)
	}
	if exists {
		return fmt.Errorf("actor %s already exists", id)
	}

	actor, err := factory(payload)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actors[id]; exists {
		_ = actor.Close()
		return fmt.Errorf("actor %s already exists", id)
	}
	r.actors[id] = actor
	return nil
}

func (r *actorRegistry) get(id string) (Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actors[id]
	if !ok {
		return nil, fmt.Errorf("actor %s not found", id)
	}
	return a, nil
}

func (r *actorRegistry) release(id string) error {
	r.mu.Lock()
	a, ok := r.actors[id]
	delete(r.actors, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("actor %s not found", id)
	}
	return a.Close()
}

func (r *actorRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

func (r *actorRegistry) releaseAll() {
	r.mu.Lock()
	actors := r.actors
	r.actors = make(map[string]Actor)
	r.mu.Unlock()
	for _, a := range actors {
		_ = a.Close()
	}
}
