// Package node implements the node agent: the process on every machine that serves remote
// tasks, hosts actors and reports the node's resources to the cluster.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dante-gpu/clustercheck/internal/bus"
	"github.com/dante-gpu/clustercheck/internal/models"
)

// TaskFunc is a remote function. Its return value is JSON encoded into TaskResult.Value.
type TaskFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Options configures an Agent.
type Options struct {
	NodeID             string
	IsHead             bool
	MaxConcurrentTasks int
	SubjectPrefix      string
}

// Agent serves the cluster subjects for one node.
type Agent struct {
	opts     Options
	facts    HostFacts
	bus      bus.Bus
	logger   *zap.Logger
	subjects models.Subjects
	started  time.Time

	sem         chan struct{}
	activeTasks atomic.Int64
	actors      *actorRegistry

	mu        sync.Mutex
	functions map[string]TaskFunc
	subs      []bus.Subscription
}

// NewAgent creates an agent with the built-in hostname and echo functions registered.
func NewAgent(b bus.Bus, facts HostFacts, opts Options, logger *zap.Logger) *Agent {
	if opts.MaxConcurrentTasks <= 0 {
		opts.MaxConcurrentTasks = max(facts.CPUs, 1)
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = "clustercheck"
	}
	if opts.NodeID == "" {
		opts.NodeID = "node-" + facts.Hostname
	}
	opts.NodeID = models.SubjectToken(opts.NodeID)

	a := &Agent{
		opts:      opts,
		facts:     facts,
		bus:       b,
		logger:    logger.With(zap.String("node_id", opts.NodeID)),
		subjects:  models.Subjects{Prefix: opts.SubjectPrefix},
		started:   time.Now().UTC(),
		sem:       make(chan struct{}, opts.MaxConcurrentTasks),
		actors:    newActorRegistry(),
		functions: make(map[string]TaskFunc),
	}
	a.RegisterFunction(models.FunctionHostname, a.hostname)
	a.RegisterFunction(models.FunctionEcho, echo)
	return a
}

// NodeID is the agent's subject-safe identifier.
func (a *Agent) NodeID() string {
	return a.opts.NodeID
}

// RegisterFunction makes fn callable as a remote task.
func (a *Agent) RegisterFunction(name string, fn TaskFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.functions[name] = fn
}

// RegisterActorKind makes a new actor kind creatable on this node.
func (a *Agent) RegisterActorKind(kind string, f ActorFactory) {
	a.actors.register(kind, f)
}

// Start subscribes to the info, task and actor subjects.
func (a *Agent) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.subs) > 0 {
		return errors.New("agent already started")
	}

	type binding struct {
		subject string
		queue   string
		handler bus.Handler
	}
	bindings := []binding{
		{a.subjects.NodesInfo(), "", a.handleInfo},
		{a.subjects.TaskWildcard(), a.subjects.WorkerQueue(), a.handleTask},
		{a.subjects.Actors(a.opts.NodeID), "", a.handleActor},
	}
	for _, bnd := range bindings {
		sub, err := a.bus.Subscribe(bnd.subject, bnd.queue, bnd.handler)
		if err != nil {
			a.unsubscribeLocked()
			return err
		}
		a.subs = append(a.subs, sub)
	}

	a.logger.Info("Node agent listening",
		zap.String("hostname", a.facts.Hostname),
		zap.String("address", a.facts.Address),
		zap.Bool("head", a.opts.IsHead),
		zap.Int("cpus", a.facts.CPUs),
		zap.Int("gpus", len(a.facts.GPUs)),
		zap.Int("max_concurrent_tasks", a.opts.MaxConcurrentTasks),
	)
	return nil
}

// Stop unsubscribes and releases every hosted actor.
func (a *Agent) Stop() {
	a.mu.Lock()
	a.unsubscribeLocked()
	a.mu.Unlock()
	a.actors.releaseAll()
	a.logger.Info("Node agent stopped")
}

func (a *Agent) unsubscribeLocked() {
	for _, sub := range a.subs {
		if err := sub.Unsubscribe(); err != nil {
			a.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
	a.subs = nil
}

// Info reports the node's current state.
func (a *Agent) Info(ctx context.Context) models.NodeInfo {
	return models.NodeInfo{
		NodeID:        a.opts.NodeID,
		Hostname:      a.facts.Hostname,
		Address:       a.facts.Address,
		IsHead:        a.opts.IsHead,
		CPUs:          a.facts.CPUs,
		MemoryBytes:   a.facts.MemoryBytes,
		GPUs:          a.facts.GPUs,
		MaxTasks:      a.opts.MaxConcurrentTasks,
		ActiveTasks:   int(a.activeTasks.Load()),
		ActiveActors:  a.actors.count(),
		OS:            a.facts.OS,
		Platform:      a.facts.Platform,
		KernelVersion: a.facts.KernelVersion,
		UptimeSeconds: Uptime(ctx),
		StartedAt:     a.started,
	}
}

func (a *Agent) handleInfo(ctx context.Context, _ *bus.Message) ([]byte, error) {
	return json.Marshal(a.Info(ctx))
}

func (a *Agent) handleTask(ctx context.Context, msg *bus.Message) ([]byte, error) {
	var req models.TaskRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return nil, fmt.Errorf("invalid task request: %w", err)
	}
	if req.Function == "" {
		req.Function = msg.Subject[strings.LastIndex(msg.Subject, ".")+1:]
	}

	a.mu.Lock()
	fn, ok := a.functions[req.Function]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown function %q", req.Function)
	}

	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	a.activeTasks.Add(1)
	defer func() {
		a.activeTasks.Add(-1)
		<-a.sem
	}()

	result := models.TaskResult{
		TaskID:    req.TaskID,
		NodeID:    a.opts.NodeID,
		Hostname:  a.facts.Hostname,
		StartedAt: time.Now().UTC(),
	}
	value, err := fn(ctx, req.Args)
	if err != nil {
		a.logger.Debug("Task failed", zap.String("task_id", req.TaskID), zap.String("function", req.Function), zap.Error(err))
		return nil, err
	}
	if value != nil {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result of %s: %w", req.Function, err)
		}
		result.Value = raw
	}
	result.FinishedAt = time.Now().UTC()
	return json.Marshal(result)
}

func (a *Agent) handleActor(ctx context.Context, msg *bus.Message) ([]byte, error) {
	var req models.ActorRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return nil, fmt.Errorf("invalid actor request: %w", err)
	}
	if req.ActorID == "" {
		return nil, errors.New("actor request without actor id")
	}

	switch req.Op {
	case models.ActorCreate:
		if err := a.actors.create(req.ActorID, req.Kind, req.Payload); err != nil {
			return nil, err
		}
		a.logger.Info("Actor created", zap.String("actor_id", req.ActorID), zap.String("kind", req.Kind))
		return nil, nil
	case models.ActorCall:
		actor, err := a.actors.get(req.ActorID)
		if err != nil {
			return nil, err
		}
		return actor.Call(ctx, req.Method, req.Payload)
	case models.ActorRelease:
		if err := a.actors.release(req.ActorID); err != nil {
			return nil, err
		}
		a.logger.Info("Actor released", zap.String("actor_id", req.ActorID))
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown actor op %q", req.Op)
	}
}

func (a *Agent) hostname(ctx context.Context, raw json.RawMessage) (any, error) {
	var args models.HostnameArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("invalid hostname args: %w", err)
		}
	}
	if args.DelayMS > 0 {
		t := time.NewTimer(time.Duration(args.DelayMS) * time.Millisecond)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return a.facts.Hostname, nil
}

func echo(_ context.Context, args json.RawMessage) (any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	return args, nil
}
