// Package orchestrator executes task graphs layer by layer.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/taskgraph/internal/agent"
	"github.com/t77yq/taskgraph/internal/model"
	"github.com/t77yq/taskgraph/internal/monitor"
	"github.com/t77yq/taskgraph/internal/storage"
	"github.com/t77yq/taskgraph/internal/taskgraph"
)

// EventType identifies a run lifecycle event
type EventType string

const (
	EventRunStarted   EventType = "run.started"
	EventNodeStarted  EventType = "node.started"
	EventNodeFinished EventType = "node.finished"
	EventRunFinished  EventType = "run.finished"
)

// RunEvent reports progress of an execution run
type RunEvent struct {
	Type      EventType        `json:"type"`
	RunID     string           `json:"run_id"`
	NodeID    string           `json:"node_id,omitempty"`
	Layer     int              `json:"layer"`
	Status    model.NodeStatus `json:"status,omitempty"`
	Error     string           `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// EventPublisher receives run events
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *RunEvent) error
}

// Config defines the execution policy
type Config struct {
	// MaxParallel bounds concurrently running nodes within a layer; zero
	// means unbounded
	MaxParallel int
	// MaxAttempts is the number of tries per node, at least one
	MaxAttempts int
	// NodeTimeout bounds a single attempt; zero disables it
	NodeTimeout time.Duration
	// ContinueOnError runs nodes even when one of their dependencies failed
	ContinueOnError bool
	Backoff         RetryStrategy
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithStore persists runs to store
func WithStore(store storage.RunStore) Option {
	return func(o *Orchestrator) { o.store = store }
}

// WithEvents publishes run events to p
func WithEvents(p EventPublisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

// WithAgents uses agents to describe node bindings in run records
func WithAgents(agents *agent.Registry) Option {
	return func(o *Orchestrator) { o.agents = agents }
}

// Orchestrator executes validated task graphs
type Orchestrator struct {
	logger *zap.Logger
	runner NodeRunner
	config Config
	store  storage.RunStore
	events EventPublisher
	agents *agent.Registry
}

// New creates a new orchestrator
func New(runner NodeRunner, config Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.Backoff == nil {
		config.Backoff = DefaultBackoff
	}

	o := &Orchestrator{
		logger: logger.Named("orchestrator"),
		runner: runner,
		config: config,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// execution is the state of one Execute call
type execution struct {
	run      *model.ExecutionRun
	spec     taskgraph.Spec
	schedule taskgraph.Schedule
	// upstream lists, per node, the nodes whose outputs it receives
	upstream map[string][]string
	deps     map[string][]string
}

// Execute validates, normalizes and plans spec, then runs it layer by layer.
// Every node of a layer reaches a terminal state before the next layer
// starts. On cancellation, nodes not yet started stay pending and the
// partial run is returned together with the context error.
func (o *Orchestrator) Execute(ctx context.Context, spec taskgraph.Spec) (*model.ExecutionRun, error) {
	if err := taskgraph.Validate(spec); err != nil {
		return nil, err
	}

	ex := o.prepare(taskgraph.Normalize(spec))
	run := ex.run

	monitor.ScheduleLayers.Observe(float64(len(ex.schedule.Layers)))
	if ex.schedule.Cyclic {
		monitor.CyclicSchedulesTotal.Inc()
		o.logger.Warn("Schedule contains a cycle",
			zap.String("run_id", run.RunID),
			zap.Strings("unresolved", ex.schedule.Unresolved))
	}

	if o.store != nil {
		if err := o.store.SaveRun(ctx, run); err != nil {
			return nil, fmt.Errorf("failed to save run: %w", err)
		}
		for _, n := range run.Nodes {
			o.saveNode(ctx, run.RunID, n)
		}
	}

	o.logger.Info("Run started",
		zap.String("run_id", run.RunID),
		zap.Int("nodes", len(run.Nodes)),
		zap.Int("layers", len(run.Layers)))
	o.publish(ctx, &RunEvent{Type: EventRunStarted, RunID: run.RunID})

	for i, layer := range ex.schedule.Layers {
		if ctx.Err() != nil {
			break
		}
		o.runLayer(ctx, ex, i, layer)
	}

	return o.finish(ctx, ex)
}

func (o *Orchestrator) prepare(spec taskgraph.Spec) *execution {
	schedule := taskgraph.Plan(spec)

	ex := &execution{
		spec:     spec,
		schedule: schedule,
		upstream: make(map[string][]string, len(spec.Nodes)),
		deps:     make(map[string][]string, len(spec.Nodes)),
		run: &model.ExecutionRun{
			RunID:       uuid.New().String(),
			Goal:        spec.Goal,
			Status:      model.RunStatusRunning,
			CreatedAt:   time.Now(),
			Layers:      schedule.Layers,
			Cyclic:      schedule.Cyclic,
			FinalNodeID: spec.FinalNodeID,
			Nodes:       make([]*model.NodeRun, 0, schedule.Size()),
		},
	}

	for i, layer := range schedule.Layers {
		for _, id := range layer {
			node, _ := spec.Node(id)
			nr := &model.NodeRun{
				NodeID:  id,
				Status:  model.NodeStatusPending,
				AgentID: node.AgentID,
				Layer:   i,
			}
			o.describeAgent(nr)
			ex.run.Nodes = append(ex.run.Nodes, nr)
		}
	}

	seen := make(map[string]map[string]struct{}, len(spec.Nodes))
	addUpstream := func(to, from string) {
		if _, ok := schedule.LayerOf(from); !ok {
			return
		}
		if seen[to] == nil {
			seen[to] = make(map[string]struct{})
		}
		if _, ok := seen[to][from]; ok {
			return
		}
		seen[to][from] = struct{}{}
		ex.upstream[to] = append(ex.upstream[to], from)
	}

	for _, n := range spec.Nodes {
		if _, ok := ex.deps[n.ID]; ok {
			continue
		}
		ex.deps[n.ID] = []string{}
		for _, d := range n.DependsOn {
			if _, ok := schedule.LayerOf(d); ok {
				ex.deps[n.ID] = append(ex.deps[n.ID], d)
			}
			addUpstream(n.ID, d)
		}
	}
	for _, e := range spec.Edges {
		if e.Kind == taskgraph.EdgeKindControl {
			continue
		}
		addUpstream(e.To, e.From)
	}
	return ex
}

func (o *Orchestrator) describeAgent(nr *model.NodeRun) {
	if o.agents == nil {
		return
	}
	a, _, err := o.agents.Resolve(nr.AgentID)
	if err != nil {
		return
	}
	nr.AgentID = a.ID
	nr.AgentName = a.Name
	nr.Model = a.Model
}

// runLayer executes the nodes of one layer and returns once all of them
// are terminal or the context is done
func (o *Orchestrator) runLayer(ctx context.Context, ex *execution, index int, layer []string) {
	var g errgroup.Group
	if o.config.MaxParallel > 0 {
		g.SetLimit(o.config.MaxParallel)
	}

	for _, id := range layer {
		nr := ex.run.Node(id)
		node, _ := ex.spec.Node(id)
		failed := o.failedDependency(ex, index, id)
		inputs := o.collectInputs(ex, index, id)

		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if failed != "" && !o.config.ContinueOnError {
				o.skipNode(ctx, ex.run, nr, failed)
				return nil
			}
			o.runNode(ctx, ex.run, node, nr, inputs)
			return nil
		})
	}

	_ = g.Wait()
}

// failedDependency returns the first dependency of id, scheduled in an
// earlier layer, that ended in error
func (o *Orchestrator) failedDependency(ex *execution, layer int, id string) string {
	for _, d := range ex.deps[id] {
		dep := ex.run.Node(d)
		if dep.Layer < layer && dep.Status == model.NodeStatusError {
			return d
		}
	}
	return ""
}

func (o *Orchestrator) collectInputs(ex *execution, layer int, id string) map[string]string {
	inputs := make(map[string]string)
	for _, from := range ex.upstream[id] {
		up := ex.run.Node(from)
		if up.Layer < layer && up.Status == model.NodeStatusCompleted {
			inputs[from] = up.Output
		}
	}
	return inputs
}

func (o *Orchestrator) skipNode(ctx context.Context, run *model.ExecutionRun, nr *model.NodeRun, failed string) {
	now := time.Now()
	nr.Status = model.NodeStatusError
	nr.Error = fmt.Errorf("%w: %q", ErrUpstreamFailed, failed).Error()
	nr.FinishedAt = &now

	o.logger.Info("Node skipped",
		zap.String("run_id", run.RunID),
		zap.String("node_id", nr.NodeID),
		zap.String("upstream", failed))

	monitor.NodesTotal.WithLabelValues(string(nr.Status)).Inc()
	o.saveNode(ctx, run.RunID, nr)
	o.publish(ctx, &RunEvent{
		Type:   EventNodeFinished,
		RunID:  run.RunID,
		NodeID: nr.NodeID,
		Layer:  nr.Layer,
		Status: nr.Status,
		Error:  nr.Error,
	})
}

func (o *Orchestrator) runNode(ctx context.Context, run *model.ExecutionRun, node taskgraph.Node, nr *model.NodeRun, inputs map[string]string) {
	started := time.Now()
	nr.Status = model.NodeStatusRunning
	nr.StartedAt = &started
	o.saveNode(ctx, run.RunID, nr)
	o.publish(ctx, &RunEvent{Type: EventNodeStarted, RunID: run.RunID, NodeID: nr.NodeID, Layer: nr.Layer, Status: nr.Status})

	req := &model.NodeRequest{
		RunID:       run.RunID,
		NodeID:      node.ID,
		Goal:        run.Goal,
		Title:       node.Title,
		Description: node.Description,
		AgentID:     node.AgentID,
		Inputs:      inputs,
	}

	result, err := o.attempt(ctx, req, nr)

	finished := time.Now()
	nr.FinishedAt = &finished
	switch {
	case err != nil:
		nr.Status = model.NodeStatusError
		nr.Error = err.Error()
	case result.Status == model.NodeStatusCompleted:
		nr.Status = model.NodeStatusCompleted
		nr.Output = result.Output
		nr.Error = ""
	default:
		nr.Status = model.NodeStatusError
		nr.Error = result.Error
		if nr.Error == "" {
			nr.Error = fmt.Sprintf("node finished with status %q", result.Status)
		}
	}
	if result != nil {
		if result.AgentID != "" {
			nr.AgentID = result.AgentID
		}
		if result.Model != "" {
			nr.Model = result.Model
		}
	}

	monitor.NodesTotal.WithLabelValues(string(nr.Status)).Inc()
	monitor.NodeDuration.Observe(nr.Duration().Seconds())

	o.logger.Info("Node finished",
		zap.String("run_id", run.RunID),
		zap.String("node_id", nr.NodeID),
		zap.String("status", string(nr.Status)),
		zap.Int("attempts", nr.Attempts),
		zap.Duration("duration", nr.Duration()))

	o.saveNode(ctx, run.RunID, nr)
	o.publish(ctx, &RunEvent{
		Type:   EventNodeFinished,
		RunID:  run.RunID,
		NodeID: nr.NodeID,
		Layer:  nr.Layer,
		Status: nr.Status,
		Error:  nr.Error,
	})
}

// attempt runs req up to MaxAttempts times, backing off between tries.
// The returned result, when not nil, is the last one received.
func (o *Orchestrator) attempt(ctx context.Context, req *model.NodeRequest, nr *model.NodeRun) (*model.NodeResult, error) {
	var (
		result *model.NodeResult
		err    error
	)

	for i := 0; i < o.config.MaxAttempts; i++ {
		if i > 0 {
			delay := o.config.Backoff.NextRetry(i - 1)
			o.logger.Debug("Retrying node",
				zap.String("run_id", req.RunID),
				zap.String("node_id", req.NodeID),
				zap.Int("attempt", i+1),
				zap.Duration("delay", delay))

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return result, ctx.Err()
			case <-timer.C:
			}
		}

		req.Attempt = i + 1
		nr.Attempts = req.Attempt
		result, err = o.runOnce(ctx, req)
		if err == nil && result.Status == model.NodeStatusCompleted {
			return result, nil
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
	}
	return result, err
}

func (o *Orchestrator) runOnce(ctx context.Context, req *model.NodeRequest) (*model.NodeResult, error) {
	if o.config.NodeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.NodeTimeout)
		defer cancel()
	}

	result, err := o.runner.RunNode(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			return nil, fmt.Errorf("%w after %s", ErrNodeTimeout, o.config.NodeTimeout)
		}
		return nil, err
	}
	if result == nil {
		return nil, ErrNoResult
	}
	return result, nil
}

func (o *Orchestrator) finish(ctx context.Context, ex *execution) (*model.ExecutionRun, error) {
	run := ex.run
	finished := time.Now()
	run.FinishedAt = &finished
	run.FinalOutput = finalOutput(run)

	run.Status = run.Outcome()
	monitor.RunsTotal.WithLabelValues(string(run.Status)).Inc()

	if o.store != nil {
		// the run is recorded even when ctx was cancelled
		if err := o.store.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
			o.logger.Error("Failed to update run",
				zap.String("run_id", run.RunID),
				zap.Error(err))
		}
	}

	o.logger.Info("Run finished",
		zap.String("run_id", run.RunID),
		zap.String("status", string(run.Status)),
		zap.Duration("duration", finished.Sub(run.CreatedAt)))
	o.publish(context.WithoutCancel(ctx), &RunEvent{Type: EventRunFinished, RunID: run.RunID})

	return run, ctx.Err()
}

// finalOutput is the output of the final node when it completed, else the
// output of the last completed node in schedule order
func finalOutput(run *model.ExecutionRun) string {
	if run.FinalNodeID != "" {
		if n := run.Node(run.FinalNodeID); n != nil && n.Status == model.NodeStatusCompleted {
			return n.Output
		}
	}

	out := ""
	for _, n := range run.Nodes {
		if n.Status == model.NodeStatusCompleted {
			out = n.Output
		}
	}
	return out
}

func (o *Orchestrator) saveNode(ctx context.Context, runID string, nr *model.NodeRun) {
	if o.store == nil {
		return
	}

	snapshot := *nr
	if err := o.store.SaveNodeRun(context.WithoutCancel(ctx), runID, &snapshot); err != nil {
		o.logger.Error("Failed to save node run",
			zap.String("run_id", runID),
			zap.String("node_id", nr.NodeID),
			zap.Error(err))
	}
}

func (o *Orchestrator) publish(ctx context.Context, event *RunEvent) {
	if o.events == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := o.events.PublishEvent(ctx, event); err != nil {
		o.logger.Warn("Failed to publish run event",
			zap.String("run_id", event.RunID),
			zap.String("type", string(event.Type)),
			zap.Error(err))
	}
}
