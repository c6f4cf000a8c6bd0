// Package executor runs task graph nodes dispatched over JetStream.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/agent"
	"github.com/t77yq/taskgraph/internal/model"
	"github.com/t77yq/taskgraph/internal/stream"
)

// WorkerConfig defines configuration for a node worker
type WorkerConfig struct {
	ID                string
	MaxNodes          int
	MaxCPU            float64
	MaxMemory         float64
	HeartbeatInterval time.Duration
	AckWait           time.Duration
	RetryDelay        time.Duration
}

// Worker consumes node requests from the shared queue group and executes
// them with the registered agents
type Worker struct {
	logger    *zap.Logger
	js        nats.JetStreamContext
	agents    *agent.Registry
	config    WorkerConfig
	resources *ResourceManager
	sub       *nats.Subscription
	inflight  sync.WaitGroup
	cancel    context.CancelFunc
	stopped   chan struct{}
}

// NewWorker creates a new node worker
func NewWorker(js nats.JetStreamContext, agents *agent.Registry, config WorkerConfig, logger *zap.Logger) *Worker {
	if config.ID == "" {
		config.ID = uuid.New().String()
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 5 * time.Second
	}
	if config.AckWait <= 0 {
		config.AckWait = 30 * time.Second
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	logger = logger.Named("worker").With(zap.String("worker_id", config.ID))
	return &Worker{
		logger: logger,
		js:     js,
		agents: agents,
		config: config,
		resources: NewResourceManager(config.ID, ResourceLimits{
			MaxNodes:  config.MaxNodes,
			MaxCPU:    config.MaxCPU,
			MaxMemory: config.MaxMemory,
		}, logger),
		stopped: make(chan struct{}),
	}
}

// ID returns the worker id
func (w *Worker) ID() string {
	return w.config.ID
}

// Start subscribes to node submissions and starts the heartbeat
func (w *Worker) Start(ctx context.Context) error {
	if err := stream.Setup(w.js, w.logger); err != nil {
		return err
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.resources.Start(ctx)

	sub, err := w.js.QueueSubscribe(
		stream.NodeSubmitSubject,
		stream.WorkerQueue,
		func(msg *nats.Msg) { w.handleMessage(ctx, msg) },
		nats.Durable(stream.WorkerQueue),
		nats.ManualAck(),
		nats.AckWait(w.config.AckWait),
		nats.MaxDeliver(-1),
		nats.DeliverNew(),
	)
	if err != nil {
		// the heartbeat never started, so Stop has nothing to wait for
		w.cancel()
		w.cancel = nil
		w.resources.Wait()
		return fmt.Errorf("failed to subscribe to node submissions: %w", err)
	}
	w.sub = sub

	go w.heartbeat(ctx)

	w.logger.Info("Worker started", zap.Int("max_nodes", w.resources.limits.MaxNodes))
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *nats.Msg) {
	var req model.NodeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		w.logger.Error("Failed to unmarshal node request", zap.Error(err))
		if err := msg.Term(); err != nil {
			w.logger.Error("Failed to terminate message", zap.Error(err))
		}
		return
	}

	key := req.RunID + "/" + req.NodeID
	if err := w.resources.Acquire(key); err != nil {
		w.logger.Debug("Node request deferred",
			zap.String("run_id", req.RunID),
			zap.String("node_id", req.NodeID),
			zap.Error(err))
		if err := msg.NakWithDelay(w.config.RetryDelay); err != nil {
			w.logger.Error("Failed to nak message", zap.Error(err))
		}
		return
	}

	if err := msg.Ack(); err != nil {
		w.logger.Error("Failed to acknowledge message", zap.Error(err))
	}

	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		defer w.resources.Release(key)

		result := w.Execute(ctx, &req)
		if err := w.publishResult(result); err != nil {
			w.logger.Error("Failed to publish node result",
				zap.String("run_id", req.RunID),
				zap.String("node_id", req.NodeID),
				zap.Error(err))
		}
	}()
}

// Execute runs a node request with the agent it is bound to. Failures are
// reported in the result rather than returned.
func (w *Worker) Execute(ctx context.Context, req *model.NodeRequest) *model.NodeResult {
	a, handler, err := w.agents.Resolve(req.AgentID)
	if err != nil {
		return w.failed(req, err)
	}

	w.logger.Info("Executing node",
		zap.String("run_id", req.RunID),
		zap.String("node_id", req.NodeID),
		zap.String("agent_id", a.ID),
		zap.Int("attempt", req.Attempt))

	result, err := handler.Execute(ctx, req)
	if err != nil {
		return w.failed(req, err)
	}
	if result == nil {
		return w.failed(req, errors.New("agent returned no result"))
	}

	result.RunID = req.RunID
	result.NodeID = req.NodeID
	result.Attempt = req.Attempt
	result.WorkerID = w.config.ID
	if result.AgentID == "" {
		result.AgentID = a.ID
	}
	if result.Model == "" {
		result.Model = a.Model
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now()
	}
	return result
}

func (w *Worker) failed(req *model.NodeRequest, err error) *model.NodeResult {
	return &model.NodeResult{
		RunID:       req.RunID,
		NodeID:      req.NodeID,
		Attempt:     req.Attempt,
		WorkerID:    w.config.ID,
		AgentID:     req.AgentID,
		Status:      model.NodeStatusError,
		Error:       err.Error(),
		CompletedAt: time.Now(),
	}
}

func (w *Worker) publishResult(result *model.NodeResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	_, err = w.js.Publish(stream.NodeResultSubject(result.RunID, result.NodeID), data)
	return err
}

// heartbeat publishes worker statistics until ctx is done
func (w *Worker) heartbeat(ctx context.Context) {
	defer close(w.stopped)

	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		w.publishStats()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) publishStats() {
	stats := w.resources.GetStats()
	data, err := json.Marshal(&stats)
	if err != nil {
		w.logger.Error("Failed to marshal heartbeat", zap.Error(err))
		return
	}

	if _, err := w.js.Publish(stream.WorkerStatsSubject(w.config.ID), data); err != nil {
		w.logger.Error("Failed to publish heartbeat", zap.Error(err))
	}
}

// GetStats returns current worker statistics
func (w *Worker) GetStats() model.WorkerStats {
	return w.resources.GetStats()
}

// Stop unsubscribes and waits for in-flight nodes to finish
func (w *Worker) Stop() error {
	w.logger.Info("Stopping worker")

	var err error
	if w.sub != nil {
		err = w.sub.Drain()
		deadline := time.Now().Add(w.config.AckWait)
		for w.sub.IsValid() && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
	}
	w.inflight.Wait()
	if w.cancel != nil {
		w.cancel()
		<-w.stopped
		w.resources.Wait()
	}
	return err
}
