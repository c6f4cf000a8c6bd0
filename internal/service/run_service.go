// Package service accepts run submissions from JetStream and publishes run
// events back to it.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/model"
	"github.com/t77yq/taskgraph/internal/orchestrator"
	"github.com/t77yq/taskgraph/internal/stream"
	"github.com/t77yq/taskgraph/internal/taskgraph"
)

const runQueue = "graph_runners"

// Executor runs a task graph to completion
type Executor interface {
	Execute(ctx context.Context, spec taskgraph.Spec) (*model.ExecutionRun, error)
}

// RunService executes specs submitted on the run submission subject
type RunService struct {
	js       nats.JetStreamContext
	logger   *zap.Logger
	executor Executor
	sub      *nats.Subscription
	wg       sync.WaitGroup
}

// NewRunService creates a new run service
func NewRunService(js nats.JetStreamContext, executor Executor, logger *zap.Logger) *RunService {
	return &RunService{
		js:       js,
		logger:   logger.Named("run-service"),
		executor: executor,
	}
}

// Start subscribes to run submissions. Runs are executed with ctx.
func (s *RunService) Start(ctx context.Context) error {
	if err := stream.Setup(s.js, s.logger); err != nil {
		return err
	}

	sub, err := s.js.QueueSubscribe(
		stream.RunSubmitSubject,
		runQueue,
		func(msg *nats.Msg) { s.handleSubmission(ctx, msg) },
		nats.Durable(runQueue),
		nats.ManualAck(),
		nats.AckWait(30*time.Second),
		nats.DeliverNew(),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to run submissions: %w", err)
	}
	s.sub = sub
	return nil
}

func (s *RunService) handleSubmission(ctx context.Context, msg *nats.Msg) {
	spec, err := taskgraph.NormalizeJSON(msg.Data)
	if err != nil {
		s.logger.Error("Rejected run submission", zap.Error(err))
		if err := msg.Term(); err != nil {
			s.logger.Error("Failed to terminate message", zap.Error(err))
		}
		return
	}

	if err := msg.Ack(); err != nil {
		s.logger.Error("Failed to acknowledge message", zap.Error(err))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		run, err := s.executor.Execute(ctx, spec)
		if err != nil && run == nil {
			s.logger.Error("Failed to execute run",
				zap.String("goal", spec.Goal),
				zap.Error(err))
			return
		}

		fields := []zap.Field{
			zap.String("run_id", run.RunID),
			zap.String("status", string(run.Status)),
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		s.logger.Info("Submitted run finished", fields...)
	}()
}

// Submit enqueues spec for asynchronous execution
func (s *RunService) Submit(ctx context.Context, spec taskgraph.Spec) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to marshal spec: %w", err)
	}

	if _, err := s.js.Publish(stream.RunSubmitSubject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to submit run: %w", err)
	}
	return nil
}

// PublishEvent implements orchestrator.EventPublisher
func (s *RunService) PublishEvent(ctx context.Context, event *orchestrator.RunEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := s.js.Publish(stream.RunEventSubject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// SubscribeEvents calls handler for every run event published from now on,
// until ctx is done
func (s *RunService) SubscribeEvents(ctx context.Context, handler func(*orchestrator.RunEvent)) error {
	sub, err := s.js.Subscribe(stream.RunEventSubject, func(msg *nats.Msg) {
		var event orchestrator.RunEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			s.logger.Error("Failed to unmarshal run event", zap.Error(err))
			return
		}
		handler(&event)
	}, nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe to run events: %w", err)
	}

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			s.logger.Warn("Failed to unsubscribe from run events", zap.Error(err))
		}
	}()
	return nil
}

// Stop stops accepting submissions and waits for running graphs
func (s *RunService) Stop() error {
	var err error
	if s.sub != nil {
		err = s.sub.Unsubscribe()
	}
	s.wg.Wait()
	return err
}
