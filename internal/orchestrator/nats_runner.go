package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/model"
	"github.com/t77yq/taskgraph/internal/stream"
)

// NATSRunner dispatches node requests to the worker queue group and waits
// for the result on the node's result subject
type NATSRunner struct {
	logger  *zap.Logger
	js      nats.JetStreamContext
	timeout time.Duration
}

// NewNATSRunner creates a runner that publishes on JetStream. A zero
// timeout waits until the context is done.
func NewNATSRunner(js nats.JetStreamContext, timeout time.Duration, logger *zap.Logger) (*NATSRunner, error) {
	logger = logger.Named("nats-runner")
	if err := stream.Setup(js, logger); err != nil {
		return nil, err
	}
	return &NATSRunner{
		logger:  logger,
		js:      js,
		timeout: timeout,
	}, nil
}

// RunNode implements NodeRunner. Only a result echoing the run id, node
// id and attempt of req is accepted.
func (r *NATSRunner) RunNode(ctx context.Context, req *model.NodeRequest) (*model.NodeResult, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal node request: %w", err)
	}

	results := make(chan *model.NodeResult, 1)
	subject := stream.NodeResultSubject(req.RunID, req.NodeID)
	sub, err := r.js.Subscribe(subject, func(msg *nats.Msg) {
		var result model.NodeResult
		if err := json.Unmarshal(msg.Data, &result); err != nil {
			r.logger.Error("Failed to unmarshal node result",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return
		}
		if result.RunID != req.RunID || result.NodeID != req.NodeID || result.Attempt != req.Attempt {
			r.logger.Warn("Discarding result of another request",
				zap.String("run_id", result.RunID),
				zap.String("node_id", result.NodeID),
				zap.Int("attempt", result.Attempt),
				zap.Int("want_attempt", req.Attempt))
			return
		}
		select {
		case results <- &result:
		default:
		}
	}, nats.DeliverNew())
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to node result: %w", err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Warn("Failed to unsubscribe", zap.String("subject", subject), zap.Error(err))
		}
	}()

	if _, err := r.js.Publish(stream.NodeSubmitSubject, data, nats.Context(ctx)); err != nil {
		return nil, fmt.Errorf("failed to publish node request: %w", err)
	}

	r.logger.Debug("Node submitted",
		zap.String("run_id", req.RunID),
		zap.String("node_id", req.NodeID),
		zap.Int("attempt", req.Attempt))

	var timeout <-chan time.Time
	if r.timeout > 0 {
		timer := time.NewTimer(r.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case result := <-results:
		return result, nil
	case <-timeout:
		return nil, fmt.Errorf("%w after %s", ErrNodeTimeout, r.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
