package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/agent"
	"github.com/t77yq/taskgraph/internal/model"
)

// NodeRunner executes a single node request
type NodeRunner interface {
	// RunNode executes req and returns the agent's result. An error means
	// the node could not be executed at all.
	RunNode(ctx context.Context, req *model.NodeRequest) (*model.NodeResult, error)
}

// LocalRunner calls agent handlers in process
type LocalRunner struct {
	logger *zap.Logger
	agents *agent.Registry
}

// NewLocalRunner creates a runner backed by the given registry
func NewLocalRunner(agents *agent.Registry, logger *zap.Logger) *LocalRunner {
	return &LocalRunner{
		logger: logger.Named("local-runner"),
		agents: agents,
	}
}

// RunNode implements NodeRunner
func (r *LocalRunner) RunNode(ctx context.Context, req *model.NodeRequest) (*model.NodeResult, error) {
	a, handler, err := r.agents.Resolve(req.AgentID)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("Running node",
		zap.String("run_id", req.RunID),
		zap.String("node_id", req.NodeID),
		zap.String("agent_id", a.ID))

	result, err := handler.Execute(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", a.ID, err)
	}
	if result == nil {
		return nil, ErrNoResult
	}

	result.RunID = req.RunID
	result.NodeID = req.NodeID
	result.Attempt = req.Attempt
	if result.AgentID == "" {
		result.AgentID = a.ID
	}
	if result.Model == "" {
		result.Model = a.Model
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now()
	}
	return result, nil
}
