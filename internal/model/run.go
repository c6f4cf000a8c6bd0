package model

import (
	"time"
)

// NodeStatus represents the lifecycle state of one node execution
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusError     NodeStatus = "error"
)

// NodeRun tracks one node of a graph execution
type NodeRun struct {
	NodeID     string     `json:"nodeId"`
	Status     NodeStatus `json:"status"`
	AgentID    string     `json:"agentId"`
	AgentName  string     `json:"agentName"`
	Model      string     `json:"model"`
	Layer      int        `json:"layer"`
	Attempts   int        `json:"attempts,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Duration returns the wall time between start and finish
func (r *NodeRun) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// ExecutionRun aggregates the node runs of one graph invocation
type ExecutionRun struct {
	RunID       string     `json:"runId"`
	Goal        string     `json:"goal"`
	Status      RunStatus  `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	Layers      [][]string `json:"layers"`
	Cyclic      bool       `json:"cyclic"`
	FinalNodeID string     `json:"finalNodeId,omitempty"`
	FinalOutput string     `json:"finalOutput,omitempty"`
	Nodes       []*NodeRun `json:"nodes"`
}

// Node returns the run record of a node
func (r *ExecutionRun) Node(nodeID string) *NodeRun {
	for _, n := range r.Nodes {
		if n.NodeID == nodeID {
			return n
		}
	}
	return nil
}

// Succeeded reports whether every node completed
func (r *ExecutionRun) Succeeded() bool {
	for _, n := range r.Nodes {
		if n.Status != NodeStatusCompleted {
			return false
		}
	}
	return true
}

// Outcome derives the aggregate status from the finish time and the node
// states
func (r *ExecutionRun) Outcome() RunStatus {
	if r.FinishedAt == nil {
		return RunStatusRunning
	}
	if r.Succeeded() {
		return RunStatusCompleted
	}
	return RunStatusFailed
}

// RunStatus is the aggregate state of an ExecutionRun
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// NodeRequest is the unit of work handed to an agent
type NodeRequest struct {
	RunID       string            `json:"run_id"`
	NodeID      string            `json:"node_id"`
	Goal        string            `json:"goal"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	AgentID     string            `json:"agent_id,omitempty"`
	Inputs      map[string]string `json:"inputs,omitempty"`
	Attempt     int               `json:"attempt"`
}

// NodeResult is what an agent reports back for a NodeRequest
type NodeResult struct {
	RunID       string     `json:"run_id"`
	NodeID      string     `json:"node_id"`
	WorkerID    string     `json:"worker_id,omitempty"`
	AgentID     string     `json:"agent_id,omitempty"`
	Model       string     `json:"model,omitempty"`
	Attempt     int        `json:"attempt"`
	Status      NodeStatus `json:"status"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	CompletedAt time.Time  `json:"completed_at"`
}
