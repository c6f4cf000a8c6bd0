// Package planner asks a model-backed agent to decompose a goal into a
// task graph.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/agent"
	"github.com/t77yq/taskgraph/internal/model"
	"github.com/t77yq/taskgraph/internal/preset"
	"github.com/t77yq/taskgraph/internal/taskgraph"
)

const (
	DefaultMaxNodes = 8
	MaxNodesLimit   = 20

	// agents beyond this are left out of the prompt
	maxPromptAgents = 12

	temperature = 0.2
	maxTokens   = 1800
)

var (
	// ErrInvalidRequest is returned when a plan request is malformed
	ErrInvalidRequest = errors.New("invalid plan request")

	// ErrUnknownPreset is returned when the requested preset does not exist
	ErrUnknownPreset = errors.New("preset not found")

	// ErrNoAgents is returned when no registered agent may be planned with
	ErrNoAgents = errors.New("no allowed agents")

	// ErrPlannerFailed is returned when the planner agent fails or its reply
	// is not a usable task graph
	ErrPlannerFailed = errors.New("planner failed")
)

// Request describes what to plan. A nil AllowedAgentIDs allows every
// registered agent.
type Request struct {
	Goal            string   `json:"goal"`
	TemplateHint    string   `json:"templateHint,omitempty"`
	PresetID        string   `json:"presetId,omitempty"`
	AllowedAgentIDs []string `json:"allowedAgentIds,omitempty"`
	MaxNodes        int      `json:"maxNodes,omitempty"`
	PlannerAgentID  string   `json:"plannerAgentId,omitempty"`
}

func (r Request) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Goal, validation.Required),
		validation.Field(&r.MaxNodes, validation.Min(0)),
	)
}

// Result is a planned and sanitized task graph
type Result struct {
	Spec           taskgraph.Spec `json:"spec"`
	PlannerAgentID string         `json:"plannerAgentId"`
	PlannerModel   string         `json:"plannerModel,omitempty"`
}

// Planner turns goals into task graphs using a registered agent
type Planner struct {
	logger  *zap.Logger
	agents  *agent.Registry
	presets *preset.Catalog
}

// New creates a planner. A nil catalog uses the built-in presets.
func New(agents *agent.Registry, presets *preset.Catalog, logger *zap.Logger) *Planner {
	if presets == nil {
		presets = preset.Default()
	}
	return &Planner{
		logger:  logger.Named("planner"),
		agents:  agents,
		presets: presets,
	}
}

// Plan prompts the planner agent and parses its reply. Nodes of the result
// are only bound to allowed agents.
func (p *Planner) Plan(ctx context.Context, req Request) (*Result, error) {
	req.Goal = strings.TrimSpace(req.Goal)
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	hint := req.TemplateHint
	if req.PresetID != "" {
		pr, ok := p.presets.Get(req.PresetID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPreset, req.PresetID)
		}
		if hint == "" {
			hint = pr.TemplateHint
		}
	}

	allowed := p.agents.IDs()
	if req.AllowedAgentIDs != nil {
		allowed = p.agents.Allowed(req.AllowedAgentIDs)
	}
	if len(allowed) == 0 {
		return nil, ErrNoAgents
	}

	plannerID := req.PlannerAgentID
	if plannerID == "" {
		plannerID = allowed[0]
	}
	a, handler, err := p.agents.Resolve(plannerID)
	if err != nil {
		return nil, err
	}

	maxNodes := clampNodes(req.MaxNodes)
	completion := agent.Completion{
		System:      systemPrompt(maxNodes),
		User:        userPrompt(req.Goal, hint, p.summaries(allowed)),
		Temperature: floatPtr(temperature),
		MaxTokens:   maxTokens,
	}

	p.logger.Info("Planning task graph",
		zap.String("planner_agent", a.ID),
		zap.Int("max_nodes", maxNodes),
		zap.Int("allowed_agents", len(allowed)))

	text, err := complete(ctx, handler, req.Goal, completion)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPlannerFailed, err)
	}

	spec, err := taskgraph.ParsePlannerOutput(text, allowed)
	if err != nil {
		p.logger.Warn("Planner reply rejected",
			zap.String("planner_agent", a.ID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrPlannerFailed, err)
	}
	if spec.TemplateHint == "" {
		spec.TemplateHint = hint
	}

	return &Result{
		Spec:           spec,
		PlannerAgentID: a.ID,
		PlannerModel:   a.Model,
	}, nil
}

type agentSummary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Model       string   `json:"model,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

func (p *Planner) summaries(ids []string) []agentSummary {
	if len(ids) > maxPromptAgents {
		ids = ids[:maxPromptAgents]
	}
	out := make([]agentSummary, 0, len(ids))
	for _, id := range ids {
		a, ok := p.agents.Get(id)
		if !ok {
			continue
		}
		out = append(out, agentSummary{
			ID:          a.ID,
			Name:        a.Name,
			Model:       a.Model,
			Description: a.Description,
			Tags:        a.Tags,
		})
	}
	return out
}

// complete prefers the raw prompt path and falls back to a node execution
// for handlers that only run nodes
func complete(ctx context.Context, h agent.Handler, goal string, c agent.Completion) (string, error) {
	if completer, ok := h.(agent.Completer); ok {
		return completer.Complete(ctx, c)
	}

	result, err := h.Execute(ctx, &model.NodeRequest{
		NodeID:      "plan",
		Goal:        goal,
		Title:       "Plan the task graph",
		Description: c.System + "\n\n" + c.User,
		Attempt:     1,
	})
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", errors.New("agent returned no result")
	}
	if result.Status != model.NodeStatusCompleted {
		return "", fmt.Errorf("agent finished with status %q: %s", result.Status, result.Error)
	}
	return result.Output, nil
}

func clampNodes(n int) int {
	if n <= 0 {
		return DefaultMaxNodes
	}
	if n > MaxNodesLimit {
		return MaxNodesLimit
	}
	return n
}

func systemPrompt(maxNodes int) string {
	var sb strings.Builder
	sb.WriteString("You are a task graph planner. Split the user's goal into a directed acyclic graph of steps that may run in sequence or in parallel.\n")
	sb.WriteString("Reply with JSON only, no markdown and no commentary.\n")
	sb.WriteString("Constraints:\n")
	fmt.Fprintf(&sb, "- at most %d nodes\n", maxNodes)
	sb.WriteString("- every node has id, title, description and dependsOn (an array of ids)\n")
	sb.WriteString("- dependsOn may only reference ids of nodes in your output\n")
	sb.WriteString("- agentId is optional and must be one of the allowed agent ids\n")
	fmt.Fprintf(&sb, "- version is always %q\n", taskgraph.SupportedVersion)
	fmt.Fprintf(&sb, "Schema: { version: %q, goal, nodes: [{ id, title, description, dependsOn, agentId? }], edges?, finalNodeId?, templateHint? }",
		taskgraph.SupportedVersion)
	return sb.String()
}

func userPrompt(goal, hint string, agents []agentSummary) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal:\n%s\n", goal)
	if hint != "" {
		fmt.Fprintf(&sb, "\nTemplate hint:\n%s\n", hint)
	}

	data, _ := json.MarshalIndent(agents, "", "  ")
	fmt.Fprintf(&sb, "\nAllowed agents:\n%s\n", data)
	sb.WriteString("\nSplit the goal into a graph that makes use of the available agents. Nodes that run in parallel must not depend on each other.")
	return sb.String()
}

func floatPtr(f float64) *float64 { return &f }
