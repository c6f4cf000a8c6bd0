// Package agent describes the workers that execute task graph nodes.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/t77yq/taskgraph/internal/model"
)

var (
	// ErrAgentNotFound is returned when no agent is registered under an id
	ErrAgentNotFound = errors.New("agent not found")

	// ErrDuplicateAgent is returned when an id is registered twice
	ErrDuplicateAgent = errors.New("duplicate agent")

	// ErrInvalidAgent is returned when an agent has no id or no handler
	ErrInvalidAgent = errors.New("invalid agent")

	// ErrRejected is returned when an agent endpoint answers without a
	// usable reply
	ErrRejected = errors.New("agent rejected the request")
)

// Agent describes a model-backed worker a node can be bound to
type Agent struct {
	ID          string   `json:"id" mapstructure:"id"`
	Name        string   `json:"name" mapstructure:"name"`
	Model       string   `json:"model" mapstructure:"model"`
	Description string   `json:"description" mapstructure:"description"`
	Tags        []string `json:"tags,omitempty" mapstructure:"tags"`
}

// Handler executes a node on behalf of an agent
type Handler interface {
	Execute(ctx context.Context, req *model.NodeRequest) (*model.NodeResult, error)
}

// Completion is a raw chat exchange outside of any graph node
type Completion struct {
	System      string
	User        string
	Temperature *float64
	MaxTokens   int
}

// Completer is implemented by handlers that accept raw prompts
type Completer interface {
	Complete(ctx context.Context, c Completion) (string, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, req *model.NodeRequest) (*model.NodeResult, error)

func (f HandlerFunc) Execute(ctx context.Context, req *model.NodeRequest) (*model.NodeResult, error) {
	return f(ctx, req)
}

type entry struct {
	agent   Agent
	handler Handler
}

// Registry maps agent ids to descriptors and handlers. The first
// registered agent is the default for unbound nodes.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]entry
	order     []string
	defaultID string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]entry),
	}
}

// Register adds an agent and its handler
func (r *Registry) Register(a Agent, h Handler) error {
	if a.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidAgent)
	}
	if h == nil {
		return fmt.Errorf("%w: no handler for %s", ErrInvalidAgent, a.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[a.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, a.ID)
	}
	r.agents[a.ID] = entry{agent: a, handler: h}
	r.order = append(r.order, a.ID)
	if r.defaultID == "" {
		r.defaultID = a.ID
	}
	return nil
}

// SetDefault selects the agent used for nodes without an agent binding
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	r.defaultID = id
	return nil
}

// Get returns the descriptor of an agent
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[id]
	return e.agent, ok
}

// Resolve returns the agent and handler for id, falling back to the
// default agent when id is empty
func (r *Registry) Resolve(id string) (Agent, Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id == "" {
		id = r.defaultID
	}
	e, ok := r.agents[id]
	if !ok {
		return Agent{}, nil, fmt.Errorf("%w: %q", ErrAgentNotFound, id)
	}
	return e.agent, e.handler, nil
}

// List returns all agents in registration order
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id].agent)
	}
	return out
}

// IDs returns all agent ids in registration order
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}

// Allowed filters ids down to registered agents, keeping order
func (r *Registry) Allowed(ids []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := r.agents[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
