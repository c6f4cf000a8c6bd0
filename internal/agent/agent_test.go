package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/model"
)

func echoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, req *model.NodeRequest) (*model.NodeResult, error) {
		return &model.NodeResult{NodeID: req.NodeID, Status: model.NodeStatusCompleted, Output: req.Title}, nil
	})
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Agent{ID: "gpt", Name: "GPT", Model: "gpt-4o"}, echoHandler()))
	require.NoError(t, r.Register(Agent{ID: "claude", Name: "Claude", Model: "claude"}, echoHandler()))

	t.Run("Duplicate", func(t *testing.T) {
		err := r.Register(Agent{ID: "gpt"}, echoHandler())
		require.ErrorIs(t, err, ErrDuplicateAgent)
	})

	t.Run("Invalid", func(t *testing.T) {
		require.ErrorIs(t, r.Register(Agent{}, echoHandler()), ErrInvalidAgent)
		require.ErrorIs(t, r.Register(Agent{ID: "x"}, nil), ErrInvalidAgent)
	})

	t.Run("Resolve Default", func(t *testing.T) {
		a, h, err := r.Resolve("")
		require.NoError(t, err)
		assert.Equal(t, "gpt", a.ID)
		assert.NotNil(t, h)

		require.NoError(t, r.SetDefault("claude"))
		a, _, err = r.Resolve("")
		require.NoError(t, err)
		assert.Equal(t, "claude", a.ID)

		require.ErrorIs(t, r.SetDefault("nope"), ErrAgentNotFound)
	})

	t.Run("Resolve Unknown", func(t *testing.T) {
		_, _, err := r.Resolve("nope")
		require.ErrorIs(t, err, ErrAgentNotFound)
	})

	t.Run("List And Allowed", func(t *testing.T) {
		assert.Equal(t, []string{"gpt", "claude"}, r.IDs())
		assert.Len(t, r.List(), 2)
		assert.Equal(t, []string{"claude"}, r.Allowed([]string{"nope", "claude"}))
	})
}

func TestHTTPAgent(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices": [{"message": {"role": "assistant", "content": "done"}}]}`))
	}))
	defer server.Close()

	a := NewHTTPAgent(HTTPAgentConfig{URL: server.URL, APIKey: "secret", Model: "gpt-4o"}, zap.NewNop())
	result, err := a.Execute(context.Background(), &model.NodeRequest{
		RunID:       "run-1",
		NodeID:      "b",
		Goal:        "ship",
		Title:       "Build",
		Description: "implement it",
		Inputs:      map[string]string{"a": "the scope"},
	})
	require.NoError(t, err)

	assert.Equal(t, model.NodeStatusCompleted, result.Status)
	assert.Equal(t, "done", result.Output)
	assert.Equal(t, "gpt-4o", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Contains(t, got.Messages[0].Content, "ship")
	assert.Contains(t, got.Messages[1].Content, "the scope")
}

func TestHTTPAgentErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	a := NewHTTPAgent(HTTPAgentConfig{URL: server.URL}, zap.NewNop())
	result, err := a.Execute(context.Background(), &model.NodeRequest{NodeID: "a"})
	require.NoError(t, err)
	assert.Equal(t, model.NodeStatusError, result.Status)
	assert.Contains(t, result.Error, "429")
}

func TestHTTPAgentComplete(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices": [{"message": {"role": "assistant", "content": "{}"}}]}`))
	}))
	defer server.Close()

	temperature := 0.2
	a := NewHTTPAgent(HTTPAgentConfig{URL: server.URL, Model: "gpt-4o"}, zap.NewNop())
	out, err := a.Complete(context.Background(), Completion{
		System:      "plan",
		User:        "ship it",
		Temperature: &temperature,
		MaxTokens:   1800,
	})
	require.NoError(t, err)
	assert.Equal(t, "{}", out)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, chatMessage{Role: "system", Content: "plan"}, got.Messages[0])
	assert.Equal(t, chatMessage{Role: "user", Content: "ship it"}, got.Messages[1])
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.2, *got.Temperature, 1e-9)
	assert.Equal(t, 1800, got.MaxTokens)

	t.Run("No Choices", func(t *testing.T) {
		empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"choices": []}`))
		}))
		defer empty.Close()

		a := NewHTTPAgent(HTTPAgentConfig{URL: empty.URL}, zap.NewNop())
		_, err := a.Complete(context.Background(), Completion{User: "x"})
		require.ErrorIs(t, err, ErrRejected)
	})
}
