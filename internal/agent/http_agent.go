package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/model"
)

// HTTPAgentConfig configures a chat-completion style endpoint
type HTTPAgentConfig struct {
	URL     string
	APIKey  string
	Model   string
	Headers map[string]string
	Timeout time.Duration
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// HTTPAgent executes nodes by calling a chat-completion HTTP endpoint
type HTTPAgent struct {
	logger     *zap.Logger
	config     HTTPAgentConfig
	httpClient *http.Client
}

// NewHTTPAgent creates a new HTTP agent
func NewHTTPAgent(config HTTPAgentConfig, logger *zap.Logger) *HTTPAgent {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPAgent{
		logger: logger.Named("http-agent"),
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Execute sends the node as a chat request and returns the first choice.
// Rejections by the endpoint are reported in the result.
func (a *HTTPAgent) Execute(ctx context.Context, req *model.NodeRequest) (*model.NodeResult, error) {
	a.logger.Debug("Executing node",
		zap.String("run_id", req.RunID),
		zap.String("node_id", req.NodeID),
		zap.String("model", a.config.Model))

	content, err := a.chat(ctx, chatRequest{
		Model: a.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(req)},
			{Role: "user", Content: userPrompt(req)},
		},
	})

	result := &model.NodeResult{
		RunID:       req.RunID,
		NodeID:      req.NodeID,
		AgentID:     req.AgentID,
		Model:       a.config.Model,
		Status:      model.NodeStatusCompleted,
		Output:      content,
		CompletedAt: time.Now(),
	}
	if errors.Is(err, ErrRejected) {
		result.Status = model.NodeStatusError
		result.Output = ""
		result.Error = err.Error()
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Complete implements Completer
func (a *HTTPAgent) Complete(ctx context.Context, c Completion) (string, error) {
	req := chatRequest{
		Model: a.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: c.System},
			{Role: "user", Content: c.User},
		},
		MaxTokens: c.MaxTokens,
	}
	if c.Temperature != nil {
		t := *c.Temperature
		req.Temperature = &t
	}
	return a.chat(ctx, req)
}

func (a *HTTPAgent) chat(ctx context.Context, chat chatRequest) (string, error) {
	body, err := json.Marshal(chat)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	}
	for key, value := range a.config.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%w: agent request failed with status: %d", ErrRejected, resp.StatusCode)
	}

	var decoded chatResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("%w: agent returned no choices", ErrRejected)
	}
	return decoded.Choices[0].Message.Content, nil
}

func systemPrompt(req *model.NodeRequest) string {
	return fmt.Sprintf("You are one step of a larger plan. Overall goal: %s", req.Goal)
}

func userPrompt(req *model.NodeRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n%s\n", req.Title, req.Description)

	if len(req.Inputs) > 0 {
		ids := make([]string, 0, len(req.Inputs))
		for id := range req.Inputs {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		sb.WriteString("\nResults from earlier steps:\n")
		for _, id := range ids {
			fmt.Fprintf(&sb, "[%s]\n%s\n", id, req.Inputs[id])
		}
	}
	return sb.String()
}
