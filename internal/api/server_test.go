package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/taskgraph/internal/agent"
	"github.com/t77yq/taskgraph/internal/model"
	"github.com/t77yq/taskgraph/internal/monitor"
	"github.com/t77yq/taskgraph/internal/orchestrator"
	"github.com/t77yq/taskgraph/internal/scheduler"
	"github.com/t77yq/taskgraph/internal/storage"
	"github.com/t77yq/taskgraph/internal/taskgraph"
	"github.com/t77yq/taskgraph/internal/testutil"
)

const diamondJSON = `{
	"version": "2.0",
	"goal": "ship the feature",
	"nodes": [
		{"id": "a", "title": "Scope", "description": "scope the work", "dependsOn": []},
		{"id": "b", "title": "Build", "description": "build it", "dependsOn": ["a"]},
		{"id": "c", "title": "Docs", "description": "write docs", "dependsOn": []},
		{"id": "d", "title": "Ship", "description": "ship it", "dependsOn": ["b"]}
	],
	"edges": [{"from": "c", "to": "d", "kind": "data"}],
	"finalNodeId": "d"
}`

type submitRecorder struct {
	mu    sync.Mutex
	specs []taskgraph.Spec
}

func (r *submitRecorder) Submit(ctx context.Context, spec taskgraph.Spec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs = append(r.specs, spec)
	return nil
}

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	return NewServer(Config{Addr: ":0"}, deps, zaptest.NewLogger(t))
}

func newRunDeps(t *testing.T) Deps {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store, err := storage.NewSQLiteRunStore(logger, filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := agent.NewRegistry()
	require.NoError(t, registry.Register(agent.Agent{ID: "writer", Name: "Writer", Model: "echo"}, agent.HandlerFunc(
		func(ctx context.Context, req *model.NodeRequest) (*model.NodeResult, error) {
			return &model.NodeResult{Status: model.NodeStatusCompleted, Output: "done " + req.NodeID}, nil
		})))

	o := orchestrator.New(orchestrator.NewLocalRunner(registry, logger), orchestrator.Config{}, logger,
		orchestrator.WithStore(store),
		orchestrator.WithAgents(registry))

	return Deps{Executor: o, Store: store, Agents: registry}
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestGraphs(t *testing.T) {
	s := newTestServer(t, Deps{})

	t.Run("Normalize", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/v1/graphs/normalize", diamondJSON)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp specResponse
		decode(t, rec, &resp)
		d, ok := resp.Spec.Node("d")
		require.True(t, ok)
		assert.Equal(t, []string{"b"}, d.DependsOn)
		assert.Equal(t, []taskgraph.Edge{
			{From: "c", To: "d", Kind: taskgraph.EdgeKindData},
			{From: "a", To: "b", Kind: taskgraph.EdgeKindControl},
			{From: "b", To: "d", Kind: taskgraph.EdgeKindControl},
		}, resp.Spec.Edges)
	})

	t.Run("Schedule", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/v1/graphs/schedule", diamondJSON)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp scheduleResponse
		decode(t, rec, &resp)
		assert.Equal(t, [][]string{{"a", "c"}, {"b"}, {"d"}}, resp.Layers)
		assert.False(t, resp.Cyclic)
	})

	t.Run("Cyclic Schedule", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/v1/graphs/schedule", `{
			"version": "2.0",
			"goal": "loop",
			"nodes": [
				{"id": "x", "title": "X", "description": "x", "dependsOn": ["y"]},
				{"id": "y", "title": "Y", "description": "y", "dependsOn": ["x"]}
			],
			"edges": []
		}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp scheduleResponse
		decode(t, rec, &resp)
		assert.True(t, resp.Cyclic)
		assert.Equal(t, [][]string{{"x", "y"}}, resp.Layers)
		assert.Equal(t, []string{"x", "y"}, resp.Unresolved)
	})

	t.Run("Invalid Spec", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/v1/graphs/normalize", `{"version": "1.0", "goal": "", "nodes": [], "edges": []}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)

		var resp ErrorResponse
		decode(t, rec, &resp)
		assert.Equal(t, CodeInvalidArgument, resp.Code)
		assert.NotEmpty(t, resp.Violations)
	})

	t.Run("Malformed JSON", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/v1/graphs/schedule", `{"version":`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestParsePlan(t *testing.T) {
	registry := agent.NewRegistry()
	noop := agent.HandlerFunc(func(ctx context.Context, req *model.NodeRequest) (*model.NodeResult, error) {
		return &model.NodeResult{Status: model.NodeStatusCompleted}, nil
	})
	require.NoError(t, registry.Register(agent.Agent{ID: "gpt"}, noop))
	require.NoError(t, registry.Register(agent.Agent{ID: "claude"}, noop))

	s := newTestServer(t, Deps{Agents: registry})

	planText := "Here is the plan:\n```json\n" + `{
		"version": "2.0",
		"goal": "research",
		"nodes": [
			{"id": "gather", "title": "Gather", "description": "gather sources", "dependsOn": ["ghost"], "agentId": "gpt"},
			{"id": "gather", "title": "Again", "description": "duplicate", "dependsOn": []},
			{"id": "report", "title": "Report", "description": "write report", "dependsOn": ["gather"], "agentId": "gemini"}
		],
		"edges": []
	}` + "\n```\nLet me know."

	t.Run("Parse", func(t *testing.T) {
		body, err := json.Marshal(parsePlanRequest{Text: planText, PresetID: "research"})
		require.NoError(t, err)

		rec := do(t, s, http.MethodPost, "/v1/plans/parse", string(body))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp parsePlanResponse
		decode(t, rec, &resp)
		require.Len(t, resp.Spec.Nodes, 2)
		assert.Equal(t, "gpt", resp.Spec.Nodes[0].AgentID)
		assert.Empty(t, resp.Spec.Nodes[0].DependsOn)
		assert.Empty(t, resp.Spec.Nodes[1].AgentID)
		assert.NotEmpty(t, resp.Spec.TemplateHint)
		assert.Equal(t, [][]string{{"gather"}, {"report"}}, resp.Schedule.Layers)
	})

	t.Run("Restricted Agents", func(t *testing.T) {
		body, err := json.Marshal(parsePlanRequest{Text: planText, AllowedAgentIDs: []string{"claude"}})
		require.NoError(t, err)

		rec := do(t, s, http.MethodPost, "/v1/plans/parse", string(body))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp parsePlanResponse
		decode(t, rec, &resp)
		assert.Empty(t, resp.Spec.Nodes[0].AgentID)
	})

	t.Run("No JSON", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/v1/plans/parse", `{"text": "I could not come up with a plan"}`)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

		var resp ErrorResponse
		decode(t, rec, &resp)
		assert.Equal(t, CodeUnprocessable, resp.Code)
	})

	t.Run("Empty Text", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/v1/plans/parse", `{}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Unknown Preset", func(t *testing.T) {
		body, err := json.Marshal(parsePlanRequest{Text: planText, PresetID: "poetry"})
		require.NoError(t, err)

		rec := do(t, s, http.MethodPost, "/v1/plans/parse", string(body))
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestPresetsAndAgents(t *testing.T) {
	deps := newRunDeps(t)
	s := newTestServer(t, deps)

	rec := do(t, s, http.MethodGet, "/v1/presets", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Presets []struct {
			ID string `json:"id"`
		} `json:"presets"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Presets, 3)
	assert.Equal(t, "general", list.Presets[0].ID)

	rec = do(t, s, http.MethodGet, "/v1/presets/coding", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/presets/unknown", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	var errResp ErrorResponse
	decode(t, rec, &errResp)
	assert.Equal(t, CodeNotFound, errResp.Code)

	rec = do(t, s, http.MethodGet, "/v1/agents", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"writer"`)
}

func TestRuns(t *testing.T) {
	deps := newRunDeps(t)
	submitter := &submitRecorder{}
	deps.Submitter = submitter
	s := newTestServer(t, deps)

	var runID string
	t.Run("Execute", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/v1/runs", diamondJSON)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var run model.ExecutionRun
		decode(t, rec, &run)
		assert.True(t, run.Succeeded())
		assert.Equal(t, model.RunStatusCompleted, run.Status)
		assert.Equal(t, "done d", run.FinalOutput)
		assert.Equal(t, "writer", run.Node("a").AgentID)
		runID = run.RunID
	})

	t.Run("Get", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/v1/runs/"+runID, "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var run model.ExecutionRun
		decode(t, rec, &run)
		assert.Equal(t, runID, run.RunID)
		assert.Len(t, run.Nodes, 4)
	})

	t.Run("Get Unknown", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/v1/runs/missing", "")
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("List", func(t *testing.T) {
		rec := do(t, s, http.MethodGet, "/v1/runs?limit=500", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp listRunsResponse
		decode(t, rec, &resp)
		assert.Equal(t, maxPageSize, resp.Limit)
		require.Len(t, resp.Runs, 1)
		assert.Equal(t, runID, resp.Runs[0].RunID)
		assert.Equal(t, model.RunStatusCompleted, resp.Runs[0].Status)

		rec = do(t, s, http.MethodGet, "/v1/runs?offset=1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		decode(t, rec, &resp)
		assert.Empty(t, resp.Runs)
	})

	t.Run("List Bad Params", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/runs?offset=-1", "").Code)
		assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/runs?limit=abc", "").Code)
	})

	t.Run("Async", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/v1/runs?async=true", diamondJSON)
		require.Equal(t, http.StatusAccepted, rec.Code)

		submitter.mu.Lock()
		defer submitter.mu.Unlock()
		require.Len(t, submitter.specs, 1)
		assert.Equal(t, "ship the feature", submitter.specs[0].Goal)
	})

	t.Run("Invalid Spec", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/v1/runs", `{"version": "2.0", "goal": "x", "nodes": [], "edges": []}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRunsDisabled(t *testing.T) {
	s := newTestServer(t, Deps{})

	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodPost, "/v1/runs", diamondJSON).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodPost, "/v1/runs?async=1", diamondJSON).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/v1/runs", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/schedules", "").Code)
}

func TestSchedules(t *testing.T) {
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cron := scheduler.NewCronScheduler(js, zaptest.NewLogger(t))
	require.NoError(t, cron.Start(ctx))
	defer cron.Stop()

	s := newTestServer(t, Deps{Schedules: cron})

	body, err := json.Marshal(map[string]interface{}{
		"id":         "nightly",
		"name":       "nightly build",
		"expression": "0 0 2 * * *",
		"spec":       json.RawMessage(diamondJSON),
	})
	require.NoError(t, err)

	rec := do(t, s, http.MethodPost, "/v1/schedules", string(body))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/v1/schedules", string(body))
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPut, "/v1/schedules/nightly/status", `{"status": "paused"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var schedule model.GraphSchedule
	decode(t, rec, &schedule)
	assert.Equal(t, model.ScheduleStatusPaused, schedule.Status)

	rec = do(t, s, http.MethodPut, "/v1/schedules/nightly/status", `{"status": "sleeping"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/schedules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"nightly"`)

	bad, err := json.Marshal(map[string]interface{}{
		"expression": "every night",
		"spec":       json.RawMessage(diamondJSON),
	})
	require.NoError(t, err)
	rec = do(t, s, http.MethodPost, "/v1/schedules", string(bad))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodDelete, "/v1/schedules/nightly", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/schedules/nightly", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	monitor.InitMetrics(registry)
	monitor.RunsTotal.WithLabelValues("completed").Inc()

	s := newTestServer(t, Deps{Gatherer: registry})

	rec := do(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "taskgraph_runs_total")
}

func TestListFailedRun(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store, err := storage.NewSQLiteRunStore(logger, filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := agent.NewRegistry()
	require.NoError(t, registry.Register(agent.Agent{ID: "flaky"}, agent.HandlerFunc(
		func(ctx context.Context, req *model.NodeRequest) (*model.NodeResult, error) {
			if req.NodeID == "b" {
				return &model.NodeResult{Status: model.NodeStatusError, Error: "model refused"}, nil
			}
			return &model.NodeResult{Status: model.NodeStatusCompleted, Output: "done " + req.NodeID}, nil
		})))

	o := orchestrator.New(orchestrator.NewLocalRunner(registry, logger), orchestrator.Config{}, logger,
		orchestrator.WithStore(store))
	s := newTestServer(t, Deps{Executor: o, Store: store, Agents: registry})

	rec := do(t, s, http.MethodPost, "/v1/runs", diamondJSON)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/v1/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp listRunsResponse
	decode(t, rec, &resp)
	require.Len(t, resp.Runs, 1)
	assert.Equal(t, model.RunStatusFailed, resp.Runs[0].Status)
	assert.Contains(t, rec.Body.String(), `"status":"failed"`)
}

func TestPlans(t *testing.T) {
	reply := "```json\n" + `{
		"version": "2.0",
		"goal": "ship the feature",
		"nodes": [
			{"id": "a", "title": "Scope", "description": "scope the work", "dependsOn": []},
			{"id": "b", "title": "Build", "description": "build it", "dependsOn": ["a"], "agentId": "planner"}
		]
	}` + "\n```"

	var mu sync.Mutex
	var prompts []string
	chat := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		if assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
			mu.Lock()
			for _, m := range body.Messages {
				prompts = append(prompts, m.Content)
			}
			mu.Unlock()
		}
		content := reply
		if strings.Contains(r.URL.RawQuery, "garbage") {
			content = "no graph today"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{{"message": map[string]string{"role": "assistant", "content": content}}},
		})
	}))
	defer chat.Close()

	registry := agent.NewRegistry()
	require.NoError(t, registry.Register(agent.Agent{ID: "planner", Name: "Planner", Model: "gpt-4o"},
		agent.NewHTTPAgent(agent.HTTPAgentConfig{URL: chat.URL, Model: "gpt-4o"}, zaptest.NewLogger(t))))
	require.NoError(t, registry.Register(agent.Agent{ID: "broken", Model: "gpt-4o"},
		agent.NewHTTPAgent(agent.HTTPAgentConfig{URL: chat.URL + "?garbage=1", Model: "gpt-4o"}, zaptest.NewLogger(t))))
	s := newTestServer(t, Deps{Agents: registry})

	t.Run("Create", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/v1/plans", `{"goal": "ship the feature", "presetId": "coding", "maxNodes": 4}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp createPlanResponse
		decode(t, rec, &resp)
		assert.Equal(t, "planner", resp.PlannerAgentID)
		assert.Equal(t, "gpt-4o", resp.PlannerModel)
		require.Len(t, resp.Spec.Nodes, 2)
		assert.Equal(t, "planner", resp.Spec.Nodes[1].AgentID)
		assert.NotEmpty(t, resp.Spec.TemplateHint)
		assert.Equal(t, [][]string{{"a"}, {"b"}}, resp.Schedule.Layers)

		mu.Lock()
		defer mu.Unlock()
		require.NotEmpty(t, prompts)
		assert.Contains(t, strings.Join(prompts, "\n"), "at most 4 nodes")
	})

	t.Run("Non JSON Reply", func(t *testing.T) {
		rec := do(t, s, http.MethodPost, "/v1/plans", `{"goal": "ship", "plannerAgentId": "broken"}`)
		require.Equal(t, http.StatusBadGateway, rec.Code, rec.Body.String())

		var errResp ErrorResponse
		decode(t, rec, &errResp)
		assert.Equal(t, CodeBadGateway, errResp.Code)
	})

	t.Run("Bad Requests", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/plans", `{"goal": ""}`).Code)
		assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/plans", `{"goal": "g", "plannerAgentId": "nope"}`).Code)
		assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/v1/plans", `{"goal": "g", "presetId": "nope"}`).Code)
		assert.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, "/v1/plans", `{"goal": "g", "allowedAgentIds": ["nope"]}`).Code)
	})

	t.Run("Disabled Without Agents", func(t *testing.T) {
		rec := do(t, newTestServer(t, Deps{}), http.MethodPost, "/v1/plans", `{"goal": "g"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
