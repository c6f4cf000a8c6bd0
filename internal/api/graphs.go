package api

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/t77yq/taskgraph/internal/planner"
	"github.com/t77yq/taskgraph/internal/taskgraph"
)

type specResponse struct {
	Spec taskgraph.Spec `json:"spec"`
}

type scheduleResponse struct {
	Spec taskgraph.Spec `json:"spec"`
	taskgraph.Schedule
}

type parsePlanRequest struct {
	Text            string   `json:"text"`
	AllowedAgentIDs []string `json:"allowedAgentIds"`
	PresetID        string   `json:"presetId"`
}

type parsePlanResponse struct {
	Spec     taskgraph.Spec     `json:"spec"`
	Schedule taskgraph.Schedule `json:"schedule"`
}

type createPlanResponse struct {
	Spec           taskgraph.Spec     `json:"spec"`
	Schedule       taskgraph.Schedule `json:"schedule"`
	PlannerAgentID string             `json:"plannerAgentId"`
	PlannerModel   string             `json:"plannerModel,omitempty"`
}

// readSpec decodes, validates and normalizes the request body
func readSpec(c echo.Context) (taskgraph.Spec, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return taskgraph.Spec{}, echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	return taskgraph.NormalizeJSON(body)
}

// POST /v1/graphs/normalize
func (s *Server) normalizeGraph(c echo.Context) error {
	spec, err := readSpec(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, specResponse{Spec: spec})
}

// POST /v1/graphs/schedule
func (s *Server) scheduleGraph(c echo.Context) error {
	spec, err := readSpec(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, scheduleResponse{
		Spec:     spec,
		Schedule: taskgraph.Plan(spec),
	})
}

// POST /v1/plans/parse
func (s *Server) parsePlan(c echo.Context) error {
	var req parsePlanRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}

	allowed := req.AllowedAgentIDs
	if s.deps.Agents != nil {
		if allowed == nil {
			allowed = s.deps.Agents.IDs()
		} else {
			allowed = s.deps.Agents.Allowed(allowed)
		}
	}

	spec, err := taskgraph.ParsePlannerOutput(req.Text, allowed)
	if err != nil {
		return err
	}

	if req.PresetID != "" {
		p, ok := s.deps.Presets.Get(req.PresetID)
		if !ok {
			return echo.NewHTTPError(http.StatusNotFound, "preset not found: "+req.PresetID)
		}
		if spec.TemplateHint == "" {
			spec.TemplateHint = p.TemplateHint
		}
	}

	return c.JSON(http.StatusOK, parsePlanResponse{
		Spec:     spec,
		Schedule: taskgraph.Plan(spec),
	})
}

// POST /v1/plans
func (s *Server) createPlan(c echo.Context) error {
	var req planner.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := s.planner.Plan(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, createPlanResponse{
		Spec:           result.Spec,
		Schedule:       taskgraph.Plan(result.Spec),
		PlannerAgentID: result.PlannerAgentID,
		PlannerModel:   result.PlannerModel,
	})
}

// GET /v1/presets
func (s *Server) listPresets(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"presets": s.deps.Presets.List()})
}

// GET /v1/presets/:id
func (s *Server) getPreset(c echo.Context) error {
	id := c.Param("id")
	p, ok := s.deps.Presets.Get(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "preset not found: "+id)
	}
	return c.JSON(http.StatusOK, p)
}

// GET /v1/agents
func (s *Server) listAgents(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"agents": s.deps.Agents.List()})
}
