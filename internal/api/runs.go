package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/model"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type listRunsResponse struct {
	Runs   []*model.ExecutionRun `json:"runs"`
	Offset int                   `json:"offset"`
	Limit  int                   `json:"limit"`
}

// POST /v1/runs[?async=true]
func (s *Server) createRun(c echo.Context) error {
	spec, err := readSpec(c)
	if err != nil {
		return err
	}

	if async, _ := strconv.ParseBool(c.QueryParam("async")); async {
		if s.deps.Submitter == nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "asynchronous runs are not enabled")
		}
		if err := s.deps.Submitter.Submit(c.Request().Context(), spec); err != nil {
			return err
		}
		return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
	}

	if s.deps.Executor == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "run execution is not enabled")
	}

	run, err := s.deps.Executor.Execute(c.Request().Context(), spec)
	if run == nil {
		return err
	}
	if err != nil {
		s.logger.Warn("Run interrupted", zap.String("run_id", run.RunID), zap.Error(err))
	}
	return c.JSON(http.StatusOK, run)
}

// GET /v1/runs?offset=&limit=
func (s *Server) listRuns(c echo.Context) error {
	if s.deps.Store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "run history is not enabled")
	}

	offset, err := intParam(c, "offset", 0)
	if err != nil || offset < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "offset must be a non-negative integer")
	}
	limit, err := intParam(c, "limit", defaultPageSize)
	if err != nil || limit <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	runs, err := s.deps.Store.ListRuns(c.Request().Context(), offset, limit)
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []*model.ExecutionRun{}
	}
	return c.JSON(http.StatusOK, listRunsResponse{Runs: runs, Offset: offset, Limit: limit})
}

// GET /v1/runs/:id
func (s *Server) getRun(c echo.Context) error {
	if s.deps.Store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "run history is not enabled")
	}

	run, err := s.deps.Store.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func intParam(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
