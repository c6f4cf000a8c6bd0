package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/t77yq/taskgraph/internal/model"
)

type statusRequest struct {
	Status model.ScheduleStatus `json:"status"`
}

func (s *Server) listSchedules(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"schedules": s.deps.Schedules.ListSchedules()})
}

func (s *Server) createSchedule(c echo.Context) error {
	var schedule model.GraphSchedule
	if err := c.Bind(&schedule); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(schedule.Spec) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "spec is required")
	}

	if err := s.deps.Schedules.AddSchedule(c.Request().Context(), &schedule); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, &schedule)
}

func (s *Server) getSchedule(c echo.Context) error {
	schedule, err := s.deps.Schedules.GetSchedule(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, schedule)
}

func (s *Server) setScheduleStatus(c echo.Context) error {
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	switch req.Status {
	case model.ScheduleStatusActive, model.ScheduleStatusPaused:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "status must be active or paused")
	}

	id := c.Param("id")
	if err := s.deps.Schedules.SetStatus(id, req.Status); err != nil {
		return err
	}
	schedule, err := s.deps.Schedules.GetSchedule(id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, schedule)
}

func (s *Server) deleteSchedule(c echo.Context) error {
	if err := s.deps.Schedules.RemoveSchedule(c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
