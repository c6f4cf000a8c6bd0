package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/agent"
	"github.com/t77yq/taskgraph/internal/planner"
	"github.com/t77yq/taskgraph/internal/scheduler"
	"github.com/t77yq/taskgraph/internal/storage"
	"github.com/t77yq/taskgraph/internal/taskgraph"
)

// Error codes returned in the "code" field of error bodies
const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeUnprocessable   = "UNPROCESSABLE"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeUnavailable     = "UNAVAILABLE"
	CodeBadGateway      = "BAD_GATEWAY"
	CodeInternal        = "INTERNAL"
)

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Code       string                `json:"code"`
	Error      string                `json:"error"`
	Violations []taskgraph.Violation `json:"violations,omitempty"`
}

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	// planner failures wrap the parse errors below and must match first
	{planner.ErrPlannerFailed, http.StatusBadGateway, CodeBadGateway},
	{planner.ErrInvalidRequest, http.StatusBadRequest, CodeInvalidArgument},
	{planner.ErrUnknownPreset, http.StatusNotFound, CodeNotFound},
	{planner.ErrNoAgents, http.StatusConflict, CodeConflict},
	{agent.ErrAgentNotFound, http.StatusBadRequest, CodeInvalidArgument},
	{taskgraph.ErrInvalidSpec, http.StatusBadRequest, CodeInvalidArgument},
	{taskgraph.ErrNoJSONObject, http.StatusUnprocessableEntity, CodeUnprocessable},
	{scheduler.ErrInvalidExpression, http.StatusBadRequest, CodeInvalidArgument},
	{storage.ErrRunNotFound, http.StatusNotFound, CodeNotFound},
	{scheduler.ErrScheduleNotFound, http.StatusNotFound, CodeNotFound},
	{scheduler.ErrDuplicateSchedule, http.StatusConflict, CodeConflict},
}

func errorBody(err error) (int, ErrorResponse) {
	resp := ErrorResponse{Code: CodeInternal, Error: err.Error()}

	var ve *taskgraph.ValidationError
	if errors.As(err, &ve) {
		resp.Violations = ve.Violations
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		resp.Code = codeForStatus(he.Code)
		if msg, ok := he.Message.(string); ok {
			resp.Error = msg
		}
		return he.Code, resp
	}

	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			resp.Code = c.code
			return c.status, resp
		}
	}
	return http.StatusInternalServerError, resp
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return CodeInvalidArgument
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusConflict:
		return CodeConflict
	case http.StatusUnprocessableEntity:
		return CodeUnprocessable
	case http.StatusServiceUnavailable:
		return CodeUnavailable
	case http.StatusBadGateway:
		return CodeBadGateway
	default:
		return CodeInternal
	}
}

// errorHandler replaces echo's default so every failure carries an
// ErrorResponse body
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, resp := errorBody(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Path()),
			zap.Error(err))
	}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, resp)
	}
	if err != nil {
		s.logger.Warn("Failed to write error response", zap.Error(err))
	}
}
