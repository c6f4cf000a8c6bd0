// Package api exposes task graph normalization, scheduling and execution
// over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/agent"
	"github.com/t77yq/taskgraph/internal/logger"
	"github.com/t77yq/taskgraph/internal/model"
	"github.com/t77yq/taskgraph/internal/planner"
	"github.com/t77yq/taskgraph/internal/preset"
	"github.com/t77yq/taskgraph/internal/scheduler"
	"github.com/t77yq/taskgraph/internal/storage"
	"github.com/t77yq/taskgraph/internal/taskgraph"
)

// Executor runs a task graph to completion
type Executor interface {
	Execute(ctx context.Context, spec taskgraph.Spec) (*model.ExecutionRun, error)
}

// Submitter enqueues a task graph for asynchronous execution
type Submitter interface {
	Submit(ctx context.Context, spec taskgraph.Spec) error
}

// Config holds HTTP server settings
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// Deps are the components served by the API. Nil components disable the
// routes that need them.
type Deps struct {
	Executor  Executor
	Submitter Submitter
	Store     storage.RunStore
	Presets   *preset.Catalog
	Agents    *agent.Registry
	Schedules *scheduler.CronScheduler
	Gatherer  prometheus.Gatherer
}

// Server is the HTTP front end
type Server struct {
	config  Config
	deps    Deps
	planner *planner.Planner
	echo    *echo.Echo
	logger  *zap.Logger
}

// NewServer creates a server with every route registered
func NewServer(config Config, deps Deps, log *zap.Logger) *Server {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	if deps.Presets == nil {
		deps.Presets = preset.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		config: config,
		deps:   deps,
		echo:   e,
		logger: log.Named("api"),
	}
	if deps.Agents != nil {
		s.planner = planner.New(deps.Agents, deps.Presets, log)
	}

	e.HTTPErrorHandler = s.errorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(logger.EchoRequestLogger(s.logger))

	s.registerRoutes()
	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.healthz)
	if s.deps.Gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/v1")

	v1.POST("/graphs/normalize", s.normalizeGraph)
	v1.POST("/graphs/schedule", s.scheduleGraph)
	v1.POST("/plans/parse", s.parsePlan)

	v1.GET("/presets", s.listPresets)
	v1.GET("/presets/:id", s.getPreset)

	if s.deps.Agents != nil {
		v1.GET("/agents", s.listAgents)
		v1.POST("/plans", s.createPlan)
	}

	v1.POST("/runs", s.createRun)
	v1.GET("/runs", s.listRuns)
	v1.GET("/runs/:id", s.getRun)

	if s.deps.Schedules != nil {
		v1.GET("/schedules", s.listSchedules)
		v1.POST("/schedules", s.createSchedule)
		v1.GET("/schedules/:id", s.getSchedule)
		v1.PUT("/schedules/:id/status", s.setScheduleStatus)
		v1.DELETE("/schedules/:id", s.deleteSchedule)
	}
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.config.Addr))

	err := s.echo.Start(s.config.Addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
