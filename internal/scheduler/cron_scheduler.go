// Package scheduler submits task graph runs on cron schedules.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/model"
	"github.com/t77yq/taskgraph/internal/stream"
	"github.com/t77yq/taskgraph/internal/taskgraph"
)

// ScheduleHeader carries the id of the schedule that submitted a run
const ScheduleHeader = "Taskgraph-Schedule-Id"

var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CronScheduler publishes task graph specs on their cron expressions
type CronScheduler struct {
	logger    *zap.Logger
	js        nats.JetStreamContext
	cron      *cron.Cron
	mu        sync.RWMutex
	schedules map[string]*model.GraphSchedule
	entryIDs  map[string]cron.EntryID
	subs      []*nats.Subscription
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// NewCronScheduler creates a new scheduler
func NewCronScheduler(js nats.JetStreamContext, logger *zap.Logger) *CronScheduler {
	cronLogger := &cronLogger{logger: logger.Named("cron")}
	cronOptions := []cron.Option{
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cronLogger)),
	}

	return &CronScheduler{
		logger:    logger.Named("cron-scheduler"),
		js:        js,
		cron:      cron.New(cronOptions...),
		schedules: make(map[string]*model.GraphSchedule),
		entryIDs:  make(map[string]cron.EntryID),
	}
}

// Start starts the scheduler and listens for remote schedule commands
func (s *CronScheduler) Start(ctx context.Context) error {
	if err := stream.Setup(s.js, s.logger); err != nil {
		return err
	}

	s.cron.Start()
	return s.subscribeToCommands(ctx)
}

// Stop stops the scheduler and waits for running jobs
func (s *CronScheduler) Stop() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("Failed to unsubscribe", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// AddSchedule validates the spec and the expression and registers the schedule
func (s *CronScheduler) AddSchedule(ctx context.Context, schedule *model.GraphSchedule) error {
	expr, err := parser.Parse(schedule.Expression)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}

	spec, err := taskgraph.NormalizeJSON(schedule.Spec)
	if err != nil {
		return err
	}
	normalized, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to marshal spec: %w", err)
	}

	now := time.Now()
	if schedule.ID == "" {
		schedule.ID = uuid.New().String()
	}
	if schedule.Status == "" {
		schedule.Status = model.ScheduleStatusActive
	}
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}
	schedule.UpdatedAt = now
	schedule.Spec = normalized
	next := expr.Next(now)
	schedule.NextRunTime = &next

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[schedule.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSchedule, schedule.ID)
	}

	stored := *schedule
	entryID := s.cron.Schedule(expr, &cronJob{
		scheduler: s,
		id:        stored.ID,
		expr:      expr,
	})
	s.schedules[stored.ID] = &stored
	s.entryIDs[stored.ID] = entryID

	s.logger.Info("Added schedule",
		zap.String("id", stored.ID),
		zap.String("name", stored.Name),
		zap.String("expression", stored.Expression),
		zap.Time("next_run", next))

	return nil
}

// RemoveSchedule removes a schedule
func (s *CronScheduler) RemoveSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entryIDs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}

	s.cron.Remove(entryID)
	delete(s.entryIDs, id)
	delete(s.schedules, id)

	s.logger.Info("Removed schedule", zap.String("id", id))
	return nil
}

// SetStatus pauses or resumes a schedule
func (s *CronScheduler) SetStatus(id string, status model.ScheduleStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	schedule.Status = status
	schedule.UpdatedAt = time.Now()
	return nil
}

// GetSchedule gets a copy of a schedule by ID
func (s *CronScheduler) GetSchedule(id string) (*model.GraphSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedule, ok := s.schedules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	out := *schedule
	return &out, nil
}

// ListSchedules lists copies of all schedules ordered by creation time
func (s *CronScheduler) ListSchedules() []*model.GraphSchedule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedules := make([]*model.GraphSchedule, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		out := *schedule
		schedules = append(schedules, &out)
	}
	sort.Slice(schedules, func(i, j int) bool {
		if schedules[i].CreatedAt.Equal(schedules[j].CreatedAt) {
			return schedules[i].ID < schedules[j].ID
		}
		return schedules[i].CreatedAt.Before(schedules[j].CreatedAt)
	})
	return schedules
}

// subscribeToCommands subscribes to schedule management commands
func (s *CronScheduler) subscribeToCommands(ctx context.Context) error {
	sub, err := s.js.Subscribe(stream.ScheduleAddSubject, func(msg *nats.Msg) {
		var schedule model.GraphSchedule
		if err := json.Unmarshal(msg.Data, &schedule); err != nil {
			s.logger.Error("Failed to unmarshal schedule", zap.Error(err))
			return
		}

		if err := s.AddSchedule(ctx, &schedule); err != nil {
			s.logger.Error("Failed to add schedule", zap.Error(err))
			return
		}
	}, nats.Durable("schedule-add-consumer"))
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", stream.ScheduleAddSubject, err)
	}
	s.subs = append(s.subs, sub)

	sub, err = s.js.Subscribe(stream.ScheduleRemoveSubject, func(msg *nats.Msg) {
		var id string
		if err := json.Unmarshal(msg.Data, &id); err != nil {
			s.logger.Error("Failed to unmarshal schedule ID", zap.Error(err))
			return
		}

		if err := s.RemoveSchedule(id); err != nil {
			s.logger.Error("Failed to remove schedule", zap.Error(err))
			return
		}
	}, nats.Durable("schedule-remove-consumer"))
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", stream.ScheduleRemoveSubject, err)
	}
	s.subs = append(s.subs, sub)

	return nil
}

// fire publishes the spec of a schedule as a run submission
func (s *CronScheduler) fire(id string, expr cron.Schedule) {
	now := time.Now()
	next := expr.Next(now)

	s.mu.Lock()
	schedule, ok := s.schedules[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	schedule.NextRunTime = &next
	if schedule.Status == model.ScheduleStatusPaused {
		s.mu.Unlock()
		return
	}
	schedule.LastRunTime = &now
	name := schedule.Name
	data := schedule.Spec
	s.mu.Unlock()

	msg := nats.NewMsg(stream.RunSubmitSubject)
	msg.Header.Set(ScheduleHeader, id)
	msg.Data = data
	if _, err := s.js.PublishMsg(msg); err != nil {
		s.logger.Error("Failed to publish run submission",
			zap.String("id", id),
			zap.Error(err))
		return
	}

	s.logger.Info("Executed schedule",
		zap.String("id", id),
		zap.String("name", name),
		zap.Time("executed_at", now),
		zap.Time("next_run", next))
}

// cronJob implements cron.Job interface
type cronJob struct {
	scheduler *CronScheduler
	id        string
	expr      cron.Schedule
}

// Run implements cron.Job
func (j *cronJob) Run() {
	j.scheduler.fire(j.id, j.expr)
}
