package model

import (
	"encoding/json"
	"time"
)

// ScheduleStatus represents the state of a recurring graph run
type ScheduleStatus string

const (
	ScheduleStatusActive ScheduleStatus = "active"
	ScheduleStatusPaused ScheduleStatus = "paused"
)

// GraphSchedule runs a task graph spec on a cron expression
type GraphSchedule struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Expression  string          `json:"expression"`
	Spec        json.RawMessage `json:"spec"`
	Status      ScheduleStatus  `json:"status"`
	LastRunTime *time.Time      `json:"last_run_time,omitempty"`
	NextRunTime *time.Time      `json:"next_run_time,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
