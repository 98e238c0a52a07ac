// Package schedule fires recurring test case executions with pulse control.
package schedule

import (
	"context"
	"time"
)

// Type selects how a schedule expression is interpreted
type Type string

const (
	TypeCron    Type = "cron"    // standard 5-field cron expression
	TypeDaily   Type = "daily"   // "HH:MM"
	TypeWeekly  Type = "weekly"  // "<weekday> HH:MM"
	TypeMonthly Type = "monthly" // "<day> HH:MM"
)

// Valid reports whether t is a known schedule type
func (t Type) Valid() bool {
	switch t {
	case TypeCron, TypeDaily, TypeWeekly, TypeMonthly:
		return true
	}
	return false
}

// LastRunStatus is the outcome of the most recent firing
type LastRunStatus string

const (
	LastRunRunning LastRunStatus = "running"
	LastRunSuccess LastRunStatus = "success"
	LastRunFailed  LastRunStatus = "failed"
)

// Schedule is a recurring execution of one test case.
//
// A schedule fires only while Enabled (not paused) and Active (not deleted).
// NextRunAt is nil for paused or deleted schedules.
type Schedule struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	TestCaseID  int64                  `json:"test_case_id"`
	Type        Type                   `json:"schedule_type"`
	Expression  string                 `json:"schedule_expression"`
	Environment string                 `json:"environment"`
	Parameters  map[string]interface{} `json:"execution_parameters,omitempty"`

	Enabled bool `json:"enabled"`
	Active  bool `json:"active"`

	NextRunAt     *time.Time    `json:"next_run_at,omitempty"`
	LastRunAt     *time.Time    `json:"last_run_at,omitempty"`
	LastRunStatus LastRunStatus `json:"last_run_status,omitempty"`
	LastTaskID    string        `json:"last_task_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// State names the lifecycle position of the schedule
func (s *Schedule) State() string {
	switch {
	case !s.Active:
		return "removed"
	case !s.Enabled:
		return "paused"
	default:
		return "active"
	}
}

// Input describes a schedule to create
type Input struct {
	Name        string                 `json:"name" validate:"max=200"`
	TestCaseID  int64                  `json:"test_case_id" validate:"gt=0"`
	Type        Type                   `json:"schedule_type" validate:"required,oneof=cron daily weekly monthly"`
	Expression  string                 `json:"schedule_expression" validate:"max=200"`
	Environment string                 `json:"environment" validate:"max=128"`
	Parameters  map[string]interface{} `json:"execution_parameters,omitempty"`
	Disabled    bool                   `json:"disabled,omitempty"` // create paused
}

// Patch changes selected fields of an existing schedule. Nil fields are left alone.
type Patch struct {
	Name        *string                `json:"name,omitempty" validate:"omitempty,max=200"`
	TestCaseID  *int64                 `json:"test_case_id,omitempty" validate:"omitempty,gt=0"`
	Type        *Type                  `json:"schedule_type,omitempty" validate:"omitempty,oneof=cron daily weekly monthly"`
	Expression  *string                `json:"schedule_expression,omitempty" validate:"omitempty,max=200"`
	Environment *string                `json:"environment,omitempty" validate:"omitempty,max=128"`
	Parameters  map[string]interface{} `json:"execution_parameters,omitempty"`
}

// Firing is one occurrence of a schedule handed to the Callback
type Firing struct {
	ScheduleID  string
	RunID       string
	TestCaseID  int64
	Environment string
	Parameters  map[string]interface{}
	FiredAt     time.Time
	Manual      bool // RunNow rather than the timer
}

// Handoff is what a Callback started for a firing.
// Wait blocks until that work is finished and reports how it went.
type Handoff struct {
	TaskID string
	Wait   func(ctx context.Context) (LastRunStatus, string, error)
}

// Callback starts the work for a firing. It must return quickly; the
// ticker keeps the schedule's in-flight slot until Handoff.Wait returns.
type Callback func(ctx context.Context, f Firing) (*Handoff, error)
