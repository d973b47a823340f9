package model

import (
	"context"
	"time"
)

type ScheduleId string

type ExecutionId string

type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Parameters is the job body's own configuration. The scheduler never looks inside.
type Parameters map[string]any

type Schedule struct {
	Id             ScheduleId   `json:"id"`
	Name           string       `json:"name"`
	CronExpression string       `json:"cronExpression"`
	Task           string       `json:"task"`
	IsActive       bool         `json:"isActive"`
	Progress       int          `json:"progress"`
	Status         Status       `json:"status"`
	LastStatus     Status       `json:"lastStatus,omitempty"`
	CurrentJobId   *ExecutionId `json:"currentJobId"`
	Message        string       `json:"message"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
	LastRun        *time.Time   `json:"lastRun"`
	MaxRetries     int          `json:"maxRetries"`
	RetryDelay     int          `json:"retryDelay"`
	Parameters     Parameters   `json:"parameters,omitempty"`
	NextRun        *time.Time   `json:"nextRun"`
}

// ScheduleDefinition is the input of CreateSchedule.
type ScheduleDefinition struct {
	Name           string     `json:"name" validate:"required"`
	CronExpression string     `json:"cronExpression" validate:"required,cron"`
	Task           string     `json:"task" validate:"required"`
	MaxRetries     int        `json:"maxRetries" validate:"min=0,max=10"`
	RetryDelay     int        `json:"retryDelay" validate:"min=0,max=3600"`
	Parameters     Parameters `json:"parameters"`
}

// ScheduleUpdate carries the fields of a partial update, nil fields are kept.
type ScheduleUpdate struct {
	Name           *string     `json:"name"`
	CronExpression *string     `json:"cronExpression"`
	Task           *string     `json:"task"`
	MaxRetries     *int        `json:"maxRetries"`
	RetryDelay     *int        `json:"retryDelay"`
	Parameters     *Parameters `json:"parameters"`
}

func (u ScheduleUpdate) Apply(def ScheduleDefinition) ScheduleDefinition {
	if u.Name != nil {
		def.Name = *u.Name
	}
	if u.CronExpression != nil {
		def.CronExpression = *u.CronExpression
	}
	if u.Task != nil {
		def.Task = *u.Task
	}
	if u.MaxRetries != nil {
		def.MaxRetries = *u.MaxRetries
	}
	if u.RetryDelay != nil {
		def.RetryDelay = *u.RetryDelay
	}
	if u.Parameters != nil {
		def.Parameters = *u.Parameters
	}
	return def
}

func (s Schedule) Definition() ScheduleDefinition {
	return ScheduleDefinition{
		Name:           s.Name,
		CronExpression: s.CronExpression,
		Task:           s.Task,
		MaxRetries:     s.MaxRetries,
		RetryDelay:     s.RetryDelay,
		Parameters:     s.Parameters,
	}
}

// RunState is the narrow mutation the runner makes while a schedule executes.
//
// CurrentJobId must be set exactly when Status is StatusRunning. When
// ExpectedExecution is set, the write only applies while the schedule's
// current execution is still that one.
type RunState struct {
	Status            Status
	Progress          int
	Message           string
	CurrentJobId      *ExecutionId
	LastStatus        *Status
	LastRun           *time.Time
	ExpectedExecution *ExecutionId
}

type Execution struct {
	Id         ExecutionId `json:"id"`
	ScheduleId ScheduleId  `json:"scheduleId"`
	StartTime  time.Time   `json:"startTime"`
	EndTime    *time.Time  `json:"endTime"`
	Status     Status      `json:"status"`
	Message    string      `json:"message,omitempty"`
}

type ScheduleStorage interface {
	CreateSchedule(ctx context.Context, def ScheduleDefinition) (Schedule, error)
	GetSchedule(ctx context.Context, id ScheduleId) (Schedule, error)
	ListSchedules(ctx context.Context) ([]Schedule, error)
	ListActiveSchedules(ctx context.Context) ([]Schedule, error)
	ListSchedulesByStatus(ctx context.Context, status Status) ([]Schedule, error)
	UpdateSchedule(ctx context.Context, id ScheduleId, update ScheduleUpdate) (Schedule, error)
	SetActive(ctx context.Context, id ScheduleId, active bool) (Schedule, error)
	SetRunState(ctx context.Context, id ScheduleId, state RunState) error
	ReportProgress(ctx context.Context, id ScheduleId, execution ExecutionId, progress int, message string) error
	DeleteSchedule(ctx context.Context, id ScheduleId) error

	CreateExecution(ctx context.Context, scheduleId ScheduleId, startTime time.Time) (ExecutionId, error)
	SealExecution(ctx context.Context, id ExecutionId, status Status, message string, endTime time.Time) error
	BeginExecution(ctx context.Context, scheduleId ScheduleId, startTime time.Time) (Execution, error)
	FinishExecution(ctx context.Context, id ExecutionId, status Status, message string, endTime time.Time) error
	ListRunningExecutions(ctx context.Context) ([]Execution, error)
	ListExecutions(ctx context.Context, scheduleId ScheduleId, limit int) ([]Execution, error)

	Close() error
}
