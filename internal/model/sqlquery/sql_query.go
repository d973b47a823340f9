package sqlquery

import "time"

const scheduleColumns = "id, name, cron_expression, task, is_active, progress, status, last_status, current_job_id, message, created_at, updated_at, last_run, max_retries, retry_delay, parameters"

const executionColumns = "id, schedule_id, start_time, end_time, status, message"

var Schema = []string{
	`CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		cron_expression TEXT NOT NULL,
		task TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		progress INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'idle',
		last_status TEXT NOT NULL DEFAULT '',
		current_job_id TEXT,
		message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		last_run TIMESTAMP,
		max_retries INTEGER NOT NULL DEFAULT 0,
		retry_delay INTEGER NOT NULL DEFAULT 0,
		parameters TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS job_executions (
		id TEXT PRIMARY KEY,
		schedule_id TEXT NOT NULL REFERENCES schedules (id),
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP,
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS job_executions_status_idx ON job_executions (status)`,
	`CREATE INDEX IF NOT EXISTS job_executions_schedule_idx ON job_executions (schedule_id, start_time)`,
}

const (
	NewSchedule            = "INSERT INTO schedules (" + scheduleColumns + ") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)"
	GetSchedule            = "SELECT " + scheduleColumns + " FROM schedules WHERE id = $1"
	ListSchedules          = "SELECT " + scheduleColumns + " FROM schedules ORDER BY created_at, id"
	ListActiveSchedules    = "SELECT " + scheduleColumns + " FROM schedules WHERE is_active ORDER BY created_at, id"
	ListSchedulesByStatus  = "SELECT " + scheduleColumns + " FROM schedules WHERE status = $1 ORDER BY created_at, id"
	UpdateDefinition       = "UPDATE schedules SET name = $1, cron_expression = $2, task = $3, max_retries = $4, retry_delay = $5, parameters = $6, updated_at = $7 WHERE id = $8"
	Activate               = "UPDATE schedules SET is_active = TRUE, status = CASE WHEN current_job_id IS NULL THEN 'idle' ELSE status END, progress = CASE WHEN current_job_id IS NULL THEN 0 ELSE progress END, updated_at = $1 WHERE id = $2"
	Deactivate             = "UPDATE schedules SET is_active = FALSE, updated_at = $1 WHERE id = $2"
	SetRunState            = "UPDATE schedules SET status = $1, progress = $2, message = $3, current_job_id = $4, last_status = COALESCE($5, last_status), last_run = COALESCE($6, last_run), updated_at = $7 WHERE id = $8"
	SetRunStateIfCurrent   = SetRunState + " AND current_job_id = $9"
	SetProgressIfCurrent   = "UPDATE schedules SET progress = $1, message = $2, updated_at = $3 WHERE id = $4 AND current_job_id = $5"
	ScheduleExists         = "SELECT 1 FROM schedules WHERE id = $1"
	DeleteSchedule         = "DELETE FROM schedules WHERE id = $1"
	DeleteScheduleHistory  = "DELETE FROM job_executions WHERE schedule_id = $1"
	NewExecution           = "INSERT INTO job_executions (" + executionColumns + ") VALUES ($1, $2, $3, NULL, 'running', '')"
	MarkScheduleRunning    = "UPDATE schedules SET status = 'running', progress = 0, message = '', current_job_id = $1, last_run = $2, updated_at = $2 WHERE id = $3 AND current_job_id IS NULL"
	GetExecution           = "SELECT " + executionColumns + " FROM job_executions WHERE id = $1"
	SealExecution          = "UPDATE job_executions SET status = $1, message = $2, end_time = $3 WHERE id = $4 AND status = 'running'"
	FinishCurrentExecution = "UPDATE schedules SET status = $1, last_status = $1, progress = CASE WHEN $1 = 'completed' THEN 100 ELSE progress END, message = $2, current_job_id = NULL, updated_at = $3 WHERE id = $4 AND current_job_id = $5"
	ListRunningExecutions  = "SELECT " + executionColumns + " FROM job_executions WHERE status = 'running' ORDER BY start_time, id"
	ListExecutions         = "SELECT " + executionColumns + " FROM job_executions WHERE schedule_id = $1 ORDER BY start_time DESC, id DESC LIMIT $2"
)

const DatabaseOperationTimeout = time.Second * 5
