package sqlquery

const (
	DeleteAllExecutions = "DELETE FROM job_executions"
	DeleteAllSchedules  = "DELETE FROM schedules"
)
