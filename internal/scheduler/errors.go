package scheduler

import "errors"

var (
	ErrorAlreadyRunning = errors.New("schedule is already running")
	ErrorNotRunning     = errors.New("schedule is not running")
	ErrorAlreadyArmed   = errors.New("schedule already has an armed timer")
	ErrorUnknownTask    = errors.New("no job body registered for task")
	ErrorRunnerStopped  = errors.New("runner is stopped")
)
