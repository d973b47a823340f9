package scheduler

import (
	"context"
	"errors"
	"fmt"
	"github.com/HISP-Uganda/dhis2-alma/internal/model"
	"github.com/HISP-Uganda/dhis2-alma/internal/model/sqlquery"
	"github.com/HISP-Uganda/dhis2-alma/internal/progress"
	log "github.com/sirupsen/logrus"
	"sync"
	"time"
)

// Reporter is handed to a job body for the duration of one execution.
type Reporter interface {
	Report(ctx context.Context, percent int, message string)
}

// Body is the unit of work a schedule triggers. Returning an error marks the
// execution failed.
type Body interface {
	Run(ctx context.Context, schedule model.Schedule, reporter Reporter) error
}

type BodyFunc func(ctx context.Context, schedule model.Schedule, reporter Reporter) error

func (f BodyFunc) Run(ctx context.Context, schedule model.Schedule, reporter Reporter) error {
	return f(ctx, schedule, reporter)
}

// Bodies maps a schedule's task to its job body.
type Bodies map[string]Body

func (b Bodies) Lookup(task string) (Body, bool) {
	body, ok := b[task]
	return body, ok
}

const completedMessage = "completed"

type Executor struct {
	storage     model.ScheduleStorage
	broadcaster *progress.Broadcaster
	bodies      Bodies
	now         func() time.Time
}

func NewExecutor(storage model.ScheduleStorage, broadcaster *progress.Broadcaster, bodies Bodies) *Executor {
	return &Executor{
		storage:     storage,
		broadcaster: broadcaster,
		bodies:      bodies,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Fire runs one execution of schedule id. A schedule whose persisted status
// is running is refused without any write.
func (ex *Executor) Fire(ctx context.Context, id model.ScheduleId) error {
	schedule, err := ex.storage.GetSchedule(ctx, id)
	if err != nil {
		return fmt.Errorf("failed loading schedule %s: %w", id, err)
	}
	if schedule.Status == model.StatusRunning {
		return fmt.Errorf("refused to fire schedule %s: %w", id, ErrorAlreadyRunning)
	}

	execution, err := ex.storage.BeginExecution(ctx, id, ex.now())
	if err != nil {
		if errors.Is(err, model.ErrorScheduleBusy) {
			return fmt.Errorf("refused to fire schedule %s: %w", id, ErrorAlreadyRunning)
		}
		return fmt.Errorf("failed beginning execution of schedule %s: %w", id, err)
	}
	ex.broadcaster.Publish(progress.Event{ScheduleId: id, Progress: 0, Status: model.StatusRunning})
	logger := log.WithFields(log.Fields{
		"scheduleId":  id,
		"executionId": execution.Id,
		"task":        schedule.Task,
	})
	logger.Info("Execution started")

	reporter := &executionReporter{executor: ex, scheduleId: id, executionId: execution.Id}
	runErr := ex.run(ctx, schedule, reporter)

	status, message, percent := model.StatusCompleted, completedMessage, 100
	if runErr != nil {
		status, message, percent = model.StatusFailed, runErr.Error(), reporter.last()
	}

	// the terminal write must land even when ctx was cancelled mid-run
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sqlquery.DatabaseOperationTimeout)
	defer cancel()
	err = ex.storage.FinishExecution(finishCtx, execution.Id, status, message, ex.now())
	switch {
	case superseded(err):
		logger.WithField("error", err).Warn("Execution result no longer applies")
		reporter.markStale()
	case err != nil:
		logger.WithField("error", err).Error("Error recording execution result")
	}
	if !reporter.isStale() {
		ex.broadcaster.Publish(progress.Event{ScheduleId: id, Progress: percent, Status: status, Message: message})
	}

	if runErr != nil {
		return fmt.Errorf("execution %s of schedule %s failed: %w", execution.Id, id, runErr)
	}
	logger.Info("Execution completed")
	return nil
}

func (ex *Executor) run(ctx context.Context, schedule model.Schedule, reporter Reporter) (err error) {
	body, ok := ex.bodies.Lookup(schedule.Task)
	if !ok {
		return fmt.Errorf("%w %q", ErrorUnknownTask, schedule.Task)
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("job body panicked: %v", recovered)
		}
	}()
	return body.Run(ctx, schedule, reporter)
}

type executionReporter struct {
	executor    *Executor
	scheduleId  model.ScheduleId
	executionId model.ExecutionId

	lock    sync.Mutex
	percent int
	stale   bool
}

func (r *executionReporter) Report(ctx context.Context, percent int, message string) {
	percent = max(0, min(percent, 100))
	r.lock.Lock()
	r.percent = percent
	r.lock.Unlock()

	err := r.executor.storage.ReportProgress(ctx, r.scheduleId, r.executionId, percent, message)
	if superseded(err) {
		r.markStale()
		log.WithFields(log.Fields{
			"scheduleId":  r.scheduleId,
			"executionId": r.executionId,
		}).Warn("Dropping progress of stale execution")
		return
	}
	if err != nil {
		log.WithFields(log.Fields{
			"error":       err,
			"scheduleId":  r.scheduleId,
			"executionId": r.executionId,
		}).Error("Error recording progress")
	}
	r.executor.broadcaster.Publish(progress.Event{
		ScheduleId: r.scheduleId,
		Progress:   percent,
		Status:     model.StatusRunning,
		Message:    message,
	})
}

func (r *executionReporter) last() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.percent
}

func (r *executionReporter) markStale() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.stale = true
}

func (r *executionReporter) isStale() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.stale
}

// superseded reports a write that lost its target: the schedule was deleted
// or moved on to another execution.
func superseded(err error) bool {
	return errors.Is(err, model.ErrorNotFound) ||
		errors.Is(err, model.ErrorStaleExecution) ||
		errors.Is(err, model.ErrorExecutionSealed)
}
