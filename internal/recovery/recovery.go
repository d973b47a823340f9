package recovery

import (
	"context"
	"errors"
	"fmt"
	"github.com/HISP-Uganda/dhis2-alma/internal/model"
	"github.com/HISP-Uganda/dhis2-alma/internal/progress"
	"github.com/HISP-Uganda/dhis2-alma/internal/scheduler"
	log "github.com/sirupsen/logrus"
	"time"
)

const InterruptedMessage = "interrupted by restart"

type Report struct {
	Interrupted int
	Armed       int
	Failed      int
}

type Controller struct {
	storage     model.ScheduleStorage
	runner      *scheduler.Runner
	fire        scheduler.FireFunc
	broadcaster *progress.Broadcaster
	now         func() time.Time
}

func NewController(
	storage model.ScheduleStorage,
	runner *scheduler.Runner,
	fire scheduler.FireFunc,
	broadcaster *progress.Broadcaster,
) *Controller {
	return &Controller{
		storage:     storage,
		runner:      runner,
		fire:        fire,
		broadcaster: broadcaster,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run must complete before any request is served. It only fails when the
// store cannot be read at all; single schedules that cannot be repaired or
// armed are logged and counted.
func (c *Controller) Run(ctx context.Context) (Report, error) {
	report := Report{}

	executions, err := c.storage.ListRunningExecutions(ctx)
	if err != nil {
		return report, fmt.Errorf("failed listing orphaned executions: %w", err)
	}
	for _, execution := range executions {
		err = c.storage.SealExecution(ctx, execution.Id, model.StatusFailed, InterruptedMessage, c.now())
		if err != nil && !errors.Is(err, model.ErrorExecutionSealed) {
			log.WithFields(log.Fields{
				"error":       err,
				"executionId": execution.Id,
				"scheduleId":  execution.ScheduleId,
			}).Error("Error sealing orphaned execution")
		}
	}

	running, err := c.storage.ListSchedulesByStatus(ctx, model.StatusRunning)
	if err != nil {
		return report, fmt.Errorf("failed listing interrupted schedules: %w", err)
	}
	failed := model.StatusFailed
	for _, schedule := range running {
		err = c.storage.SetRunState(ctx, schedule.Id, model.RunState{
			Status:     model.StatusFailed,
			Progress:   0,
			Message:    InterruptedMessage,
			LastStatus: &failed,
		})
		if err != nil {
			log.WithFields(log.Fields{
				"error":      err,
				"scheduleId": schedule.Id,
			}).Error("Error marking interrupted schedule failed")
			continue
		}
		report.Interrupted++
		c.broadcaster.Publish(progress.Event{
			ScheduleId: schedule.Id,
			Progress:   0,
			Status:     model.StatusFailed,
			Message:    InterruptedMessage,
		})
	}

	active, err := c.storage.ListActiveSchedules(ctx)
	if err != nil {
		return report, fmt.Errorf("failed listing active schedules: %w", err)
	}
	for _, schedule := range active {
		if err = c.runner.Arm(schedule, c.fire); err != nil {
			report.Failed++
			log.WithFields(log.Fields{
				"error":          err,
				"scheduleId":     schedule.Id,
				"cronExpression": schedule.CronExpression,
			}).Error("Error arming schedule during recovery")
			continue
		}
		report.Armed++
	}

	log.WithFields(log.Fields{
		"orphanedExecutions": len(executions),
		"interrupted":        report.Interrupted,
		"armed":              report.Armed,
		"failed":             report.Failed,
	}).Info("Recovery finished")
	return report, nil
}
