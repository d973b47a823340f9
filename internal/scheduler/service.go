package scheduler

import (
	"context"
	"errors"
	"fmt"
	"github.com/HISP-Uganda/dhis2-alma/internal/cronexpr"
	"github.com/HISP-Uganda/dhis2-alma/internal/model"
	log "github.com/sirupsen/logrus"
	"sync"
	"time"
)

// Service is the schedule lifecycle facade: every start, stop, edit and
// delete goes through it so the store and the timers stay in step.
type Service struct {
	storage   model.ScheduleStorage
	runner    *Runner
	executor  *Executor
	evaluator *cronexpr.Evaluator
	now       func() time.Time

	// serializes lifecycle changes so concurrent requests cannot interleave
	// an arm with a store write
	lock sync.Mutex
}

func NewService(
	storage model.ScheduleStorage,
	runner *Runner,
	executor *Executor,
	evaluator *cronexpr.Evaluator,
) *Service {
	return &Service{
		storage:   storage,
		runner:    runner,
		executor:  executor,
		evaluator: evaluator,
		now:       time.Now,
	}
}

func (s *Service) Create(ctx context.Context, def model.ScheduleDefinition) (model.Schedule, error) {
	schedule, err := s.storage.CreateSchedule(ctx, def)
	if err != nil {
		return model.Schedule{}, err
	}
	return s.withNextRun(schedule), nil
}

func (s *Service) Schedule(ctx context.Context, id model.ScheduleId) (model.Schedule, error) {
	schedule, err := s.storage.GetSchedule(ctx, id)
	if err != nil {
		return model.Schedule{}, err
	}
	return s.withNextRun(schedule), nil
}

func (s *Service) Schedules(ctx context.Context) ([]model.Schedule, error) {
	schedules, err := s.storage.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	for i := range schedules {
		schedules[i] = s.withNextRun(schedules[i])
	}
	return schedules, nil
}

func (s *Service) Executions(ctx context.Context, id model.ScheduleId, limit int) ([]model.Execution, error) {
	if _, err := s.storage.GetSchedule(ctx, id); err != nil {
		return nil, err
	}
	return s.storage.ListExecutions(ctx, id, limit)
}

// Update merges update into the stored definition. An armed schedule whose
// recurrence changed is re-armed with the new expression.
func (s *Service) Update(ctx context.Context, id model.ScheduleId, update model.ScheduleUpdate) (model.Schedule, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	before, err := s.storage.GetSchedule(ctx, id)
	if err != nil {
		return model.Schedule{}, err
	}
	schedule, err := s.storage.UpdateSchedule(ctx, id, update)
	if err != nil {
		return model.Schedule{}, err
	}

	if before.CronExpression != schedule.CronExpression && s.runner.IsArmed(id) {
		s.runner.Disarm(id)
		if err = s.runner.Arm(schedule, s.executor.Fire); err != nil {
			log.WithFields(log.Fields{
				"error":      err,
				"scheduleId": id,
			}).Error("Error re-arming schedule after update")
		}
	}
	return s.withNextRun(schedule), nil
}

func (s *Service) Start(ctx context.Context, id model.ScheduleId) (model.Schedule, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	schedule, err := s.storage.GetSchedule(ctx, id)
	if err != nil {
		return model.Schedule{}, err
	}
	if schedule.IsActive || s.runner.IsArmed(id) {
		return model.Schedule{}, fmt.Errorf("failed starting schedule %s: %w", id, ErrorAlreadyRunning)
	}

	if err = s.runner.Arm(schedule, s.executor.Fire); err != nil {
		if errors.Is(err, ErrorAlreadyArmed) {
			return model.Schedule{}, fmt.Errorf("failed starting schedule %s: %w", id, ErrorAlreadyRunning)
		}
		return model.Schedule{}, err
	}
	schedule, err = s.storage.SetActive(ctx, id, true)
	if err != nil {
		s.runner.Disarm(id)
		return model.Schedule{}, err
	}
	return s.withNextRun(schedule), nil
}

// Stop disarms the timer. An execution already in flight is not cancelled.
func (s *Service) Stop(ctx context.Context, id model.ScheduleId) (model.Schedule, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	schedule, err := s.storage.GetSchedule(ctx, id)
	if err != nil {
		return model.Schedule{}, err
	}
	if !schedule.IsActive && !s.runner.IsArmed(id) {
		return model.Schedule{}, fmt.Errorf("failed stopping schedule %s: %w", id, ErrorNotRunning)
	}

	s.runner.Disarm(id)
	schedule, err = s.storage.SetActive(ctx, id, false)
	if err != nil {
		return model.Schedule{}, err
	}
	return s.withNextRun(schedule), nil
}

func (s *Service) Delete(ctx context.Context, id model.ScheduleId) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.runner.Disarm(id)
	return s.storage.DeleteSchedule(ctx, id)
}

// RunNow starts one execution in the background regardless of isActive.
func (s *Service) RunNow(ctx context.Context, id model.ScheduleId) (model.Schedule, error) {
	schedule, err := s.storage.GetSchedule(ctx, id)
	if err != nil {
		return model.Schedule{}, err
	}
	if schedule.Status == model.StatusRunning {
		return model.Schedule{}, fmt.Errorf("failed running schedule %s: %w", id, ErrorAlreadyRunning)
	}
	if err = s.runner.Trigger(id, s.executor.Fire); err != nil {
		return model.Schedule{}, err
	}
	return s.withNextRun(schedule), nil
}

func (s *Service) withNextRun(schedule model.Schedule) model.Schedule {
	schedule.NextRun = s.evaluator.NextRun(schedule.CronExpression, schedule.IsActive, s.now())
	return schedule
}
