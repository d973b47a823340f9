package scheduler

import (
	"context"
	"fmt"
	"github.com/HISP-Uganda/dhis2-alma/internal/cronexpr"
	"github.com/HISP-Uganda/dhis2-alma/internal/model"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"sync"
)

// FireFunc is what an armed timer calls on every fire.
type FireFunc func(ctx context.Context, id model.ScheduleId) error

// Runner owns the live timers. There is at most one timer per schedule and
// at most one fire per schedule in flight.
type Runner struct {
	cron      *cron.Cron
	evaluator *cronexpr.Evaluator
	chain     cron.Chain

	lock     sync.Mutex
	entries  map[model.ScheduleId]cron.EntryID
	inFlight map[model.ScheduleId]struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	manual  sync.WaitGroup
	started bool
	stopped bool
}

func NewRunner(evaluator *cronexpr.Evaluator) *Runner {
	logger := cronLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cron: cron.New(
			cron.WithLocation(evaluator.Location()),
			cron.WithParser(evaluator.Parser()),
			cron.WithLogger(logger),
		),
		evaluator: evaluator,
		chain:     cron.NewChain(cron.Recover(logger)),
		entries:   make(map[model.ScheduleId]cron.EntryID),
		inFlight:  make(map[model.ScheduleId]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (r *Runner) Arm(schedule model.Schedule, fire FireFunc) error {
	cronSchedule, err := r.evaluator.Parse(schedule.CronExpression)
	if err != nil {
		return fmt.Errorf("failed arming schedule %s: %w", schedule.Id, err)
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.entries[schedule.Id]; ok {
		return fmt.Errorf("failed arming schedule %s: %w", schedule.Id, ErrorAlreadyArmed)
	}
	id := schedule.Id
	r.entries[id] = r.cron.Schedule(cronSchedule, r.chain.Then(cron.FuncJob(func() {
		if !r.acquire(id) {
			log.WithFields(log.Fields{
				"scheduleId": id,
			}).Warn("Skipping fire, previous run still in flight")
			return
		}
		defer r.release(id)
		r.execute(id, fire)
	})))

	log.WithFields(log.Fields{
		"scheduleId":     id,
		"name":           schedule.Name,
		"cronExpression": schedule.CronExpression,
	}).Info("Armed schedule")
	return nil
}

// Disarm removes the timer of id. Future fires stop, a fire already in
// flight runs to completion.
func (r *Runner) Disarm(id model.ScheduleId) {
	r.lock.Lock()
	defer r.lock.Unlock()
	entryId, ok := r.entries[id]
	if !ok {
		return
	}
	r.cron.Remove(entryId)
	delete(r.entries, id)
	log.WithFields(log.Fields{
		"scheduleId": id,
	}).Info("Disarmed schedule")
}

func (r *Runner) IsArmed(id model.ScheduleId) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	_, ok := r.entries[id]
	return ok
}

func (r *Runner) Armed() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.entries)
}

func (r *Runner) InFlight(id model.ScheduleId) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	_, ok := r.inFlight[id]
	return ok
}

// Trigger fires id once right away, outside its recurrence. It shares the
// overlap guard with the timer and fails with ErrorAlreadyRunning when a
// fire is in flight.
func (r *Runner) Trigger(id model.ScheduleId, fire FireFunc) error {
	r.lock.Lock()
	if r.stopped {
		r.lock.Unlock()
		return fmt.Errorf("failed triggering schedule %s: %w", id, ErrorRunnerStopped)
	}
	if _, ok := r.inFlight[id]; ok {
		r.lock.Unlock()
		return fmt.Errorf("failed triggering schedule %s: %w", id, ErrorAlreadyRunning)
	}
	r.inFlight[id] = struct{}{}
	// Add under the lock so it cannot race the Wait in Stop
	r.manual.Add(1)
	r.lock.Unlock()

	job := r.chain.Then(cron.FuncJob(func() {
		defer r.manual.Done()
		defer r.release(id)
		r.execute(id, fire)
	}))
	go job.Run()
	return nil
}

func (r *Runner) Start() {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.cron.Start()
}

// Stop halts the timers and waits for fires in flight. When ctx expires
// first, the context handed to running fires is cancelled.
func (r *Runner) Stop(ctx context.Context) error {
	r.lock.Lock()
	r.stopped = true
	r.lock.Unlock()

	done := make(chan struct{})
	go func() {
		<-r.cron.Stop().Done()
		r.manual.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return fmt.Errorf("runner stopped before in-flight runs finished: %w", ctx.Err())
	}
}

func (r *Runner) acquire(id model.ScheduleId) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.inFlight[id]; ok {
		return false
	}
	r.inFlight[id] = struct{}{}
	return true
}

func (r *Runner) release(id model.ScheduleId) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.inFlight, id)
}

func (r *Runner) execute(id model.ScheduleId, fire FireFunc) {
	log.WithFields(log.Fields{
		"scheduleId": id,
	}).Info("Executing schedule")
	if err := fire(r.ctx, id); err != nil {
		log.WithFields(log.Fields{
			"error":      err,
			"scheduleId": id,
		}).Error("Error executing schedule")
	}
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.WithFields(cronFields(keysAndValues)).Debug(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.WithFields(cronFields(keysAndValues)).WithError(err).Error(msg)
}

func cronFields(keysAndValues []interface{}) log.Fields {
	fields := make(log.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
