package scheduler

import (
	"context"
	"errors"
	"fmt"
	"github.com/HISP-Uganda/dhis2-alma/internal/cronexpr"
	"github.com/HISP-Uganda/dhis2-alma/internal/model"
	"github.com/HISP-Uganda/dhis2-alma/internal/validation"
	_ "modernc.org/sqlite"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newStorage(t *testing.T) model.ScheduleStorage {
	t.Helper()
	validator, err := validation.NewScheduleValidator(cronexpr.New(time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	storage, err := model.NewSQLScheduleStorage(context.Background(), "sqlite", ":memory:", validator)
	if err != nil {
		t.Fatalf("could not create schedule storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage
}

func newRunner(t *testing.T) *Runner {
	t.Helper()
	runner := NewRunner(cronexpr.New(time.UTC))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		runner.Stop(ctx)
	})
	return runner
}

func createSchedule(t *testing.T, storage model.ScheduleStorage, task string) model.Schedule {
	t.Helper()
	schedule, err := storage.CreateSchedule(context.Background(), model.ScheduleDefinition{
		Name:           "daily",
		CronExpression: "0 0 * * *",
		Task:           task,
		MaxRetries:     3,
		RetryDelay:     60,
	})
	if err != nil {
		t.Fatal(err)
	}
	return schedule
}

func requireEqual[K comparable](name string, expected K, actual K, t *testing.T) {
	t.Helper()
	if expected != actual {
		t.Fatalf("expected %s to be %v, instead got %v", name, expected, actual)
	}
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func noopFire(context.Context, model.ScheduleId) error { return nil }

func TestArmTwiceFails(t *testing.T) {
	runner := newRunner(t)
	schedule := model.Schedule{Id: "a", CronExpression: "0 0 * * *"}

	if err := runner.Arm(schedule, noopFire); err != nil {
		t.Fatal(err)
	}
	err := runner.Arm(schedule, noopFire)
	if !errors.Is(err, ErrorAlreadyArmed) {
		t.Fatalf("expected ErrorAlreadyArmed, got %v", err)
	}
	requireEqual("armed", 1, runner.Armed(), t)
	requireEqual("isArmed", true, runner.IsArmed("a"), t)
}

func TestArmRejectsInvalidExpression(t *testing.T) {
	runner := newRunner(t)
	if err := runner.Arm(model.Schedule{Id: "a", CronExpression: "every day"}, noopFire); err == nil {
		t.Fatal("expected invalid expression to be rejected")
	}
	requireEqual("armed", 0, runner.Armed(), t)
}

func TestDisarmIsIdempotent(t *testing.T) {
	runner := newRunner(t)
	if err := runner.Arm(model.Schedule{Id: "a", CronExpression: "0 0 * * *"}, noopFire); err != nil {
		t.Fatal(err)
	}
	runner.Disarm("a")
	runner.Disarm("a")
	runner.Disarm("never-armed")
	requireEqual("isArmed", false, runner.IsArmed("a"), t)
	if err := runner.Arm(model.Schedule{Id: "a", CronExpression: "0 0 * * *"}, noopFire); err != nil {
		t.Fatalf("re-arming after disarm failed: %v", err)
	}
}

func TestArmedTimerFires(t *testing.T) {
	runner := newRunner(t)
	var fired atomic.Int32
	fire := func(ctx context.Context, id model.ScheduleId) error {
		if id != "a" {
			t.Errorf("unexpected schedule %s fired", id)
		}
		fired.Add(1)
		return errors.New("body failure is only logged")
	}
	if err := runner.Arm(model.Schedule{Id: "a", CronExpression: "* * * * * *"}, fire); err != nil {
		t.Fatal(err)
	}
	runner.Start()
	waitFor(t, "a timer fire", func() bool { return fired.Load() >= 1 })
}

func TestOverlappingFireIsSkipped(t *testing.T) {
	runner := newRunner(t)
	release := make(chan struct{})
	var calls atomic.Int32
	fire := func(ctx context.Context, id model.ScheduleId) error {
		calls.Add(1)
		<-release
		return nil
	}

	if err := runner.Trigger("a", fire); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first fire", func() bool { return calls.Load() == 1 })
	if err := runner.Trigger("a", fire); !errors.Is(err, ErrorAlreadyRunning) {
		t.Fatalf("expected ErrorAlreadyRunning, got %v", err)
	}
	if err := runner.Trigger("b", fire); err != nil {
		t.Fatalf("other schedules must not be blocked: %v", err)
	}

	close(release)
	waitFor(t, "fires to finish", func() bool { return !runner.InFlight("a") && !runner.InFlight("b") })
	requireEqual("calls", int32(2), calls.Load(), t)
}

func TestPanickingFireKeepsRunner(t *testing.T) {
	runner := newRunner(t)
	if err := runner.Trigger("a", func(context.Context, model.ScheduleId) error { panic("boom") }); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "panicking fire to be released", func() bool { return !runner.InFlight("a") })

	done := make(chan struct{})
	if err := runner.Trigger("a", func(context.Context, model.ScheduleId) error { close(done); return nil }); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("second fire never ran")
	}
}

func TestTriggerAfterStopIsRefused(t *testing.T) {
	runner := newRunner(t)
	var accepted, executed atomic.Int32
	fire := func(context.Context, model.ScheduleId) error {
		executed.Add(1)
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id model.ScheduleId) {
			defer wg.Done()
			err := runner.Trigger(id, fire)
			switch {
			case err == nil:
				accepted.Add(1)
			case !errors.Is(err, ErrorRunnerStopped):
				t.Errorf("unexpected trigger error %v", err)
			}
		}(model.ScheduleId(fmt.Sprintf("s%d", i)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := runner.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	requireEqual("executed", accepted.Load(), executed.Load(), t)

	err := runner.Trigger("late", fire)
	if !errors.Is(err, ErrorRunnerStopped) {
		t.Fatalf("expected ErrorRunnerStopped, got %v", err)
	}
}
