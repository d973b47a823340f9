package scheduler

import (
	"context"
	"errors"
	"github.com/HISP-Uganda/dhis2-alma/internal/model"
	"github.com/HISP-Uganda/dhis2-alma/internal/progress"
	"testing"
	"time"
)

func drain(sub *progress.Subscription) []progress.Event {
	var events []progress.Event
	for {
		select {
		case event := <-sub.C:
			events = append(events, event)
		default:
			return events
		}
	}
}

func TestFireCompletes(t *testing.T) {
	ctx := context.Background()
	storage := newStorage(t)
	broadcaster := progress.NewBroadcaster(16)
	body := BodyFunc(func(ctx context.Context, schedule model.Schedule, reporter Reporter) error {
		current, err := storage.GetSchedule(ctx, schedule.Id)
		if err != nil {
			return err
		}
		requireEqual("status while running", model.StatusRunning, current.Status, t)
		if current.CurrentJobId == nil {
			t.Error("running schedule must carry its execution id")
		}
		reporter.Report(ctx, 50, "unit (1/2)")
		return nil
	})
	executor := NewExecutor(storage, broadcaster, Bodies{"sync": body})
	schedule := createSchedule(t, storage, "sync")
	sub := broadcaster.Subscribe(schedule.Id)

	if err := executor.Fire(ctx, schedule.Id); err != nil {
		t.Fatal(err)
	}

	got, err := storage.GetSchedule(ctx, schedule.Id)
	if err != nil {
		t.Fatal(err)
	}
	requireEqual("status", model.StatusCompleted, got.Status, t)
	requireEqual("lastStatus", model.StatusCompleted, got.LastStatus, t)
	requireEqual("progress", 100, got.Progress, t)
	if got.CurrentJobId != nil || got.LastRun == nil {
		t.Fatalf("unexpected run state %+v", got)
	}

	executions, err := storage.ListExecutions(ctx, schedule.Id, 10)
	if err != nil {
		t.Fatal(err)
	}
	requireEqual("executions", 1, len(executions), t)
	requireEqual("execution status", model.StatusCompleted, executions[0].Status, t)
	if executions[0].EndTime == nil {
		t.Fatal("finished execution must be sealed")
	}

	events := drain(sub)
	requireEqual("events", 3, len(events), t)
	requireEqual("first event", 0, events[0].Progress, t)
	requireEqual("progress event", 50, events[1].Progress, t)
	requireEqual("progress message", "unit (1/2)", events[1].Message, t)
	requireEqual("terminal status", model.StatusCompleted, events[2].Status, t)
	requireEqual("terminal progress", 100, events[2].Progress, t)
}

func TestFireRecordsFailure(t *testing.T) {
	ctx := context.Background()
	storage := newStorage(t)
	broadcaster := progress.NewBroadcaster(16)
	body := BodyFunc(func(ctx context.Context, schedule model.Schedule, reporter Reporter) error {
		reporter.Report(ctx, 30, "halfway there")
		return errors.New("analytics unavailable")
	})
	executor := NewExecutor(storage, broadcaster, Bodies{"sync": body})
	schedule := createSchedule(t, storage, "sync")

	err := executor.Fire(ctx, schedule.Id)
	if err == nil {
		t.Fatal("expected body failure to be returned")
	}

	got, err := storage.GetSchedule(ctx, schedule.Id)
	if err != nil {
		t.Fatal(err)
	}
	requireEqual("status", model.StatusFailed, got.Status, t)
	requireEqual("progress", 30, got.Progress, t)
	requireEqual("message", "analytics unavailable", got.Message, t)
	if got.CurrentJobId != nil {
		t.Fatal("failed schedule must not carry an execution id")
	}
}

func TestFireRecoversPanickingBody(t *testing.T) {
	ctx := context.Background()
	storage := newStorage(t)
	body := BodyFunc(func(context.Context, model.Schedule, Reporter) error { panic("nil map") })
	executor := NewExecutor(storage, progress.NewBroadcaster(1), Bodies{"sync": body})
	schedule := createSchedule(t, storage, "sync")

	if err := executor.Fire(ctx, schedule.Id); err == nil {
		t.Fatal("expected panic to surface as an error")
	}
	got, err := storage.GetSchedule(ctx, schedule.Id)
	if err != nil {
		t.Fatal(err)
	}
	requireEqual("status", model.StatusFailed, got.Status, t)
}

func TestFireUnknownTaskFails(t *testing.T) {
	ctx := context.Background()
	storage := newStorage(t)
	executor := NewExecutor(storage, progress.NewBroadcaster(1), Bodies{})
	schedule := createSchedule(t, storage, "missing")

	err := executor.Fire(ctx, schedule.Id)
	if !errors.Is(err, ErrorUnknownTask) {
		t.Fatalf("expected ErrorUnknownTask, got %v", err)
	}
	got, err := storage.GetSchedule(ctx, schedule.Id)
	if err != nil {
		t.Fatal(err)
	}
	requireEqual("status", model.StatusFailed, got.Status, t)
}

func TestFireRefusesRunningSchedule(t *testing.T) {
	ctx := context.Background()
	storage := newStorage(t)
	ran := false
	body := BodyFunc(func(context.Context, model.Schedule, Reporter) error {
		ran = true
		return nil
	})
	executor := NewExecutor(storage, progress.NewBroadcaster(1), Bodies{"sync": body})
	schedule := createSchedule(t, storage, "sync")

	execution, err := storage.BeginExecution(ctx, schedule.Id, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	before, err := storage.GetSchedule(ctx, schedule.Id)
	if err != nil {
		t.Fatal(err)
	}

	err = executor.Fire(ctx, schedule.Id)
	if !errors.Is(err, ErrorAlreadyRunning) {
		t.Fatalf("expected ErrorAlreadyRunning, got %v", err)
	}
	if ran {
		t.Fatal("body must not run while another execution is current")
	}
	after, err := storage.GetSchedule(ctx, schedule.Id)
	if err != nil {
		t.Fatal(err)
	}
	requireEqual("currentJobId", execution.Id, *after.CurrentJobId, t)
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatal("refused fire must not write")
	}
}

func TestFireMissingSchedule(t *testing.T) {
	executor := NewExecutor(newStorage(t), progress.NewBroadcaster(1), Bodies{})
	err := executor.Fire(context.Background(), "missing")
	if !errors.Is(err, model.ErrorNotFound) {
		t.Fatalf("expected ErrorNotFound, got %v", err)
	}
}

func TestFireOfDeletedScheduleSkipsTerminalEvent(t *testing.T) {
	ctx := context.Background()
	storage := newStorage(t)
	broadcaster := progress.NewBroadcaster(16)
	body := BodyFunc(func(ctx context.Context, schedule model.Schedule, reporter Reporter) error {
		if err := storage.DeleteSchedule(ctx, schedule.Id); err != nil {
			return err
		}
		reporter.Report(ctx, 50, "unit (1/2)")
		return nil
	})
	executor := NewExecutor(storage, broadcaster, Bodies{"sync": body})
	schedule := createSchedule(t, storage, "sync")
	sub := broadcaster.Subscribe(schedule.Id)

	if err := executor.Fire(ctx, schedule.Id); err != nil {
		t.Fatal(err)
	}

	events := drain(sub)
	requireEqual("events", 1, len(events), t)
	requireEqual("only event", model.StatusRunning, events[0].Status, t)
	if _, err := storage.GetSchedule(ctx, schedule.Id); !errors.Is(err, model.ErrorNotFound) {
		t.Fatalf("expected ErrorNotFound, got %v", err)
	}
}
