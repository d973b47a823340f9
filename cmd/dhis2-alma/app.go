package main

import (
	"context"
	"fmt"
	"github.com/HISP-Uganda/dhis2-alma/internal/alma"
	"github.com/HISP-Uganda/dhis2-alma/internal/almasync"
	"github.com/HISP-Uganda/dhis2-alma/internal/config"
	"github.com/HISP-Uganda/dhis2-alma/internal/cronexpr"
	"github.com/HISP-Uganda/dhis2-alma/internal/dhis2"
	shttp "github.com/HISP-Uganda/dhis2-alma/internal/http"
	"github.com/HISP-Uganda/dhis2-alma/internal/model"
	"github.com/HISP-Uganda/dhis2-alma/internal/progress"
	"github.com/HISP-Uganda/dhis2-alma/internal/recovery"
	"github.com/HISP-Uganda/dhis2-alma/internal/scheduler"
	"github.com/HISP-Uganda/dhis2-alma/internal/validation"
	log "github.com/sirupsen/logrus"
	"net/http"
)

type app struct {
	storage   model.ScheduleStorage
	runner    *scheduler.Runner
	server    *http.Server
	evaluator *cronexpr.Evaluator
	recovered recovery.Report
}

// newApp wires the service and runs recovery. Timers are armed but do not
// fire until start.
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	evaluator, err := cronexpr.NewInZone(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, err
	}
	validator, err := validation.NewScheduleValidator(evaluator)
	if err != nil {
		return nil, err
	}
	storage, err := model.NewSQLScheduleStorage(ctx, cfg.Database.Driver, cfg.Database.DataSourceName(), validator)
	if err != nil {
		return nil, fmt.Errorf("could not create schedule storage: %w", err)
	}
	bodies, err := jobBodies(cfg)
	if err != nil {
		storage.Close()
		return nil, err
	}

	broadcaster := progress.NewBroadcaster(cfg.Scheduler.SubscriberQueue)
	runner := scheduler.NewRunner(evaluator)
	executor := scheduler.NewExecutor(storage, broadcaster, bodies)
	service := scheduler.NewService(storage, runner, executor, evaluator)

	report, err := recovery.NewController(storage, runner, executor.Fire, broadcaster).Run(ctx)
	if err != nil {
		storage.Close()
		return nil, fmt.Errorf("could not recover schedules: %w", err)
	}

	return &app{
		storage:   storage,
		runner:    runner,
		server:    shttp.NewScheduleServer(service, broadcaster, cfg.Server.Addr, cfg.Server.KeepAlive),
		evaluator: evaluator,
		recovered: report,
	}, nil
}

func (a *app) start() {
	a.runner.Start()
}

// stop drains the runner and closes the store. The HTTP server is shut down
// by the caller first.
func (a *app) stop(ctx context.Context) {
	if err := a.runner.Stop(ctx); err != nil {
		log.Error(fmt.Errorf("failed to stop runner: %w", err))
	}
	if err := a.storage.Close(); err != nil {
		log.Error(fmt.Errorf("failed to close storage: %w", err))
	}
}

// jobBodies registers the dhis2-alma body when both endpoints are configured.
func jobBodies(cfg config.Config) (scheduler.Bodies, error) {
	bodies := scheduler.Bodies{}
	if cfg.Dhis2.URL == "" || cfg.Alma.URL == "" {
		log.Warn("DHIS2 or ALMA url not configured, dhis2-alma schedules will fail")
		return bodies, nil
	}
	source, err := dhis2.NewClient(dhis2.Config{
		URL:               cfg.Dhis2.URL,
		Username:          cfg.Dhis2.Username,
		Password:          cfg.Dhis2.Password,
		Timeout:           cfg.Dhis2.Timeout,
		RequestsPerSecond: cfg.Dhis2.RequestsPerSecond,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create dhis2 client: %w", err)
	}
	sink, err := alma.NewClient(alma.Config{
		URL:               cfg.Alma.URL,
		Path:              cfg.Alma.Path,
		Token:             cfg.Alma.Token,
		Timeout:           cfg.Alma.Timeout,
		RequestsPerSecond: cfg.Alma.RequestsPerSecond,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create alma client: %w", err)
	}
	bodies[almasync.Task] = almasync.NewJob(source, sink)
	return bodies, nil
}
