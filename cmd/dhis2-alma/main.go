package main

import (
	"context"
	"errors"
	"fmt"
	"github.com/HISP-Uganda/dhis2-alma/internal/config"
	"github.com/jessevdk/go-flags"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
	"net/http"
	"os"
	"os/signal"
	"syscall"
)

type Options struct {
	Config   string `short:"c" long:"config" description:"Path to the YAML config file" env:"DHIS2_ALMA_CONFIG"`
	Addr     string `short:"a" long:"addr" description:"HTTP listen address, overrides server.addr"`
	DbDriver string `short:"d" long:"db-driver" description:"Database driver, overrides database.driver" choice:"postgres" choice:"sqlite"`
	DbPath   string `short:"f" long:"db-path" description:"SQLite database file, overrides database.path"`
	DbHost   string `short:"u" long:"db-url" description:"Database host url, overrides database.host"`
	DbPort   uint   `short:"p" long:"db-port" description:"Database port, overrides database.port"`
	DbUser   string `short:"l" long:"db-login" description:"Database user login, overrides database.user"`
	DbName   string `short:"n" long:"db-name" description:"Database name, overrides database.name"`
	Timezone string `short:"z" long:"timezone" description:"Time zone schedules fire in, overrides scheduler.timezone"`
	LogLevel string `long:"log-level" description:"Log level, overrides log.level"`
}

func (opts Options) apply(cfg *config.Config) {
	overrides := []struct {
		value  string
		target *string
	}{
		{opts.Addr, &cfg.Server.Addr},
		{opts.DbDriver, &cfg.Database.Driver},
		{opts.DbPath, &cfg.Database.Path},
		{opts.DbHost, &cfg.Database.Host},
		{opts.DbUser, &cfg.Database.User},
		{opts.DbName, &cfg.Database.Name},
		{opts.Timezone, &cfg.Scheduler.Timezone},
		{opts.LogLevel, &cfg.Log.Level},
	}
	for _, override := range overrides {
		if override.value != "" {
			*override.target = override.value
		}
	}
	if opts.DbPort != 0 {
		cfg.Database.Port = opts.DbPort
	}
}

func main() {
	opts := Options{}
	_, err := flags.Parse(&opts)
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		log.Fatal(fmt.Errorf("could not parse command line args: %w", err))
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		log.Fatal(fmt.Errorf("could not load config: %w", err))
	}
	opts.apply(&cfg)
	if err = cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	if err = cfg.Log.ConfigureLogging(); err != nil {
		log.Fatal(err)
	}

	background := context.Background()
	application, err := newApp(background, cfg)
	if err != nil {
		log.Fatal(err)
	}
	application.start()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	serveErr := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{
			"addr":     cfg.Server.Addr,
			"timezone": application.evaluator.Location().String(),
			"armed":    application.recovered.Armed,
		}).Info("Serving schedules")
		if err := application.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-sigs:
	case err = <-serveErr:
		if err != nil {
			log.Error(fmt.Errorf("listen and serve error: %w", err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(background, cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err = application.server.Shutdown(shutdownCtx); err != nil {
		log.Error(fmt.Errorf("failed to shutdown server: %w", err))
	}

	stopCtx, stopCancel := context.WithTimeout(background, cfg.Server.ShutdownTimeout)
	defer stopCancel()
	application.stop(stopCtx)
}
