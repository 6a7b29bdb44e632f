/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-logr/zerologr"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/soakworks/tubd/internal/api"
	"github.com/soakworks/tubd/internal/config"
	"github.com/soakworks/tubd/internal/crontab"
	"github.com/soakworks/tubd/internal/equipment"
	"github.com/soakworks/tubd/internal/events"
	"github.com/soakworks/tubd/internal/heat"
	"github.com/soakworks/tubd/internal/jobstore"
	"github.com/soakworks/tubd/internal/liveness"
	"github.com/soakworks/tubd/internal/maintenance"
	"github.com/soakworks/tubd/internal/scheduler"
	"github.com/soakworks/tubd/internal/sensors"
)

func main() {
	// A .env beside the binary is convenient on the appliance; absence is
	// fine.
	_ = godotenv.Load()

	flags := pflag.NewFlagSet("tubd", pflag.ExitOnError)
	config.BindFlags(flags)
	if err := flags.Parse(os.Args[1:]); err != nil {
		fatal(nil, err, "failed to parse flags")
	}

	cfg, err := config.Load(flags)
	if err != nil {
		fatal(nil, err, "failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()
	logger := zerologr.New(&zl)
	setupLog := logger.WithName("setup")
	api.SetLogger(&zl)

	if cfg.ConfigFileUsed() != "" {
		setupLog.Info("configuration loaded", "file", cfg.ConfigFileUsed(), "level", cfg.LogLevel)
	} else {
		setupLog.Info("no config file found, using defaults and flags", "level", cfg.LogLevel)
	}

	loc, err := cfg.Location()
	if err != nil {
		fatal(&zl, err, "invalid timezone")
	}

	// Storage
	store, err := jobstore.Open(filepath.Join(cfg.DataDir, "jobs"))
	if err != nil {
		fatal(&zl, err, "opening job store")
	}
	eventStore, err := events.NewStore(filepath.Join(cfg.DataDir, "events.db"))
	if err != nil {
		fatal(&zl, err, "opening event store")
	}
	if err := eventStore.Init(); err != nil {
		fatal(&zl, err, "initializing event store")
	}
	defer func() { _ = eventStore.Close() }()
	setupLog.Info("initialized stores", "dataDir", cfg.DataDir)

	// Host crontab
	cron, err := crontab.NewSystemAdapter(cfg.DataDir)
	if err != nil {
		fatal(&zl, err, "preparing crontab adapter")
	}

	// Liveness monitoring
	var live liveness.Client
	if cfg.Liveness.Enabled() {
		live = liveness.NewHTTPClient(cfg.Liveness.BaseURL, cfg.Liveness.APIKey, logger)
		setupLog.Info("liveness monitoring enabled", "baseUrl", cfg.Liveness.BaseURL)
	} else {
		live = liveness.Disabled{}
		setupLog.Info("liveness monitoring disabled, no API key configured")
	}

	// Sensors and equipment
	sensorMgr, err := sensors.NewManager(cfg.DataDir)
	if err != nil {
		fatal(&zl, err, "preparing sensor manager")
	}
	var webhook equipment.WebhookClient
	if cfg.Equipment.WebhookKey != "" {
		webhook = equipment.NewHTTPWebhook(cfg.Equipment.WebhookBaseURL, cfg.Equipment.WebhookKey, logger)
	} else {
		webhook = equipment.NewStubWebhook(logger)
		setupLog.Info("equipment webhook in stub mode, no key configured")
	}
	equipCtrl, err := equipment.NewController(cfg.DataDir, webhook, eventStore, sensorMgr, logger)
	if err != nil {
		fatal(&zl, err, "preparing equipment controller")
	}

	// Scheduler and control loop
	sched := scheduler.New(store, cron, live, scheduler.Options{
		APIBaseURL:     cfg.APIBaseURL,
		DispatcherPath: cfg.DispatcherPath,
		Channel:        cfg.Liveness.Channel,
		GraceSeconds:   cfg.Liveness.GraceSeconds,
		OverlapWindow:  cfg.Scheduler.OverlapWindow,
		Location:       loc,
	}, logger)

	heatSvc, err := heat.NewService(cfg.DataDir, equipCtrl, sched, sensorMgr, heat.Options{
		CheckIntervalMin: cfg.Heat.CheckIntervalMin,
		DeadbandF:        cfg.Heat.DeadbandF,
		SensorStaleAfter: cfg.Heat.SensorStaleAfter,
	}, logger)
	if err != nil {
		fatal(&zl, err, "preparing target-temperature service")
	}
	equipCtrl.SetSupervisor(heatSvc)

	planner := scheduler.NewReadyByPlanner(sched, eventStore, sensorMgr,
		time.Duration(cfg.Heat.HoldWindowMin)*time.Minute, logger)

	// Deploy-time maintenance setup, idempotent on every boot.
	maint, err := maintenance.NewManager(cfg.DataDir, cron, live, store, eventStore,
		cfg.Maintenance.RotationScript, cfg.SystemTZ, cfg.Liveness.Channel, logger)
	if err != nil {
		fatal(&zl, err, "preparing maintenance manager")
	}
	setupResult, err := maint.Setup(context.Background())
	if err != nil {
		// Setup failures are logged, not fatal: a read-only crontab must
		// not keep the API down.
		setupLog.Error(err, "maintenance setup failed")
	} else {
		setupLog.Info("maintenance setup complete",
			"cronCreated", setupResult.CronCreated,
			"healthcheckCreated", setupResult.HealthcheckCreated)
	}

	server := api.NewServer(api.ServerOptions{
		Equipment: equipCtrl,
		Heat:      heatSvc,
		Scheduler: sched,
		Planner:   planner,
		Maint:     maint,
		Sensors:   sensorMgr,
		Events:    eventStore,
		Port:      cfg.Server.Port,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	setupLog.Info("starting tubd", "port", cfg.Server.Port)
	if err := server.Start(ctx); err != nil {
		fatal(&zl, err, "server error")
	}
}

func fatal(zl *zerolog.Logger, err error, msg string) {
	if zl != nil {
		zl.Error().Err(err).Msg(msg)
	} else {
		l := zerolog.New(os.Stderr)
		l.Error().Err(err).Msg(msg)
	}
	os.Exit(1)
}
