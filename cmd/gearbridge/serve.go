// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/gearbridge/fleet"
	"github.com/bureau-foundation/gearbridge/lib/ci/local"
	"github.com/bureau-foundation/gearbridge/lib/config"
	"github.com/bureau-foundation/gearbridge/lib/metrics"
	"github.com/bureau-foundation/gearbridge/lib/version"
)

const metricsShutdownTimeout = 5 * time.Second

type serveParams struct {
	configPath string
	verbose    bool
}

func serveCommand() *command {
	var params serveParams
	return &command{
		Name:    "serve",
		Summary: "Run the worker fleet and the local scheduler",
		Description: `Run the gearbridge daemon in the foreground. The configuration file is
read from --config, or from $GEARBRIDGE_CONFIG when the flag is absent.
SIGHUP re-reads it together with the topology file.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("serve", pflag.ContinueOnError)
			flagSet.StringVar(&params.configPath, "config", "", "configuration file (default $"+config.EnvironmentVariable+")")
			flagSet.BoolVarP(&params.verbose, "verbose", "v", false, "log at debug level")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			return serve(params)
		},
	}
}

// configPath returns the explicit path, or the environment's.
func configPath(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if path := os.Getenv(config.EnvironmentVariable); path != "" {
		return path, nil
	}
	return "", fmt.Errorf("no configuration: pass --config or set %s", config.EnvironmentVariable)
}

func settingsFrom(cfg *config.Config) fleet.Settings {
	return fleet.Settings{
		Enabled: cfg.Gearman.Enabled,
		Host:    cfg.Gearman.Host,
		Port:    cfg.Gearman.Port,
	}
}

// daemon is the state behind the control actions and SIGHUP.
type daemon struct {
	configPath string
	scheduler  *local.Scheduler
	controller *fleet.Controller
	logger     *slog.Logger

	// reloadMu serializes reloads from SIGHUP and the control socket.
	reloadMu sync.Mutex
	config   *config.Config
}

func serve(params serveParams) error {
	path, err := configPath(params.configPath)
	if err != nil {
		return err
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return err
	}
	logger := newLogger(params.verbose)
	logger.Info("starting gearbridge", "version", version.Info(), "config", path)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler, err := local.New(local.Options{
		TopologyPath: cfg.Scheduler.Topology,
		DatabasePath: cfg.Scheduler.Database,
		Workspace:    cfg.Scheduler.Workspace,
		LogDirectory: cfg.Scheduler.Logs,
		RootURL:      cfg.Scheduler.RootURL,
		Logger:       logger.With("component", "scheduler"),
	})
	if err != nil {
		return fmt.Errorf("opening scheduler: %w", err)
	}
	defer scheduler.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collected := metrics.New(registry)

	controller := fleet.New(fleet.Options{
		Scheduler:            scheduler,
		ManagerName:          cfg.ManagerName,
		WorkerPrefix:         cfg.WorkerPrefix,
		PipelinesOnManager:   cfg.PipelinesOnManager,
		RegistrationInterval: cfg.RegistrationInterval,
		Metrics:              collected,
		Logger:               logger.With("component", "fleet"),
	})
	scheduler.SetAvailability(controller)

	d := &daemon{
		configPath: path,
		scheduler:  scheduler,
		controller: controller,
		logger:     logger,
		config:     cfg,
	}

	if err := controller.Apply(ctx, settingsFrom(cfg)); err != nil {
		logger.Error("gearman settings rejected, staying disabled", "error", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.ControlSocket), 0o755); err != nil {
		return fmt.Errorf("creating control socket directory: %w", err)
	}
	server := newControlServer(d, cfg.ControlSocket)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return scheduler.Run(groupCtx) })
	group.Go(func() error { return scheduler.Watch(groupCtx) })
	group.Go(func() error { return controller.Run(groupCtx) })
	group.Go(func() error { return server.Serve(groupCtx) })
	if cfg.MetricsListen != "" {
		group.Go(func() error {
			return serveMetrics(groupCtx, cfg.MetricsListen, collected.Handler(), logger)
		})
	}
	group.Go(func() error {
		d.watchHangup(groupCtx)
		return nil
	})

	logger.Info("gearbridge running",
		"manager", cfg.ManagerName,
		"control_socket", cfg.ControlSocket,
		"targets", len(scheduler.Targets()),
		"jobs", len(scheduler.Jobs()),
	)

	err = group.Wait()
	logger.Info("shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *daemon) watchHangup(ctx context.Context) {
	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)
	defer signal.Stop(hangup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hangup:
			d.logger.Info("SIGHUP received, reloading")
			if err := d.reload(ctx); err != nil {
				d.logger.Error("reload failed", "error", err)
			}
		}
	}
}

// reload re-reads the topology and the configuration file and applies
// the gearman settings. Other configuration changes need a restart.
func (d *daemon) reload(ctx context.Context) error {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()

	if err := d.scheduler.Reload(); err != nil {
		return fmt.Errorf("reloading topology: %w", err)
	}
	cfg, err := config.LoadFile(d.configPath)
	if err != nil {
		return err
	}
	if changed := restartFields(d.config, cfg); len(changed) > 0 {
		d.logger.Warn("configuration changes take effect on restart", "fields", changed)
	}
	d.config = cfg
	return d.controller.Apply(ctx, settingsFrom(cfg))
}

// restartFields lists the fields that differ between before and after
// and are only read at startup.
func restartFields(before, after *config.Config) []string {
	var changed []string
	check := func(name string, differs bool) {
		if differs {
			changed = append(changed, name)
		}
	}
	check("manager_name", before.ManagerName != after.ManagerName)
	check("worker_prefix", before.WorkerPrefix != after.WorkerPrefix)
	check("pipelines_on_manager", before.PipelinesOnManager != after.PipelinesOnManager)
	check("registration_interval", before.RegistrationInterval != after.RegistrationInterval)
	check("control_socket", before.ControlSocket != after.ControlSocket)
	check("metrics_listen", before.MetricsListen != after.MetricsListen)
	check("scheduler", before.Scheduler != after.Scheduler)
	return changed
}

func serveMetrics(ctx context.Context, address string, handler http.Handler, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "address", address)
		done <- server.ListenAndServe()
	}()

	select {
	case err := <-done:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown", "error", err)
	}
	<-done
	return ctx.Err()
}
