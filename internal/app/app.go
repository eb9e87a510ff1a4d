// Package app wires configuration, logging, the metric store and the two
// activities (sampling and serving queries) for the binaries under cmd/.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sysmon/internal/config"
	"sysmon/internal/domain"
	"sysmon/internal/repository"
	"sysmon/internal/router"
	"sysmon/internal/sampler"
	"sysmon/internal/sensors"
	"sysmon/internal/telemetry"
	"sysmon/internal/util"
)

type Mode int

const (
	ModeAll Mode = iota
	ModeSampler
	ModeAPI
)

func (m Mode) String() string {
	switch m {
	case ModeSampler:
		return "sampler"
	case ModeAPI:
		return "api"
	default:
		return "all"
	}
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "all":
		return ModeAll, nil
	case "sampler":
		return ModeSampler, nil
	case "api":
		return ModeAPI, nil
	}
	return ModeAll, fmt.Errorf("unknown mode %q, want all, sampler or api", s)
}

type App struct {
	Config   *config.Config
	Logger   *util.Logger
	Store    *repository.SQLiteStore
	Registry *prometheus.Registry
	Metrics  *telemetry.Metrics

	// Source is replaced in tests; New sets the host source.
	Source domain.SampleSource
}

// New opens everything a process needs. On error nothing is left open.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, Logger: &util.Logger{}}

	if err := a.Logger.Init(util.LogOptions{Dir: cfg.Log.Dir, File: cfg.Log.File, Level: cfg.Log.Level}); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	store, err := openStore(ctx, cfg.Store, a.Logger)
	if err != nil {
		a.Logger.LogFields(util.LOG_LEVEL_ERROR, "Failed to open metric store", zap.String("path", cfg.Store.Path), zap.Error(err))
		return nil, multierr.Append(err, a.Logger.DeInit())
	}
	a.Store = store

	a.Registry = prometheus.NewRegistry()
	if cfg.Metrics.IsEnabled() {
		a.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.Metrics = telemetry.New(a.Registry)
	}

	a.Source = sensors.NewHostSource(sensors.Options{
		CPUWindow:       cfg.Sampler.CPUWindow,
		DiskPath:        cfg.Sampler.DiskPath,
		TemperaturePath: cfg.Sampler.TemperaturePath,
	})

	a.Logger.LogFields(util.LOG_LEVEL_INFO, "Metric store ready", zap.String("path", store.Path()))
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *util.Logger) (*repository.SQLiteStore, error) {
	opts := repository.Options{OpenTimeout: cfg.OpenTimeout, TxTimeout: cfg.TxTimeout}

	store, err := repository.Open(ctx, cfg.Path, opts)
	if err == nil || !errors.Is(err, repository.ErrIncompatibleSchema) || !cfg.RecreateIncompatible {
		return store, err
	}

	moved, qerr := repository.Quarantine(cfg.Path, time.Now())
	if qerr != nil {
		return nil, multierr.Append(err, qerr)
	}
	logger.LogFields(util.LOG_LEVEL_WARN, "Incompatible store moved aside, starting empty",
		zap.String("path", cfg.Path), zap.String("moved_to", moved), zap.Error(err))

	return repository.Open(ctx, cfg.Path, opts)
}

func (a *App) Sampler() *sampler.Sampler {
	return sampler.New(a.Store, a.Source, a.Logger, a.Metrics, sampler.Options{
		Interval:        a.Config.Sampler.Interval,
		PruneInterval:   a.Config.Sampler.PruneInterval,
		Retention:       a.Config.Sampler.Retention,
		WriteTimeout:    a.Config.Store.TxTimeout,
		TemperatureWarn: a.Config.Sampler.TemperatureThreshold(),
	})
}

func (a *App) routerOptions() router.Options {
	opts := router.Options{
		HistoryWindow: a.Config.HTTP.HistoryWindow,
		Retention:     a.Config.Sampler.Retention,
		Metrics:       a.Metrics,
	}
	if a.Config.Metrics.IsEnabled() {
		opts.Gatherer = a.Registry
	}
	return opts
}

// Run drives the activities selected by mode until ctx is cancelled or one of
// them fails.
func (a *App) Run(ctx context.Context, mode Mode) error {
	a.Logger.LogFields(util.LOG_LEVEL_INFO, "Service started", zap.Stringer("mode", mode), zap.Int("pid", os.Getpid()))

	g, ctx := errgroup.WithContext(ctx)

	if mode == ModeAll || mode == ModeSampler {
		s := a.Sampler()
		g.Go(func() error { return s.Run(ctx) })
	}
	if mode == ModeAll || mode == ModeAPI {
		server := router.NewServer(a.Config.HTTP.Addr, router.NewRouter(a.Store, a.Logger, a.routerOptions()))
		g.Go(func() error {
			return router.Serve(ctx, server, a.Logger, a.Config.HTTP.ShutdownTimeout)
		})
	}

	err := g.Wait()
	if err != nil {
		a.Logger.LogFields(util.LOG_LEVEL_ERROR, "Service stopped with error", zap.Error(err))
	} else {
		a.Logger.LogEvent(util.LOG_LEVEL_INFO, "Service stopped")
	}
	return err
}

// Once takes a single sample and applies retention, for cron-style use.
func (a *App) Once(ctx context.Context) error {
	s := a.Sampler()
	if _, err := s.PruneOnce(ctx); err != nil {
		return err
	}
	if !s.SampleOnce(ctx) {
		return errors.New("no sample stored, see log for details")
	}
	return nil
}

// Close waits for any in-flight write, then closes the store and flushes the log.
func (a *App) Close() error {
	var err error
	if a.Store != nil {
		err = multierr.Append(err, a.Store.Close())
	}
	return multierr.Append(err, a.Logger.DeInit())
}
