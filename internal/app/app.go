// Package app wires the daemon: config, logging, storage, bus, metrics,
// scheduler engine, bus control surface and the debug server.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"homehub/internal/bus"
	"homehub/internal/config"
	"homehub/internal/debugserver"
	"homehub/internal/logging"
	"homehub/internal/metrics"
	"homehub/internal/schedule"
	"homehub/internal/storage"
)

const defaultPublishTimeout = 5 * time.Second

type App struct {
	cfgPath string
	cfg     *config.Config
	log     zerolog.Logger

	store      *storage.Store
	bus        bus.Bus
	dispatcher *schedule.Dispatcher
	engine     *schedule.Engine
	control    *schedule.ControlHandler
	mirror     *schedule.Mirror
	debug      *debugserver.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(logging.Config{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		return nil, err
	}
	return &App{cfgPath: cfgPath, cfg: cfg, log: log}, nil
}

// Start brings everything up in dependency order. ctx bounds startup work
// only; background loops run until Stop.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfg

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	publishTimeout, err := config.ParseDurationOrDefault("scheduler.publish_timeout", cfg.Scheduler.PublishTimeout, defaultPublishTimeout)
	if err != nil {
		return err
	}

	store, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busyTimeout},
		a.log.With().Str("component", "storage").Logger())
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store

	a.bus = bus.NewMemory()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)

	a.dispatcher = schedule.NewDispatcher(schedule.DispatcherConfig{
		Workers:        cfg.Scheduler.DispatchWorkers,
		PublishRate:    cfg.Scheduler.PublishRate,
		PublishTimeout: publishTimeout,
	}, a.bus, store, m, a.log.With().Str("component", "dispatcher").Logger())

	broadcaster := schedule.NewBroadcaster(a.bus, publishTimeout,
		a.log.With().Str("component", "broadcaster").Logger())

	a.engine = schedule.New(schedule.Config{
		Timezone:  cfg.Scheduler.Timezone,
		OpTimeout: publishTimeout,
	}, store, a.dispatcher, broadcaster, m, a.log.With().Str("component", "engine").Logger())

	if err := a.engine.Start(ctx); err != nil {
		_ = store.Close()
		return err
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.control = schedule.NewControlHandler(a.engine, a.bus, publishTimeout,
		a.log.With().Str("component", "control").Logger())
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.control.Run(bgCtx)
	}()

	// The local mirror feeds the debug server's /schedules view through the
	// same broadcast path a remote dashboard would use.
	a.mirror = schedule.NewMirror(a.log.With().Str("component", "mirror").Logger())
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.mirror.Run(bgCtx, a.bus)
	}()
	if err := a.engine.Resync(ctx); err != nil {
		a.log.Warn().Err(err).Msg("initial mirror sync failed")
	}

	a.debug = debugserver.New(debugserver.Config{Enabled: cfg.Debug.Enabled, Addr: cfg.Debug.Addr},
		reg, a.mirror, a.log.With().Str("component", "debug").Logger())
	if err := a.debug.Start(); err != nil {
		a.log.Warn().Err(err).Msg("debug server failed to start")
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = config.Watch(bgCtx, a.cfgPath, a.log.With().Str("component", "config").Logger(), a.apply)
	}()

	a.log.Info().Str("config", a.cfgPath).Msg("homehub started")
	return nil
}

// apply handles config hot reload: log level and dispatch limits change
// in place; everything else needs a restart and is deliberately ignored.
func (a *App) apply(cfg *config.Config) {
	if err := logging.SetLevel(cfg.Log.Level); err != nil {
		a.log.Warn().Err(err).Msg("reload: bad log level")
	}
	publishTimeout, err := config.ParseDurationOrDefault("scheduler.publish_timeout", cfg.Scheduler.PublishTimeout, defaultPublishTimeout)
	if err != nil {
		a.log.Warn().Err(err).Msg("reload: bad publish timeout")
		return
	}
	a.dispatcher.Apply(schedule.DispatcherConfig{
		PublishRate:    cfg.Scheduler.PublishRate,
		PublishTimeout: publishTimeout,
	})
}

func (a *App) Stop(ctx context.Context) error {
	if a.debug != nil {
		_ = a.debug.Stop(ctx)
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	var err error
	if a.engine != nil {
		err = a.engine.Stop(ctx)
	}
	if a.store != nil {
		if cerr := a.store.Close(); err == nil {
			err = cerr
		}
	}
	a.log.Info().Msg("homehub stopped")
	return err
}
