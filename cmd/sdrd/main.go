// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/ManuGH/sdrd/internal/bus"
	"github.com/ManuGH/sdrd/internal/bus/natsfwd"
	"github.com/ManuGH/sdrd/internal/config"
	"github.com/ManuGH/sdrd/internal/control"
	"github.com/ManuGH/sdrd/internal/daemon"
	"github.com/ManuGH/sdrd/internal/device"
	"github.com/ManuGH/sdrd/internal/enrich"
	"github.com/ManuGH/sdrd/internal/log"
	"github.com/ManuGH/sdrd/internal/supervisor"
	"github.com/ManuGH/sdrd/internal/telemetry"
	"github.com/ManuGH/sdrd/internal/version"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", config.ParseString("SDRD_CONFIG", ""), "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		os.Exit(0)
	}

	// Safe defaults until the config is loaded.
	log.Configure(log.Config{Level: "info", Service: "sdrd", Version: version.Version})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, strings.TrimSpace(*configPath), logger); err != nil {
		logger.Fatal().Err(err).Str(log.FieldEvent, "daemon.failed").Msg("sdrd exited with error")
	}
}

func run(ctx context.Context, configPath string, logger zerolog.Logger) error {
	loader := config.NewLoader(configPath, version.Version)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config %q: %w", configPath, err)
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "sdrd", Version: cfg.Version})

	src := "env+defaults"
	if configPath != "" {
		src = "file"
	}
	logger.Info().
		Str(log.FieldEvent, "config.loaded").
		Str("source", src).
		Str("path", configPath).
		Strs("modes", cfg.ModeNames()).
		Int("devices", len(cfg.Devices)).
		Msg("configuration loaded")

	holder := config.NewHolder(cfg, loader)

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "sdrd",
		ServiceVersion: cfg.Version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	events := bus.NewMemoryBus(cfg.Bus.QueueSize)

	// Devices come from the live config so a reload can add hardware.
	lister := device.NewCachedLister(device.ListerFunc(func(context.Context) ([]device.Descriptor, error) {
		return slices.Clone(holder.Get().Devices), nil
	}), cfg.DeviceCacheTTL)

	var (
		records supervisor.RecordSink
		pool    *enrich.Pool
	)
	if cfg.Enrichment.Enabled {
		pool = enrich.NewPool(enrich.Options{
			Workers:   cfg.Enrichment.Workers,
			QueueSize: cfg.Enrichment.QueueSize,
		}, events, enrich.RemoteIDEnricher{})
		if err := pool.Start(ctx); err != nil {
			return fmt.Errorf("start enrichment: %w", err)
		}
		records = pool
	}

	svc, err := control.New(holder, control.Options{
		Lister:  lister,
		Bus:     events,
		Records: records,
		// The escalating session keeps its device, so the target is left to
		// the operator.
		OnEscalate: func(_ context.Context, esc supervisor.Escalation) {
			logger.Warn().
				Str(log.FieldEvent, "daemon.escalation_pending").
				Str(log.FieldMode, esc.Mode).
				Str("target", esc.Target).
				Int(log.FieldDeviceIndex, esc.Claim.DeviceIndex).
				Msg("escalation target needs a manual start once the device is free")
		},
	})
	if err != nil {
		return fmt.Errorf("init control: %w", err)
	}

	mgr, err := daemon.NewManager(daemon.Deps{
		Logger:      logger,
		Service:     svc,
		Version:     cfg.Version,
		MetricsAddr: cfg.MetricsAddr,
	})
	if err != nil {
		return err
	}
	mgr.RegisterShutdownHook("telemetry", tp.Shutdown)

	if err := holder.StartWatcher(ctx); err != nil {
		logger.Warn().Err(err).Str(log.FieldEvent, "config.watcher_failed").Msg("config hot reload disabled")
	}
	mgr.RegisterShutdownHook("config-watcher", func(context.Context) error {
		holder.Stop()
		return nil
	})

	// Background workers outlive ctx so they observe the final session stops.
	bgCtx, bgCancel := context.WithCancel(context.WithoutCancel(ctx))
	bg, bgCtx := errgroup.WithContext(bgCtx)

	if cfg.NATS.URL != "" {
		nc, err := natsfwd.Connect(cfg.NATS.URL, cfg.NATS.Name)
		if err != nil {
			bgCancel()
			return err
		}
		mgr.RegisterShutdownHook("nats", func(context.Context) error { return nc.Drain() })
		fwd := natsfwd.New(nc, cfg.NATS.SubjectPrefix)
		bg.Go(func() error { return fwd.Run(bgCtx, events) })
	}

	if cfg.StatusFile != "" {
		sub, err := events.Subscribe(bgCtx, bus.TopicAll)
		if err != nil {
			bgCancel()
			return fmt.Errorf("subscribe status file: %w", err)
		}
		sf := control.NewStatusFile(cfg.StatusFile, svc)
		bg.Go(func() error {
			defer sub.Close()
			sf.Run(bgCtx, cfg.StatusInterval, sub.C())
			return nil
		})
	}

	reloads := make(chan config.Config, 1)
	holder.Subscribe(reloads)
	bg.Go(func() error {
		for {
			select {
			case <-bgCtx.Done():
				return nil
			case next := <-reloads:
				log.Configure(log.Config{Level: next.LogLevel, Service: "sdrd", Version: next.Version})
			}
		}
	})

	mgr.RegisterShutdownHook("background", func(context.Context) error {
		bgCancel()
		return bg.Wait()
	})
	if pool != nil {
		mgr.RegisterShutdownHook("enrichment", func(context.Context) error { return pool.Close() })
	}

	autostarted := svc.Autostart(ctx)

	logger.Info().
		Str(log.FieldEvent, "daemon.started").
		Int("autostarted", len(autostarted)).
		Str("version", version.String()).
		Str("metrics_addr", cfg.MetricsAddr).
		Msg("sdrd started")
	return mgr.Start(ctx)
}
