// Package main implements the qToggleServer entry point: it loads the
// configuration, wires the persistence store, port registry, device
// catalog, slave federation and optional webhooks/reverse services
// together and runs the HTTP API with the main loop.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qtoggle/qtoggleserver/api"
	"github.com/qtoggle/qtoggleserver/config"
	"github.com/qtoggle/qtoggleserver/core"
	"github.com/qtoggle/qtoggleserver/device"
	"github.com/qtoggle/qtoggleserver/events"
	"github.com/qtoggle/qtoggleserver/expressions"
	"github.com/qtoggle/qtoggleserver/health"
	"github.com/qtoggle/qtoggleserver/metric"
	"github.com/qtoggle/qtoggleserver/persist"
	"github.com/qtoggle/qtoggleserver/ports"
	"github.com/qtoggle/qtoggleserver/reverse"
	"github.com/qtoggle/qtoggleserver/sessions"
	"github.com/qtoggle/qtoggleserver/slaves"
	"github.com/qtoggle/qtoggleserver/webhooks"
)

const (
	Version = device.Version
	appName = "qtoggleserver"
)

const shutdownTimeout = 10 * time.Second

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n",
				r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Validate {
		slog.Info("configuration is valid")
		return nil
	}

	logger := setupLogger(cfg.Logging.Level)
	slog.SetDefault(logger)
	slog.Info("starting qToggleServer", "version", Version,
		"config_path", cliCfg.ConfigPath)

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := persist.Open(cfg.Persist.Driver, cfg.Persist.Params, logger)
	if err != nil {
		return fmt.Errorf("open persistence: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("cannot close persistence", "error", err)
		}
	}()

	bus := events.NewBus(logger)
	metrics := metric.New()
	registry := ports.NewRegistry(store, bus, logger)
	vports := ports.NewVirtualPorts(registry, store, logger)
	dev := device.New(store, bus, device.Options{Name: appName}, logger)
	sessionRegistry := sessions.NewRegistry(cfg.Core.EventQueueSize, logger)

	// Every bus event fans out to the long-poll sessions.
	bus.AddHandler(events.HandlerFunc(
		func(_ context.Context, event events.Event) error {
			sessionRegistry.Push(event)
			return nil
		}))

	if err := vports.Init(ctx); err != nil {
		return fmt.Errorf("materialize virtual ports: %w", err)
	}
	if err := addStaticPorts(ctx, cfg, registry, logger); err != nil {
		return fmt.Errorf("add static ports: %w", err)
	}

	history := core.NewHistory(store, registry, metrics, 0, logger)
	if history.IsSupported() {
		expressions.SetSamplesProvider(history)
		bus.AddHandler(history)
	}

	loop := core.NewLoop(registry, sessionRegistry, metrics,
		cfg.TickInterval(), logger)

	var manager *slaves.Manager
	if cfg.Slaves.Enabled {
		manager = slaves.NewManager(store, registry, bus, metrics,
			slaves.Config{
				Timeout:       time.Duration(cfg.Slaves.TimeoutS) * time.Second,
				LongTimeout:   time.Duration(cfg.Slaves.LongTimeoutS) * time.Second,
				Keepalive:     time.Duration(cfg.Slaves.KeepaliveS) * time.Second,
				RetryCount:    cfg.Slaves.RetryCount,
				RetryInterval: time.Duration(cfg.Slaves.RetryIntervalS) * time.Second,
			}, dev.Name, logger)
		if err := manager.Init(ctx); err != nil {
			return fmt.Errorf("restore slaves: %w", err)
		}
	}

	var hooks *webhooks.Webhooks
	if cfg.Webhooks.Enabled {
		hooks = webhooks.New(store, metrics, cfg.Core.EventQueueSize, logger)
		if err := hooks.Init(ctx); err != nil {
			return fmt.Errorf("restore webhooks params: %w", err)
		}
		bus.AddHandler(hooks)
	}

	monitor := health.NewMonitor(logger)
	monitor.Add("persistence", func(ctx context.Context) error {
		_, err := store.GetValue(ctx, "health.probe", nil)
		return err
	})
	if manager != nil {
		monitor.Add("federation", func(context.Context) error {
			enabled, offline := 0, 0
			for _, s := range manager.All() {
				if !s.IsEnabled() {
					continue
				}
				enabled++
				if !s.IsOnline() {
					offline++
				}
			}
			if offline > 0 {
				return fmt.Errorf("%d of %d enabled devices offline",
					offline, enabled)
			}
			return nil
		})
	}

	server := api.New(api.Deps{
		Device:   dev,
		Registry: registry,
		VPorts:   vports,
		Slaves:   manager,
		Sessions: sessionRegistry,
		Webhooks: hooks,
		History:  history,
		Health:   monitor,
		Loop:     loop,
		Bus:      bus,
		Store:    store,
		Metrics:  metrics,
	}, api.Options{
		MaxTimeSkew: time.Duration(cfg.Core.MaxClientTimeSkew) * time.Second,
		OnReset: func(bool) {
			cancel()
		},
	}, logger)

	var rev *reverse.Reverse
	if cfg.Reverse.Enabled {
		rev = reverse.New(store, server.Dispatcher(), logger)
		if err := rev.Init(ctx); err != nil {
			return fmt.Errorf("restore reverse params: %w", err)
		}
		server.SetReverse(rev)
	}

	if manager != nil {
		manager.Start()
		defer manager.Stop()
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Addr, cfg.Server.Port),
		Handler: server,
		// No write timeout: /listen holds responses open for minutes.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error { return loop.Run(groupCtx) })
	group.Go(func() error { return dev.Watch(groupCtx, 0) })
	if history.IsSupported() {
		group.Go(func() error { return history.RunSampler(groupCtx) })
		group.Go(func() error { return history.RunJanitor(groupCtx) })
	}
	if hooks != nil {
		group.Go(func() error { return hooks.Run(groupCtx) })
	}
	if rev != nil {
		group.Go(func() error { return rev.Run(groupCtx) })
	}

	group.Go(func() error {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(
			context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
		return groupCtx.Err()
	})

	err = group.Wait()

	// Let fire-and-forget event handlers drain before persistence
	// goes away.
	bus.Wait(shutdownTimeout)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("qToggleServer shutdown complete")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// addStaticPorts materializes the ports declared in the configuration
// file. They behave like virtual ports but live in the config, not in
// persistence.
func addStaticPorts(ctx context.Context, cfg *config.Config,
	registry *ports.Registry, logger *slog.Logger) error {

	for _, pc := range cfg.Ports {
		if _, exists := registry.Get(pc.ID); exists {
			continue
		}

		p := ports.NewBasePort(pc.ID, ports.Type(pc.Type), true,
			ports.NewVirtualDriver(nil), logger)

		choices := make([]any, len(pc.Choices))
		for i, c := range pc.Choices {
			choices[i] = c
		}
		if len(choices) == 0 {
			choices = nil
		}
		p.SetBounds(pc.Min, pc.Max, pc.Step, pc.Integer, choices)

		if err := registry.Add(ctx, p); err != nil {
			return err
		}
		logger.Info("static port added", "port", pc.ID, "type", pc.Type)
	}
	return nil
}
