package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"conduit/internal/agent"
	"conduit/internal/api"
	"conduit/internal/logging"
	"conduit/internal/metrics"
	"conduit/internal/process"
	"conduit/internal/session"
	"conduit/internal/status"
	"conduit/internal/store"
	"conduit/internal/version"
	"conduit/internal/watcher"

	"golang.org/x/time/rate"
)

const (
	httpServerShutdownTimeout = 5 * time.Second
	initialScanTimeout        = 10 * time.Second
)

// serverApp holds the wired components of a running server.
type serverApp struct {
	handler     http.Handler
	store       *store.Store
	processes   *process.Registry
	sessions    *session.Registry
	status      *status.Manager
	watcher     *watcher.Watcher
	gateway     *api.Gateway
	coordinator *shutdownCoordinator
	cancel      context.CancelFunc
}

func runServer(args []string) int {
	cfg, err := loadConfig(args, os.LookupEnv)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if cfg.ShowVersion {
		fmt.Fprintln(os.Stdout, formatVersion())
		return 0
	}

	logBuffer := logging.NewLogBuffer(cfg.Settings.Logging.BufferSize)
	logger := logging.NewLogger(logBuffer, logLevel(cfg))
	defer func() { _ = logger.Sync() }()
	logVersionInfo(logger)
	logStartupSettings(logger, cfg)

	app, err := buildServer(context.Background(), cfg, logger, metrics.Default)
	if err != nil {
		logger.Error("server setup failed", map[string]string{
			"error": err.Error(),
		})
		return 1
	}

	server := &http.Server{
		Addr:              cfg.Settings.Addr(),
		Handler:           app.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		logger.Error("listen failed", map[string]string{
			"addr":  server.Addr,
			"error": err.Error(),
		})
		_ = app.coordinator.Run(context.Background())
		return 1
	}
	logger.Info("conduit listening", map[string]string{
		"addr": listener.Addr().String(),
	})

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()
	signalCh := make(chan os.Signal, 2)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalCh)
	stopWatching := watchShutdownSignals(logger, shutdownCancel, signalCh)
	defer stopWatching()

	runner := &ServerRunner{Logger: logger, ShutdownTimeout: cfg.Settings.Server.ShutdownTimeout}
	serverErr := runner.Run(shutdownCtx, ManagedServer{
		Name:     "http",
		Serve:    func() error { return server.Serve(listener) },
		Shutdown: server.Shutdown,
	})

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Settings.Server.ShutdownTimeout)
	defer stopCancel()
	if err := app.coordinator.Run(stopCtx); err != nil {
		logger.Warn("shutdown incomplete", map[string]string{
			"error": err.Error(),
		})
	}
	if serverErr != nil && !errors.Is(serverErr.err, http.ErrServerClosed) {
		return 1
	}
	logger.Info("conduit stopped", nil)
	return 0
}

// buildServer opens the store and wires sessions, status and the HTTP
// surface. The returned coordinator tears everything down in reverse
// dependency order; the HTTP server is shut down by the caller first.
func buildServer(ctx context.Context, cfg Config, logger *logging.Logger, registry *metrics.Registry) (*serverApp, error) {
	settings := cfg.Settings
	db, err := store.Open(settings.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	appCtx, cancel := context.WithCancel(ctx)
	app := &serverApp{
		store:       db,
		processes:   process.NewRegistry(),
		coordinator: newShutdownCoordinator(logger),
		cancel:      cancel,
	}

	binaries := map[agent.Vendor]string{
		agent.VendorClaude: settings.Agents.ClaudePath,
		agent.VendorCodex:  settings.Agents.CodexPath,
		agent.VendorGemini: settings.Agents.GeminiPath,
	}
	runners := make(map[agent.Vendor]*agent.Runner, len(agent.Vendors))
	for _, vendor := range agent.Vendors {
		runner := agent.NewRunner(agent.RunnerOptions{
			Vendor:     vendor,
			BinaryPath: binaries[vendor],
			Processes:  app.processes,
			Logger:     logger,
		})
		runners[vendor] = runner
		logger.Info("agent runner", map[string]string{
			"vendor":    vendor.String(),
			"available": strconv.FormatBool(runner.Available()),
		})
	}

	app.sessions = session.NewRegistry(session.Options{
		Runners:                runners,
		Store:                  db.Sessions(),
		Logger:                 logger,
		Metrics:                registry,
		SubscriberBufferSize:   settings.Sessions.SubscriberBuffer,
		SubscriberWriteTimeout: settings.Sessions.SubscriberWriteTimeout,
	})

	var fsWatcher watcher.Watch
	if settings.Status.WatchGit {
		instance, err := watcher.NewWithOptions(watcher.Options{
			Logger:   logger,
			Debounce: settings.Status.WatchDebounce,
		})
		if err != nil {
			logger.Warn("git watcher unavailable", map[string]string{
				"error": err.Error(),
			})
		} else {
			app.watcher = instance
			fsWatcher = instance
		}
	}

	app.status = status.NewManager(status.Options{
		Config: status.Config{
			InitialScan:             settings.Status.InitialScan,
			Concurrency:             settings.Status.Concurrency,
			SelectedRefreshInterval: settings.Status.SelectedRefreshInterval,
			PRRefreshInterval:       settings.Status.PRRefreshInterval,
			WatchGit:                fsWatcher != nil,
			WatchDebounce:           settings.Status.WatchDebounce,
		},
		Git: status.CommandGitSource{},
		PR: status.NewGitHubPRSource(status.GitHubOptions{
			AuthCacheTTL: settings.Status.GitHubAuthCacheTTL,
		}),
		Watcher: fsWatcher,
		Logger:  logger,
		Metrics: registry,
	})
	tickerDone := make(chan struct{})
	go func() {
		defer close(tickerDone)
		app.status.Start(appCtx)
	}()
	kickInitialScan(appCtx, db.Workspaces(), app.status, logger)

	app.gateway = api.NewGateway(api.GatewayOptions{
		Sessions:          app.sessions,
		Records:           db.Sessions(),
		Logger:            logger,
		Metrics:           registry,
		AuthToken:         settings.Server.AuthToken,
		AllowedOrigins:    settings.Server.AllowedOrigins,
		FrameRate:         rate.Limit(settings.Gateway.FrameRate),
		FrameBurst:        settings.Gateway.FrameBurst,
		OutboundQueueSize: settings.Gateway.OutboundQueue,
		WriteTimeout:      settings.Gateway.WriteTimeout,
	})

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, api.RouteOptions{
		AuthToken: settings.Server.AuthToken,
		Gateway:   app.gateway,
		Rest: &api.RestHandler{
			Status:     app.status,
			Workspaces: db.Workspaces(),
			Sessions:   app.sessions,
			Logger:     logger,
		},
		Metrics: registry,
		Logger:  logger,
	})
	app.handler = mux

	app.coordinator.Add("gateway", func(context.Context) error {
		app.gateway.Close()
		return nil
	})
	app.coordinator.Add("status", func(context.Context) error {
		cancel()
		app.status.Close()
		<-tickerDone
		if app.watcher != nil {
			return app.watcher.Close()
		}
		return nil
	})
	app.coordinator.Add("sessions", app.sessions.StopAll)
	app.coordinator.Add("processes", app.processes.StopAll)
	app.coordinator.Add("store", func(context.Context) error {
		return app.store.Close()
	})
	return app, nil
}

type workspaceLister interface {
	List(ctx context.Context, includeArchived bool) ([]store.Workspace, error)
}

func kickInitialScan(ctx context.Context, workspaces workspaceLister, manager *status.Manager, logger *logging.Logger) {
	listCtx, cancel := context.WithTimeout(ctx, initialScanTimeout)
	defer cancel()
	list, err := workspaces.List(listCtx, false)
	if err != nil {
		logger.Warn("initial status scan skipped", map[string]string{
			"error": err.Error(),
		})
		return
	}
	manager.KickInitialScan(list)
	logger.Info("initial status scan queued", map[string]string{
		"workspaces": strconv.Itoa(len(list)),
	})
}

func logVersionInfo(logger *logging.Logger) {
	info := version.GetVersionInfo()
	fields := map[string]string{
		"version": info.Version,
	}
	if info.GitCommit != "" {
		fields["git_commit"] = info.GitCommit
	}
	if info.Built != "" {
		fields["built"] = info.Built
	}
	logger.Info("conduit starting", fields)
}
