package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/taskpipe/internal/bus"
	"github.com/basket/taskpipe/internal/config"
	"github.com/basket/taskpipe/internal/gateway"
	"github.com/basket/taskpipe/internal/orchestrator"
	otelPkg "github.com/basket/taskpipe/internal/otel"
	"github.com/basket/taskpipe/internal/persistence"
	"github.com/basket/taskpipe/internal/phase"
	"github.com/basket/taskpipe/internal/retention"
	"github.com/basket/taskpipe/internal/session"
	"github.com/basket/taskpipe/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.2-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the task pipeline server

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TASKPIPE_HOME           Data directory (default: ~/.taskpipe)
  TASKPIPE_BIND_ADDR      Listen address (default: 127.0.0.1:18790)
  TASKPIPE_LOG_LEVEL      Log level: debug, info, warn, error
  TASKPIPE_MODEL          Default model for new connections
  TASKPIPE_RESEARCH_ONLY  Stop pipelines after the research phase
`)
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println("taskpipe", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	interactive := isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	// OpenTelemetry is a no-op provider when disabled.
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(cfg.ResolveDBPath())
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_ready", "db", cfg.ResolveDBPath())

	var validator *phase.ResultValidator
	if path := cfg.ResolveResultSchemaPath(); path != "" {
		validator, err = phase.LoadResultValidator(path, cfg.Phase.StrictResults)
		if err != nil {
			fatalStartup(logger, "E_SCHEMA_LOAD", err)
		}
		logger.Info("phase result validation enabled", "schema", path, "strict", cfg.Phase.StrictResults)
	}

	eventBus := bus.New()
	registry := session.NewRegistry()
	orch := orchestrator.New(store, registry, eventBus, &phase.EchoRunner{}, logger, orchestrator.Options{
		Validator:     validator,
		Provider:      otelProvider,
		Metrics:       metrics,
		ExpertEnabled: cfg.Phase.ExpertEnabled,
		HIL:           cfg.Phase.HIL,
	})

	gw := gateway.New(gateway.Config{
		Store:               store,
		Registry:            registry,
		Bus:                 eventBus,
		Orchestrator:        orch,
		Logger:              logger,
		Metrics:             metrics,
		AllowOrigins:        cfg.AllowOrigins,
		ConfigFingerprint:   cfg.Fingerprint(),
		DefaultModel:        cfg.Phase.Model,
		DefaultResearchOnly: cfg.Phase.ResearchOnly,
	})

	janitor, err := retention.New(retention.Config{
		Store:           store,
		Logger:          logger,
		Schedule:        cfg.Retention.Schedule,
		TaskHistoryDays: cfg.Retention.TaskHistoryDays,
		TaskLogDays:     cfg.Retention.TaskLogDays,
	})
	if err != nil {
		fatalStartup(logger, "E_RETENTION_INIT", err)
	}
	janitor.Start(ctx)
	defer janitor.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go watchConfig(ctx, watcher, cfg.Fingerprint(), logger)

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then let deferred cleanup flush the store.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// watchConfig logs config.yaml edits. Connection defaults and bind address
// are read at startup, so a changed fingerprint needs a restart to apply.
func watchConfig(ctx context.Context, watcher *config.Watcher, fingerprint string, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events():
			if !ok {
				return
			}
			next, err := config.Load()
			if err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			if next.Fingerprint() == fingerprint {
				continue
			}
			logger.Warn("config changed on disk, restart to apply",
				"old_fingerprint", fingerprint,
				"new_fingerprint", next.Fingerprint(),
			)
			fingerprint = next.Fingerprint()
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
