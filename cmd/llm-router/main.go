// Command llm-router is the daemon entry point for the routing and
// execution engine: it loads configuration, builds every component
// leaves-first, and runs the HTTP server until shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/routing-engine/internal/blacklist"
	"github.com/tributary-ai/routing-engine/internal/compat"
	"github.com/tributary-ai/routing-engine/internal/config"
	"github.com/tributary-ai/routing-engine/internal/events"
	"github.com/tributary-ai/routing-engine/internal/executor"
	"github.com/tributary-ai/routing-engine/internal/health"
	"github.com/tributary-ai/routing-engine/internal/httpclient"
	"github.com/tributary-ai/routing-engine/internal/orchestrator"
	"github.com/tributary-ai/routing-engine/internal/router"
	"github.com/tributary-ai/routing-engine/internal/security"
	"github.com/tributary-ai/routing-engine/internal/server"
	"github.com/tributary-ai/routing-engine/internal/serverlayer"
	"github.com/tributary-ai/routing-engine/internal/telemetry"
)

// Application wires the loaded configuration into the Core Router, the
// Execution Manager, and the HTTP server, and owns the process lifecycle.
type Application struct {
	config    *config.Config
	server    *server.Server
	watcher   *config.Watcher
	telemetry *telemetry.Provider
	blacklist *blacklist.Manager
	auditor   *security.AuditLogger
	logger    *logrus.Logger
}

// NewApplication loads configuration, builds every engine component per
// leaves-first dependency order (shared model -> error taxonomy
// -> health+blacklist state -> error classifier -> execution manager ->
// HTTP handler -> pipeline layers -> orchestrator), and returns a
// ready-to-run Application.
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	telemetryProvider, err := telemetry.New("routing-engine", "0.1.0")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	coreRouter := router.New(logger)
	coreRouter.SetHistoryCapacity(cfg.Performance.HistoryRetention)
	coreRouter.UpdateRoutes(cfg.BuildRoutes())
	rules, err := cfg.BuildRules()
	if err != nil {
		return nil, fmt.Errorf("failed to build routing rules: %w", err)
	}
	if err := coreRouter.UpdateRules(rules); err != nil {
		return nil, fmt.Errorf("failed to install routing rules: %w", err)
	}

	healthMgr := health.NewManager(health.DefaultConfig())

	blacklistMgr, err := buildBlacklistManager(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize blacklist manager: %w", err)
	}

	bus := events.NewBus()
	engineAuditor := security.NewAuditLogger(&security.AuditConfig{Enabled: true, BufferSize: 512}, logger)
	engineAuditor.SubscribeEngineEvents(bus.Subscribe())

	lb := executor.NewLoadBalancer(executor.StrategyRoundRobin, healthMgr)
	execCfg := executor.Config{
		MaxRetries:       cfg.Routing.ZeroFallbackPolicy.MaxRetries,
		MaxExecutionTime: time.Duration(cfg.Performance.DecisionTimeoutMs) * time.Millisecond,
	}
	execManager := executor.NewManager(execCfg, lb, healthMgr, blacklistMgr, bus, logger)

	httpClient := httpclient.New(logger)
	serverLayer := serverlayer.New(httpClient, logger)

	apiKeys := make(map[string][]string, len(cfg.Providers))
	quirks := make(map[string]compat.Quirks, len(cfg.Providers))
	for _, p := range cfg.Providers {
		apiKeys[p.Name] = p.ResolvedKeys
		quirks[p.Name] = p.ToQuirks()
	}

	orch := orchestrator.New(orchestrator.Dependencies{
		Router:          coreRouter,
		Executor:        execManager,
		ServerLayer:     serverLayer,
		Telemetry:       telemetryProvider,
		ProviderAPIKeys: apiKeys,
		ProviderQuirks:  quirks,
		MaxConcurrent:   cfg.Performance.MaxConcurrentDecisions,
		QueueWait:       time.Duration(cfg.Performance.DecisionTimeoutMs) * time.Millisecond,
		Logger:          logger,
	})

	serverInstance, err := server.NewServer(orch, coreRouter, healthMgr, blacklistMgr, cfg.ToServerConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	app := &Application{
		config:    cfg,
		server:    serverInstance,
		telemetry: telemetryProvider,
		blacklist: blacklistMgr,
		auditor:   engineAuditor,
		logger:    logger,
	}

	if configPath != "" {
		watcher, err := config.WatchFile(configPath, logger, func(newCfg *config.Config) {
			coreRouter.UpdateRoutes(newCfg.BuildRoutes())
			if newRules, err := newCfg.BuildRules(); err != nil {
				logger.WithError(err).Warn("config reload produced invalid routing rules, keeping previous rules")
			} else if err := coreRouter.UpdateRules(newRules); err != nil {
				logger.WithError(err).Warn("config reload rejected by router, keeping previous rules")
			}
		})
		if err != nil {
			logger.WithError(err).Warn("configuration file watch disabled")
		} else {
			app.watcher = watcher
		}
	}

	return app, nil
}

// buildBlacklistManager adapts the engine's blacklistSettings config
// section into the blacklist package's Config, optionally wiring an
// go-redis client when blacklistSettings.redisUrl is set.
func buildBlacklistManager(cfg *config.Config, logger *logrus.Logger) (*blacklist.Manager, error) {
	blCfg := blacklist.DefaultConfig()
	blCfg.RateLimitRule = cfg.RateLimitRuleToModel()
	blCfg.DestroyRules = cfg.DestroyRulesToModel()
	if cfg.Blacklist.PersistenceFile != "" {
		blCfg.DataDir = dataDirFromPersistenceFile(cfg.Blacklist.PersistenceFile)
	}

	if cfg.Blacklist.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Blacklist.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid blacklistSettings.redisUrl: %w", err)
		}
		blCfg.RedisClient = redis.NewClient(opts)
	}

	return blacklist.NewManager(blCfg, logger), nil
}

// dataDirFromPersistenceFile takes blacklistSettings.persistenceFile
// (a path to the JSON state file itself) and derives the directory the
// blacklist manager's Config.DataDir expects, since the manager composes
// its own fixed "blacklist.json" leaf name under DataDir.
func dataDirFromPersistenceFile(path string) string {
	dir := path
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			dir = path[:i]
			break
		}
		if i == 0 {
			dir = "."
		}
	}
	return dir
}

// Run starts the HTTP server and blocks until a shutdown signal arrives or
// the server fails, then drains in-flight work within the shutdown budget.
func (app *Application) Run() error {
	app.logger.Info("starting routing engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		app.logger.WithField("address", ":"+app.config.HTTP.Port).Info("http server starting")
		if err := app.server.Start(); err != nil {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("shutdown signal received")
	}

	app.logger.Info("starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()

	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("server shutdown error")
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	if app.watcher != nil {
		if err := app.watcher.Close(); err != nil {
			app.logger.WithError(err).Warn("config watcher shutdown error")
		}
	}
	app.blacklist.Close()
	app.auditor.Stop()
	if err := app.telemetry.Shutdown(shutdownCtx); err != nil {
		app.logger.WithError(err).Warn("telemetry shutdown error")
	}

	app.logger.Info("graceful shutdown completed")
	return nil
}

// setupLogger configures the logger based on configuration, kept verbatim
// from configuration.
func setupLogger(logger *logrus.Logger, cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	default:
		return fmt.Errorf("invalid log format: %s", cfg.Format)
	}

	switch cfg.Output {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", cfg.Output, err)
		}
		logger.SetOutput(file)
	}

	return nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  ROUTING_ENGINE_PORT             HTTP port (default: 8080)\n")
	fmt.Fprintf(os.Stderr, "  ROUTING_ENGINE_LOG_LEVEL        Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  ROUTING_ENGINE_LOG_FORMAT       Log format (json,text)\n")
	fmt.Fprintf(os.Stderr, "  ROUTING_ENGINE_REDIS_URL        Redis URL for blacklist mirroring + rate limiting\n")
	fmt.Fprintf(os.Stderr, "  ROUTING_ENGINE_MAX_RETRIES      Execution manager max distinct-pipeline retries\n")
	fmt.Fprintf(os.Stderr, "  ROUTING_ENGINE_<PROVIDER>_API_KEY  Per-provider API key override\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s --config configs/config.yaml\n", os.Args[0])
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		showHelp   = flag.Bool("help", false, "Show help message")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *version {
		fmt.Printf("routing-engine v0.1.0\n")
		os.Exit(0)
	}

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "application error: %v\n", err)
		os.Exit(1)
	}
}
