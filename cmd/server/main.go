package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/arcanafx/effects-server-go/internal/bridge"
	"github.com/arcanafx/effects-server-go/internal/config"
	"github.com/arcanafx/effects-server-go/internal/effects"
	"github.com/arcanafx/effects-server-go/internal/health"
	"github.com/arcanafx/effects-server-go/internal/notify"
	"github.com/arcanafx/effects-server-go/internal/orchestrator"
	"github.com/arcanafx/effects-server-go/internal/repository"
	"github.com/arcanafx/effects-server-go/internal/triggers"
)

var (
	configPath = flag.String("config", "config/config.yaml", "path to configuration file")
	version    = "dev" // set via ldflags during build
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting effects server",
		zap.String("version", version),
		zap.String("config", *configPath),
	)

	if cfg.Bridge.Credential == "" {
		logger.Warn("bridge credential not configured; the game server will likely reject the connection")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Effect presets
	presets := effects.NewPresetCatalog(logger)
	if cfg.Presets.File != "" {
		if err := presets.LoadFile(cfg.Presets.File); err != nil {
			logger.Warn("presets not loaded", zap.String("file", cfg.Presets.File), zap.Error(err))
		} else {
			logger.Info("presets loaded", zap.Strings("names", presets.Names()))
		}
	}

	// Trigger source
	var source triggers.Source
	switch cfg.Triggers.Source {
	case config.SourcePostgres:
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			logger.Fatal("invalid database url", zap.Error(err))
		}
		if cfg.Database.MaxConns > 0 {
			poolCfg.MaxConns = cfg.Database.MaxConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("failed to ping database", zap.Error(err))
		}
		stats := pool.Stat()
		logger.Info("database connection pool initialized",
			zap.Int32("total_conns", stats.TotalConns()),
			zap.Int32("idle_conns", stats.IdleConns()),
		)
		source = repository.NewTriggerStore(pool, logger)
	default:
		source = triggers.NewFileSource(cfg.Triggers.File, logger)
		logger.Info("trigger file source", zap.String("file", cfg.Triggers.File), zap.Bool("watch", cfg.Triggers.Watch))
	}

	// Notifications
	var notifier triggers.Notifier = notify.NewLogNotifier(logger)
	if cfg.Redis.Address != "" {
		redisNotifier := notify.NewRedisNotifier(notify.RedisOptions{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		}, logger)
		defer redisNotifier.Close()
		notifier = redisNotifier
		logger.Info("redis notifications enabled", zap.String("address", cfg.Redis.Address))
	}
	caller := notify.NewHTTPCaller(cfg.Notify.HTTPTimeout, logger, notify.WithMaxRetries(cfg.Notify.MaxRetries))

	orch, err := orchestrator.New(orchestrator.Config{
		QueueSize:           cfg.Events.QueueSize,
		ReconnectInitial:    cfg.Reconnect.InitialInterval,
		ReconnectMax:        cfg.Reconnect.MaxInterval,
		ReconnectMaxElapsed: cfg.Reconnect.MaxElapsed,
		WatchTriggers:       cfg.Triggers.Watch,
	}, orchestrator.Deps{
		Synthesizer: effects.NewSynthesizer(logger),
		Presets:     presets,
		Notifier:    notifier,
		APICaller:   caller,
		Alerts:      orchestrator.NotifierAlerts{Notifier: notifier},
		Source:      source,
		NewBridge: func() orchestrator.GameBridge {
			return bridge.New(bridge.Config{
				Host:                 cfg.Bridge.Host,
				Port:                 cfg.Bridge.Port,
				Credential:           cfg.Bridge.Credential,
				EventURL:             cfg.Bridge.EventURL,
				DialTimeout:          cfg.Bridge.DialTimeout,
				AckTimeout:           cfg.Bridge.AckTimeout,
				ReadIdleTimeout:      cfg.Bridge.ReadIdleTimeout,
				MaxCommandsPerSecond: cfg.Bridge.MaxCommandsPerSecond,
				CommandBurst:         cfg.Bridge.CommandBurst,
			}, logger)
		},
	}, logger)
	if err != nil {
		logger.Fatal("failed to build orchestrator", zap.Error(err))
	}

	// Health service
	healthServer := health.NewServer(func() bool { return orch.Health().Healthy() }, time.Second, logger)
	healthDone := make(chan struct{})
	go func() {
		defer close(healthDone)
		if err := healthServer.ListenAndServe(ctx, cfg.Server.HealthAddress); err != nil {
			logger.Error("health server error", zap.Error(err))
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- orch.Run(ctx) }()

	select {
	case <-orch.Ready():
		h := orch.Health()
		logger.Info("effects server initialized",
			zap.String("version", version),
			zap.String("game_server", fmt.Sprintf("%s:%d", cfg.Bridge.Host, cfg.Bridge.Port)),
			zap.String("event_url", cfg.Bridge.EventURL),
			zap.String("health_address", cfg.Server.HealthAddress),
			zap.Int("triggers", h.Triggers),
		)
	case err := <-runErr:
		if ctx.Err() != nil {
			logger.Info("shutdown requested before startup completed")
			<-healthDone
			return
		}
		logger.Fatal("startup failed", zap.Error(err))
	}

	// Wait for termination signal
	<-ctx.Done()
	logger.Info("received shutdown signal")
	logger.Info("shutting down gracefully...")

	shutdownTimer := time.NewTimer(cfg.Server.ShutdownTimeout)
	defer shutdownTimer.Stop()
	select {
	case err := <-runErr:
		if err != nil {
			logger.Error("orchestrator stopped with error", zap.Error(err))
		}
	case <-shutdownTimer.C:
		logger.Warn("shutdown timed out", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	}
	<-healthDone

	logger.Info("effects server stopped")
}

// initLogger initializes the zap logger based on configuration
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
