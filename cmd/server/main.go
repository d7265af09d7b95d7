package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/spf13/pflag"

	"github.com/civic-park/revenue-core/internal/clock"
	"github.com/civic-park/revenue-core/internal/config"
	"github.com/civic-park/revenue-core/internal/database"
	"github.com/civic-park/revenue-core/internal/fraud"
	"github.com/civic-park/revenue-core/internal/handlers"
	"github.com/civic-park/revenue-core/internal/kafka"
	"github.com/civic-park/revenue-core/internal/ledger"
	"github.com/civic-park/revenue-core/internal/metrics"
	"github.com/civic-park/revenue-core/internal/notification"
	"github.com/civic-park/revenue-core/internal/pricing"
	"github.com/civic-park/revenue-core/internal/realtime"
	"github.com/civic-park/revenue-core/internal/scheduler"
)

const (
	serviceName = "revenue-core"
	version     = "1.0.0"
)

// escalationFanout pushes an escalated alert to the notification
// channels, the escalation topic and the dashboard stream. Queueing to
// the notification manager is the delivery the fraud engine retries on;
// the topic and the stream are best effort.
type escalationFanout struct {
	manager  *notification.Manager
	producer *kafka.Producer
	hub      *realtime.Hub
	logger   *slog.Logger
}

func (f *escalationFanout) Dispatch(ctx context.Context, alert *database.FraudAlert) error {
	if f.producer != nil {
		if err := f.producer.PublishEscalation(ctx, alert); err != nil {
			f.logger.Error("Failed to publish escalation event", "alert_id", alert.ID, "error", err)
		}
	}
	if f.hub != nil {
		f.hub.BroadcastAlert(alert)
	}
	return f.manager.Dispatch(ctx, alert)
}

func main() {
	configPath := pflag.String("config", "", "path to config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogging(cfg)
	logger.Info("Starting revenue core",
		"service", serviceName,
		"version", version,
		"environment", cfg.Environment)

	db, err := database.Connect(cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close database connection", "error", err)
		}
	}()

	if err := database.RunMigrations(cfg.Database); err != nil {
		logger.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	// Repositories
	lotRepo := database.NewLotRepository(db, logger)
	ruleRepo := database.NewRuleRepository(db, logger)
	eventRepo := database.NewEventRepository(db, logger)
	caseRepo := database.NewCaseRepository(db, logger)
	alertRepo := database.NewAlertRepository(db, logger)

	// Redis cache for the pricing rule sets
	redisClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer redisClient.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Warn("Redis unreachable, pricing cache disabled", "error", err)
		redisClient = nil
	}
	pingCancel()

	collector := metrics.NewCollector(logger)
	systemClock := clock.System{}

	// Core components
	occupancyLedger := ledger.New(lotRepo, eventRepo, logger)
	pricingService := pricing.NewService(lotRepo, ruleRepo, redisClient, cfg.Pricing.RuleCacheTTL, logger)

	notificationManager := notification.NewManager(cfg.Notifications, collector, logger)

	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka, logger)
		defer func() {
			if err := producer.Close(); err != nil {
				logger.Error("Failed to close Kafka producer", "error", err)
			}
		}()
	}

	hub := realtime.NewHub(logger)
	go hub.Run()

	fanout := &escalationFanout{
		manager:  notificationManager,
		producer: producer,
		hub:      hub,
		logger:   logger,
	}

	severityPolicy := fraud.NewConfigPolicy(cfg.Fraud.DefaultSeverity, cfg.Fraud.LotSeverities)
	fraudEngine := fraud.NewEngine(caseRepo, alertRepo, fanout, severityPolicy, systemClock, collector, logger, fraud.Config{
		GraceWindow:          cfg.Fraud.GraceWindow,
		MaxEscalationRetries: cfg.Fraud.MaxEscalationRetries,
		EscalationBackoff:    cfg.Fraud.EscalationBackoff,
		DedupWindow:          cfg.Fraud.DedupWindow,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := fraudEngine.Start(ctx); err != nil {
		logger.Error("Failed to start fraud engine", "error", err)
		os.Exit(1)
	}
	defer fraudEngine.Stop()

	notificationManager.Start(ctx)
	defer notificationManager.Stop()

	// Scheduler
	var taskScheduler *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		taskScheduler = scheduler.New(logger)

		mustAddTask(logger, taskScheduler, "fraud-sweep", cfg.Fraud.SweepSchedule,
			scheduler.NewFraudSweepHandler(fraudEngine, logger))
		alertRetention := time.Duration(cfg.Scheduler.AlertRetentionDays) * 24 * time.Hour
		mustAddTask(logger, taskScheduler, "retention-cleanup", cfg.Scheduler.CleanupSchedule,
			scheduler.NewRetentionCleanupHandler(caseRepo, alertRepo, cfg.Fraud.CaseRetention, alertRetention, logger))
		mustAddTask(logger, taskScheduler, "stats-snapshot", cfg.Scheduler.StatsSchedule,
			scheduler.NewStatsSnapshotHandler(fraudEngine, alertRepo, collector, logger))

		taskScheduler.Start()
		defer taskScheduler.Stop()
	}

	// Kafka ingestion
	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		consumer = kafka.NewConsumer(cfg.Kafka, occupancyLedger, fraudEngine, eventRepo, collector, logger)
		consumer.Start(ctx)
		defer consumer.Stop()
	}

	// HTTP server
	httpHandler := handlers.NewHTTPHandler(
		cfg,
		logger,
		occupancyLedger,
		pricingService,
		fraudEngine,
		fanout,
		lotRepo,
		ruleRepo,
		eventRepo,
		caseRepo,
		alertRepo,
		hub,
		collector,
		systemClock,
	)

	router := mux.NewRouter()
	httpHandler.RegisterRoutes(router)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("Starting HTTP server", "port", cfg.Server.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Shutting down services...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown HTTP server gracefully", "error", err)
	}

	wg.Wait()
	logger.Info("Service shutdown complete")
}

func mustAddTask(logger *slog.Logger, s *scheduler.Scheduler, id, schedule string, handler scheduler.TaskHandler) {
	if err := s.AddTask(id, schedule, handler); err != nil {
		logger.Error("Failed to register scheduled task", "task_id", id, "error", err)
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", serviceName)
	slog.SetDefault(logger)
	return logger
}
