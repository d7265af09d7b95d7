package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/civic-park/revenue-core/internal/database"
	"github.com/civic-park/revenue-core/internal/fraud"
	"github.com/civic-park/revenue-core/internal/metrics"
)

// FraudSweepHandler escalates fraud cases whose deadline has passed.
type FraudSweepHandler struct {
	engine *fraud.Engine
	logger *slog.Logger
}

func NewFraudSweepHandler(engine *fraud.Engine, logger *slog.Logger) *FraudSweepHandler {
	return &FraudSweepHandler{engine: engine, logger: logger}
}

func (h *FraudSweepHandler) Name() string { return "fraud-deadline-sweep" }

func (h *FraudSweepHandler) Execute(ctx context.Context) error {
	escalated, err := h.engine.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("deadline sweep failed: %w", err)
	}
	if escalated > 0 {
		h.logger.Info("Deadline sweep escalated cases", "count", escalated)
	}
	return nil
}

// RetentionCleanupHandler deletes terminal cases and alerts past their
// respective retention windows.
type RetentionCleanupHandler struct {
	cases          *database.CaseRepository
	alerts         *database.AlertRepository
	caseRetention  time.Duration
	alertRetention time.Duration
	logger         *slog.Logger
}

func NewRetentionCleanupHandler(
	cases *database.CaseRepository,
	alerts *database.AlertRepository,
	caseRetention time.Duration,
	alertRetention time.Duration,
	logger *slog.Logger,
) *RetentionCleanupHandler {
	return &RetentionCleanupHandler{
		cases:          cases,
		alerts:         alerts,
		caseRetention:  caseRetention,
		alertRetention: alertRetention,
		logger:         logger,
	}
}

func (h *RetentionCleanupHandler) Name() string { return "retention-cleanup" }

func (h *RetentionCleanupHandler) Execute(ctx context.Context) error {
	deletedCases, err := h.cases.Cleanup(ctx, h.caseRetention)
	if err != nil {
		return fmt.Errorf("case cleanup failed: %w", err)
	}

	deletedAlerts, err := h.alerts.Cleanup(ctx, h.alertRetention)
	if err != nil {
		return fmt.Errorf("alert cleanup failed: %w", err)
	}

	if deletedCases > 0 || deletedAlerts > 0 {
		h.logger.Info("Retention cleanup completed",
			"cases_deleted", deletedCases,
			"alerts_deleted", deletedAlerts)
	}
	return nil
}

// StatsSnapshotHandler refreshes gauge metrics from the engine and the
// alert table.
type StatsSnapshotHandler struct {
	engine    *fraud.Engine
	alerts    *database.AlertRepository
	collector *metrics.Collector
	logger    *slog.Logger
}

func NewStatsSnapshotHandler(
	engine *fraud.Engine,
	alerts *database.AlertRepository,
	collector *metrics.Collector,
	logger *slog.Logger,
) *StatsSnapshotHandler {
	return &StatsSnapshotHandler{
		engine:    engine,
		alerts:    alerts,
		collector: collector,
		logger:    logger,
	}
}

func (h *StatsSnapshotHandler) Name() string { return "stats-snapshot" }

func (h *StatsSnapshotHandler) Execute(ctx context.Context) error {
	h.collector.SetWatchingCases(h.engine.WatchingCount())

	stats, err := h.alerts.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to load alert stats: %w", err)
	}

	h.logger.Debug("Stats snapshot",
		"watching_cases", h.engine.WatchingCount(),
		"alerts_total", stats.Total,
		"alerts_new", stats.New)
	return nil
}
