package fraud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/civic-park/revenue-core/internal/clock"
	"github.com/civic-park/revenue-core/internal/database"
	"github.com/civic-park/revenue-core/internal/metrics"
)

// ErrEngineStopped is returned for events handled after Stop.
var ErrEngineStopped = errors.New("fraud engine stopped")

// CaseStore is the durable side of the engine. All transitions are
// guarded at the store level so the watching -> terminal edge fires at
// most once even across processes.
type CaseStore interface {
	Create(ctx context.Context, c *database.FraudCase) error
	Resolve(ctx context.Context, sourceEventID, txnID string, resolvedAt time.Time) (bool, error)
	SetAlertID(ctx context.Context, sourceEventID, alertID string) (bool, error)
	MarkEscalated(ctx context.Context, sourceEventID string, deliveryFailed bool) (bool, error)
	RecordLateTransaction(ctx context.Context, lotID, vehicleIdentifier, txnID string) (bool, error)
	ListWatching(ctx context.Context) ([]*database.FraudCase, error)
}

// AlertStore persists escalation alerts.
type AlertStore interface {
	Create(ctx context.Context, alert *database.FraudAlert) error
}

// Dispatcher delivers an escalated alert to the outside world.
type Dispatcher interface {
	Dispatch(ctx context.Context, alert *database.FraudAlert) error
}

// Config tunes the engine.
type Config struct {
	GraceWindow          time.Duration
	MaxEscalationRetries int
	EscalationBackoff    time.Duration
	DedupWindow          time.Duration
}

type caseKey struct {
	lotID   string
	vehicle string
}

// Engine correlates unpaid entry events with later payment
// transactions. A case opened by an unpaid entry is WATCHING until
// either a qualifying transaction resolves it or the deadline sweep
// escalates it; both edges are terminal and fire exactly once.
type Engine struct {
	cases      CaseStore
	alerts     AlertStore
	dispatcher Dispatcher
	policy     SeverityPolicy
	clk        clock.Clock
	metrics    *metrics.Collector
	logger     *slog.Logger
	cfg        Config

	mu      sync.Mutex
	index   map[caseKey][]*database.FraudCase
	seen    *cache.Cache
	stopped bool
}

// NewEngine creates a fraud correlation engine
func NewEngine(
	cases CaseStore,
	alerts AlertStore,
	dispatcher Dispatcher,
	policy SeverityPolicy,
	clk clock.Clock,
	collector *metrics.Collector,
	logger *slog.Logger,
	cfg Config,
) *Engine {
	if policy == nil {
		policy = NewConfigPolicy("", nil)
	}
	dedup := cfg.DedupWindow
	if dedup <= 0 {
		dedup = 10 * time.Minute
	}
	return &Engine{
		cases:      cases,
		alerts:     alerts,
		dispatcher: dispatcher,
		policy:     policy,
		clk:        clk,
		metrics:    collector,
		logger:     logger,
		cfg:        cfg,
		index:      make(map[caseKey][]*database.FraudCase),
		seen:       cache.New(dedup, dedup),
	}
}

// Start rebuilds the in-memory index from durable state so WATCHING
// cases opened before a restart still hit their deadlines.
func (e *Engine) Start(ctx context.Context) error {
	watching, err := e.cases.ListWatching(ctx)
	if err != nil {
		return fmt.Errorf("failed to rebuild fraud case index: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, c := range watching {
		key := caseKey{lotID: c.LotID, vehicle: c.VehicleIdentifier}
		e.index[key] = append(e.index[key], c)
	}

	e.logger.Info("Fraud engine started", "watching_cases", len(watching))
	if e.metrics != nil {
		e.metrics.SetWatchingCases(len(watching))
	}
	return nil
}

// Stop prevents further event intake
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	e.logger.Info("Fraud engine stopped")
}

// HandleSensorEvent opens a WATCHING case for an unpaid entry. Paid
// entries and exits are ignored. Replays of the same event ID within
// the dedup window are dropped.
func (e *Engine) HandleSensorEvent(ctx context.Context, event *database.SensorEvent) error {
	if event.EventType != database.EventTypeEntry || event.HasPayment {
		return nil
	}
	if event.VehicleIdentifier == "" {
		e.logger.Warn("Unpaid entry without vehicle identifier, cannot correlate", "event_id", event.ID)
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrEngineStopped
	}

	if _, dup := e.seen.Get(event.ID); dup {
		e.logger.Debug("Duplicate sensor event ignored", "event_id", event.ID)
		return nil
	}

	openedAt := event.OccurredAt
	if openedAt.IsZero() {
		openedAt = e.clk.Now()
	}

	c := &database.FraudCase{
		SourceEventID:     event.ID,
		LotID:             event.LotID,
		VehicleIdentifier: event.VehicleIdentifier,
		Status:            database.CaseStatusWatching,
		OpenedAt:          openedAt,
		DeadlineAt:        openedAt.Add(e.cfg.GraceWindow),
	}

	if err := e.cases.Create(ctx, c); err != nil {
		return fmt.Errorf("failed to open fraud case: %w", err)
	}
	e.seen.SetDefault(event.ID, struct{}{})

	key := caseKey{lotID: c.LotID, vehicle: c.VehicleIdentifier}
	e.index[key] = append(e.index[key], c)

	e.logger.Info("Fraud case opened",
		"source_event_id", c.SourceEventID,
		"lot_id", c.LotID,
		"vehicle", c.VehicleIdentifier,
		"deadline_at", c.DeadlineAt)

	if e.metrics != nil {
		e.metrics.CaseOpened()
		e.metrics.SetWatchingCases(e.watchingCountLocked())
	}
	return nil
}

// HandleTransaction resolves the earliest WATCHING case for the
// transaction's (lot, vehicle) key whose deadline the payment landed at
// or before. Payments that satisfy no open grace window are recorded
// for reconciliation and otherwise ignored.
func (e *Engine) HandleTransaction(ctx context.Context, txn *database.Transaction) error {
	if txn.Status != database.TxnStatusCompleted {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrEngineStopped
	}

	key := caseKey{lotID: txn.LotID, vehicle: txn.VehicleNumber}
	pending := e.index[key]

	// Earliest-opened case whose grace window the payment still
	// satisfies. A head past its deadline belongs to the sweep and must
	// not swallow a payment meant for a later case.
	match := -1
	for i, c := range pending {
		if !txn.OccurredAt.After(c.DeadlineAt) {
			match = i
			break
		}
	}
	if match < 0 {
		return e.recordLateLocked(ctx, txn)
	}

	c := pending[match]
	resolvedAt := e.clk.Now()
	ok, err := e.cases.Resolve(ctx, c.SourceEventID, txn.ID, resolvedAt)
	if err != nil {
		return fmt.Errorf("failed to resolve fraud case: %w", err)
	}

	e.index[key] = append(pending[:match], pending[match+1:]...)
	if len(e.index[key]) == 0 {
		delete(e.index, key)
	}

	if !ok {
		// Lost the race against another writer; the case is terminal.
		e.logger.Debug("Fraud case already terminal", "source_event_id", c.SourceEventID)
		return nil
	}

	e.logger.Info("Fraud case resolved",
		"source_event_id", c.SourceEventID,
		"transaction_id", txn.ID)

	if e.metrics != nil {
		e.metrics.CaseResolved()
		e.metrics.SetWatchingCases(e.watchingCountLocked())
	}
	return nil
}

func (e *Engine) recordLateLocked(ctx context.Context, txn *database.Transaction) error {
	recorded, err := e.cases.RecordLateTransaction(ctx, txn.LotID, txn.VehicleNumber, txn.ID)
	if err != nil {
		return fmt.Errorf("failed to record late transaction: %w", err)
	}
	if recorded {
		e.logger.Warn("Transaction arrived after the grace window",
			"transaction_id", txn.ID,
			"lot_id", txn.LotID,
			"vehicle", txn.VehicleNumber)
		if e.metrics != nil {
			e.metrics.LateTransaction()
		}
	}
	return nil
}

// Sweep escalates every WATCHING case whose deadline has passed.
// Invoked on a schedule; safe to run concurrently with event intake.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	started := time.Now()
	now := e.clk.Now()

	e.mu.Lock()
	var expired []*database.FraudCase
	for key, pending := range e.index {
		var remaining []*database.FraudCase
		for _, c := range pending {
			if !c.DeadlineAt.After(now) {
				expired = append(expired, c)
			} else {
				remaining = append(remaining, c)
			}
		}
		if len(remaining) == 0 {
			delete(e.index, key)
		} else {
			e.index[key] = remaining
		}
	}
	e.mu.Unlock()

	escalated := 0
	for _, c := range expired {
		ok, err := e.escalate(ctx, c)
		if err != nil {
			e.logger.Error("Failed to escalate fraud case",
				"source_event_id", c.SourceEventID, "error", err)
			// Put it back so the next sweep retries.
			e.mu.Lock()
			key := caseKey{lotID: c.LotID, vehicle: c.VehicleIdentifier}
			e.index[key] = append(e.index[key], c)
			e.mu.Unlock()
			continue
		}
		if ok {
			escalated++
		}
	}

	if e.metrics != nil {
		e.metrics.ObserveSweep(time.Since(started))
		e.mu.Lock()
		e.metrics.SetWatchingCases(e.watchingCountLocked())
		e.mu.Unlock()
	}

	if escalated > 0 {
		e.logger.Info("Deadline sweep completed", "escalated", escalated)
	}
	return escalated, nil
}

// escalate drives a single case through the watching -> escalated edge,
// reporting whether the edge actually fired. The alert ID is pinned on
// the case row before the alert is written, so replaying after a crash
// reuses the same alert identity instead of minting a second one.
func (e *Engine) escalate(ctx context.Context, c *database.FraudCase) (bool, error) {
	alertID := uuid.New().String()
	if c.AlertID != nil && *c.AlertID != "" {
		alertID = *c.AlertID
	}

	ok, err := e.cases.SetAlertID(ctx, c.SourceEventID, alertID)
	if err != nil {
		return false, err
	}
	if !ok {
		// The case resolved between sweep collection and now.
		e.logger.Debug("Case no longer watching, skipping escalation",
			"source_event_id", c.SourceEventID)
		return false, nil
	}
	c.AlertID = &alertID

	severity := e.policy.Severity(c.LotID)
	alert := &database.FraudAlert{
		ID:                alertID,
		SourceEventID:     c.SourceEventID,
		LotID:             c.LotID,
		VehicleIdentifier: c.VehicleIdentifier,
		Severity:          severity,
		Status:            database.AlertStatusNew,
		Description: fmt.Sprintf("Vehicle %s entered lot %s without payment and none arrived within the grace window",
			c.VehicleIdentifier, c.LotID),
		Metadata: database.JSONB{
			"opened_at":   c.OpenedAt.Format(time.RFC3339),
			"deadline_at": c.DeadlineAt.Format(time.RFC3339),
		},
	}

	if err := e.alerts.Create(ctx, alert); err != nil {
		return false, fmt.Errorf("failed to create alert: %w", err)
	}

	deliveryFailed := false
	if e.dispatcher != nil {
		if err := e.dispatchWithRetry(ctx, alert); err != nil {
			deliveryFailed = true
			e.logger.Error("Alert delivery failed after retries",
				"alert_id", alert.ID,
				"source_event_id", c.SourceEventID,
				"error", err)
		}
	}

	if _, err := e.cases.MarkEscalated(ctx, c.SourceEventID, deliveryFailed); err != nil {
		return false, fmt.Errorf("failed to mark case escalated: %w", err)
	}

	e.logger.Warn("Fraud case escalated",
		"source_event_id", c.SourceEventID,
		"alert_id", alert.ID,
		"severity", severity,
		"delivery_failed", deliveryFailed)

	if e.metrics != nil {
		e.metrics.CaseEscalated()
	}
	return true, nil
}

func (e *Engine) dispatchWithRetry(ctx context.Context, alert *database.FraudAlert) error {
	var err error
	for attempt := 0; attempt <= e.cfg.MaxEscalationRetries; attempt++ {
		if attempt > 0 && e.cfg.EscalationBackoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.EscalationBackoff):
			}
		}
		if err = e.dispatcher.Dispatch(ctx, alert); err == nil {
			return nil
		}
		e.logger.Warn("Alert dispatch attempt failed",
			"alert_id", alert.ID, "attempt", attempt+1, "error", err)
	}
	return err
}

// WatchingCount reports how many cases are currently pending.
func (e *Engine) WatchingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.watchingCountLocked()
}

func (e *Engine) watchingCountLocked() int {
	n := 0
	for _, pending := range e.index {
		n += len(pending)
	}
	return n
}
