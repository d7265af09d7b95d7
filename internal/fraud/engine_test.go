package fraud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civic-park/revenue-core/internal/clock"
	"github.com/civic-park/revenue-core/internal/database"
)

type fakeCaseStore struct {
	mu    sync.Mutex
	now   func() time.Time
	cases map[string]*database.FraudCase
}

func newFakeCaseStore() *fakeCaseStore {
	return &fakeCaseStore{now: time.Now, cases: make(map[string]*database.FraudCase)}
}

func (s *fakeCaseStore) Create(_ context.Context, c *database.FraudCase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cases[c.SourceEventID]; exists {
		return nil
	}
	copied := *c
	s.cases[c.SourceEventID] = &copied
	return nil
}

func (s *fakeCaseStore) Resolve(_ context.Context, sourceEventID, txnID string, resolvedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[sourceEventID]
	if !ok || c.Status != database.CaseStatusWatching {
		return false, nil
	}
	c.Status = database.CaseStatusResolved
	c.ResolvedByTxn = &txnID
	c.ResolvedAt = &resolvedAt
	return true, nil
}

func (s *fakeCaseStore) SetAlertID(_ context.Context, sourceEventID, alertID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[sourceEventID]
	if !ok || c.Status != database.CaseStatusWatching {
		return false, nil
	}
	if c.AlertID != nil && *c.AlertID != alertID {
		return false, nil
	}
	c.AlertID = &alertID
	return true, nil
}

func (s *fakeCaseStore) MarkEscalated(_ context.Context, sourceEventID string, deliveryFailed bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[sourceEventID]
	if !ok || c.Status != database.CaseStatusWatching {
		return false, nil
	}
	c.Status = database.CaseStatusEscalated
	c.DeliveryFailed = deliveryFailed
	return true, nil
}

func (s *fakeCaseStore) RecordLateTransaction(_ context.Context, lotID, vehicleIdentifier, txnID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *database.FraudCase
	for _, c := range s.cases {
		if c.LotID != lotID || c.VehicleIdentifier != vehicleIdentifier || c.LateTransactionID != nil {
			continue
		}
		expired := c.Status == database.CaseStatusEscalated ||
			(c.Status == database.CaseStatusWatching && c.DeadlineAt.Before(s.now()))
		if !expired {
			continue
		}
		if oldest == nil || c.OpenedAt.Before(oldest.OpenedAt) {
			oldest = c
		}
	}
	if oldest == nil {
		return false, nil
	}
	oldest.LateTransactionID = &txnID
	return true, nil
}

func (s *fakeCaseStore) ListWatching(_ context.Context) ([]*database.FraudCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*database.FraudCase
	for _, c := range s.cases {
		if c.Status == database.CaseStatusWatching {
			copied := *c
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeCaseStore) get(id string) *database.FraudCase {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cases[id]; ok {
		copied := *c
		return &copied
	}
	return nil
}

type fakeAlertStore struct {
	mu     sync.Mutex
	alerts map[string]*database.FraudAlert
}

func newFakeAlertStore() *fakeAlertStore {
	return &fakeAlertStore{alerts: make(map[string]*database.FraudAlert)}
}

func (s *fakeAlertStore) Create(_ context.Context, alert *database.FraudAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.alerts[alert.ID]; exists {
		return nil
	}
	copied := *alert
	s.alerts[alert.ID] = &copied
	return nil
}

func (s *fakeAlertStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

type fakeDispatcher struct {
	mu       sync.Mutex
	attempts int
	failures int
}

func (d *fakeDispatcher) Dispatch(_ context.Context, _ *database.FraudAlert) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.failures > 0 {
		d.failures--
		return errors.New("gateway unavailable")
	}
	return nil
}

func (d *fakeDispatcher) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

const grace = 10 * time.Minute

func newTestEngine(t *testing.T) (*Engine, *fakeCaseStore, *fakeAlertStore, *fakeDispatcher, *clock.Mock) {
	t.Helper()
	cases := newFakeCaseStore()
	alerts := newFakeAlertStore()
	dispatcher := &fakeDispatcher{}
	clk := clock.NewMock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	cases.now = clk.Now

	e := NewEngine(cases, alerts, dispatcher, NewConfigPolicy("", nil), clk, nil, slog.Default(), Config{
		GraceWindow:          grace,
		MaxEscalationRetries: 2,
	})
	require.NoError(t, e.Start(context.Background()))
	return e, cases, alerts, dispatcher, clk
}

func unpaidEntry(id, lotID, vehicle string, at time.Time) *database.SensorEvent {
	return &database.SensorEvent{
		ID:                id,
		LotID:             lotID,
		EventType:         database.EventTypeEntry,
		VehicleIdentifier: vehicle,
		HasPayment:        false,
		OccurredAt:        at,
	}
}

func payment(id, lotID, vehicle string, at time.Time) *database.Transaction {
	return &database.Transaction{
		ID:            id,
		LotID:         lotID,
		VehicleNumber: vehicle,
		Amount:        40,
		Status:        database.TxnStatusCompleted,
		OccurredAt:    at,
	}
}

func TestHandleSensorEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("unpaid entry opens a watching case", func(t *testing.T) {
		e, cases, _, _, clk := newTestEngine(t)

		err := e.HandleSensorEvent(ctx, unpaidEntry("evt-1", "lot-1", "ABC-123", clk.Now()))
		require.NoError(t, err)

		c := cases.get("evt-1")
		require.NotNil(t, c)
		assert.Equal(t, database.CaseStatusWatching, c.Status)
		assert.Equal(t, clk.Now().Add(grace), c.DeadlineAt)
		assert.Equal(t, 1, e.WatchingCount())
	})

	t.Run("paid entry is ignored", func(t *testing.T) {
		e, cases, _, _, clk := newTestEngine(t)

		event := unpaidEntry("evt-1", "lot-1", "ABC-123", clk.Now())
		event.HasPayment = true
		require.NoError(t, e.HandleSensorEvent(ctx, event))

		assert.Nil(t, cases.get("evt-1"))
		assert.Zero(t, e.WatchingCount())
	})

	t.Run("exit is ignored", func(t *testing.T) {
		e, cases, _, _, clk := newTestEngine(t)

		event := unpaidEntry("evt-1", "lot-1", "ABC-123", clk.Now())
		event.EventType = database.EventTypeExit
		require.NoError(t, e.HandleSensorEvent(ctx, event))

		assert.Nil(t, cases.get("evt-1"))
	})

	t.Run("replayed event id is dropped", func(t *testing.T) {
		e, _, _, _, clk := newTestEngine(t)

		event := unpaidEntry("evt-1", "lot-1", "ABC-123", clk.Now())
		require.NoError(t, e.HandleSensorEvent(ctx, event))
		require.NoError(t, e.HandleSensorEvent(ctx, event))

		assert.Equal(t, 1, e.WatchingCount())
	})
}

func TestHandleTransaction(t *testing.T) {
	ctx := context.Background()

	t.Run("payment before deadline resolves the case", func(t *testing.T) {
		e, cases, alerts, _, clk := newTestEngine(t)

		require.NoError(t, e.HandleSensorEvent(ctx, unpaidEntry("evt-1", "lot-1", "ABC-123", clk.Now())))

		clk.Advance(5 * time.Minute)
		require.NoError(t, e.HandleTransaction(ctx, payment("txn-1", "lot-1", "ABC-123", clk.Now())))

		c := cases.get("evt-1")
		assert.Equal(t, database.CaseStatusResolved, c.Status)
		require.NotNil(t, c.ResolvedByTxn)
		assert.Equal(t, "txn-1", *c.ResolvedByTxn)
		assert.Zero(t, e.WatchingCount())

		// The pending deadline is now a no-op.
		clk.Advance(grace)
		escalated, err := e.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, escalated)
		assert.Zero(t, alerts.count())
	})

	t.Run("pending transaction does not resolve", func(t *testing.T) {
		e, cases, _, _, clk := newTestEngine(t)

		require.NoError(t, e.HandleSensorEvent(ctx, unpaidEntry("evt-1", "lot-1", "ABC-123", clk.Now())))

		txn := payment("txn-1", "lot-1", "ABC-123", clk.Now())
		txn.Status = database.TxnStatusPending
		require.NoError(t, e.HandleTransaction(ctx, txn))

		assert.Equal(t, database.CaseStatusWatching, cases.get("evt-1").Status)
	})

	t.Run("first qualifying transaction wins fifo", func(t *testing.T) {
		e, cases, _, _, clk := newTestEngine(t)

		base := clk.Now()
		require.NoError(t, e.HandleSensorEvent(ctx, unpaidEntry("evt-1", "lot-1", "ABC-123", base)))
		require.NoError(t, e.HandleSensorEvent(ctx, unpaidEntry("evt-2", "lot-1", "ABC-123", base.Add(time.Minute))))
		require.NoError(t, e.HandleSensorEvent(ctx, unpaidEntry("evt-3", "lot-1", "ABC-123", base.Add(2*time.Minute))))

		clk.Advance(3 * time.Minute)
		require.NoError(t, e.HandleTransaction(ctx, payment("txn-1", "lot-1", "ABC-123", clk.Now())))

		assert.Equal(t, database.CaseStatusResolved, cases.get("evt-1").Status)
		assert.Equal(t, database.CaseStatusWatching, cases.get("evt-2").Status)
		assert.Equal(t, database.CaseStatusWatching, cases.get("evt-3").Status)

		require.NoError(t, e.HandleTransaction(ctx, payment("txn-2", "lot-1", "ABC-123", clk.Now())))
		assert.Equal(t, database.CaseStatusResolved, cases.get("evt-2").Status)
		assert.Equal(t, database.CaseStatusWatching, cases.get("evt-3").Status)
		assert.Equal(t, 1, e.WatchingCount())
	})

	t.Run("payment inside a later window skips the expired head", func(t *testing.T) {
		e, cases, alerts, _, clk := newTestEngine(t)

		base := clk.Now()
		require.NoError(t, e.HandleSensorEvent(ctx, unpaidEntry("evt-1", "lot-1", "ABC-123", base)))
		require.NoError(t, e.HandleSensorEvent(ctx, unpaidEntry("evt-2", "lot-1", "ABC-123", base.Add(9*time.Minute))))

		// Twelve minutes in: the first window has expired, the second
		// has not, and no sweep has fired yet.
		clk.Advance(12 * time.Minute)
		require.NoError(t, e.HandleTransaction(ctx, payment("txn-1", "lot-1", "ABC-123", clk.Now())))

		assert.Equal(t, database.CaseStatusResolved, cases.get("evt-2").Status)
		assert.Equal(t, database.CaseStatusWatching, cases.get("evt-1").Status)

		escalated, err := e.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, escalated)
		assert.Equal(t, database.CaseStatusEscalated, cases.get("evt-1").Status)
		assert.Equal(t, 1, alerts.count(), "only the unpaid entry alerts")
	})

	t.Run("payment past every window is recorded before the sweep fires", func(t *testing.T) {
		e, cases, _, _, clk := newTestEngine(t)

		require.NoError(t, e.HandleSensorEvent(ctx, unpaidEntry("evt-1", "lot-1", "ABC-123", clk.Now())))

		clk.Advance(grace + time.Minute)
		require.NoError(t, e.HandleTransaction(ctx, payment("txn-1", "lot-1", "ABC-123", clk.Now())))

		c := cases.get("evt-1")
		assert.Equal(t, database.CaseStatusWatching, c.Status)
		assert.Nil(t, c.ResolvedByTxn)
		require.NotNil(t, c.LateTransactionID)
		assert.Equal(t, "txn-1", *c.LateTransactionID)

		// The sweep still owns the escalation.
		_, err := e.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, database.CaseStatusEscalated, cases.get("evt-1").Status)
	})

	t.Run("transactions for other keys leave the case alone", func(t *testing.T) {
		e, cases, _, _, clk := newTestEngine(t)

		require.NoError(t, e.HandleSensorEvent(ctx, unpaidEntry("evt-1", "lot-1", "ABC-123", clk.Now())))

		require.NoError(t, e.HandleTransaction(ctx, payment("txn-1", "lot-2", "ABC-123", clk.Now())))
		require.NoError(t, e.HandleTransaction(ctx, payment("txn-2", "lot-1", "XYZ-999", clk.Now())))

		assert.Equal(t, database.CaseStatusWatching, cases.get("evt-1").Status)
	})
}

func TestSweep(t *testing.T) {
	ctx := context.Background()

	t.Run("expired case escalates exactly once", func(t *testing.T) {
		e, cases, alerts, dispatcher, clk := newTestEngine(t)

		require.NoError(t, e.HandleSensorEvent(ctx, unpaidEntry("evt-1", "lot-1", "ABC-123", clk.Now())))

		clk.Advance(grace)
		escalated, err := e.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, escalated)

		c := cases.get("evt-1")
		assert.Equal(t, database.CaseStatusEscalated, c.Status)
		require.NotNil(t, c.AlertID)
		assert.False(t, c.DeliveryFailed)
		assert.Equal(t, 1, alerts.count())
		assert.Equal(t, 1, dispatcher.attemptCount())

		// A second sweep must not mint another alert.
		escalated, err = e.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, escalated)
		assert.Equal(t, 1, alerts.count())
	})

	t.Run("case before deadline is untouched", func(t *testing.T) {
		e, cases, _, _, clk := newTestEngine(t)

		require.NoError(t, e.HandleSensorEvent(ctx, unpaidEntry("evt-1", "lot-1", "ABC-123", clk.Now())))

		clk.Advance(grace - time.Second)
		escalated, err := e.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, escalated)
		assert.Equal(t, database.CaseStatusWatching, cases.get("evt-1").Status)
	})

	t.Run("case resolved after collection is not counted", func(t *testing.T) {
		e, cases, alerts, _, clk := newTestEngine(t)

		require.NoError(t, e.HandleSensorEvent(ctx, unpaidEntry("evt-1", "lot-1", "ABC-123", clk.Now())))

		clk.Advance(grace)
		// Another process resolves the case between collection and
		// escalation.
		ok, err := cases.Resolve(ctx, "evt-1", "txn-elsewhere", clk.Now())
		require.NoError(t, err)
		require.True(t, ok)

		escalated, err := e.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, escalated)
		assert.Zero(t, alerts.count())
	})

	t.Run("dispatch failures retry then mark delivery failed", func(t *testing.T) {
		e, cases, alerts, dispatcher, clk := newTestEngine(t)
		dispatcher.failures = 10 // beyond the retry budget

		require.NoError(t, e.HandleSensorEvent(ctx, unpaidEntry("evt-1", "lot-1", "ABC-123", clk.Now())))

		clk.Advance(grace)
		escalated, err := e.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, escalated)

		c := cases.get("evt-1")
		assert.Equal(t, database.CaseStatusEscalated, c.Status)
		assert.True(t, c.DeliveryFailed)
		assert.Equal(t, 3, dispatcher.attemptCount(), "initial attempt plus two retries")
		assert.Equal(t, 1, alerts.count(), "delivery failure never fabricates a second alert")
	})

	t.Run("transient dispatch failure recovers within budget", func(t *testing.T) {
		e, cases, _, dispatcher, clk := newTestEngine(t)
		dispatcher.failures = 1

		require.NoError(t, e.HandleSensorEvent(ctx, unpaidEntry("evt-1", "lot-1", "ABC-123", clk.Now())))

		clk.Advance(grace)
		_, err := e.Sweep(ctx)
		require.NoError(t, err)

		c := cases.get("evt-1")
		assert.False(t, c.DeliveryFailed)
		assert.Equal(t, 2, dispatcher.attemptCount())
	})
}

func TestLateTransaction(t *testing.T) {
	ctx := context.Background()

	t.Run("payment after escalation is recorded not resolved", func(t *testing.T) {
		e, cases, _, _, clk := newTestEngine(t)

		require.NoError(t, e.HandleSensorEvent(ctx, unpaidEntry("evt-1", "lot-1", "ABC-123", clk.Now())))

		clk.Advance(grace)
		_, err := e.Sweep(ctx)
		require.NoError(t, err)

		clk.Advance(5 * time.Minute)
		require.NoError(t, e.HandleTransaction(ctx, payment("txn-late", "lot-1", "ABC-123", clk.Now())))

		c := cases.get("evt-1")
		assert.Equal(t, database.CaseStatusEscalated, c.Status)
		assert.Nil(t, c.ResolvedByTxn)
		require.NotNil(t, c.LateTransactionID)
		assert.Equal(t, "txn-late", *c.LateTransactionID)
	})

	t.Run("payment with no case at all is a no-op", func(t *testing.T) {
		e, _, _, _, clk := newTestEngine(t)

		err := e.HandleTransaction(ctx, payment("txn-1", "lot-1", "ABC-123", clk.Now()))
		require.NoError(t, err)
	})
}

func TestEngineRestart(t *testing.T) {
	ctx := context.Background()

	t.Run("watching cases survive a restart and still escalate", func(t *testing.T) {
		e, cases, _, _, clk := newTestEngine(t)

		for i := 0; i < 3; i++ {
			id := fmt.Sprintf("evt-%d", i)
			require.NoError(t, e.HandleSensorEvent(ctx, unpaidEntry(id, "lot-1", fmt.Sprintf("CAR-%d", i), clk.Now())))
		}
		e.Stop()

		alerts := newFakeAlertStore()
		dispatcher := &fakeDispatcher{}
		restarted := NewEngine(cases, alerts, dispatcher, NewConfigPolicy("", nil), clk, nil, slog.Default(), Config{
			GraceWindow:          grace,
			MaxEscalationRetries: 2,
		})
		require.NoError(t, restarted.Start(ctx))
		assert.Equal(t, 3, restarted.WatchingCount())

		clk.Advance(grace)
		escalated, err := restarted.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, escalated)
		assert.Equal(t, 3, alerts.count())
	})

	t.Run("stopped engine rejects intake", func(t *testing.T) {
		e, _, _, _, clk := newTestEngine(t)
		e.Stop()

		err := e.HandleSensorEvent(ctx, unpaidEntry("evt-1", "lot-1", "ABC-123", clk.Now()))
		assert.ErrorIs(t, err, ErrEngineStopped)
	})
}

func TestSeverityPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("per-lot override with critical default", func(t *testing.T) {
		cases := newFakeCaseStore()
		alerts := newFakeAlertStore()
		clk := clock.NewMock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
		policy := NewConfigPolicy(database.SeverityCritical, map[string]string{
			"lot-quiet": database.SeverityMedium,
		})

		e := NewEngine(cases, alerts, nil, policy, clk, nil, slog.Default(), Config{GraceWindow: grace})
		require.NoError(t, e.Start(ctx))

		require.NoError(t, e.HandleSensorEvent(ctx, unpaidEntry("evt-1", "lot-quiet", "AAA-111", clk.Now())))
		require.NoError(t, e.HandleSensorEvent(ctx, unpaidEntry("evt-2", "lot-loud", "BBB-222", clk.Now())))

		clk.Advance(grace)
		_, err := e.Sweep(ctx)
		require.NoError(t, err)

		bySeverity := map[string]int{}
		alerts.mu.Lock()
		for _, a := range alerts.alerts {
			bySeverity[a.Severity]++
		}
		alerts.mu.Unlock()

		assert.Equal(t, 1, bySeverity[database.SeverityMedium])
		assert.Equal(t, 1, bySeverity[database.SeverityCritical])
	})
}
