package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civic-park/revenue-core/internal/database"
)

// fakeLotStore mimics the conditional occupancy update the repository
// performs in SQL.
type fakeLotStore struct {
	mu   sync.Mutex
	lots map[string]*database.ParkingLot
}

func newFakeLotStore(lots ...*database.ParkingLot) *fakeLotStore {
	s := &fakeLotStore{lots: make(map[string]*database.ParkingLot)}
	for _, lot := range lots {
		s.lots[lot.ID] = lot
	}
	return s
}

func (s *fakeLotStore) GetByID(_ context.Context, id string) (*database.ParkingLot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lot, ok := s.lots[id]
	if !ok {
		return nil, fmt.Errorf("lot %s: %w", id, database.ErrNotFound)
	}
	copied := *lot
	return &copied, nil
}

func (s *fakeLotStore) AdjustOccupancy(_ context.Context, id string, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lot, ok := s.lots[id]
	if !ok {
		return 0, database.ErrNotFound
	}
	next := lot.CurrentOccupancy + delta
	if next < 0 || next > lot.Capacity {
		return 0, database.ErrOccupancyConflict
	}
	lot.CurrentOccupancy = next
	return next, nil
}

type fakeEventStore struct {
	mu     sync.Mutex
	events []*database.SensorEvent
}

func (s *fakeEventStore) InsertSensorEvent(_ context.Context, event *database.SensorEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func testLot(id string, capacity, occupancy int) *database.ParkingLot {
	return &database.ParkingLot{
		ID:               id,
		Name:             "Test Lot " + id,
		Capacity:         capacity,
		CurrentOccupancy: occupancy,
		HourlyRate:       40,
		Status:           database.LotStatusActive,
	}
}

func newTestLedger(lots ...*database.ParkingLot) (*Ledger, *fakeLotStore, *fakeEventStore) {
	store := newFakeLotStore(lots...)
	events := &fakeEventStore{}
	return New(store, events, slog.Default()), store, events
}

func TestApplyDelta(t *testing.T) {
	ctx := context.Background()

	t.Run("entry increments occupancy", func(t *testing.T) {
		l, _, _ := newTestLedger(testLot("lot-1", 100, 40))

		adj, err := l.ApplyDelta(ctx, "lot-1", 1)
		require.NoError(t, err)
		assert.Equal(t, 41, adj.Occupancy)
		assert.Equal(t, 100, adj.Capacity)
	})

	t.Run("exit decrements occupancy", func(t *testing.T) {
		l, _, _ := newTestLedger(testLot("lot-1", 100, 40))

		adj, err := l.ApplyDelta(ctx, "lot-1", -1)
		require.NoError(t, err)
		assert.Equal(t, 39, adj.Occupancy)
	})

	t.Run("rejects entry at capacity", func(t *testing.T) {
		l, store, _ := newTestLedger(testLot("lot-1", 50, 50))

		_, err := l.ApplyDelta(ctx, "lot-1", 1)
		assert.ErrorIs(t, err, ErrCapacityExceeded)

		lot, err := store.GetByID(ctx, "lot-1")
		require.NoError(t, err)
		assert.Equal(t, 50, lot.CurrentOccupancy, "rejected delta must not change occupancy")
	})

	t.Run("rejects exit at zero", func(t *testing.T) {
		l, store, _ := newTestLedger(testLot("lot-1", 50, 0))

		_, err := l.ApplyDelta(ctx, "lot-1", -1)
		assert.ErrorIs(t, err, ErrNegativeOccupancy)

		lot, err := store.GetByID(ctx, "lot-1")
		require.NoError(t, err)
		assert.Equal(t, 0, lot.CurrentOccupancy)
	})

	t.Run("rejects zero delta", func(t *testing.T) {
		l, _, _ := newTestLedger(testLot("lot-1", 50, 10))

		_, err := l.ApplyDelta(ctx, "lot-1", 0)
		assert.ErrorIs(t, err, ErrInvalidDelta)
	})

	t.Run("unknown lot", func(t *testing.T) {
		l, _, _ := newTestLedger()

		_, err := l.ApplyDelta(ctx, "nope", 1)
		assert.ErrorIs(t, err, ErrLotNotFound)
	})

	t.Run("inactive lot rejects deltas", func(t *testing.T) {
		lot := testLot("lot-1", 50, 10)
		lot.Status = database.LotStatusMaintenance
		l, _, _ := newTestLedger(lot)

		_, err := l.ApplyDelta(ctx, "lot-1", 1)
		assert.ErrorIs(t, err, ErrLotUnavailable)
	})
}

func TestApplyDeltaConcurrent(t *testing.T) {
	ctx := context.Background()

	t.Run("occupancy never exceeds capacity", func(t *testing.T) {
		const capacity = 25
		l, store, _ := newTestLedger(testLot("lot-1", capacity, 0))

		var wg sync.WaitGroup
		var mu sync.Mutex
		accepted := 0

		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := l.ApplyDelta(ctx, "lot-1", 1); err == nil {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		lot, err := store.GetByID(ctx, "lot-1")
		require.NoError(t, err)
		assert.Equal(t, capacity, lot.CurrentOccupancy)
		assert.Equal(t, capacity, accepted, "exactly capacity entries should be accepted")
	})

	t.Run("mixed deltas sum to final occupancy", func(t *testing.T) {
		l, store, _ := newTestLedger(testLot("lot-1", 1000, 500))

		var wg sync.WaitGroup
		var mu sync.Mutex
		sum := 0

		for i := 0; i < 200; i++ {
			delta := 1
			if i%2 == 0 {
				delta = -1
			}
			wg.Add(1)
			go func(d int) {
				defer wg.Done()
				if _, err := l.ApplyDelta(ctx, "lot-1", d); err == nil {
					mu.Lock()
					sum += d
					mu.Unlock()
				}
			}(delta)
		}
		wg.Wait()

		lot, err := store.GetByID(ctx, "lot-1")
		require.NoError(t, err)
		assert.Equal(t, 500+sum, lot.CurrentOccupancy)
	})

	t.Run("independent lots progress concurrently", func(t *testing.T) {
		l, store, _ := newTestLedger(
			testLot("lot-a", 100, 0),
			testLot("lot-b", 100, 0),
		)

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, _ = l.ApplyDelta(ctx, "lot-a", 1)
			}()
			go func() {
				defer wg.Done()
				_, _ = l.ApplyDelta(ctx, "lot-b", 1)
			}()
		}
		wg.Wait()

		for _, id := range []string{"lot-a", "lot-b"} {
			lot, err := store.GetByID(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, 50, lot.CurrentOccupancy)
		}
	})
}

func TestRecordEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("entry event applies delta and records audit row", func(t *testing.T) {
		l, _, events := newTestLedger(testLot("lot-1", 100, 10))

		adj, err := l.RecordEvent(ctx, &database.SensorEvent{
			ID:                "evt-1",
			LotID:             "lot-1",
			EventType:         database.EventTypeEntry,
			VehicleIdentifier: "ABC-123",
		})
		require.NoError(t, err)
		assert.Equal(t, 11, adj.Occupancy)
		require.Len(t, events.events, 1)
		assert.Equal(t, "evt-1", events.events[0].ID)
		assert.False(t, events.events[0].OccurredAt.IsZero())
	})

	t.Run("rejected delta records nothing", func(t *testing.T) {
		l, _, events := newTestLedger(testLot("lot-1", 10, 10))

		_, err := l.RecordEvent(ctx, &database.SensorEvent{
			ID:        "evt-2",
			LotID:     "lot-1",
			EventType: database.EventTypeEntry,
		})
		assert.ErrorIs(t, err, ErrCapacityExceeded)
		assert.Empty(t, events.events)
	})

	t.Run("unknown event type", func(t *testing.T) {
		l, _, _ := newTestLedger(testLot("lot-1", 10, 5))

		_, err := l.RecordEvent(ctx, &database.SensorEvent{
			ID:        "evt-3",
			LotID:     "lot-1",
			EventType: "teleport",
		})
		assert.ErrorIs(t, err, ErrInvalidDelta)
	})
}
