package ledger

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/civic-park/revenue-core/internal/database"
)

// Sentinel errors for rejected occupancy deltas.
var (
	ErrCapacityExceeded  = errors.New("lot is at capacity")
	ErrNegativeOccupancy = errors.New("occupancy cannot drop below zero")
	ErrLotUnavailable    = errors.New("lot is not active")
	ErrLotNotFound       = errors.New("lot not found")
	ErrInvalidDelta      = errors.New("delta must be non-zero")
)

// LotStore is the slice of lot persistence the ledger needs.
type LotStore interface {
	GetByID(ctx context.Context, id string) (*database.ParkingLot, error)
	AdjustOccupancy(ctx context.Context, id string, delta int) (int, error)
}

// EventStore records the sensor events that drove each adjustment.
type EventStore interface {
	InsertSensorEvent(ctx context.Context, event *database.SensorEvent) error
}

// Adjustment is the outcome of an applied occupancy delta.
type Adjustment struct {
	LotID     string `json:"lot_id"`
	Delta     int    `json:"delta"`
	Occupancy int    `json:"occupancy"`
	Capacity  int    `json:"capacity"`
}

const stripeCount = 64

// Ledger serializes occupancy adjustments per lot. Deltas for different
// lots proceed concurrently; deltas for the same lot are applied in
// arrival order, and a delta that would push occupancy outside
// [0, capacity] is rejected whole, never clamped.
type Ledger struct {
	lots    LotStore
	events  EventStore
	logger  *slog.Logger
	stripes [stripeCount]sync.Mutex
}

// New creates a ledger over the given stores
func New(lots LotStore, events EventStore, logger *slog.Logger) *Ledger {
	return &Ledger{
		lots:   lots,
		events: events,
		logger: logger,
	}
}

func (l *Ledger) stripe(lotID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(lotID))
	return &l.stripes[h.Sum32()%stripeCount]
}

// ApplyDelta validates and applies a single occupancy delta for a lot.
func (l *Ledger) ApplyDelta(ctx context.Context, lotID string, delta int) (*Adjustment, error) {
	if delta == 0 {
		return nil, ErrInvalidDelta
	}

	mu := l.stripe(lotID)
	mu.Lock()
	defer mu.Unlock()

	lot, err := l.lots.GetByID(ctx, lotID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("lot %s: %w", lotID, ErrLotNotFound)
		}
		return nil, fmt.Errorf("failed to load lot: %w", err)
	}

	if lot.Status != database.LotStatusActive {
		return nil, fmt.Errorf("lot %s has status %s: %w", lotID, lot.Status, ErrLotUnavailable)
	}

	occupancy, err := l.lots.AdjustOccupancy(ctx, lotID, delta)
	if err != nil {
		if errors.Is(err, database.ErrOccupancyConflict) {
			if delta > 0 {
				return nil, fmt.Errorf("lot %s at %d/%d: %w", lotID, lot.CurrentOccupancy, lot.Capacity, ErrCapacityExceeded)
			}
			return nil, fmt.Errorf("lot %s at %d: %w", lotID, lot.CurrentOccupancy, ErrNegativeOccupancy)
		}
		return nil, fmt.Errorf("failed to adjust occupancy: %w", err)
	}

	l.logger.Debug("Occupancy adjusted", "lot_id", lotID, "delta", delta, "occupancy", occupancy)

	return &Adjustment{
		LotID:     lotID,
		Delta:     delta,
		Occupancy: occupancy,
		Capacity:  lot.Capacity,
	}, nil
}

// RecordEvent applies the occupancy delta implied by a sensor event
// (entry +1, exit -1) and appends the event to the audit trail.
func (l *Ledger) RecordEvent(ctx context.Context, event *database.SensorEvent) (*Adjustment, error) {
	var delta int
	switch event.EventType {
	case database.EventTypeEntry:
		delta = 1
	case database.EventTypeExit:
		delta = -1
	default:
		return nil, fmt.Errorf("unknown event type %q: %w", event.EventType, ErrInvalidDelta)
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	adj, err := l.ApplyDelta(ctx, event.LotID, delta)
	if err != nil {
		return nil, err
	}

	if l.events != nil {
		if err := l.events.InsertSensorEvent(ctx, event); err != nil {
			// The adjustment already landed; losing the audit row is not
			// a reason to report failure to the sensor.
			l.logger.Error("Failed to record sensor event", "event_id", event.ID, "lot_id", event.LotID, "error", err)
		}
	}

	return adj, nil
}

// Occupancy reports the current occupancy and capacity of a lot.
func (l *Ledger) Occupancy(ctx context.Context, lotID string) (int, int, error) {
	lot, err := l.lots.GetByID(ctx, lotID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return 0, 0, fmt.Errorf("lot %s: %w", lotID, ErrLotNotFound)
		}
		return 0, 0, fmt.Errorf("failed to load lot: %w", err)
	}
	return lot.CurrentOccupancy, lot.Capacity, nil
}
