package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// EventRepository handles the append-only sensor event and transaction
// ledgers. Neither record type is ever updated.
type EventRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *sqlx.DB, logger *slog.Logger) *EventRepository {
	return &EventRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// InsertSensorEvent appends a sensor event
func (r *EventRepository) InsertSensorEvent(ctx context.Context, event *SensorEvent) error {
	query := `
		INSERT INTO sensor_events (
			id, lot_id, event_type, vehicle_identifier, has_payment,
			occurred_at, recorded_at
		) VALUES (
			:id, :lot_id, :event_type, :vehicle_identifier, :has_payment,
			:occurred_at, :recorded_at
		)
		ON CONFLICT (id) DO NOTHING`

	event.RecordedAt = time.Now()

	_, err := r.db.NamedExecContext(ctx, query, event)
	if err != nil {
		r.logger.Error("Failed to insert sensor event", "event_id", event.ID, "error", err)
		return fmt.Errorf("failed to insert sensor event: %w", err)
	}

	return nil
}

// InsertTransaction appends a transaction record
func (r *EventRepository) InsertTransaction(ctx context.Context, txn *Transaction) error {
	query := `
		INSERT INTO transactions (
			id, lot_id, vehicle_number, amount, payment_method, status,
			entry_time, exit_time, occurred_at, created_at
		) VALUES (
			:id, :lot_id, :vehicle_number, :amount, :payment_method, :status,
			:entry_time, :exit_time, :occurred_at, :created_at
		)
		ON CONFLICT (id) DO NOTHING`

	txn.CreatedAt = time.Now()

	_, err := r.db.NamedExecContext(ctx, query, txn)
	if err != nil {
		r.logger.Error("Failed to insert transaction", "transaction_id", txn.ID, "error", err)
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	return nil
}

// ListSensorEventsByLot retrieves recent sensor events for a lot
func (r *EventRepository) ListSensorEventsByLot(ctx context.Context, lotID string, limit int) ([]*SensorEvent, error) {
	query := `
		SELECT * FROM sensor_events
		WHERE lot_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2`

	var events []*SensorEvent
	err := r.db.SelectContext(ctx, &events, query, lotID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sensor events: %w", err)
	}

	return events, nil
}
