package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// LotRepository handles parking lot data operations
type LotRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewLotRepository creates a new lot repository
func NewLotRepository(db *sqlx.DB, logger *slog.Logger) *LotRepository {
	return &LotRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Create creates a new parking lot
func (r *LotRepository) Create(ctx context.Context, lot *ParkingLot) error {
	query := `
		INSERT INTO parking_lots (
			id, name, capacity, current_occupancy, hourly_rate, status,
			created_at, updated_at
		) VALUES (
			:id, :name, :capacity, :current_occupancy, :hourly_rate, :status,
			:created_at, :updated_at
		)`

	lot.CreatedAt = time.Now()
	lot.UpdatedAt = time.Now()

	_, err := r.db.NamedExecContext(ctx, query, lot)
	if err != nil {
		r.logger.Error("Failed to create parking lot", "lot_id", lot.ID, "error", err)
		return fmt.Errorf("failed to create parking lot: %w", err)
	}

	r.logger.Info("Parking lot created", "lot_id", lot.ID, "capacity", lot.Capacity)
	return nil
}

// GetByID retrieves a parking lot by ID
func (r *LotRepository) GetByID(ctx context.Context, id string) (*ParkingLot, error) {
	query := `SELECT * FROM parking_lots WHERE id = $1`

	var lot ParkingLot
	err := r.db.GetContext(ctx, &lot, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("parking lot %s: %w", id, ErrNotFound)
		}
		r.logger.Error("Failed to get parking lot", "lot_id", id, "error", err)
		return nil, fmt.Errorf("failed to get parking lot: %w", err)
	}

	return &lot, nil
}

// List retrieves all parking lots
func (r *LotRepository) List(ctx context.Context) ([]*ParkingLot, error) {
	query := `SELECT * FROM parking_lots ORDER BY id`

	var lots []*ParkingLot
	err := r.db.SelectContext(ctx, &lots, query)
	if err != nil {
		r.logger.Error("Failed to list parking lots", "error", err)
		return nil, fmt.Errorf("failed to list parking lots: %w", err)
	}

	return lots, nil
}

// AdjustOccupancy applies a signed occupancy delta. The WHERE guard keeps
// the stored value inside [0, capacity] even against out-of-band writers;
// a zero-row result is reported as ErrOccupancyConflict so the caller can
// translate it into the precise bound violation.
func (r *LotRepository) AdjustOccupancy(ctx context.Context, id string, delta int) (int, error) {
	query := `
		UPDATE parking_lots SET
			current_occupancy = current_occupancy + $2,
			updated_at = NOW()
		WHERE id = $1
		AND current_occupancy + $2 >= 0
		AND current_occupancy + $2 <= capacity
		RETURNING current_occupancy`

	var occupancy int
	err := r.db.GetContext(ctx, &occupancy, query, id, delta)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrOccupancyConflict
		}
		r.logger.Error("Failed to adjust occupancy", "lot_id", id, "delta", delta, "error", err)
		return 0, fmt.Errorf("failed to adjust occupancy: %w", err)
	}

	return occupancy, nil
}

// SetStatus updates a lot's operational status
func (r *LotRepository) SetStatus(ctx context.Context, id, status string) error {
	query := `
		UPDATE parking_lots SET
			status = $2,
			updated_at = NOW()
		WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id, status)
	if err != nil {
		r.logger.Error("Failed to set lot status", "lot_id", id, "status", status, "error", err)
		return fmt.Errorf("failed to set lot status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("parking lot %s: %w", id, ErrNotFound)
	}

	r.logger.Info("Lot status updated", "lot_id", id, "status", status)
	return nil
}
