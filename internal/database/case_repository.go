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

// CaseRepository persists fraud cases so WATCHING cases survive restarts
// and terminal cases stay auditable.
type CaseRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewCaseRepository creates a new case repository
func NewCaseRepository(db *sqlx.DB, logger *slog.Logger) *CaseRepository {
	return &CaseRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Create persists a newly opened case
func (r *CaseRepository) Create(ctx context.Context, c *FraudCase) error {
	query := `
		INSERT INTO fraud_cases (
			source_event_id, lot_id, vehicle_identifier, status,
			opened_at, deadline_at, delivery_failed, updated_at
		) VALUES (
			:source_event_id, :lot_id, :vehicle_identifier, :status,
			:opened_at, :deadline_at, :delivery_failed, :updated_at
		)
		ON CONFLICT (source_event_id) DO NOTHING`

	c.UpdatedAt = time.Now()

	_, err := r.db.NamedExecContext(ctx, query, c)
	if err != nil {
		r.logger.Error("Failed to create fraud case", "source_event_id", c.SourceEventID, "error", err)
		return fmt.Errorf("failed to create fraud case: %w", err)
	}

	return nil
}

// Resolve transitions a WATCHING case to resolved. Returns false when
// the case was already terminal, which callers treat as losing the race.
func (r *CaseRepository) Resolve(ctx context.Context, sourceEventID, txnID string, resolvedAt time.Time) (bool, error) {
	query := `
		UPDATE fraud_cases SET
			status = $2,
			resolved_by_txn = $3,
			resolved_at = $4,
			updated_at = NOW()
		WHERE source_event_id = $1 AND status = $5`

	result, err := r.db.ExecContext(ctx, query, sourceEventID, CaseStatusResolved, txnID, resolvedAt, CaseStatusWatching)
	if err != nil {
		r.logger.Error("Failed to resolve fraud case", "source_event_id", sourceEventID, "error", err)
		return false, fmt.Errorf("failed to resolve fraud case: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// SetAlertID records the alert ID on a WATCHING case ahead of dispatch,
// so a crash mid-escalation replays with the same alert identity.
func (r *CaseRepository) SetAlertID(ctx context.Context, sourceEventID, alertID string) (bool, error) {
	query := `
		UPDATE fraud_cases SET
			alert_id = $2,
			updated_at = NOW()
		WHERE source_event_id = $1 AND status = $3 AND (alert_id IS NULL OR alert_id = $2)`

	result, err := r.db.ExecContext(ctx, query, sourceEventID, alertID, CaseStatusWatching)
	if err != nil {
		r.logger.Error("Failed to set alert id", "source_event_id", sourceEventID, "error", err)
		return false, fmt.Errorf("failed to set alert id: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// MarkEscalated transitions a WATCHING case to escalated
func (r *CaseRepository) MarkEscalated(ctx context.Context, sourceEventID string, deliveryFailed bool) (bool, error) {
	query := `
		UPDATE fraud_cases SET
			status = $2,
			delivery_failed = $3,
			updated_at = NOW()
		WHERE source_event_id = $1 AND status = $4`

	result, err := r.db.ExecContext(ctx, query, sourceEventID, CaseStatusEscalated, deliveryFailed, CaseStatusWatching)
	if err != nil {
		r.logger.Error("Failed to escalate fraud case", "source_event_id", sourceEventID, "error", err)
		return false, fmt.Errorf("failed to escalate fraud case: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// RecordLateTransaction attaches a transaction that arrived after its
// grace window to the oldest matching case for its key, for manual
// reconciliation. Cases past their deadline but not yet swept count:
// the sweep escalates them regardless, and the payment must not vanish
// in the gap.
func (r *CaseRepository) RecordLateTransaction(ctx context.Context, lotID, vehicleIdentifier, txnID string) (bool, error) {
	query := `
		UPDATE fraud_cases SET
			late_transaction_id = $3,
			updated_at = NOW()
		WHERE source_event_id = (
			SELECT source_event_id FROM fraud_cases
			WHERE lot_id = $1 AND vehicle_identifier = $2
			AND late_transaction_id IS NULL
			AND (status = $4 OR (status = $5 AND deadline_at < NOW()))
			ORDER BY opened_at ASC
			LIMIT 1
		)`

	result, err := r.db.ExecContext(ctx, query, lotID, vehicleIdentifier, txnID, CaseStatusEscalated, CaseStatusWatching)
	if err != nil {
		r.logger.Error("Failed to record late transaction", "lot_id", lotID, "transaction_id", txnID, "error", err)
		return false, fmt.Errorf("failed to record late transaction: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// GetByID retrieves a case by its source event ID
func (r *CaseRepository) GetByID(ctx context.Context, sourceEventID string) (*FraudCase, error) {
	query := `SELECT * FROM fraud_cases WHERE source_event_id = $1`

	var c FraudCase
	err := r.db.GetContext(ctx, &c, query, sourceEventID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("fraud case %s: %w", sourceEventID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get fraud case: %w", err)
	}

	return &c, nil
}

// ListWatching retrieves all open cases, oldest first, so the engine can
// rebuild its in-memory index on startup.
func (r *CaseRepository) ListWatching(ctx context.Context) ([]*FraudCase, error) {
	query := `
		SELECT * FROM fraud_cases
		WHERE status = $1
		ORDER BY opened_at ASC`

	var cases []*FraudCase
	err := r.db.SelectContext(ctx, &cases, query, CaseStatusWatching)
	if err != nil {
		r.logger.Error("Failed to list watching cases", "error", err)
		return nil, fmt.Errorf("failed to list watching cases: %w", err)
	}

	return cases, nil
}

// ListByStatus retrieves cases by status with a limit
func (r *CaseRepository) ListByStatus(ctx context.Context, status string, limit int) ([]*FraudCase, error) {
	query := `
		SELECT * FROM fraud_cases
		WHERE status = $1
		ORDER BY opened_at DESC
		LIMIT $2`

	var cases []*FraudCase
	err := r.db.SelectContext(ctx, &cases, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cases by status: %w", err)
	}

	return cases, nil
}

// ListReconciliation retrieves escalated cases that later saw a matching
// transaction, for manual review.
func (r *CaseRepository) ListReconciliation(ctx context.Context, limit int) ([]*FraudCase, error) {
	query := `
		SELECT * FROM fraud_cases
		WHERE status = $1
		AND late_transaction_id IS NOT NULL
		ORDER BY updated_at DESC
		LIMIT $2`

	var cases []*FraudCase
	err := r.db.SelectContext(ctx, &cases, query, CaseStatusEscalated, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconciliation cases: %w", err)
	}

	return cases, nil
}

// Cleanup deletes terminal cases past the retention window
func (r *CaseRepository) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	query := `
		DELETE FROM fraud_cases
		WHERE status IN ($1, $2)
		AND updated_at < $3`

	cutoff := time.Now().Add(-retention)

	result, err := r.db.ExecContext(ctx, query, CaseStatusResolved, CaseStatusEscalated, cutoff)
	if err != nil {
		r.logger.Error("Failed to cleanup fraud cases", "error", err)
		return 0, fmt.Errorf("failed to cleanup fraud cases: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected > 0 {
		r.logger.Info("Fraud cases cleaned up", "deleted_count", rowsAffected)
	}
	return int(rowsAffected), nil
}
