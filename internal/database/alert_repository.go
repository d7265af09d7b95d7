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

// AlertRepository handles fraud alert persistence
type AlertRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewAlertRepository creates a new alert repository
func NewAlertRepository(db *sqlx.DB, logger *slog.Logger) *AlertRepository {
	return &AlertRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Create persists an alert. A replayed escalation reuses the same alert ID,
// so the conflict clause makes the write idempotent.
func (r *AlertRepository) Create(ctx context.Context, alert *FraudAlert) error {
	query := `
		INSERT INTO fraud_alerts (
			id, source_event_id, lot_id, vehicle_identifier, severity,
			status, description, metadata, created_at, updated_at
		) VALUES (
			:id, :source_event_id, :lot_id, :vehicle_identifier, :severity,
			:status, :description, :metadata, :created_at, :updated_at
		)
		ON CONFLICT (id) DO NOTHING`

	now := time.Now()
	alert.CreatedAt = now
	alert.UpdatedAt = now
	if alert.Status == "" {
		alert.Status = AlertStatusNew
	}

	_, err := r.db.NamedExecContext(ctx, query, alert)
	if err != nil {
		r.logger.Error("Failed to create alert", "alert_id", alert.ID, "error", err)
		return fmt.Errorf("failed to create alert: %w", err)
	}

	return nil
}

// GetByID retrieves an alert by ID
func (r *AlertRepository) GetByID(ctx context.Context, id string) (*FraudAlert, error) {
	query := `SELECT * FROM fraud_alerts WHERE id = $1`

	var alert FraudAlert
	err := r.db.GetContext(ctx, &alert, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}

	return &alert, nil
}

// List retrieves alerts with optional filtering
func (r *AlertRepository) List(ctx context.Context, filter AlertFilter) ([]*FraudAlert, error) {
	query := `SELECT * FROM fraud_alerts WHERE 1=1`
	args := map[string]interface{}{}

	if filter.LotID != "" {
		query += ` AND lot_id = :lot_id`
		args["lot_id"] = filter.LotID
	}
	if filter.Severity != "" {
		query += ` AND severity = :severity`
		args["severity"] = filter.Severity
	}
	if filter.Status != "" {
		query += ` AND status = :status`
		args["status"] = filter.Status
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= :since`
		args["since"] = filter.Since
	}

	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += ` LIMIT :limit`
	args["limit"] = limit

	rows, err := r.db.NamedQueryContext(ctx, query, args)
	if err != nil {
		r.logger.Error("Failed to list alerts", "error", err)
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*FraudAlert
	for rows.Next() {
		var alert FraudAlert
		if err := rows.StructScan(&alert); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, &alert)
	}

	return alerts, rows.Err()
}

// Acknowledge marks a new alert as under investigation
func (r *AlertRepository) Acknowledge(ctx context.Context, id, acknowledgedBy string) error {
	query := `
		UPDATE fraud_alerts SET
			status = $2,
			acknowledged_by = $3,
			acknowledged_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND status = $4`

	result, err := r.db.ExecContext(ctx, query, id, AlertStatusInvestigating, acknowledgedBy, AlertStatusNew)
	if err != nil {
		r.logger.Error("Failed to acknowledge alert", "alert_id", id, "error", err)
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("alert %s not found or not in new status: %w", id, ErrNotFound)
	}

	return nil
}

// Resolve closes an acknowledged alert
func (r *AlertRepository) Resolve(ctx context.Context, id, resolvedBy, resolution string) error {
	query := `
		UPDATE fraud_alerts SET
			status = $2,
			resolved_by = $3,
			resolution = $4,
			resolved_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND status = $5`

	result, err := r.db.ExecContext(ctx, query, id, AlertStatusResolved, resolvedBy, resolution, AlertStatusInvestigating)
	if err != nil {
		r.logger.Error("Failed to resolve alert", "alert_id", id, "error", err)
		return fmt.Errorf("failed to resolve alert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("alert %s not found or not investigating: %w", id, ErrNotFound)
	}

	return nil
}

// GetStats returns aggregate alert counts for dashboards
func (r *AlertRepository) GetStats(ctx context.Context) (*AlertStats, error) {
	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = $1) AS new,
			COUNT(*) FILTER (WHERE status = $2) AS investigating,
			COUNT(*) FILTER (WHERE status = $3) AS resolved,
			COUNT(*) FILTER (WHERE severity = $4) AS critical
		FROM fraud_alerts`

	var stats AlertStats
	err := r.db.GetContext(ctx, &stats, query,
		AlertStatusNew, AlertStatusInvestigating, AlertStatusResolved, SeverityCritical)
	if err != nil {
		return nil, fmt.Errorf("failed to get alert stats: %w", err)
	}

	return &stats, nil
}

// Cleanup deletes resolved alerts past the retention window
func (r *AlertRepository) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	query := `
		DELETE FROM fraud_alerts
		WHERE status = $1 AND resolved_at < $2`

	cutoff := time.Now().Add(-retention)

	result, err := r.db.ExecContext(ctx, query, AlertStatusResolved, cutoff)
	if err != nil {
		r.logger.Error("Failed to cleanup alerts", "error", err)
		return 0, fmt.Errorf("failed to cleanup alerts: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected > 0 {
		r.logger.Info("Alerts cleaned up", "deleted_count", rowsAffected)
	}
	return int(rowsAffected), nil
}
