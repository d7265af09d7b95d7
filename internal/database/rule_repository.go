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

// RuleRepository handles surge pricing rule data operations
type RuleRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewRuleRepository creates a new rule repository
func NewRuleRepository(db *sqlx.DB, logger *slog.Logger) *RuleRepository {
	return &RuleRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Create creates a new surge pricing rule
func (r *RuleRepository) Create(ctx context.Context, rule *SurgeRule) error {
	query := `
		INSERT INTO surge_pricing_rules (
			id, lot_id, min_occupancy_percent, max_occupancy_percent,
			multiplier, active, created_at, updated_at
		) VALUES (
			:id, :lot_id, :min_occupancy_percent, :max_occupancy_percent,
			:multiplier, :active, :created_at, :updated_at
		)`

	rule.CreatedAt = time.Now()
	rule.UpdatedAt = time.Now()

	_, err := r.db.NamedExecContext(ctx, query, rule)
	if err != nil {
		r.logger.Error("Failed to create surge rule", "rule_id", rule.ID, "error", err)
		return fmt.Errorf("failed to create surge rule: %w", err)
	}

	r.logger.Info("Surge rule created",
		"rule_id", rule.ID,
		"multiplier", rule.Multiplier,
		"min_percent", rule.MinOccupancyPercent,
		"max_percent", rule.MaxOccupancyPercent)
	return nil
}

// GetByID retrieves a surge rule by ID
func (r *RuleRepository) GetByID(ctx context.Context, id string) (*SurgeRule, error) {
	query := `SELECT * FROM surge_pricing_rules WHERE id = $1`

	var rule SurgeRule
	err := r.db.GetContext(ctx, &rule, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("surge rule %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get surge rule: %w", err)
	}

	return &rule, nil
}

// ListActiveForLot retrieves active rules applicable to a lot: the lot's
// own rules plus global rules (lot_id IS NULL).
func (r *RuleRepository) ListActiveForLot(ctx context.Context, lotID string) ([]*SurgeRule, error) {
	query := `
		SELECT * FROM surge_pricing_rules
		WHERE active = true
		AND (lot_id = $1 OR lot_id IS NULL)
		ORDER BY created_at`

	var rules []*SurgeRule
	err := r.db.SelectContext(ctx, &rules, query, lotID)
	if err != nil {
		r.logger.Error("Failed to list active rules", "lot_id", lotID, "error", err)
		return nil, fmt.Errorf("failed to list active rules: %w", err)
	}

	return rules, nil
}

// List retrieves all surge rules
func (r *RuleRepository) List(ctx context.Context) ([]*SurgeRule, error) {
	query := `SELECT * FROM surge_pricing_rules ORDER BY created_at`

	var rules []*SurgeRule
	err := r.db.SelectContext(ctx, &rules, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list surge rules: %w", err)
	}

	return rules, nil
}

// SetActive toggles a rule on or off
func (r *RuleRepository) SetActive(ctx context.Context, id string, active bool) error {
	query := `
		UPDATE surge_pricing_rules SET
			active = $2,
			updated_at = NOW()
		WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id, active)
	if err != nil {
		return fmt.Errorf("failed to toggle surge rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("surge rule %s: %w", id, ErrNotFound)
	}

	r.logger.Info("Surge rule toggled", "rule_id", id, "active", active)
	return nil
}
