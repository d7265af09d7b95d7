package database

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/civic-park/revenue-core/internal/config"
)

// Sentinel errors shared by all repositories.
var (
	ErrNotFound = errors.New("record not found")
	// ErrOccupancyConflict means a conditional occupancy update matched no
	// row because the bounds guard failed.
	ErrOccupancyConflict = errors.New("occupancy update rejected by bounds guard")
)

// Connect establishes a database connection
func Connect(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Name, cfg.SSLMode,
	)

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// RunMigrations runs database migrations
func RunMigrations(cfg config.DatabaseConfig) error {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Name, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(cfg.MigrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BaseRepository carries the shared database handle.
type BaseRepository struct {
	db *sqlx.DB
}

// Lot statuses.
const (
	LotStatusActive      = "active"
	LotStatusInactive    = "inactive"
	LotStatusMaintenance = "maintenance"
)

// ParkingLot represents a parking facility with live occupancy.
// currentOccupancy is mutated only through LotRepository.AdjustOccupancy.
type ParkingLot struct {
	ID               string    `db:"id" json:"id"`
	Name             string    `db:"name" json:"name"`
	Capacity         int       `db:"capacity" json:"capacity"`
	CurrentOccupancy int       `db:"current_occupancy" json:"current_occupancy"`
	HourlyRate       int64     `db:"hourly_rate" json:"hourly_rate"`
	Status           string    `db:"status" json:"status"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// SurgeRule represents a surge pricing band. A nil LotID means the rule
// applies to all lots.
type SurgeRule struct {
	ID                  string    `db:"id" json:"id"`
	LotID               *string   `db:"lot_id" json:"lot_id,omitempty"`
	MinOccupancyPercent float64   `db:"min_occupancy_percent" json:"min_occupancy_percent"`
	MaxOccupancyPercent float64   `db:"max_occupancy_percent" json:"max_occupancy_percent"`
	Multiplier          float64   `db:"multiplier" json:"multiplier"`
	Active              bool      `db:"active" json:"active"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
}

// Sensor event types.
const (
	EventTypeEntry = "entry"
	EventTypeExit  = "exit"
)

// SensorEvent is an append-only record of a gate sensor observation.
type SensorEvent struct {
	ID                string    `db:"id" json:"id"`
	LotID             string    `db:"lot_id" json:"lot_id"`
	EventType         string    `db:"event_type" json:"event_type"`
	VehicleIdentifier string    `db:"vehicle_identifier" json:"vehicle_identifier"`
	HasPayment        bool      `db:"has_payment" json:"has_payment"`
	OccurredAt        time.Time `db:"occurred_at" json:"occurred_at"`
	RecordedAt        time.Time `db:"recorded_at" json:"recorded_at"`
}

// Transaction statuses.
const (
	TxnStatusPending   = "pending"
	TxnStatusCompleted = "completed"
	TxnStatusFailed    = "failed"
)

// Transaction is an append-only money movement record written by the
// checkout/payment flows and read here to resolve fraud cases.
type Transaction struct {
	ID            string     `db:"id" json:"id"`
	LotID         string     `db:"lot_id" json:"lot_id"`
	VehicleNumber string     `db:"vehicle_number" json:"vehicle_number"`
	Amount        int64      `db:"amount" json:"amount"`
	PaymentMethod string     `db:"payment_method" json:"payment_method"`
	Status        string     `db:"status" json:"status"`
	EntryTime     *time.Time `db:"entry_time" json:"entry_time,omitempty"`
	ExitTime      *time.Time `db:"exit_time" json:"exit_time,omitempty"`
	OccurredAt    time.Time  `db:"occurred_at" json:"occurred_at"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// Fraud case statuses.
const (
	CaseStatusWatching  = "watching"
	CaseStatusResolved  = "resolved"
	CaseStatusEscalated = "escalated"
)

// FraudCase is the durable record of a pending fraud case, keyed by the
// sensor event that opened it.
type FraudCase struct {
	SourceEventID     string     `db:"source_event_id" json:"source_event_id"`
	LotID             string     `db:"lot_id" json:"lot_id"`
	VehicleIdentifier string     `db:"vehicle_identifier" json:"vehicle_identifier"`
	Status            string     `db:"status" json:"status"`
	OpenedAt          time.Time  `db:"opened_at" json:"opened_at"`
	DeadlineAt        time.Time  `db:"deadline_at" json:"deadline_at"`
	ResolvedByTxn     *string    `db:"resolved_by_txn" json:"resolved_by_txn,omitempty"`
	ResolvedAt        *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	LateTransactionID *string    `db:"late_transaction_id" json:"late_transaction_id,omitempty"`
	AlertID           *string    `db:"alert_id" json:"alert_id,omitempty"`
	DeliveryFailed    bool       `db:"delivery_failed" json:"delivery_failed"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// Alert severities and statuses.
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"

	AlertStatusNew           = "NEW"
	AlertStatusInvestigating = "INVESTIGATING"
	AlertStatusResolved      = "RESOLVED"
)

// FraudAlert is created exactly once per escalated case, or by the
// manual trigger endpoint.
type FraudAlert struct {
	ID                string     `db:"id" json:"id"`
	SourceEventID     string     `db:"source_event_id" json:"source_event_id"`
	LotID             string     `db:"lot_id" json:"lot_id"`
	VehicleIdentifier string     `db:"vehicle_identifier" json:"vehicle_identifier"`
	Severity          string     `db:"severity" json:"severity"`
	Status            string     `db:"status" json:"status"`
	Description       string     `db:"description" json:"description"`
	Metadata          JSONB      `db:"metadata" json:"metadata"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	AcknowledgedAt    *time.Time `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	AcknowledgedBy    *string    `db:"acknowledged_by" json:"acknowledged_by,omitempty"`
	ResolvedAt        *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolvedBy        *string    `db:"resolved_by" json:"resolved_by,omitempty"`
	Resolution        *string    `db:"resolution" json:"resolution,omitempty"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// AlertFilter narrows alert listings.
type AlertFilter struct {
	Status   string
	Severity string
	LotID    string
	Since    time.Time
	Limit    int
	Offset   int
}

// AlertStats summarizes alert counts for the metrics snapshot.
type AlertStats struct {
	Total         int `db:"total" json:"total"`
	New           int `db:"new" json:"new"`
	Investigating int `db:"investigating" json:"investigating"`
	Resolved      int `db:"resolved" json:"resolved"`
	Critical      int `db:"critical" json:"critical"`
}

// JSONB implements driver.Valuer and sql.Scanner for JSON columns.
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
}
