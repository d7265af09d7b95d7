package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/civic-park/revenue-core/internal/config"
	"github.com/civic-park/revenue-core/internal/database"
)

// EscalationMessage is published when a fraud case escalates.
type EscalationMessage struct {
	AlertID           string    `json:"alert_id"`
	SourceEventID     string    `json:"source_event_id"`
	LotID             string    `json:"lot_id"`
	VehicleIdentifier string    `json:"vehicle_identifier"`
	Severity          string    `json:"severity"`
	Description       string    `json:"description"`
	EscalatedAt       time.Time `json:"escalated_at"`
}

// Producer publishes escalation events for downstream consumers.
type Producer struct {
	logger *slog.Logger
	writer *kafka.Writer
	topic  string
}

// NewProducer creates a writer for the escalation topic
func NewProducer(cfg config.KafkaConfig, logger *slog.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topics.AlertEscalated,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}

	return &Producer{
		logger: logger,
		writer: writer,
		topic:  cfg.Topics.AlertEscalated,
	}
}

// PublishEscalation publishes an escalated alert, keyed by lot so a
// lot's escalations stay ordered.
func (p *Producer) PublishEscalation(ctx context.Context, alert *database.FraudAlert) error {
	msg := EscalationMessage{
		AlertID:           alert.ID,
		SourceEventID:     alert.SourceEventID,
		LotID:             alert.LotID,
		VehicleIdentifier: alert.VehicleIdentifier,
		Severity:          alert.Severity,
		Description:       alert.Description,
		EscalatedAt:       time.Now().UTC(),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode escalation message: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(alert.LotID),
		Value: payload,
	})
	if err != nil {
		p.logger.Error("Failed to publish escalation",
			"alert_id", alert.ID, "topic", p.topic, "error", err)
		return fmt.Errorf("failed to publish escalation: %w", err)
	}

	p.logger.Debug("Escalation published", "alert_id", alert.ID, "topic", p.topic)
	return nil
}

// Close flushes and closes the writer
func (p *Producer) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}
