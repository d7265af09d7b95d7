package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/civic-park/revenue-core/internal/config"
	"github.com/civic-park/revenue-core/internal/database"
	"github.com/civic-park/revenue-core/internal/fraud"
	"github.com/civic-park/revenue-core/internal/ledger"
	"github.com/civic-park/revenue-core/internal/metrics"
)

// SensorEventMessage is the wire shape on the sensor-events topic.
type SensorEventMessage struct {
	ID                string    `json:"id"`
	LotID             string    `json:"lot_id"`
	EventType         string    `json:"event_type"`
	VehicleIdentifier string    `json:"vehicle_identifier"`
	HasPayment        bool      `json:"has_payment"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// TransactionMessage is the wire shape on the transactions topic.
type TransactionMessage struct {
	ID            string     `json:"id"`
	LotID         string     `json:"lot_id"`
	VehicleNumber string     `json:"vehicle_number"`
	Amount        int64      `json:"amount"`
	PaymentMethod string     `json:"payment_method"`
	Status        string     `json:"status"`
	EntryTime     *time.Time `json:"entry_time,omitempty"`
	ExitTime      *time.Time `json:"exit_time,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

// Consumer reads sensor events and payment transactions and feeds them
// into the ledger and the fraud engine.
type Consumer struct {
	config      config.KafkaConfig
	logger      *slog.Logger
	eventReader *kafka.Reader
	txnReader   *kafka.Reader
	ledger      *ledger.Ledger
	engine      *fraud.Engine
	events      *database.EventRepository
	metrics     *metrics.Collector
	group       errgroup.Group
}

// NewConsumer creates readers for both input topics
func NewConsumer(
	cfg config.KafkaConfig,
	occupancy *ledger.Ledger,
	engine *fraud.Engine,
	events *database.EventRepository,
	collector *metrics.Collector,
	logger *slog.Logger,
) *Consumer {
	newReader := func(topic string) *kafka.Reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			GroupID:        cfg.GroupID,
			Topic:          topic,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: time.Second,
			StartOffset:    kafka.LastOffset,
		})
	}

	return &Consumer{
		config:      cfg,
		logger:      logger,
		eventReader: newReader(cfg.Topics.SensorEvents),
		txnReader:   newReader(cfg.Topics.Transactions),
		ledger:      occupancy,
		engine:      engine,
		events:      events,
		metrics:     collector,
	}
}

// Start launches one consume loop per topic
func (c *Consumer) Start(ctx context.Context) {
	c.logger.Info("Starting Kafka consumer",
		"brokers", c.config.Brokers,
		"group_id", c.config.GroupID)

	c.group.Go(func() error {
		c.consumeSensorEvents(ctx)
		return nil
	})
	c.group.Go(func() error {
		c.consumeTransactions(ctx)
		return nil
	})
}

// Stop closes the readers and waits for the loops to drain
func (c *Consumer) Stop() {
	c.logger.Info("Stopping Kafka consumer")
	if err := c.eventReader.Close(); err != nil {
		c.logger.Error("Failed to close sensor event reader", "error", err)
	}
	if err := c.txnReader.Close(); err != nil {
		c.logger.Error("Failed to close transaction reader", "error", err)
	}
	_ = c.group.Wait()
	c.logger.Info("Kafka consumer stopped")
}

func (c *Consumer) consumeSensorEvents(ctx context.Context) {
	topic := c.config.Topics.SensorEvents
	for {
		msg, err := c.eventReader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Error("Failed to read sensor event message", "error", err)
			continue
		}

		if err := c.handleSensorEvent(ctx, msg.Value); err != nil {
			c.logger.Error("Failed to process sensor event",
				"offset", msg.Offset, "error", err)
			if c.metrics != nil {
				c.metrics.EventProcessed(topic, "error")
			}
			continue
		}
		if c.metrics != nil {
			c.metrics.EventProcessed(topic, "ok")
		}
	}
}

func (c *Consumer) handleSensorEvent(ctx context.Context, payload []byte) error {
	var msg SensorEventMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("failed to decode sensor event: %w", err)
	}

	event := &database.SensorEvent{
		ID:                msg.ID,
		LotID:             msg.LotID,
		EventType:         msg.EventType,
		VehicleIdentifier: msg.VehicleIdentifier,
		HasPayment:        msg.HasPayment,
		OccurredAt:        msg.OccurredAt,
	}

	if _, err := c.ledger.RecordEvent(ctx, event); err != nil {
		// Bound violations must not stall the topic.
		if errors.Is(err, ledger.ErrCapacityExceeded) ||
			errors.Is(err, ledger.ErrNegativeOccupancy) ||
			errors.Is(err, ledger.ErrLotUnavailable) {
			c.logger.Warn("Occupancy delta rejected",
				"event_id", event.ID, "lot_id", event.LotID, "error", err)
			if c.metrics != nil {
				c.metrics.DeltaRejected(event.LotID, rejectionReason(err))
			}
		} else {
			return err
		}
	} else if c.metrics != nil {
		c.metrics.DeltaAccepted(event.LotID)
	}

	if err := c.engine.HandleSensorEvent(ctx, event); err != nil {
		return fmt.Errorf("fraud intake failed: %w", err)
	}
	return nil
}

func (c *Consumer) consumeTransactions(ctx context.Context) {
	topic := c.config.Topics.Transactions
	for {
		msg, err := c.txnReader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Error("Failed to read transaction message", "error", err)
			continue
		}

		if err := c.handleTransaction(ctx, msg.Value); err != nil {
			c.logger.Error("Failed to process transaction",
				"offset", msg.Offset, "error", err)
			if c.metrics != nil {
				c.metrics.EventProcessed(topic, "error")
			}
			continue
		}
		if c.metrics != nil {
			c.metrics.EventProcessed(topic, "ok")
		}
	}
}

func (c *Consumer) handleTransaction(ctx context.Context, payload []byte) error {
	var msg TransactionMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("failed to decode transaction: %w", err)
	}

	txn := &database.Transaction{
		ID:            msg.ID,
		LotID:         msg.LotID,
		VehicleNumber: msg.VehicleNumber,
		Amount:        msg.Amount,
		PaymentMethod: msg.PaymentMethod,
		Status:        msg.Status,
		EntryTime:     msg.EntryTime,
		ExitTime:      msg.ExitTime,
		OccurredAt:    msg.OccurredAt,
	}

	if err := c.events.InsertTransaction(ctx, txn); err != nil {
		return err
	}

	if err := c.engine.HandleTransaction(ctx, txn); err != nil {
		return fmt.Errorf("fraud resolution failed: %w", err)
	}
	return nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ledger.ErrNegativeOccupancy):
		return "negative_occupancy"
	case errors.Is(err, ledger.ErrLotUnavailable):
		return "lot_unavailable"
	default:
		return "other"
	}
}
