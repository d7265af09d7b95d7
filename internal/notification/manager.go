package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/civic-park/revenue-core/internal/config"
	"github.com/civic-park/revenue-core/internal/database"
	"github.com/civic-park/revenue-core/internal/metrics"
)

// ErrQueueFull is returned when the delivery queue cannot accept more work.
var ErrQueueFull = errors.New("notification queue full")

// Channel names used in logs and metrics.
const (
	ChannelEmail   = "email"
	ChannelSMS     = "sms"
	ChannelWebhook = "webhook"
)

// Sender delivers an alert over one channel.
type Sender interface {
	Send(ctx context.Context, alert *database.FraudAlert) error
}

type delivery struct {
	alert      *database.FraudAlert
	channel    string
	retryCount int
}

// Manager fans alerts out to the enabled channels through a bounded
// queue and a worker pool. Delivery failures retry with a delay up to
// the configured budget, then are dropped with a log and a metric.
// Failed delivery is operational noise, never a reason to re-alert.
type Manager struct {
	config   config.NotificationsConfig
	logger   *slog.Logger
	metrics  *metrics.Collector
	senders  map[string]Sender
	limiters map[string]*rate.Limiter
	queue    chan *delivery
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a notification manager. Channels that are disabled
// or missing configuration are left out of the fan-out.
func NewManager(cfg config.NotificationsConfig, collector *metrics.Collector, logger *slog.Logger) *Manager {
	m := &Manager{
		config:   cfg,
		logger:   logger,
		metrics:  collector,
		senders:  make(map[string]Sender),
		limiters: make(map[string]*rate.Limiter),
		queue:    make(chan *delivery, cfg.QueueSize),
		shutdown: make(chan struct{}),
	}

	if cfg.Email.Enabled && cfg.Email.SendGridAPIKey != "" && len(cfg.Email.Recipients) > 0 {
		m.register(ChannelEmail, NewEmailClient(cfg.Email, logger), cfg.Email.RateLimitPerMin)
	}
	if cfg.SMS.Enabled && cfg.SMS.TwilioSID != "" && len(cfg.SMS.Recipients) > 0 {
		m.register(ChannelSMS, NewSMSClient(cfg.SMS, logger), cfg.SMS.RateLimitPerMin)
	}
	if cfg.Webhook.Enabled && cfg.Webhook.URL != "" {
		m.register(ChannelWebhook, NewWebhookClient(cfg.Webhook, logger), cfg.Webhook.RateLimitPerMin)
	}

	return m
}

func (m *Manager) register(channel string, sender Sender, perMinute int) {
	m.senders[channel] = sender
	if perMinute <= 0 {
		perMinute = 60
	}
	m.limiters[channel] = rate.NewLimiter(rate.Limit(float64(perMinute)/60), perMinute)
}

// RegisterSender installs a custom sender for a channel. Used by tests
// and deployments with bespoke channels.
func (m *Manager) RegisterSender(channel string, sender Sender, perMinute int) {
	m.register(channel, sender, perMinute)
}

// Start launches the delivery workers
func (m *Manager) Start(ctx context.Context) {
	workers := m.config.WorkerCount
	if workers <= 0 {
		workers = 2
	}
	m.logger.Info("Starting notification manager",
		"workers", workers, "channels", m.EnabledChannels())

	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx, i)
	}
}

// Stop drains the workers
func (m *Manager) Stop() {
	m.logger.Info("Stopping notification manager")
	close(m.shutdown)
	m.wg.Wait()
	m.logger.Info("Notification manager stopped")
}

// Dispatch queues an alert for every enabled channel. It satisfies the
// fraud engine's Dispatcher contract: an error here means nothing was
// queued at all.
func (m *Manager) Dispatch(_ context.Context, alert *database.FraudAlert) error {
	if len(m.senders) == 0 {
		m.logger.Warn("No notification channels configured, alert not dispatched", "alert_id", alert.ID)
		return nil
	}

	queued := 0
	for channel := range m.senders {
		select {
		case m.queue <- &delivery{alert: alert, channel: channel}:
			queued++
		default:
			m.logger.Error("Notification queue full, dropping delivery",
				"alert_id", alert.ID, "channel", channel)
			if m.metrics != nil {
				m.metrics.NotificationFailed(channel)
			}
		}
	}

	if queued == 0 {
		return fmt.Errorf("alert %s: %w", alert.ID, ErrQueueFull)
	}
	return nil
}

func (m *Manager) worker(ctx context.Context, workerID int) {
	defer m.wg.Done()

	m.logger.Debug("Notification worker started", "worker_id", workerID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdown:
			return
		case d := <-m.queue:
			m.deliver(ctx, d)
		}
	}
}

func (m *Manager) deliver(ctx context.Context, d *delivery) {
	limiter := m.limiters[d.channel]
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
	}

	sender, ok := m.senders[d.channel]
	if !ok {
		return
	}

	err := sender.Send(ctx, d.alert)
	if err == nil {
		m.logger.Info("Notification sent",
			"alert_id", d.alert.ID, "channel", d.channel)
		if m.metrics != nil {
			m.metrics.NotificationSent(d.channel)
		}
		return
	}

	m.logger.Error("Failed to send notification",
		"alert_id", d.alert.ID,
		"channel", d.channel,
		"retry_count", d.retryCount,
		"error", err)

	if d.retryCount >= m.config.MaxRetries {
		m.logger.Error("Notification delivery abandoned",
			"alert_id", d.alert.ID, "channel", d.channel)
		if m.metrics != nil {
			m.metrics.NotificationFailed(d.channel)
		}
		return
	}

	d.retryCount++
	go func() {
		select {
		case <-time.After(m.retryDelay(d.retryCount)):
		case <-m.shutdown:
			return
		}
		select {
		case m.queue <- d:
		case <-m.shutdown:
		}
	}()
}

func (m *Manager) retryDelay(retryCount int) time.Duration {
	delay := m.config.RetryDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	// Exponential backoff capped at five minutes.
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay > 5*time.Minute {
			return 5 * time.Minute
		}
	}
	return delay
}

// EnabledChannels lists the channels the manager will fan out to.
func (m *Manager) EnabledChannels() []string {
	channels := make([]string, 0, len(m.senders))
	for channel := range m.senders {
		channels = append(channels, channel)
	}
	return channels
}
