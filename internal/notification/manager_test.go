package notification

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civic-park/revenue-core/internal/config"
	"github.com/civic-park/revenue-core/internal/database"
)

type stubSender struct {
	mu       sync.Mutex
	attempts int
	failures int
	sent     []*database.FraudAlert
}

func (s *stubSender) Send(_ context.Context, alert *database.FraudAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failures > 0 {
		s.failures--
		return errors.New("delivery refused")
	}
	s.sent = append(s.sent, alert)
	return nil
}

func (s *stubSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *stubSender) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(config.NotificationsConfig{
		QueueSize:   16,
		WorkerCount: 2,
		MaxRetries:  2,
		RetryDelay:  time.Millisecond,
	}, nil, slog.Default())
	return m
}

func testAlert(id string) *database.FraudAlert {
	return &database.FraudAlert{
		ID:                id,
		SourceEventID:     "evt-" + id,
		LotID:             "lot-1",
		VehicleIdentifier: "ABC-123",
		Severity:          database.SeverityCritical,
		Status:            database.AlertStatusNew,
	}
}

func TestChannelRegistration(t *testing.T) {
	t.Run("disabled channel stays out despite credentials", func(t *testing.T) {
		m := NewManager(config.NotificationsConfig{
			QueueSize: 4,
			Webhook:   config.WebhookConfig{Enabled: false, URL: "https://hooks.example.com/alerts"},
			Email: config.EmailConfig{
				Enabled:        false,
				SendGridAPIKey: "SG.test",
				Recipients:     []string{"ops@example.com"},
			},
		}, nil, slog.Default())

		assert.Empty(t, m.EnabledChannels())
	})

	t.Run("enabled webhook registers", func(t *testing.T) {
		m := NewManager(config.NotificationsConfig{
			QueueSize: 4,
			Webhook:   config.WebhookConfig{Enabled: true, URL: "https://hooks.example.com/alerts"},
		}, nil, slog.Default())

		assert.Equal(t, []string{ChannelWebhook}, m.EnabledChannels())
	})

	t.Run("enabled channel without credentials stays out", func(t *testing.T) {
		m := NewManager(config.NotificationsConfig{
			QueueSize: 4,
			SMS:       config.SMSConfig{Enabled: true},
		}, nil, slog.Default())

		assert.Empty(t, m.EnabledChannels())
	})
}

func TestDispatch(t *testing.T) {
	t.Run("fans out to every registered channel", func(t *testing.T) {
		m := newTestManager(t)
		email := &stubSender{}
		sms := &stubSender{}
		m.RegisterSender(ChannelEmail, email, 600)
		m.RegisterSender(ChannelSMS, sms, 600)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		m.Start(ctx)
		defer m.Stop()

		require.NoError(t, m.Dispatch(ctx, testAlert("a-1")))

		require.Eventually(t, func() bool {
			return email.sentCount() == 1 && sms.sentCount() == 1
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("no channels configured is not an error", func(t *testing.T) {
		m := newTestManager(t)

		err := m.Dispatch(context.Background(), testAlert("a-1"))
		assert.NoError(t, err)
	})

	t.Run("transient failure retries to success", func(t *testing.T) {
		m := newTestManager(t)
		sender := &stubSender{failures: 1}
		m.RegisterSender(ChannelWebhook, sender, 600)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		m.Start(ctx)
		defer m.Stop()

		require.NoError(t, m.Dispatch(ctx, testAlert("a-1")))

		require.Eventually(t, func() bool {
			return sender.sentCount() == 1
		}, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, 2, sender.attemptCount())
	})

	t.Run("persistent failure stops at the retry budget", func(t *testing.T) {
		m := newTestManager(t)
		sender := &stubSender{failures: 100}
		m.RegisterSender(ChannelWebhook, sender, 600)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		m.Start(ctx)
		defer m.Stop()

		require.NoError(t, m.Dispatch(ctx, testAlert("a-1")))

		// Initial attempt plus MaxRetries, then the delivery is dropped.
		require.Eventually(t, func() bool {
			return sender.attemptCount() == 3
		}, 2*time.Second, 10*time.Millisecond)

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 3, sender.attemptCount())
		assert.Zero(t, sender.sentCount())
	})
}
