package notification

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/twilio/twilio-go"
	v2010 "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/civic-park/revenue-core/internal/config"
	"github.com/civic-park/revenue-core/internal/database"
)

// EmailClient delivers alert emails via SendGrid
type EmailClient struct {
	config config.EmailConfig
	logger *slog.Logger
	client *sendgrid.Client
}

// NewEmailClient creates a new email client
func NewEmailClient(cfg config.EmailConfig, logger *slog.Logger) *EmailClient {
	return &EmailClient{
		config: cfg,
		logger: logger,
		client: sendgrid.NewSendClient(cfg.SendGridAPIKey),
	}
}

// Send emails the alert to every configured recipient
func (c *EmailClient) Send(ctx context.Context, alert *database.FraudAlert) error {
	from := mail.NewEmail(c.config.FromName, c.config.FromAddress)
	subject := fmt.Sprintf("[%s] Possible fee evasion at lot %s", alert.Severity, alert.LotID)
	body := alertBody(alert)

	for _, recipient := range c.config.Recipients {
		to := mail.NewEmail("", recipient)
		message := mail.NewSingleEmail(from, subject, to, body, "<pre>"+body+"</pre>")

		response, err := c.client.SendWithContext(ctx, message)
		if err != nil {
			return fmt.Errorf("failed to send email to %s: %w", recipient, err)
		}
		if response.StatusCode >= 400 {
			return fmt.Errorf("sendgrid returned status %d for %s", response.StatusCode, recipient)
		}

		c.logger.Debug("Alert email sent", "alert_id", alert.ID, "recipient", recipient)
	}

	return nil
}

// SMSClient delivers alert texts via Twilio
type SMSClient struct {
	config config.SMSConfig
	logger *slog.Logger
	client *twilio.RestClient
}

// NewSMSClient creates a new SMS client
func NewSMSClient(cfg config.SMSConfig, logger *slog.Logger) *SMSClient {
	return &SMSClient{
		config: cfg,
		logger: logger,
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.TwilioSID,
			Password: cfg.TwilioToken,
		}),
	}
}

// Send texts the alert to every configured recipient
func (c *SMSClient) Send(_ context.Context, alert *database.FraudAlert) error {
	body := fmt.Sprintf("%s fraud alert: vehicle %s at lot %s, no payment within grace window (alert %s)",
		alert.Severity, alert.VehicleIdentifier, alert.LotID, alert.ID)

	for _, recipient := range c.config.Recipients {
		params := &v2010.CreateMessageParams{}
		params.SetTo(recipient)
		params.SetFrom(c.config.FromNumber)
		params.SetBody(body)

		resp, err := c.client.Api.CreateMessage(params)
		if err != nil {
			return fmt.Errorf("failed to send SMS to %s: %w", recipient, err)
		}

		c.logger.Debug("Alert SMS sent", "alert_id", alert.ID, "recipient", recipient, "sid", resp.Sid)
	}

	return nil
}

// WebhookClient posts alerts to an external endpoint
type WebhookClient struct {
	config config.WebhookConfig
	logger *slog.Logger
	client *resty.Client
}

// NewWebhookClient creates a new webhook client
func NewWebhookClient(cfg config.WebhookConfig, logger *slog.Logger) *WebhookClient {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(0) // the manager owns retries

	return &WebhookClient{
		config: cfg,
		logger: logger,
		client: client,
	}
}

// Send posts the alert as JSON
func (c *WebhookClient) Send(ctx context.Context, alert *database.FraudAlert) error {
	req := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(alert)

	for key, value := range c.config.Headers {
		req.SetHeader(key, value)
	}

	resp, err := req.Post(c.config.URL)
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode())
	}

	c.logger.Debug("Alert webhook delivered", "alert_id", alert.ID, "status", resp.StatusCode())
	return nil
}

func alertBody(alert *database.FraudAlert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Alert %s (%s)\n\n", alert.ID, alert.Severity)
	fmt.Fprintf(&b, "Lot: %s\nVehicle: %s\n\n", alert.LotID, alert.VehicleIdentifier)
	fmt.Fprintf(&b, "%s\n", alert.Description)
	if opened, ok := alert.Metadata["opened_at"].(string); ok {
		fmt.Fprintf(&b, "\nEntry observed: %s", opened)
	}
	if deadline, ok := alert.Metadata["deadline_at"].(string); ok {
		fmt.Fprintf(&b, "\nGrace window expired: %s", deadline)
	}
	return b.String()
}
