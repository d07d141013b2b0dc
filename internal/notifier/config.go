// Package notifier sends a best-effort operator alert (email and/or
// webhook) the first time a listener hits an error within its current
// run, so an operator learns about a stuck client without having to poll
// status. It never affects Supervisor retry decisions — delivery failures
// here are only logged.
package notifier

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/flashcdc/cdc-ingestor/internal/db"
	"github.com/flashcdc/cdc-ingestor/internal/repository"
)

// Setting keys used by the alert channels, namespaced under "alert." to
// avoid collisions with any other settings namespace.
const (
	KeyAlertEmailTo  = "alert.email.to" // comma-separated recipient list
	KeySMTPHost      = "alert.smtp.host"
	KeySMTPPort      = "alert.smtp.port"
	KeySMTPUsername  = "alert.smtp.username"
	KeySMTPPassword  = "alert.smtp.password" // stored encrypted
	KeySMTPFrom      = "alert.smtp.from"
	KeySMTPTLS       = "alert.smtp.tls" // "true" or "false"

	KeyWebhookURL     = "alert.webhook.url"
	KeyWebhookSecret  = "alert.webhook.secret" // HMAC secret, stored encrypted
	KeyWebhookEnabled = "alert.webhook.enabled"
)

// SMTPConfig holds the configuration needed to send alert emails via SMTP.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	TLS      bool
}

// WebhookConfig holds the configuration for the outbound alert webhook.
type WebhookConfig struct {
	URL     string
	Secret  string
	Enabled bool
}

func loadSMTPConfig(ctx context.Context, repo repository.SettingsRepository) (*SMTPConfig, error) {
	settings, err := repo.GetMany(ctx, "alert.smtp.")
	if err != nil {
		return nil, fmt.Errorf("notifier: loading smtp settings: %w", err)
	}
	if len(settings) == 0 {
		// No database-managed channel settings: fall back to the
		// environment so a bare deployment can still alert.
		return envSMTPConfig()
	}
	idx := settingsIndex(settings)

	host := idx[KeySMTPHost]
	if host == "" {
		return nil, fmt.Errorf("%w: alert.smtp.host is required", ErrInvalidConfig)
	}

	portStr := idx[KeySMTPPort]
	if portStr == "" {
		return nil, fmt.Errorf("%w: alert.smtp.port is required", ErrInvalidConfig)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: alert.smtp.port must be a valid port number", ErrInvalidConfig)
	}

	from := idx[KeySMTPFrom]
	if from == "" {
		return nil, fmt.Errorf("%w: alert.smtp.from is required", ErrInvalidConfig)
	}

	toSetting, err := repo.Get(ctx, KeyAlertEmailTo)
	if err != nil {
		return nil, fmt.Errorf("%w: alert.email.to is required", ErrInvalidConfig)
	}
	var to []string
	for _, addr := range strings.Split(string(toSetting.Value), ",") {
		addr = strings.TrimSpace(addr)
		if addr != "" {
			to = append(to, addr)
		}
	}
	if len(to) == 0 {
		return nil, fmt.Errorf("%w: alert.email.to has no valid addresses", ErrInvalidConfig)
	}

	return &SMTPConfig{
		Host:     host,
		Port:     port,
		Username: idx[KeySMTPUsername],
		Password: idx[KeySMTPPassword],
		From:     from,
		To:       to,
		TLS:      idx[KeySMTPTLS] == "true",
	}, nil
}

func loadWebhookConfig(ctx context.Context, repo repository.SettingsRepository) (*WebhookConfig, error) {
	settings, err := repo.GetMany(ctx, "alert.webhook.")
	if err != nil {
		return nil, fmt.Errorf("notifier: loading webhook settings: %w", err)
	}
	if len(settings) == 0 {
		if url := os.Getenv("NOTIFICATION_WEBHOOK_URL"); url != "" {
			return &WebhookConfig{
				URL:     url,
				Secret:  os.Getenv("NOTIFICATION_WEBHOOK_SECRET"),
				Enabled: true,
			}, nil
		}
		return nil, ErrConfigNotFound
	}
	idx := settingsIndex(settings)

	url := idx[KeyWebhookURL]
	if url == "" {
		return nil, fmt.Errorf("%w: alert.webhook.url is required", ErrInvalidConfig)
	}

	return &WebhookConfig{
		URL:     url,
		Secret:  idx[KeyWebhookSecret],
		Enabled: idx[KeyWebhookEnabled] == "true",
	}, nil
}

// envSMTPConfig builds an SMTPConfig from SMTP_HOST / SMTP_PORT /
// SMTP_USER / SMTP_PASSWORD / SMTP_FROM_EMAIL / SMTP_USE_TLS /
// NOTIFICATION_EMAIL. Absent SMTP_HOST means the channel is unconfigured.
func envSMTPConfig() (*SMTPConfig, error) {
	host := os.Getenv("SMTP_HOST")
	if host == "" {
		return nil, ErrConfigNotFound
	}

	port, err := strconv.Atoi(os.Getenv("SMTP_PORT"))
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: SMTP_PORT must be a valid port number", ErrInvalidConfig)
	}

	from := os.Getenv("SMTP_FROM_EMAIL")
	if from == "" {
		return nil, fmt.Errorf("%w: SMTP_FROM_EMAIL is required", ErrInvalidConfig)
	}

	var to []string
	for _, addr := range strings.Split(os.Getenv("NOTIFICATION_EMAIL"), ",") {
		addr = strings.TrimSpace(addr)
		if addr != "" {
			to = append(to, addr)
		}
	}
	if len(to) == 0 {
		return nil, fmt.Errorf("%w: NOTIFICATION_EMAIL has no valid addresses", ErrInvalidConfig)
	}

	return &SMTPConfig{
		Host:     host,
		Port:     port,
		Username: os.Getenv("SMTP_USER"),
		Password: os.Getenv("SMTP_PASSWORD"),
		From:     from,
		To:       to,
		TLS:      os.Getenv("SMTP_USE_TLS") == "true",
	}, nil
}

func settingsIndex(settings []db.Setting) map[string]string {
	idx := make(map[string]string, len(settings))
	for _, s := range settings {
		idx[s.Key] = string(s.Value)
	}
	return idx
}
