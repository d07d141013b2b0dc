package notifier

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/flashcdc/cdc-ingestor/internal/repository"
)

// Service is the single entry point for raising an operator alert when a
// listener's run hits trouble. Unlike the Supervisor's retry decision,
// alert delivery is always best-effort: a failed email or webhook send is
// logged and otherwise has no effect on the listener.
type Service interface {
	// NotifyListenerError raises an alert that client clientName (id
	// clientID) hit errKind while running, with a human-readable detail
	// string. Callers are expected to call this at most once per listener
	// run (on the first error), not on every retry.
	NotifyListenerError(ctx context.Context, clientID int64, clientName, errKind, detail string) error
}

type alertService struct {
	settingsRepo repository.SettingsRepository
	email        *emailSender
	webhook      *webhookSender
	logger       *zap.Logger
}

// Config holds the dependencies required to build an alert Service.
type Config struct {
	SettingsRepo repository.SettingsRepository
	Logger       *zap.Logger
}

// NewService creates a Service backed by cfg. Settings are reloaded on
// every alert, so channel configuration changes apply without a restart.
func NewService(cfg Config) Service {
	svc := &alertService{
		settingsRepo: cfg.SettingsRepo,
		logger:       cfg.Logger.Named("notifier"),
	}
	svc.email = newEmailSender(func(ctx context.Context) (*SMTPConfig, error) {
		return loadSMTPConfig(ctx, cfg.SettingsRepo)
	})
	svc.webhook = newWebhookSender(func(ctx context.Context) (*WebhookConfig, error) {
		return loadWebhookConfig(ctx, cfg.SettingsRepo)
	})
	return svc
}

func (s *alertService) NotifyListenerError(ctx context.Context, clientID int64, clientName, errKind, detail string) error {
	title := fmt.Sprintf("Listener error: %s", clientName)
	body := fmt.Sprintf("Client %q (id %d) hit a %s error at %s: %s",
		clientName, clientID, errKind, time.Now().UTC().Format(time.RFC3339), detail)
	payload := map[string]any{
		"client_id":   clientID,
		"client_name": clientName,
		"error_kind":  errKind,
		"detail":      detail,
	}

	if err := s.email.Send(ctx, title, body); err != nil {
		s.logger.Warn("email alert delivery failed", zap.Int64("client_id", clientID), zap.Error(err))
	}

	if err := s.webhook.Send(ctx, "listener_error", title, body, payload); err != nil {
		s.logger.Warn("webhook alert delivery failed", zap.Int64("client_id", clientID), zap.Error(err))
	}

	return nil
}
