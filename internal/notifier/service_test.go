package notifier

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/flashcdc/cdc-ingestor/internal/db"
)

// memSettings is an in-memory SettingsRepository.
type memSettings struct {
	values map[string]string
}

func (m *memSettings) Get(_ context.Context, key string) (*db.Setting, error) {
	v, ok := m.values[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return &db.Setting{Key: key, Value: db.EncryptedString(v)}, nil
}

func (m *memSettings) Set(_ context.Context, key string, value db.EncryptedString) error {
	m.values[key] = string(value)
	return nil
}

func (m *memSettings) GetMany(_ context.Context, prefix string) ([]db.Setting, error) {
	var out []db.Setting
	for k, v := range m.values {
		if strings.HasPrefix(k, prefix) {
			out = append(out, db.Setting{Key: k, Value: db.EncryptedString(v)})
		}
	}
	return out, nil
}

func (m *memSettings) Delete(_ context.Context, key string) error {
	delete(m.values, key)
	return nil
}

func TestNotifyListenerErrorPostsSignedWebhook(t *testing.T) {
	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Alert-Signature")
	}))
	defer srv.Close()

	repo := &memSettings{values: map[string]string{
		KeyWebhookURL:     srv.URL,
		KeyWebhookSecret:  "hush",
		KeyWebhookEnabled: "true",
	}}
	svc := NewService(Config{SettingsRepo: repo, Logger: zap.NewNop()})

	if err := svc.NotifyListenerError(context.Background(), 7, "acme", "fatal", "OAuth failed (401)"); err != nil {
		t.Fatalf("NotifyListenerError returned %v", err)
	}

	var alert map[string]any
	if err := json.Unmarshal(gotBody, &alert); err != nil {
		t.Fatalf("alert body is not JSON: %v", err)
	}
	if alert["type"] != "listener_error" {
		t.Fatalf("alert type = %v", alert["type"])
	}
	payload := alert["payload"].(map[string]any)
	if payload["client_name"] != "acme" || payload["error_kind"] != "fatal" {
		t.Fatalf("alert payload = %+v", payload)
	}

	mac := hmac.New(sha256.New, []byte("hush"))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Fatalf("signature = %q, want %q", gotSig, want)
	}
}

func TestNotifyListenerErrorUnconfiguredIsSilent(t *testing.T) {
	repo := &memSettings{values: map[string]string{}}
	svc := NewService(Config{SettingsRepo: repo, Logger: zap.NewNop()})

	// No SMTP and no webhook settings at all: nothing to send, no error.
	if err := svc.NotifyListenerError(context.Background(), 7, "acme", "transient", "idle timeout"); err != nil {
		t.Fatalf("NotifyListenerError returned %v", err)
	}
}

func TestNotifyListenerErrorDisabledWebhookSkipped(t *testing.T) {
	hit := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { hit = true }))
	defer srv.Close()

	repo := &memSettings{values: map[string]string{
		KeyWebhookURL:     srv.URL,
		KeyWebhookEnabled: "false",
	}}
	svc := NewService(Config{SettingsRepo: repo, Logger: zap.NewNop()})

	if err := svc.NotifyListenerError(context.Background(), 7, "acme", "fatal", "boom"); err != nil {
		t.Fatalf("NotifyListenerError returned %v", err)
	}
	if hit {
		t.Fatal("disabled webhook was still called")
	}
}

func TestLoadSMTPConfigValidation(t *testing.T) {
	base := map[string]string{
		KeySMTPHost:     "smtp.example.com",
		KeySMTPPort:     "587",
		KeySMTPFrom:     "alerts@example.com",
		KeyAlertEmailTo: "ops@example.com, oncall@example.com",
	}

	t.Run("valid", func(t *testing.T) {
		cfg, err := loadSMTPConfig(context.Background(), &memSettings{values: base})
		if err != nil {
			t.Fatalf("loadSMTPConfig returned %v", err)
		}
		if cfg.Host != "smtp.example.com" || cfg.Port != 587 {
			t.Fatalf("config = %+v", cfg)
		}
		if len(cfg.To) != 2 || cfg.To[1] != "oncall@example.com" {
			t.Fatalf("recipients = %v", cfg.To)
		}
	})

	t.Run("missing port", func(t *testing.T) {
		values := map[string]string{}
		for k, v := range base {
			values[k] = v
		}
		delete(values, KeySMTPPort)
		_, err := loadSMTPConfig(context.Background(), &memSettings{values: values})
		if !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("err = %v, want ErrInvalidConfig", err)
		}
	})

	t.Run("bad port", func(t *testing.T) {
		values := map[string]string{}
		for k, v := range base {
			values[k] = v
		}
		values[KeySMTPPort] = "not-a-port"
		_, err := loadSMTPConfig(context.Background(), &memSettings{values: values})
		if !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("err = %v, want ErrInvalidConfig", err)
		}
	})

	t.Run("unconfigured", func(t *testing.T) {
		_, err := loadSMTPConfig(context.Background(), &memSettings{values: map[string]string{}})
		if !errors.Is(err, ErrConfigNotFound) {
			t.Fatalf("err = %v, want ErrConfigNotFound", err)
		}
	})
}
