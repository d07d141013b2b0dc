// Package webhook delivers decoded change events to a tenant's configured
// HTTP endpoint: a POST with retry and exponential backoff, wrapped in a
// per-destination circuit breaker so a wedged endpoint stops being hammered
// after repeated failures.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/flashcdc/cdc-ingestor/internal/ingesterr"
	"github.com/flashcdc/cdc-ingestor/internal/metrics"
)

const (
	maxAttempts  = 3
	postTimeout  = 15 * time.Second
	initialDelay = 1 * time.Second
	maxDelay     = 30 * time.Second
	jitterMax    = 250 * time.Millisecond

	breakerMaxFailures  = 5
	breakerOpenDuration = 30 * time.Second
)

// Dispatcher POSTs JSON payloads to tenant-configured webhook URLs.
type Dispatcher struct {
	client *http.Client
	logger *zap.Logger

	// retry pacing, fields so tests can shrink them
	initialDelay time.Duration
	maxDelay     time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New returns a Dispatcher.
func New(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		client:       &http.Client{},
		logger:       logger.Named("webhook"),
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		breakers:     make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Deliver POSTs payload as JSON to url, retrying up to maxAttempts times
// with exponential backoff (capped at maxDelay, plus up to jitterMax of
// jitter) on non-2xx responses or transport errors. A per-URL circuit
// breaker short-circuits further attempts once a destination has failed
// repeatedly, returning ingesterr.WebhookFailure immediately instead of
// re-attempting a known-dead endpoint.
func (d *Dispatcher) Deliver(ctx context.Context, url string, clientName string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshaling payload: %w", err)
	}

	breaker := d.breakerFor(url)

	_, err = breaker.Execute(func() (any, error) {
		return nil, d.postWithRetry(ctx, url, clientName, body)
	})
	if err != nil {
		metrics.WebhookAttempts.WithLabelValues(clientName, "failure").Inc()
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return &ingesterr.WebhookFailure{Status: 0, Err: fmt.Errorf("circuit open for %s: %w", url, err)}
		}
		return err
	}
	metrics.WebhookAttempts.WithLabelValues(clientName, "success").Inc()
	return nil
}

func (d *Dispatcher) breakerFor(url string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()

	if b, ok := d.breakers[url]; ok {
		return b
	}

	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: url,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFailures
		},
		Timeout: breakerOpenDuration,
	})
	d.breakers[url] = b
	return b
}

func (d *Dispatcher) postWithRetry(ctx context.Context, url, clientName string, body []byte) error {
	delay := d.initialDelay
	var lastStatus int
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		status, err := d.post(ctx, url, body)
		lastStatus, lastErr = status, err
		if err == nil && status >= 200 && status < 300 {
			d.logger.Debug("webhook delivered", zap.String("client", clientName), zap.Int("status", status))
			return nil
		}
		if err != nil {
			d.logger.Warn("webhook attempt failed", zap.String("client", clientName), zap.Int("attempt", attempt), zap.Error(err))
		} else {
			d.logger.Warn("webhook non-2xx", zap.String("client", clientName), zap.Int("attempt", attempt), zap.Int("status", status))
		}

		if attempt < maxAttempts {
			jitter := time.Duration(rand.Int63n(int64(jitterMax)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay + jitter):
			}
			delay *= 2
			if delay > d.maxDelay {
				delay = d.maxDelay
			}
		}
	}

	d.logger.Error("webhook failed after all attempts", zap.String("client", clientName), zap.Int("attempts", maxAttempts))
	return &ingesterr.WebhookFailure{Status: lastStatus, Err: lastErr}
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) (int, error) {
	pctx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "cdc-ingestor-webhook/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	return resp.StatusCode, nil
}
