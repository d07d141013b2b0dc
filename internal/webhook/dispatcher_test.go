package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flashcdc/cdc-ingestor/internal/ingesterr"
)

func newTestDispatcher() *Dispatcher {
	d := New(zap.NewNop())
	d.initialDelay = time.Millisecond
	d.maxDelay = 2 * time.Millisecond
	return d
}

func TestDeliverSuccess(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := newTestDispatcher()
	err := d.Deliver(context.Background(), srv.URL, "acme", map[string]any{"record_id": "A"})
	if err != nil {
		t.Fatalf("Deliver returned %v, want nil", err)
	}
	if got["record_id"] != "A" {
		t.Fatalf("server received %+v", got)
	}
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher()
	err := d.Deliver(context.Background(), srv.URL, "acme", map[string]any{})
	if err != nil {
		t.Fatalf("Deliver returned %v, want nil after retry", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("server saw %d attempts, want 3", n)
	}
}

func TestDeliverExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := newTestDispatcher()
	err := d.Deliver(context.Background(), srv.URL, "acme", map[string]any{})

	var wf *ingesterr.WebhookFailure
	if !errors.As(err, &wf) {
		t.Fatalf("Deliver returned %T (%v), want WebhookFailure", err, err)
	}
	if wf.Status != http.StatusBadGateway {
		t.Fatalf("final status = %d, want 502", wf.Status)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("server saw %d attempts, want exactly 3", n)
	}
}

func TestDeliverTransportErrorReportsStatusZero(t *testing.T) {
	d := newTestDispatcher()
	// Closed server: every attempt errors at the transport level.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := d.Deliver(context.Background(), url, "acme", map[string]any{})

	var wf *ingesterr.WebhookFailure
	if !errors.As(err, &wf) {
		t.Fatalf("Deliver returned %T (%v), want WebhookFailure", err, err)
	}
	if wf.Status != 0 {
		t.Fatalf("status = %d, want 0 for transport failure", wf.Status)
	}
}

func TestDeliverCircuitOpensAfterRepeatedFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := newTestDispatcher()
	for i := 0; i < breakerMaxFailures; i++ {
		if err := d.Deliver(context.Background(), srv.URL, "acme", map[string]any{}); err == nil {
			t.Fatal("expected failure")
		}
	}
	before := atomic.LoadInt32(&calls)

	// Breaker is open now: this call must short-circuit without touching
	// the server, still reported as a WebhookFailure for the commit policy.
	err := d.Deliver(context.Background(), srv.URL, "acme", map[string]any{})
	var wf *ingesterr.WebhookFailure
	if !errors.As(err, &wf) {
		t.Fatalf("short-circuited Deliver returned %T (%v), want WebhookFailure", err, err)
	}
	if after := atomic.LoadInt32(&calls); after != before {
		t.Fatalf("open breaker still hit the server (%d → %d attempts)", before, after)
	}
}
