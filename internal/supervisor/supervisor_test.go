package supervisor

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flashcdc/cdc-ingestor/internal/db"
	"github.com/flashcdc/cdc-ingestor/internal/ingesterr"
	"github.com/flashcdc/cdc-ingestor/internal/pubsubapi"
	"github.com/flashcdc/cdc-ingestor/internal/repository"
	"github.com/flashcdc/cdc-ingestor/internal/streamengine"
)

const testTopic = "/data/AccountChangeEvent"

type fakeClients struct {
	clients map[int64]db.Client
}

func (f *fakeClients) GetByID(_ context.Context, id int64) (*db.Client, error) {
	c, ok := f.clients[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (f *fakeClients) ListActive(context.Context) ([]db.Client, error) {
	var out []db.Client
	for _, c := range f.clients {
		if c.IsActive {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeClients) List(context.Context, repository.ListOptions) ([]db.Client, int64, error) {
	var out []db.Client
	for _, c := range f.clients {
		out = append(out, c)
	}
	return out, int64(len(out)), nil
}

type fakeOffsets struct {
	mu      sync.Mutex
	stored  map[string]string
	cleared int
}

func newFakeOffsets() *fakeOffsets {
	return &fakeOffsets{stored: make(map[string]string)}
}

func (f *fakeOffsets) Load(_ context.Context, _ int64, topic string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.stored[topic]
	return v, ok
}

func (f *fakeOffsets) Save(_ context.Context, _ int64, topic string, replayB64 string, _ *int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored[topic] = replayB64
}

func (f *fakeOffsets) Clear(_ context.Context, _ int64, topic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.stored, topic)
	f.cleared++
}

func (f *fakeOffsets) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleared
}

type fakeAlerts struct {
	mu    sync.Mutex
	calls int
	kinds []string
}

func (f *fakeAlerts) NotifyListenerError(_ context.Context, _ int64, _, kind, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.kinds = append(f.kinds, kind)
	return nil
}

func (f *fakeAlerts) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// scriptedEngine returns the next scripted error from Run; after the
// script is exhausted it blocks until ctx is cancelled.
type scriptedEngine struct {
	err error
}

func (e *scriptedEngine) Run(ctx context.Context) error {
	if e.err != nil {
		return e.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (e *scriptedEngine) Status() streamengine.Status { return streamengine.Status{} }

// scriptedFactory hands out one engine per session, recording the replay
// start each session was given.
type scriptedFactory struct {
	mu     sync.Mutex
	script []error // error for session i; sessions beyond the script block
	calls  int
	starts []streamengine.ReplayStart
}

func (f *scriptedFactory) build(_ db.Client, start streamengine.ReplayStart) EngineRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if f.calls < len(f.script) {
		err = f.script[f.calls]
	}
	f.calls++
	f.starts = append(f.starts, start)
	return &scriptedEngine{err: err}
}

func (f *scriptedFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *scriptedFactory) startAt(i int) streamengine.ReplayStart {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[i]
}

func activeClient(id int64) db.Client {
	return db.Client{ID: id, Name: "acme", TopicName: testTopic, IsActive: true}
}

func newTestSupervisor(clients *fakeClients, offsets *fakeOffsets, alerts *fakeAlerts, factory *scriptedFactory) *Supervisor {
	return New(Config{
		ClientID: 1,
		Clients:  clients,
		Offsets:  offsets,
		Alerts:   alerts,
		Engines:  factory.build,
		Logger:   zap.NewNop(),
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestFatalErrorStopsForGood(t *testing.T) {
	clients := &fakeClients{clients: map[int64]db.Client{1: activeClient(1)}}
	alerts := &fakeAlerts{}
	factory := &scriptedFactory{script: []error{ingesterr.NewFatal("OAuth failed (401)", nil)}}
	sup := newTestSupervisor(clients, newFakeOffsets(), alerts, factory)

	if !sup.Start(context.Background()) {
		t.Fatal("Start returned false")
	}

	waitFor(t, 3*time.Second, func() bool { return sup.Snapshot().Status == StateError }, "never reached error state")

	// Enough time for a 1s-backoff retry to have fired if one were coming.
	time.Sleep(1500 * time.Millisecond)
	if n := factory.callCount(); n != 1 {
		t.Fatalf("engine sessions = %d, want exactly 1 (no retry after fatal)", n)
	}
	if n := alerts.count(); n != 1 {
		t.Fatalf("notifications = %d, want exactly 1", n)
	}
	if snap := sup.Snapshot(); snap.LastError == "" {
		t.Fatal("LastError empty after fatal")
	}
}

func TestTransientErrorReconnectsAndNotifiesOnce(t *testing.T) {
	clients := &fakeClients{clients: map[int64]db.Client{1: activeClient(1)}}
	alerts := &fakeAlerts{}
	factory := &scriptedFactory{script: []error{
		ingesterr.NewTransient("idle timeout", nil),
		ingesterr.NewTransient("connection reset", nil),
	}}
	sup := newTestSupervisor(clients, newFakeOffsets(), alerts, factory)

	sup.Start(context.Background())

	// Session 1 fails immediately, session 2 after a 1s backoff, session 3
	// after a further 2s; catching session 3 proves the reconnect loop.
	waitFor(t, 8*time.Second, func() bool { return factory.callCount() >= 3 }, "listener did not reconnect")

	if snap := sup.Snapshot(); snap.FailCount < 2 {
		t.Fatalf("FailCount = %d, want >= 2", snap.FailCount)
	}
	if n := alerts.count(); n != 1 {
		t.Fatalf("notifications = %d, want exactly 1 despite repeated errors", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop returned %v", err)
	}
	if got := sup.Snapshot().Status; got != StateStopped {
		t.Fatalf("status after stop = %v, want stopped", got)
	}
}

func TestCleanStop(t *testing.T) {
	clients := &fakeClients{clients: map[int64]db.Client{1: activeClient(1)}}
	factory := &scriptedFactory{} // engine blocks until cancelled
	sup := newTestSupervisor(clients, newFakeOffsets(), &fakeAlerts{}, factory)

	sup.Start(context.Background())
	waitFor(t, 3*time.Second, func() bool { return sup.Snapshot().Status == StateRunning }, "never reached running state")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop returned %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Stop took %v", elapsed)
	}
	if got := sup.Snapshot().Status; got != StateStopped {
		t.Fatalf("status = %v, want stopped", got)
	}
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	clients := &fakeClients{clients: map[int64]db.Client{1: activeClient(1)}}
	factory := &scriptedFactory{}
	sup := newTestSupervisor(clients, newFakeOffsets(), &fakeAlerts{}, factory)

	if !sup.Start(context.Background()) {
		t.Fatal("first Start returned false")
	}
	waitFor(t, 3*time.Second, func() bool { return sup.Snapshot().Status == StateRunning }, "never running")
	if sup.Start(context.Background()) {
		t.Fatal("second Start spawned a duplicate run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sup.Stop(ctx) //nolint:errcheck
}

func TestInactiveClientFailsStartup(t *testing.T) {
	inactive := activeClient(1)
	inactive.IsActive = false
	clients := &fakeClients{clients: map[int64]db.Client{1: inactive}}
	alerts := &fakeAlerts{}
	factory := &scriptedFactory{}
	sup := newTestSupervisor(clients, newFakeOffsets(), alerts, factory)

	sup.Start(context.Background())

	waitFor(t, 3*time.Second, func() bool { return sup.Snapshot().Status == StateError }, "never reached error state")
	if n := factory.callCount(); n != 0 {
		t.Fatalf("engine sessions = %d, want 0 for an inactive client", n)
	}
	if n := alerts.count(); n != 1 {
		t.Fatalf("notifications = %d, want 1", n)
	}
}

func TestMissingClientFailsStartup(t *testing.T) {
	clients := &fakeClients{clients: map[int64]db.Client{}}
	sup := newTestSupervisor(clients, newFakeOffsets(), &fakeAlerts{}, &scriptedFactory{})

	sup.Start(context.Background())

	waitFor(t, 3*time.Second, func() bool { return sup.Snapshot().Status == StateError }, "never reached error state")
	if snap := sup.Snapshot(); snap.LastError == "" {
		t.Fatal("LastError empty for missing client")
	}
}

func TestInvalidReplayIdClearsOffset(t *testing.T) {
	clients := &fakeClients{clients: map[int64]db.Client{1: activeClient(1)}}
	offsets := newFakeOffsets()
	offsets.stored[testTopic] = base64.StdEncoding.EncodeToString([]byte{0x01})
	factory := &scriptedFactory{script: []error{&ingesterr.InvalidReplayId{Err: nil}}}
	sup := newTestSupervisor(clients, offsets, &fakeAlerts{}, factory)

	sup.Start(context.Background())

	waitFor(t, 3*time.Second, func() bool { return offsets.clearCount() >= 1 }, "offset never cleared")

	// The rejected cursor is gone, so the reconnect must fall back to
	// EARLIEST rather than re-sending the same invalid id.
	waitFor(t, 5*time.Second, func() bool { return factory.callCount() >= 2 }, "listener did not reconnect")
	if got := factory.startAt(1).Preset; got != pubsubapi.ReplayEarliest {
		t.Fatalf("reconnect preset = %v, want EARLIEST", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sup.Stop(ctx) //nolint:errcheck
}

func TestReplayHintAppliesToOneSessionOnly(t *testing.T) {
	clients := &fakeClients{clients: map[int64]db.Client{1: activeClient(1)}}
	offsets := newFakeOffsets()
	factory := &scriptedFactory{script: []error{ingesterr.NewTransient("drop", nil)}}
	sup := newTestSupervisor(clients, offsets, &fakeAlerts{}, factory)

	hintID := base64.StdEncoding.EncodeToString([]byte{0xAA})
	sup.SetReplayHint(streamengine.ReplayHint{Mode: streamengine.ModeCustom, ReplayIDB64: hintID})
	sup.Start(context.Background())

	waitFor(t, 5*time.Second, func() bool { return factory.callCount() >= 2 }, "listener did not reconnect")

	if got := factory.startAt(0).Preset; got != pubsubapi.ReplayCustom {
		t.Fatalf("first session preset = %v, want CUSTOM from the hint", got)
	}
	// Nothing was committed, so the post-hint session resumes in stored
	// mode and falls back to EARLIEST.
	if got := factory.startAt(1).Preset; got != pubsubapi.ReplayEarliest {
		t.Fatalf("second session preset = %v, want EARLIEST", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sup.Stop(ctx) //nolint:errcheck
}

// Restart after committed progress resumes from the stored cursor with a
// CUSTOM preset carrying it.
func TestRestartResumesFromStoredCursor(t *testing.T) {
	clients := &fakeClients{clients: map[int64]db.Client{1: activeClient(1)}}
	offsets := newFakeOffsets()
	committed := base64.StdEncoding.EncodeToString([]byte{0x42})
	offsets.stored[testTopic] = committed
	factory := &scriptedFactory{}
	sup := newTestSupervisor(clients, offsets, &fakeAlerts{}, factory)

	sup.Start(context.Background())
	waitFor(t, 3*time.Second, func() bool { return factory.callCount() >= 1 }, "never started a session")

	start := factory.startAt(0)
	if start.Preset != pubsubapi.ReplayCustom {
		t.Fatalf("preset = %v, want CUSTOM", start.Preset)
	}
	if got := base64.StdEncoding.EncodeToString(start.ReplayID); got != committed {
		t.Fatalf("resumed replay id = %q, want %q", got, committed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sup.Stop(ctx) //nolint:errcheck
}
