// Package supervisor owns one client's listener lifetime: it loads the
// client row, resolves the replay start point, runs a fresh Stream Engine
// session per connection attempt, and decides after every failure whether
// to reconnect with backoff or stop for good. It is the only component
// that classifies the ingesterr taxonomy into retry decisions.
package supervisor

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flashcdc/cdc-ingestor/internal/db"
	"github.com/flashcdc/cdc-ingestor/internal/ingesterr"
	"github.com/flashcdc/cdc-ingestor/internal/metrics"
	"github.com/flashcdc/cdc-ingestor/internal/notifier"
	"github.com/flashcdc/cdc-ingestor/internal/repository"
	"github.com/flashcdc/cdc-ingestor/internal/streamengine"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
)

// State is the listener lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

func stateGauge(s State) float64 {
	switch s {
	case StateStarting:
		return 1
	case StateRunning:
		return 2
	case StateStopping:
		return 3
	case StateError:
		return 4
	default:
		return 0
	}
}

// Snapshot is the read-only listener state exposed through Manager.Status.
type Snapshot struct {
	ClientID          int64      `json:"client_id"`
	Status            State      `json:"status"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	LastBeat          *time.Time `json:"last_beat,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	FailCount         int        `json:"fail_count"`
	EventsReceived    int64      `json:"events_received"`
	LastEventAtMS     *int64     `json:"last_event_at_ms,omitempty"`
	LastWebhookStatus int        `json:"last_webhook_status,omitempty"`
	SchemaID          string     `json:"schema_id,omitempty"`
	LastReplayB64     string     `json:"last_replay_b64,omitempty"`
	ReplayStart       string     `json:"replay_start,omitempty"`
}

// EngineRunner is one connect-to-disconnect stream session. Satisfied by
// *streamengine.Engine; faked in tests.
type EngineRunner interface {
	Run(ctx context.Context) error
	Status() streamengine.Status
}

// EngineFactory builds a fresh session for each (re)connect attempt.
type EngineFactory func(client db.Client, start streamengine.ReplayStart) EngineRunner

// Config holds a Supervisor's collaborators.
type Config struct {
	ClientID int64
	Clients  repository.ClientRepository
	Offsets  streamengine.Offsets
	Alerts   notifier.Service
	Engines  EngineFactory
	Logger   *zap.Logger
}

// Supervisor drives one client's listener. All exported methods are safe
// for concurrent use; the run loop is the single writer of most state.
type Supervisor struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	startedAt  *time.Time
	lastError  string
	failCount  int
	replayDesc string
	hint       streamengine.ReplayHint
	notified   bool

	engine     EngineRunner        // current session, nil between sessions
	folded     streamengine.Status // finished sessions' progress, folded together
	clientName string

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a stopped Supervisor for clientID.
func New(cfg Config) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		logger: cfg.Logger.Named("supervisor").With(zap.Int64("client_id", cfg.ClientID)),
		state:  StateStopped,
		hint:   streamengine.ReplayHint{Mode: streamengine.ModeStored},
	}
}

// SetReplayHint records where the next (re)connection should start. Calling
// this on a running Supervisor does not interrupt the current session.
func (s *Supervisor) SetReplayHint(h streamengine.ReplayHint) {
	s.mu.Lock()
	s.hint = h
	s.mu.Unlock()
}

// Running reports whether the run loop is active (starting or running).
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateStarting || s.state == StateRunning
}

// Start launches the run loop. Returns false if it is already active.
func (s *Supervisor) Start(base context.Context) bool {
	s.mu.Lock()
	if s.state == StateStarting || s.state == StateRunning {
		s.mu.Unlock()
		return false
	}

	ctx, cancel := context.WithCancel(base)
	s.cancel = cancel
	s.done = make(chan struct{})
	now := time.Now()
	s.startedAt = &now
	s.lastError = ""
	s.failCount = 0
	s.notified = false
	s.folded = streamengine.Status{}
	s.engine = nil
	s.setStateLocked(StateStarting)
	done := s.done
	s.mu.Unlock()

	go s.run(ctx, done)
	return true
}

// Stop signals the run loop and joins it, waiting at most until ctx
// expires. The state is stopped on return either way; a timed-out join
// only means the goroutine is still unwinding its cancelled I/O.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel == nil {
		s.setStateLocked(StateStopped)
		s.mu.Unlock()
		return nil
	}
	if s.state == StateStarting || s.state == StateRunning {
		s.setStateLocked(StateStopping)
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.logger.Warn("stop join timed out, listener goroutine still unwinding")
	}

	s.mu.Lock()
	s.setStateLocked(StateStopped)
	s.mu.Unlock()
	return err
}

// Snapshot returns a consistent view of the listener state, merging the
// current session's live progress over the folded history of earlier
// sessions in this run.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	es := s.folded
	if s.engine != nil {
		es = mergeStatus(es, s.engine.Status())
	}

	snap := Snapshot{
		ClientID:          s.cfg.ClientID,
		Status:            s.state,
		StartedAt:         s.startedAt,
		LastError:         s.lastError,
		FailCount:         s.failCount,
		EventsReceived:    es.EventsReceived,
		LastEventAtMS:     es.LastEventAtMS,
		LastWebhookStatus: es.LastWebhookStatus,
		SchemaID:          es.SchemaID,
		LastReplayB64:     es.LastReplayB64,
		ReplayStart:       s.replayDesc,
	}
	if !es.LastBeat.IsZero() {
		beat := es.LastBeat
		snap.LastBeat = &beat
	}
	if snap.LastError == "" && es.LastError != "" {
		snap.LastError = es.LastError
	}
	return snap
}

func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	logger := s.logger.With(zap.String("run_id", uuid.NewString()))

	client, err := s.cfg.Clients.GetByID(ctx, s.cfg.ClientID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.failFatal(done, logger, "client not found in configuration store")
			return
		}
		s.failFatal(done, logger, "loading client configuration: "+err.Error())
		return
	}
	if !client.IsActive {
		s.failFatal(done, logger, "client is not active")
		return
	}

	if !s.mutate(done, func() { s.clientName = client.Name }) {
		return
	}

	logger.Info("listener starting",
		zap.String("client_name", client.Name),
		zap.String("topic", client.TopicName),
		zap.String("oauth_client_id", client.MaskedClientID()),
	)

	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			s.finish(done, StateStopped)
			return
		}

		// Resolve the start point fresh for every attempt: after a session
		// that committed progress, the stored cursor is the resume point,
		// not whatever was loaded when the run began.
		start := streamengine.SelectReplayStart(ctx, s.takeHint(), s.cfg.Offsets, client.ID, client.TopicName, time.Now(), logger)

		eng := s.cfg.Engines(*client, start)
		if !s.mutate(done, func() {
			s.engine = eng
			s.replayDesc = start.Describe()
			s.setStateLocked(StateRunning)
		}) {
			return
		}

		err := eng.Run(ctx)

		if !s.mutate(done, func() {
			s.folded = mergeStatus(s.folded, eng.Status())
			s.engine = nil
		}) {
			return
		}

		if ctx.Err() != nil {
			s.finish(done, StateStopped)
			return
		}
		if err == nil {
			// Broker half-closed the stream without an error; reconnect.
			err = ingesterr.NewTransient("stream closed by broker", nil)
		}

		var fatal *ingesterr.FatalConfigError
		if errors.As(err, &fatal) {
			logger.Error("fatal configuration error, listener will not retry", zap.Error(err))
			s.mutate(done, func() {
				s.lastError = err.Error()
				s.setStateLocked(StateError)
			})
			s.notifyOnce(client, "fatal", err.Error())
			return
		}

		var invalid *ingesterr.InvalidReplayId
		if errors.As(err, &invalid) {
			logger.Warn("broker rejected stored replay id, clearing offset and restarting from earliest", zap.Error(err))
			s.cfg.Offsets.Clear(ctx, client.ID, client.TopicName)
		}

		logger.Warn("listener session failed, reconnecting",
			zap.Duration("backoff", backoff), zap.Error(err))

		if !s.mutate(done, func() {
			s.lastError = err.Error()
			s.failCount++
			s.setStateLocked(StateError)
		}) {
			return
		}
		s.notifyOnce(client, "transient", err.Error())

		select {
		case <-ctx.Done():
			s.finish(done, StateStopped)
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}

		if !s.mutate(done, func() { s.setStateLocked(StateStarting) }) {
			return
		}
	}
}

// mutate applies fn under the lock only while this goroutine is still the
// current run (a Stop that timed out its join followed by a new Start makes
// an older goroutine stale). Returns false when stale, telling the caller
// to exit without touching shared state.
func (s *Supervisor) mutate(done chan struct{}, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != done {
		return false
	}
	fn()
	return true
}

// takeHint returns the hint for the next connection and resets it to
// stored, so a one-off latest/earliest/custom/since request applies to
// exactly one session and every reconnect after it resumes from the
// committed cursor.
func (s *Supervisor) takeHint() streamengine.ReplayHint {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hint
	s.hint = streamengine.ReplayHint{Mode: streamengine.ModeStored}
	return h
}

func (s *Supervisor) finish(done chan struct{}, state State) {
	s.mutate(done, func() { s.setStateLocked(state) })
}

func (s *Supervisor) failFatal(done chan struct{}, logger *zap.Logger, msg string) {
	logger.Error("listener startup failed", zap.String("reason", msg))
	var name string
	s.mutate(done, func() {
		s.lastError = msg
		name = s.clientName
		s.setStateLocked(StateError)
	})
	s.notifyOnce(&db.Client{ID: s.cfg.ClientID, Name: name}, "fatal", msg)
}

// notifyOnce raises the operator alert on the first error of this run only.
// Alert delivery is best-effort and must not block or fail the run loop, so
// it gets its own deadline independent of the (possibly cancelled) run ctx.
func (s *Supervisor) notifyOnce(client *db.Client, kind, detail string) {
	s.mu.Lock()
	if s.notified || s.cfg.Alerts == nil {
		s.mu.Unlock()
		return
	}
	s.notified = true
	s.mu.Unlock()

	nctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.cfg.Alerts.NotifyListenerError(nctx, client.ID, client.Name, kind, detail); err != nil {
		s.logger.Warn("listener error notification failed", zap.Error(err))
	}
}

func (s *Supervisor) setStateLocked(state State) {
	s.state = state
	metrics.ListenerStatus.WithLabelValues(strconv.FormatInt(s.cfg.ClientID, 10)).Set(stateGauge(state))
}

// mergeStatus lays cur's progress over base: counters add, latest-wins
// fields replace when cur observed anything.
func mergeStatus(base, cur streamengine.Status) streamengine.Status {
	out := base
	out.EventsReceived += cur.EventsReceived
	if cur.LastEventAtMS != nil {
		out.LastEventAtMS = cur.LastEventAtMS
	}
	if !cur.LastBeat.IsZero() {
		out.LastBeat = cur.LastBeat
	}
	if cur.LastError != "" {
		out.LastError = cur.LastError
	}
	if cur.LastWebhookStatus != 0 {
		out.LastWebhookStatus = cur.LastWebhookStatus
	}
	if cur.SchemaID != "" {
		out.SchemaID = cur.SchemaID
	}
	if cur.LastReplayB64 != "" {
		out.LastReplayB64 = cur.LastReplayB64
	}
	return out
}
