// Package manager maintains the process-wide registry of listener
// Supervisors, keyed by client id.
//
// The external control surface (and cmd/server's own subcommands) drive it:
// start/stop/restart one client, query status, autostart every active
// client. Mutations are serialized against each other; status reads take
// the registry lock only long enough to snapshot.
//
// All registry state is in-memory and intentionally non-persistent: on a
// process restart, AutostartActive rebuilds it from the configuration
// store, and each listener resumes from its durably committed replay
// offset.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flashcdc/cdc-ingestor/internal/auth"
	"github.com/flashcdc/cdc-ingestor/internal/db"
	"github.com/flashcdc/cdc-ingestor/internal/notifier"
	"github.com/flashcdc/cdc-ingestor/internal/offsetstore"
	"github.com/flashcdc/cdc-ingestor/internal/pubsubapi"
	"github.com/flashcdc/cdc-ingestor/internal/repository"
	"github.com/flashcdc/cdc-ingestor/internal/streamengine"
	"github.com/flashcdc/cdc-ingestor/internal/supervisor"
	"github.com/flashcdc/cdc-ingestor/internal/webhook"
)

const defaultStopTimeout = 10 * time.Second

// Config holds the collaborators every Supervisor shares.
type Config struct {
	Clients    repository.ClientRepository
	Offsets    *offsetstore.Store
	Authn      *auth.Authenticator
	Dispatcher *webhook.Dispatcher
	Alerts     notifier.Service
	EngineOpts streamengine.Options
	Logger     *zap.Logger

	// Engines overrides the default streamengine-backed factory; tests
	// inject fakes here.
	Engines supervisor.EngineFactory
}

// Manager is the registry of Supervisors. Create instances with New; the
// zero value is not usable.
type Manager struct {
	cfg    Config
	base   context.Context
	logger *zap.Logger

	// opMu serializes start/stop/restart/autostart against each other.
	// regMu guards the map itself and is held only for lookups and
	// snapshots, so status reads never wait behind a 10s stop join.
	opMu  sync.Mutex
	regMu sync.RWMutex
	sups  map[int64]*supervisor.Supervisor
}

// New returns a Manager whose Supervisors live within base: cancelling it
// stops every listener.
func New(base context.Context, cfg Config) *Manager {
	m := &Manager{
		cfg:    cfg,
		base:   base,
		logger: cfg.Logger.Named("manager"),
		sups:   make(map[int64]*supervisor.Supervisor),
	}
	if m.cfg.Engines == nil {
		m.cfg.Engines = m.buildEngine
	}
	return m
}

func (m *Manager) buildEngine(client db.Client, start streamengine.ReplayStart) supervisor.EngineRunner {
	return streamengine.New(client, start, m.cfg.Authn, m.cfg.Offsets, m.cfg.Dispatcher, m.cfg.EngineOpts, m.cfg.Logger)
}

// Start launches the listener for clientID, creating its Supervisor on
// first sight. Idempotent: if the listener is already running, only the
// replay hint is recorded for its next (re)connection.
func (m *Manager) Start(clientID int64, hint *streamengine.ReplayHint) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.startLocked(clientID, hint)
}

func (m *Manager) startLocked(clientID int64, hint *streamengine.ReplayHint) bool {
	sup := m.supervisorFor(clientID)
	if hint != nil {
		sup.SetReplayHint(*hint)
	}
	started := sup.Start(m.base)
	if started {
		m.logger.Info("listener started", zap.Int64("client_id", clientID))
	} else {
		m.logger.Info("listener already running, replay hint recorded", zap.Int64("client_id", clientID))
	}
	return started
}

// supervisorFor returns the Supervisor for clientID, creating it on first
// sight.
func (m *Manager) supervisorFor(clientID int64) *supervisor.Supervisor {
	m.regMu.Lock()
	defer m.regMu.Unlock()

	if sup, ok := m.sups[clientID]; ok {
		return sup
	}
	sup := supervisor.New(supervisor.Config{
		ClientID: clientID,
		Clients:  m.cfg.Clients,
		Offsets:  m.cfg.Offsets,
		Alerts:   m.cfg.Alerts,
		Engines:  m.cfg.Engines,
		Logger:   m.cfg.Logger,
	})
	m.sups[clientID] = sup
	return sup
}

// Stop shuts the listener for clientID down, joining its goroutine for up
// to 10 s. Absent or already-stopped clients are a no-op reporting stopped.
func (m *Manager) Stop(ctx context.Context, clientID int64) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.stopLocked(ctx, clientID)
}

func (m *Manager) stopLocked(ctx context.Context, clientID int64) error {
	m.regMu.RLock()
	sup, ok := m.sups[clientID]
	m.regMu.RUnlock()
	if !ok {
		return nil
	}

	joinCtx, cancel := context.WithTimeout(ctx, defaultStopTimeout)
	defer cancel()

	if err := sup.Stop(joinCtx); err != nil {
		m.logger.Warn("listener stop join timed out", zap.Int64("client_id", clientID), zap.Error(err))
	}
	m.logger.Info("listener stopped", zap.Int64("client_id", clientID))
	return nil
}

// Restart stops then starts the listener; the replay hint applies to the
// new run.
func (m *Manager) Restart(ctx context.Context, clientID int64, hint *streamengine.ReplayHint) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.stopLocked(ctx, clientID); err != nil {
		return err
	}
	m.startLocked(clientID, hint)
	return nil
}

// AutostartActive starts a listener for every active client in the
// configuration store and returns how many new runs it launched.
func (m *Manager) AutostartActive(ctx context.Context) (int, error) {
	clients, err := m.cfg.Clients.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("manager: listing active clients: %w", err)
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	started := 0
	for _, c := range clients {
		if m.startLocked(c.ID, nil) {
			started++
		}
	}
	m.logger.Info("autostart complete", zap.Int("active_clients", len(clients)), zap.Int("started", started))
	return started, nil
}

// Status returns the listener snapshot for one client. Clients the Manager
// has never seen report stopped.
func (m *Manager) Status(clientID int64) supervisor.Snapshot {
	m.regMu.RLock()
	sup, ok := m.sups[clientID]
	m.regMu.RUnlock()
	if !ok {
		return supervisor.Snapshot{ClientID: clientID, Status: supervisor.StateStopped}
	}
	return sup.Snapshot()
}

// StatusAll returns snapshots for every Supervisor the Manager has created.
func (m *Manager) StatusAll() map[int64]supervisor.Snapshot {
	m.regMu.RLock()
	sups := make(map[int64]*supervisor.Supervisor, len(m.sups))
	for id, sup := range m.sups {
		sups[id] = sup
	}
	m.regMu.RUnlock()

	out := make(map[int64]supervisor.Snapshot, len(sups))
	for id, sup := range sups {
		out[id] = sup.Snapshot()
	}
	return out
}

// StopAll shuts every running listener down, used at process shutdown. The
// joins run concurrently so total shutdown time is bounded by the slowest
// listener, not their sum.
func (m *Manager) StopAll(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.regMu.RLock()
	sups := make([]*supervisor.Supervisor, 0, len(m.sups))
	for _, sup := range m.sups {
		sups = append(sups, sup)
	}
	m.regMu.RUnlock()

	var wg sync.WaitGroup
	for _, sup := range sups {
		wg.Add(1)
		go func(sup *supervisor.Supervisor) {
			defer wg.Done()
			joinCtx, cancel := context.WithTimeout(ctx, defaultStopTimeout)
			defer cancel()
			sup.Stop(joinCtx) //nolint:errcheck
		}(sup)
	}
	wg.Wait()
	m.logger.Info("all listeners stopped")
}

// TestResult reports a one-off connectivity check for a client.
type TestResult struct {
	OK       bool   `json:"ok"`
	SchemaID string `json:"schema_id,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// TestClient authenticates, dials the broker, resolves the client's topic,
// and tears everything down — an ad-hoc connectivity probe that never
// starts a listener or touches the registry.
func (m *Manager) TestClient(ctx context.Context, clientID int64) (*TestResult, error) {
	client, err := m.cfg.Clients.GetByID(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("manager: loading client %d: %w", clientID, err)
	}

	result, err := m.cfg.Authn.Authenticate(ctx, client.Name, auth.Credentials{
		LoginURL:      client.LoginURL,
		GrantKind:     client.OAuthGrantKind,
		ClientID:      client.OAuthClientID,
		ClientSecret:  string(client.OAuthSecret),
		Username:      client.OAuthUsername,
		Password:      string(client.OAuthPassword),
		ConfiguredTID: client.TenantID,
	})
	if err != nil {
		return &TestResult{Error: err.Error()}, nil
	}

	host := client.PubSubHost
	if host == "" {
		host = m.cfg.EngineOpts.DefaultHost
	}
	pclient, err := pubsubapi.Dial(ctx, host, m.cfg.Logger)
	if err != nil {
		return &TestResult{TenantID: result.TenantID, Error: err.Error()}, nil
	}
	defer pclient.Close()

	topicInfo, err := pclient.GetTopic(ctx, result.Token.AccessToken, result.TenantID, result.InstanceURL, client.TopicName)
	if err != nil {
		return &TestResult{TenantID: result.TenantID, Error: err.Error()}, nil
	}

	return &TestResult{OK: true, SchemaID: topicInfo.SchemaID, TenantID: result.TenantID}, nil
}
