// Package streamengine runs one client's subscription session end to end:
// authenticate, preflight the topic/schema, open the Subscribe stream, and
// process every event it receives (decode, filter, dispatch, advance the
// replay cursor). One Engine instance covers exactly one connect-to-disconnect
// session; the Supervisor constructs a fresh Engine for every reconnect
// attempt so no stale stream state leaks across sessions.
package streamengine

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flashcdc/cdc-ingestor/internal/auth"
	"github.com/flashcdc/cdc-ingestor/internal/avroschema"
	"github.com/flashcdc/cdc-ingestor/internal/db"
	"github.com/flashcdc/cdc-ingestor/internal/ingesterr"
	"github.com/flashcdc/cdc-ingestor/internal/pubsubapi"
)

const (
	defaultHeartbeatSeconds = 60
	defaultIdleResetSeconds = 300
	defaultFlowBatchSize    = 100
	defaultPubSubHost       = "api.pubsub.salesforce.com:7443"
)

// Offsets is the slice of the offset store the engine needs. Satisfied by
// *offsetstore.Store.
type Offsets interface {
	Load(ctx context.Context, clientID int64, topic string) (replayB64 string, ok bool)
	Save(ctx context.Context, clientID int64, topic string, replayB64 string, commitMS *int64)
	Clear(ctx context.Context, clientID int64, topic string)
}

// Deliverer posts one webhook envelope with the Dispatcher's retry policy.
// Satisfied by *webhook.Dispatcher.
type Deliverer interface {
	Deliver(ctx context.Context, url string, clientName string, payload map[string]any) error
}

// PayloadDecoder turns an Avro binary payload into a generic map tree.
// Satisfied by *avroschema.Decoder.
type PayloadDecoder interface {
	Decode(schemaID string, payload []byte) (map[string]any, error)
}

// Options carries the tunables the engine reads from the environment.
type Options struct {
	HeartbeatInterval time.Duration
	IdleResetInterval time.Duration
	DefaultHost       string
}

// OptionsFromEnv reads HEARTBEAT_SECONDS, IDLE_RESET_SECONDS, and
// PUBSUB_DEFAULT_HOST, falling back to the documented defaults.
func OptionsFromEnv() Options {
	return Options{
		HeartbeatInterval: envSeconds("HEARTBEAT_SECONDS", defaultHeartbeatSeconds),
		IdleResetInterval: envSeconds("IDLE_RESET_SECONDS", defaultIdleResetSeconds),
		DefaultHost:       envOr("PUBSUB_DEFAULT_HOST", defaultPubSubHost),
	}
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeatSeconds * time.Second
	}
	if o.IdleResetInterval <= 0 {
		o.IdleResetInterval = defaultIdleResetSeconds * time.Second
	}
	if o.DefaultHost == "" {
		o.DefaultHost = defaultPubSubHost
	}
	return o
}

func envSeconds(key string, def int) time.Duration {
	if v := os.Getenv(key); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Duration(def) * time.Second
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ReplayStart describes where a session should begin consuming from.
type ReplayStart struct {
	Preset       pubsubapi.ReplayPreset
	ReplayID     []byte
	DropBeforeMS *int64 // events committed before this cutoff are skipped but still advance the cursor
}

// Status is a point-in-time snapshot of one Engine's progress, surfaced by
// the Supervisor/Manager status operations.
type Status struct {
	EventsReceived    int64
	LastEventAtMS     *int64
	LastBeat          time.Time
	LastError         string
	LastWebhookStatus int
	SchemaID          string
	LastReplayB64     string
}

// Engine runs one client's Subscribe session.
type Engine struct {
	client     db.Client
	start      ReplayStart
	authn      *auth.Authenticator
	offsets    Offsets
	dispatcher Deliverer
	logger     *zap.Logger
	opts       Options

	flowBatchSize int32

	mu     sync.Mutex
	status Status
}

// New constructs an Engine for one session of the given client, starting
// from the resolved replay position.
func New(client db.Client, start ReplayStart, authn *auth.Authenticator, offsets Offsets, dispatcher Deliverer, opts Options, logger *zap.Logger) *Engine {
	batch := int32(client.FlowBatchSize)
	if batch <= 0 {
		batch = defaultFlowBatchSize
	}
	return &Engine{
		client:        client,
		start:         start,
		authn:         authn,
		offsets:       offsets,
		dispatcher:    dispatcher,
		logger:        logger.Named("streamengine").With(zap.Int64("client_id", client.ID)),
		opts:          opts.withDefaults(),
		flowBatchSize: batch,
	}
}

// Status returns the current progress snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) markBeat() {
	e.mu.Lock()
	e.status.LastBeat = time.Now()
	e.mu.Unlock()
}

func (e *Engine) recordError(msg string) {
	e.mu.Lock()
	e.status.LastError = msg
	e.mu.Unlock()
}

// Run authenticates, connects, preflights, and drives the Subscribe loop
// until ctx is cancelled or an unrecoverable/transient error occurs. A nil
// return happens on graceful ctx cancellation and when the broker closes
// the stream cleanly (io.EOF).
func (e *Engine) Run(ctx context.Context) error {
	creds := auth.Credentials{
		LoginURL:      e.client.LoginURL,
		GrantKind:     e.client.OAuthGrantKind,
		ClientID:      e.client.OAuthClientID,
		ClientSecret:  string(e.client.OAuthSecret),
		Username:      e.client.OAuthUsername,
		Password:      string(e.client.OAuthPassword),
		ConfiguredTID: e.client.TenantID,
	}

	result, err := e.authn.Authenticate(ctx, e.client.Name, creds)
	if err != nil {
		return err
	}
	e.markBeat()

	host := e.client.PubSubHost
	if host == "" {
		host = e.opts.DefaultHost
	}

	pclient, err := pubsubapi.Dial(ctx, host, e.logger)
	if err != nil {
		return err
	}
	defer pclient.Close()

	topicInfo, err := pclient.GetTopic(ctx, result.Token.AccessToken, result.TenantID, result.InstanceURL, e.client.TopicName)
	if err != nil {
		return err
	}
	if topicInfo.SchemaID == "" {
		return ingesterr.NewFatal("topic "+e.client.TopicName+" returned no schema_id", nil)
	}
	e.mu.Lock()
	e.status.SchemaID = topicInfo.SchemaID
	e.mu.Unlock()

	cache, err := avroschema.New(pclient, 0)
	if err != nil {
		return err
	}
	if err := cache.Warm(topicInfo.SchemaID); err != nil {
		return err
	}

	e.logger.Info("stream session starting",
		zap.String("topic", e.client.TopicName),
		zap.String("schema_id", topicInfo.SchemaID),
		zap.String("replay_start", e.start.Describe()),
	)

	session := &subscribeSession{
		engine:      e,
		pclient:     pclient,
		decoder:     avroschema.NewDecoder(cache),
		token:       result,
		replayStart: e.start,
	}
	return session.run(ctx)
}
