package repository

import (
	"context"

	"github.com/flashcdc/cdc-ingestor/internal/db"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// ClientRepository is the read-only boundary onto the client
// configuration table; row CRUD is managed by a separate process, so only
// the reads the ingestion core needs are exposed here.
type ClientRepository interface {
	// GetByID retrieves a client by numeric id. Returns ErrNotFound if absent.
	GetByID(ctx context.Context, id int64) (*db.Client, error)

	// ListActive returns every client row with IsActive = true, used by
	// Manager.AutostartActive.
	ListActive(ctx context.Context) ([]db.Client, error)

	// List returns a paginated view of all client rows. The Manager does not
	// call it; Manager.StatusAll reports only the clients it has in memory.
	List(ctx context.Context, opts ListOptions) ([]db.Client, int64, error)
}

// OffsetRepository is the durable backing store for per-(client, topic)
// replay progress.
type OffsetRepository interface {
	// Load returns the stored replay id (base64) for (clientID, topic), or
	// ("", false, nil) if no row exists yet.
	Load(ctx context.Context, clientID int64, topic string) (replayB64 string, ok bool, err error)

	// Save upserts the replay id and commit timestamp for (clientID, topic).
	// Last-writer-wins: any existing row is overwritten unconditionally.
	Save(ctx context.Context, clientID int64, topic string, replayB64 string, commitMS *int64) error

	// Clear removes the stored offset for (clientID, topic), used when the
	// broker reports the stored replay id as invalid.
	Clear(ctx context.Context, clientID int64, topic string) error
}

// SettingsRepository backs the Notifier's SMTP/webhook configuration.
type SettingsRepository interface {
	Get(ctx context.Context, key string) (*db.Setting, error)
	Set(ctx context.Context, key string, value db.EncryptedString) error
	GetMany(ctx context.Context, prefix string) ([]db.Setting, error)
	Delete(ctx context.Context, key string) error
}
