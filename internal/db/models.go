package db

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// OAuthGrantKind is the tagged variant for a client's OAuth grant. Modeled as
// a string enum (rather than a loose free-text column) so that callers in
// internal/auth can switch over it exhaustively instead of string-matching.
type OAuthGrantKind string

const (
	GrantPassword         OAuthGrantKind = "password"
	GrantClientCredentials OAuthGrantKind = "client_credentials"
)

// Client is a configured tenant: one OAuth-authenticated subscription to one
// change-event topic on one broker, forwarding to one webhook. Rows are
// created and validated by an external admin API (out of scope for this
// process); the BeforeSave hook below is a defensive last line, not the
// authoritative validation layer.
type Client struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`

	Name string `gorm:"uniqueIndex;not null"`

	LoginURL       string         `gorm:"not null;default:'https://login.salesforce.com'"`
	OAuthGrantKind OAuthGrantKind `gorm:"not null;default:'password'"`
	OAuthClientID  string         `gorm:"not null"`
	OAuthSecret    EncryptedString `gorm:"type:text;not null"`
	OAuthUsername  string         `gorm:"default:''"`
	OAuthPassword  EncryptedString `gorm:"type:text;default:''"`

	TopicName     string `gorm:"not null;uniqueIndex:uq_client_oauth_topic,priority:2"`
	PubSubHost    string `gorm:"not null;default:'api.pubsub.salesforce.com:7443'"`
	TenantID      string `gorm:"default:''"`
	FlowBatchSize int    `gorm:"not null;default:100"`

	WebhookURL string `gorm:"not null"`

	IsActive bool `gorm:"not null;default:true"`
}

// TableName pins the table name explicitly since GORM would otherwise
// pluralize "Client" to "clients" anyway — kept explicit for clarity at the
// migration boundary.
func (Client) TableName() string { return "clients" }

// BeforeSave is a defensive re-check of the invariants the producer of this
// row is expected to have already validated (spec: "configuration validation
// of operator-submitted fields" is an excluded external concern). GORM runs
// it only when a row is written through this package; rows that the
// Supervisor reads are not re-checked.
func (c *Client) BeforeSave(tx *gorm.DB) error {
	if !strings.HasPrefix(c.TopicName, "/data/") || !strings.Contains(c.TopicName, "ChangeEvent") {
		return errTopicNameInvalid
	}
	if c.OAuthUsername == "" || c.OAuthPassword == "" {
		return errCredentialsIncomplete
	}
	return nil
}

// MaskedClientID returns the OAuth client id with all but the last four
// characters replaced by asterisks, safe to include in log lines that must
// identify which tenant failed without leaking the full credential.
func (c Client) MaskedClientID() string {
	return maskSecret(c.OAuthClientID, 4)
}

func maskSecret(value string, keepLast int) string {
	if value == "" {
		return value
	}
	if len(value) <= keepLast {
		result := make([]byte, len(value))
		for i := range result {
			result[i] = '*'
		}
		return string(result)
	}
	masked := make([]byte, len(value)-keepLast)
	for i := range masked {
		masked[i] = '*'
	}
	return string(masked) + value[len(value)-keepLast:]
}

// ListenerOffset persists the last committed replay position for one
// (client, topic) pair. replay_id is opaque broker-issued bytes, stored as
// base64 text at this storage boundary only — no component upstream of the
// repository layer ever parses or compares it.
type ListenerOffset struct {
	ID            int64 `gorm:"primaryKey;autoIncrement"`
	ClientID      int64 `gorm:"not null;uniqueIndex:uq_offset_client_topic,priority:1"`
	TopicName     string `gorm:"not null;uniqueIndex:uq_offset_client_topic,priority:2"`
	LastReplayB64 string `gorm:"type:text;default:''"`
	LastCommitTS  *time.Time
	UpdatedAt     time.Time `gorm:"not null;autoUpdateTime"`
}

func (ListenerOffset) TableName() string { return "listener_offsets" }

// Setting is a generic key-value configuration entry, used here for the
// Notifier's SMTP/webhook settings (e.g. "smtp.host", "webhook.url").
// Sensitive values are encrypted at the application layer via EncryptedString.
type Setting struct {
	Key       string          `gorm:"primaryKey"`
	Value     EncryptedString `gorm:"type:text;not null"`
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime"`
}

func (Setting) TableName() string { return "settings" }
