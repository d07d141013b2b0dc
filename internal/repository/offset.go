package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/flashcdc/cdc-ingestor/internal/db"
)

// gormOffsetRepository is the GORM implementation of OffsetRepository.
type gormOffsetRepository struct {
	database *gorm.DB
}

// NewOffsetRepository returns an OffsetRepository backed by the provided *gorm.DB.
func NewOffsetRepository(database *gorm.DB) OffsetRepository {
	return &gormOffsetRepository{database: database}
}

func (r *gormOffsetRepository) Load(ctx context.Context, clientID int64, topic string) (string, bool, error) {
	var row db.ListenerOffset
	err := r.database.WithContext(ctx).
		First(&row, "client_id = ? AND topic_name = ?", clientID, topic).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("offsets: load: %w", err)
	}
	if row.LastReplayB64 == "" {
		return "", false, nil
	}
	return row.LastReplayB64, true, nil
}

// Save performs a last-writer-wins upsert keyed by (client_id, topic_name).
func (r *gormOffsetRepository) Save(ctx context.Context, clientID int64, topic string, replayB64 string, commitMS *int64) error {
	var commitTS *time.Time
	if commitMS != nil {
		t := time.UnixMilli(*commitMS).UTC()
		commitTS = &t
	}

	row := db.ListenerOffset{
		ClientID:      clientID,
		TopicName:     topic,
		LastReplayB64: replayB64,
		LastCommitTS:  commitTS,
	}

	err := r.database.WithContext(ctx).
		Where(db.ListenerOffset{ClientID: clientID, TopicName: topic}).
		Assign(db.ListenerOffset{LastReplayB64: replayB64, LastCommitTS: commitTS}).
		FirstOrCreate(&row).Error
	if err != nil {
		return fmt.Errorf("offsets: save: %w", err)
	}
	return nil
}

func (r *gormOffsetRepository) Clear(ctx context.Context, clientID int64, topic string) error {
	err := r.database.WithContext(ctx).
		Model(&db.ListenerOffset{}).
		Where("client_id = ? AND topic_name = ?", clientID, topic).
		Updates(map[string]interface{}{"last_replay_b64": "", "last_commit_ts": nil}).Error
	if err != nil {
		return fmt.Errorf("offsets: clear: %w", err)
	}
	return nil
}
