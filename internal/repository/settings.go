package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/flashcdc/cdc-ingestor/internal/db"
)

// gormSettingsRepository backs the Notifier's alert-channel configuration
// (the "alert.smtp.*" / "alert.webhook.*" namespaces) with the settings
// key-value table.
type gormSettingsRepository struct {
	database *gorm.DB
}

// NewSettingsRepository returns a SettingsRepository backed by the provided *gorm.DB.
func NewSettingsRepository(database *gorm.DB) SettingsRepository {
	return &gormSettingsRepository{database: database}
}

// Get retrieves a single setting by its exact key. Returns ErrNotFound if absent.
func (r *gormSettingsRepository) Get(ctx context.Context, key string) (*db.Setting, error) {
	var s db.Setting
	err := r.database.WithContext(ctx).First(&s, "key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("settings: get %s: %w", key, err)
	}
	return &s, nil
}

// Set upserts a setting, overwriting any existing value for the key so a
// channel reconfiguration never needs a read-before-write.
func (r *gormSettingsRepository) Set(ctx context.Context, key string, value db.EncryptedString) error {
	s := db.Setting{Key: key, Value: value}
	if err := r.database.WithContext(ctx).Save(&s).Error; err != nil {
		return fmt.Errorf("settings: set %s: %w", key, err)
	}
	return nil
}

// GetMany retrieves every setting whose key starts with prefix, used by the
// Notifier to load a whole channel namespace in one query per alert.
func (r *gormSettingsRepository) GetMany(ctx context.Context, prefix string) ([]db.Setting, error) {
	var settings []db.Setting
	err := r.database.WithContext(ctx).
		Where("key LIKE ?", prefix+"%").
		Find(&settings).Error
	if err != nil {
		return nil, fmt.Errorf("settings: get prefix %s: %w", prefix, err)
	}
	return settings, nil
}

// Delete removes a setting by key, succeeding silently when it is absent.
func (r *gormSettingsRepository) Delete(ctx context.Context, key string) error {
	err := r.database.WithContext(ctx).Delete(&db.Setting{}, "key = ?", key).Error
	if err != nil {
		return fmt.Errorf("settings: delete %s: %w", key, err)
	}
	return nil
}
