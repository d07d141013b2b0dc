package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/flashcdc/cdc-ingestor/internal/db"
)

// gormClientRepository is the GORM implementation of ClientRepository.
type gormClientRepository struct {
	database *gorm.DB
}

// NewClientRepository returns a ClientRepository backed by the provided *gorm.DB.
func NewClientRepository(database *gorm.DB) ClientRepository {
	return &gormClientRepository{database: database}
}

// GetByID retrieves a client by its numeric id. Returns ErrNotFound if no
// record exists.
func (r *gormClientRepository) GetByID(ctx context.Context, id int64) (*db.Client, error) {
	var client db.Client
	err := r.database.WithContext(ctx).First(&client, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("clients: get by id: %w", err)
	}
	return &client, nil
}

// ListActive returns every client with IsActive = true, ordered by id so
// Manager.AutostartActive starts clients in a deterministic order.
func (r *gormClientRepository) ListActive(ctx context.Context) ([]db.Client, error) {
	var clients []db.Client
	err := r.database.WithContext(ctx).
		Where("is_active = ?", true).
		Order("id ASC").
		Find(&clients).Error
	if err != nil {
		return nil, fmt.Errorf("clients: list active: %w", err)
	}
	return clients, nil
}

// List returns a paginated list of clients and the total count.
func (r *gormClientRepository) List(ctx context.Context, opts ListOptions) ([]db.Client, int64, error) {
	var clients []db.Client
	var total int64

	if err := r.database.WithContext(ctx).Model(&db.Client{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("clients: list count: %w", err)
	}

	if err := r.database.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("id ASC").
		Find(&clients).Error; err != nil {
		return nil, 0, fmt.Errorf("clients: list: %w", err)
	}

	return clients, total, nil
}
