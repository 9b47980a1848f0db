package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fabrice-guiot/shuttersense/internal/server/db"
)

type gormConnectorRepository struct {
	db *gorm.DB
}

func NewConnectorRepository(d *gorm.DB) ConnectorRepository { return &gormConnectorRepository{db: d} }

func (r *gormConnectorRepository) Create(ctx context.Context, c *db.Connector) error {
	if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("connectors: create: %w", err)
	}
	return nil
}

func (r *gormConnectorRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Connector, error) {
	var c db.Connector
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("connectors: get by id: %w", err)
	}
	return &c, nil
}

func (r *gormConnectorRepository) Update(ctx context.Context, c *db.Connector) error {
	result := r.db.WithContext(ctx).Save(c)
	if result.Error != nil {
		return fmt.Errorf("connectors: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete fails with ErrConflict when the connector is referenced by any
// live collection. Callers should
// check CountLiveCollections first to build the count-bearing error.
func (r *gormConnectorRepository) Delete(ctx context.Context, id uuid.UUID) error {
	count, err := r.CountLiveCollections(ctx, id)
	if err != nil {
		return err
	}
	if count > 0 {
		return ErrConflict
	}
	result := r.db.WithContext(ctx).Delete(&db.Connector{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("connectors: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormConnectorRepository) List(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.Connector, int64, error) {
	var connectors []db.Connector
	var total int64
	q := r.db.WithContext(ctx).Model(&db.Connector{}).Where("team_id = ?", teamID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("connectors: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).Where("team_id = ?", teamID).
		Limit(opts.Limit).Offset(opts.Offset).Order("created_at ASC").
		Find(&connectors).Error; err != nil {
		return nil, 0, fmt.Errorf("connectors: list: %w", err)
	}
	return connectors, total, nil
}

// SetCredentialLocation flips pending -> agent after a capability report.
func (r *gormConnectorRepository) SetCredentialLocation(ctx context.Context, id uuid.UUID, location string) error {
	result := r.db.WithContext(ctx).Model(&db.Connector{}).
		Where("id = ?", id).
		Update("credential_location", location)
	if result.Error != nil {
		return fmt.Errorf("connectors: set credential location: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// StoreServerCredentials writes credentialsJSON through the
// EncryptedString column (AES-GCM at rest) and flips credential_location
// to "server" in the same statement.
func (r *gormConnectorRepository) StoreServerCredentials(ctx context.Context, id uuid.UUID, credentialsJSON string) error {
	result := r.db.WithContext(ctx).Model(&db.Connector{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"server_credentials":  db.EncryptedString(credentialsJSON),
			"credential_location": "server",
		})
	if result.Error != nil {
		return fmt.Errorf("connectors: store server credentials: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormConnectorRepository) CountLiveCollections(ctx context.Context, connectorID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&db.Collection{}).
		Where("connector_id = ? AND state = ?", connectorID, "live").
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("connectors: count live collections: %w", err)
	}
	return count, nil
}

// -----------------------------------------------------------------------------
// Collections
// -----------------------------------------------------------------------------

type gormCollectionRepository struct {
	db *gorm.DB
}

func NewCollectionRepository(d *gorm.DB) CollectionRepository { return &gormCollectionRepository{db: d} }

func (r *gormCollectionRepository) Create(ctx context.Context, c *db.Collection) error {
	if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("collections: create: %w", err)
	}
	return nil
}

func (r *gormCollectionRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Collection, error) {
	var c db.Collection
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("collections: get by id: %w", err)
	}
	return &c, nil
}

func (r *gormCollectionRepository) Update(ctx context.Context, c *db.Collection) error {
	result := r.db.WithContext(ctx).Save(c)
	if result.Error != nil {
		return fmt.Errorf("collections: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormCollectionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Collection{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("collections: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormCollectionRepository) List(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.Collection, int64, error) {
	var collections []db.Collection
	var total int64
	q := r.db.WithContext(ctx).Model(&db.Collection{}).Where("team_id = ?", teamID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("collections: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).Where("team_id = ?", teamID).
		Limit(opts.Limit).Offset(opts.Offset).Order("created_at ASC").
		Find(&collections).Error; err != nil {
		return nil, 0, fmt.Errorf("collections: list: %w", err)
	}
	return collections, total, nil
}
