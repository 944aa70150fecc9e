package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pricing-sync-service/internal/models"
)

var (
	ErrStoreNotFound = errors.New("store not found")
	ErrNoConnection  = errors.New("store has no connection")
)

// StoreRepository handles database operations for stores, their connections and tier mappings
type StoreRepository struct {
	db *gorm.DB
}

// NewStoreRepository creates a new store repository
func NewStoreRepository(db *gorm.DB) *StoreRepository {
	return &StoreRepository{db: db}
}

// GetByID retrieves a store with its connection
func (r *StoreRepository) GetByID(ctx context.Context, id uint) (*models.Store, error) {
	var store models.Store
	err := r.db.WithContext(ctx).Preload("Connection").First(&store, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrStoreNotFound
		}
		return nil, err
	}
	return &store, nil
}

// GetByIDs retrieves stores in the order of ids. Unknown ids are omitted.
func (r *StoreRepository) GetByIDs(ctx context.Context, ids []uint) ([]models.Store, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var stores []models.Store
	if err := r.db.WithContext(ctx).Preload("Connection").Where("id IN ?", ids).Find(&stores).Error; err != nil {
		return nil, err
	}

	byID := make(map[uint]models.Store, len(stores))
	for _, s := range stores {
		byID[s.ID] = s
	}
	ordered := make([]models.Store, 0, len(stores))
	for _, id := range ids {
		if s, ok := byID[id]; ok {
			ordered = append(ordered, s)
			delete(byID, id)
		}
	}
	return ordered, nil
}

// List retrieves all stores
func (r *StoreRepository) List(ctx context.Context) ([]models.Store, error) {
	var stores []models.Store
	err := r.db.WithContext(ctx).Preload("Connection").Order("name ASC").Find(&stores).Error
	return stores, err
}

// Create creates a store
func (r *StoreRepository) Create(ctx context.Context, store *models.Store) error {
	return r.db.WithContext(ctx).Create(store).Error
}

// UpsertConnection creates or replaces the single connection of a store
func (r *StoreRepository) UpsertConnection(ctx context.Context, conn *models.StoreConnection) error {
	conn.UpdatedAt = time.Now()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "store_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"host", "port", "database", "username", "password", "table_prefix",
			"ssl_ca", "ssl_cert", "ssl_key", "secret_reference", "is_active", "updated_at",
		}),
	}).Create(conn).Error
}

// TierMappings retrieves a store's tier overrides
func (r *StoreRepository) TierMappings(ctx context.Context, storeID uint) ([]models.StoreTierMapping, error) {
	var mappings []models.StoreTierMapping
	err := r.db.WithContext(ctx).Where("store_id = ?", storeID).Order("tier_name ASC").Find(&mappings).Error
	return mappings, err
}

// ReplaceTierMappings swaps a store's tier overrides in one transaction
func (r *StoreRepository) ReplaceTierMappings(ctx context.Context, storeID uint, mappings []models.StoreTierMapping) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("store_id = ?", storeID).Delete(&models.StoreTierMapping{}).Error; err != nil {
			return err
		}
		if len(mappings) == 0 {
			return nil
		}
		for i := range mappings {
			mappings[i].StoreID = storeID
		}
		return tx.Create(&mappings).Error
	})
}
