package repository

import (
	"context"

	"gorm.io/gorm"

	"pricing-sync-service/internal/models"
)

// BackupRepository stores product snapshots taken before updates
type BackupRepository struct {
	db *gorm.DB
}

// NewBackupRepository creates a new backup repository
func NewBackupRepository(db *gorm.DB) *BackupRepository {
	return &BackupRepository{db: db}
}

// CreateBatch saves all snapshots of one backup
func (r *BackupRepository) CreateBatch(ctx context.Context, backups []models.ProductBackup) error {
	if len(backups) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(backups, 200).Error
}

// ListByName retrieves the snapshots of one backup for a store
func (r *BackupRepository) ListByName(ctx context.Context, storeID uint, name string) ([]models.ProductBackup, error) {
	var backups []models.ProductBackup
	err := r.db.WithContext(ctx).
		Where("store_id = ? AND name = ?", storeID, name).
		Order("id ASC").
		Find(&backups).Error
	return backups, err
}

// ListHandles summarizes the backups of a store, newest first
func (r *BackupRepository) ListHandles(ctx context.Context, storeID uint) ([]models.BackupHandle, error) {
	var handles []models.BackupHandle
	err := r.db.WithContext(ctx).
		Model(&models.ProductBackup{}).
		Select("name, store_id, job_id, COUNT(*) AS product_count, MIN(created_at) AS created_at").
		Where("store_id = ?", storeID).
		Group("name, store_id, job_id").
		Order("created_at DESC").
		Scan(&handles).Error
	return handles, err
}
