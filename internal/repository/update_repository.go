package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"pricing-sync-service/internal/models"
)

var ErrJobNotFound = errors.New("update job not found")

// UpdateRepository handles database operations for update jobs and their details
type UpdateRepository struct {
	db *gorm.DB
}

// NewUpdateRepository creates a new update repository
func NewUpdateRepository(db *gorm.DB) *UpdateRepository {
	return &UpdateRepository{db: db}
}

// CreateJob creates a new update job
func (r *UpdateRepository) CreateJob(ctx context.Context, job *models.UpdateJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// CompleteJob moves a job to its terminal status
func (r *UpdateRepository) CompleteJob(ctx context.Context, job *models.UpdateJob) error {
	now := time.Now()
	job.CompletedAt = &now
	return r.db.WithContext(ctx).
		Model(&models.UpdateJob{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"status":       job.Status,
			"total_pairs":  job.TotalPairs,
			"failed_pairs": job.FailedPairs,
			"cancelled":    job.Cancelled,
			"completed_at": &now,
		}).Error
}

// GetJob retrieves a job by ID
func (r *UpdateRepository) GetJob(ctx context.Context, id uint) (*models.UpdateJob, error) {
	var job models.UpdateJob
	if err := r.db.WithContext(ctx).First(&job, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// ListJobs retrieves jobs newest first
func (r *UpdateRepository) ListJobs(ctx context.Context, limit, offset int) ([]models.UpdateJob, int64, error) {
	var jobs []models.UpdateJob
	var total int64

	query := r.db.WithContext(ctx).Model(&models.UpdateJob{})
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if limit <= 0 {
		limit = 20
	}
	err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&jobs).Error
	return jobs, total, err
}

// CreateDetail appends one row outcome
func (r *UpdateRepository) CreateDetail(ctx context.Context, detail *models.UpdateDetail) error {
	return r.db.WithContext(ctx).Create(detail).Error
}

// ListDetails retrieves all row outcomes of a job
func (r *UpdateRepository) ListDetails(ctx context.Context, jobID uint) ([]models.UpdateDetail, error) {
	var details []models.UpdateDetail
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("store_id ASC, id ASC").
		Find(&details).Error
	return details, err
}

// DetailCount is the number of recorded outcomes for one store of a job
type DetailCount struct {
	StoreID uint
	Total   int64
	Failed  int64
}

// CountDetails counts recorded outcomes per store
func (r *UpdateRepository) CountDetails(ctx context.Context, jobID uint) ([]DetailCount, error) {
	var counts []DetailCount
	err := r.db.WithContext(ctx).
		Model(&models.UpdateDetail{}).
		Select("store_id, COUNT(*) AS total, SUM(CASE WHEN success THEN 0 ELSE 1 END) AS failed").
		Where("job_id = ?", jobID).
		Group("store_id").
		Scan(&counts).Error
	return counts, err
}
