package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"pricing-sync-service/internal/models"
	"pricing-sync-service/internal/repository"
	"pricing-sync-service/internal/services"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// UpdateJobs reads and controls update jobs
type UpdateJobs interface {
	ListJobs(ctx context.Context, limit, offset int) ([]models.UpdateJob, int64, error)
	GetJob(ctx context.Context, jobID uint) (*models.UpdateJob, error)
	Progress(ctx context.Context, jobID uint) (*models.JobProgress, error)
	Details(ctx context.Context, jobID uint) ([]models.UpdateDetail, error)
	Cancel(ctx context.Context, jobID uint) error
	IsRunning(jobID uint) bool
	QueueStats() map[string]interface{}
}

// UpdateHandler handles update job endpoints
type UpdateHandler struct {
	jobs   UpdateJobs
	logger *logrus.Entry
}

// NewUpdateHandler creates a new update handler
func NewUpdateHandler(jobs UpdateJobs, logger *logrus.Entry) *UpdateHandler {
	return &UpdateHandler{jobs: jobs, logger: logger}
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}

// respondJobError maps lookup errors to a response
func (h *UpdateHandler) respondJobError(c *gin.Context, jobID uint, err error) {
	if errors.Is(err, repository.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "update not found"})
		return
	}
	h.logger.WithError(err).WithField("job_id", jobID).Error("Update job request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// List returns update jobs, newest first
func (h *UpdateHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := h.jobs.ListJobs(c.Request.Context(), limit, offset)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list update jobs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  jobs,
		"total": total,
	})
}

// Get returns a single update job
func (h *UpdateHandler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	job, err := h.jobs.GetJob(c.Request.Context(), id)
	if err != nil {
		h.respondJobError(c, id, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":    job,
		"running": h.jobs.IsRunning(id),
	})
}

// Queue reports the stores currently being written and the jobs holding them
func (h *UpdateHandler) Queue(c *gin.Context) {
	c.JSON(http.StatusOK, h.jobs.QueueStats())
}

// Progress returns the polling view of a job
func (h *UpdateHandler) Progress(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	progress, err := h.jobs.Progress(c.Request.Context(), id)
	if err != nil {
		h.respondJobError(c, id, err)
		return
	}

	c.JSON(http.StatusOK, progress)
}

// Details returns every row outcome of a job
func (h *UpdateHandler) Details(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	details, err := h.jobs.Details(c.Request.Context(), id)
	if err != nil {
		h.respondJobError(c, id, err)
		return
	}
	if details == nil {
		details = []models.UpdateDetail{}
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  details,
		"total": len(details),
	})
}

// Cancel stops a running job
func (h *UpdateHandler) Cancel(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := h.jobs.Cancel(c.Request.Context(), id); err != nil {
		if errors.Is(err, services.ErrJobNotRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		h.respondJobError(c, id, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "cancellation requested"})
}
