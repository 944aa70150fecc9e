package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"pricing-sync-service/internal/models"
)

// BackupManager lists and restores store backups
type BackupManager interface {
	Restore(ctx context.Context, storeID uint, backupName string) *models.RestoreResult
	ListBackups(ctx context.Context, storeID uint) ([]models.BackupHandle, error)
}

// RestoreRequest contains the data for restoring a backup
type RestoreRequest struct {
	StoreID    uint   `json:"storeId" binding:"required"`
	BackupName string `json:"backupName" binding:"required"`
}

// BackupHandler handles backup endpoints
type BackupHandler struct {
	backups BackupManager
	logger  *logrus.Entry
}

// NewBackupHandler creates a new backup handler
func NewBackupHandler(backups BackupManager, logger *logrus.Entry) *BackupHandler {
	return &BackupHandler{backups: backups, logger: logger}
}

// Restore writes a backup's snapshots back to its store
func (h *BackupHandler) Restore(c *gin.Context) {
	var req RestoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := h.backups.Restore(c.Request.Context(), req.StoreID, req.BackupName)
	h.logger.WithFields(logrus.Fields{
		"store_id":    req.StoreID,
		"backup_name": req.BackupName,
		"restored":    result.RestoredProducts,
		"success":     result.Success,
	}).Info("Backup restore requested")

	c.JSON(http.StatusOK, result)
}

// List returns the backups of a store, newest first
func (h *BackupHandler) List(c *gin.Context) {
	storeID, err := strconv.ParseUint(c.Query("storeId"), 10, 64)
	if err != nil || storeID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "storeId is required"})
		return
	}

	backups, err := h.backups.ListBackups(c.Request.Context(), uint(storeID))
	if err != nil {
		h.logger.WithError(err).WithField("store_id", storeID).Error("Failed to list backups")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if backups == nil {
		backups = []models.BackupHandle{}
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  backups,
		"total": len(backups),
	})
}
