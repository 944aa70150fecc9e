package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"pricing-sync-service/internal/models"
	"pricing-sync-service/internal/repository"
	"pricing-sync-service/internal/services"
)

// SpreadsheetParser turns an upload into product rows
type SpreadsheetParser interface {
	Parse(filename string, data []byte, mapping *services.ColumnMapping) (*services.ParseResult, error)
}

// IssueFinder produces the advisory issues shown in a preview
type IssueFinder interface {
	Validate(ctx context.Context, result *services.ParseResult, storeIDs []uint) []string
}

// JobStarter starts update jobs in the background
type JobStarter interface {
	StartJob(ctx context.Context, req services.StartJobRequest) (*models.UpdateJob, error)
}

// SpreadsheetPayload is the JSON sent in the "data" form field next to the file
type SpreadsheetPayload struct {
	Stores        []uint                  `json:"stores"`
	UpdateOptions models.UpdateOptions    `json:"updateOptions"`
	ColumnMapping *services.ColumnMapping `json:"columnMapping,omitempty"`
}

// PreviewResponse is returned by the preview endpoint
type PreviewResponse struct {
	Filename         string              `json:"filename"`
	RecordCount      int                 `json:"recordCount"`
	ValidationIssues []string            `json:"validationIssues"`
	Rows             []models.ProductRow `json:"rows"`
}

// SpreadsheetHandler handles spreadsheet upload endpoints
type SpreadsheetHandler struct {
	parser    SpreadsheetParser
	validator IssueFinder
	jobs      JobStarter
	rowLimit  int
	maxUpload int64
	logger    *logrus.Entry
}

// NewSpreadsheetHandler creates a new spreadsheet handler
func NewSpreadsheetHandler(parser SpreadsheetParser, validator IssueFinder, jobs JobStarter, rowLimit int, maxUpload int64, logger *logrus.Entry) *SpreadsheetHandler {
	return &SpreadsheetHandler{
		parser:    parser,
		validator: validator,
		jobs:      jobs,
		rowLimit:  rowLimit,
		maxUpload: maxUpload,
		logger:    logger,
	}
}

type upload struct {
	filename string
	payload  SpreadsheetPayload
	result   *services.ParseResult
}

// readUpload parses the multipart request. It writes the error response itself.
func (h *SpreadsheetHandler) readUpload(c *gin.Context) (*upload, bool) {
	if h.maxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("file exceeds %d bytes", h.maxUpload)})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Please upload an XLSX or CSV file"})
		return nil, false
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read uploaded file"})
		return nil, false
	}

	var payload SpreadsheetPayload
	if raw := c.PostForm("data"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid data field: " + err.Error()})
			return nil, false
		}
	}

	result, err := h.parser.Parse(header.Filename, data, payload.ColumnMapping)
	if err != nil {
		var parseErr *services.ParseError
		if errors.As(err, &parseErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": parseErr.Message})
			return nil, false
		}
		h.logger.WithError(err).WithField("filename", header.Filename).Error("Failed to parse spreadsheet")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to parse spreadsheet"})
		return nil, false
	}

	return &upload{filename: header.Filename, payload: payload, result: result}, true
}

// Preview parses an upload and reports validation issues without writing anything
func (h *SpreadsheetHandler) Preview(c *gin.Context) {
	up, ok := h.readUpload(c)
	if !ok {
		return
	}

	issues := h.validator.Validate(c.Request.Context(), up.result, up.payload.Stores)
	if issues == nil {
		issues = []string{}
	}

	rows := up.result.Rows
	if h.rowLimit > 0 && len(rows) > h.rowLimit {
		rows = rows[:h.rowLimit]
	}
	if rows == nil {
		rows = []models.ProductRow{}
	}

	c.JSON(http.StatusOK, PreviewResponse{
		Filename:         up.filename,
		RecordCount:      len(up.result.Rows),
		ValidationIssues: issues,
		Rows:             rows,
	})
}

// Process parses an upload and starts an update job for it
func (h *SpreadsheetHandler) Process(c *gin.Context) {
	up, ok := h.readUpload(c)
	if !ok {
		return
	}

	job, err := h.jobs.StartJob(c.Request.Context(), services.StartJobRequest{
		Filename: up.filename,
		Rows:     up.result.Rows,
		StoreIDs: up.payload.Stores,
		Options:  up.payload.UpdateOptions,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNoStores),
			errors.Is(err, services.ErrNoRows),
			errors.Is(err, services.ErrNoFieldsSelected),
			errors.Is(err, services.ErrUnknownTier):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, repository.ErrStoreNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			h.logger.WithError(err).Error("Failed to start update job")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start update"})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"updateId": job.ID})
}
