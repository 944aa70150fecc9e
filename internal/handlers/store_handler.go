package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"pricing-sync-service/internal/models"
	"pricing-sync-service/internal/repository"
	"pricing-sync-service/internal/secrets"
)

// StoreAdmin reads and edits stores, their connection and tier mappings
type StoreAdmin interface {
	List(ctx context.Context) ([]models.Store, error)
	GetByID(ctx context.Context, id uint) (*models.Store, error)
	UpsertConnection(ctx context.Context, conn *models.StoreConnection) error
	TierMappings(ctx context.Context, storeID uint) ([]models.StoreTierMapping, error)
	ReplaceTierMappings(ctx context.Context, storeID uint, mappings []models.StoreTierMapping) error
}

// ConnectionManager tests store connections and drops pooled ones after edits
type ConnectionManager interface {
	TestConnection(ctx context.Context, params models.ConnectionParams) *models.ConnectionTestResult
	TestStoreConnection(ctx context.Context, storeID uint) (*models.ConnectionTestResult, error)
	TierGroups(ctx context.Context, storeID uint) (map[string]uint, error)
	Invalidate(storeID uint)
}

// CredentialWriter stores connection secrets outside the database
type CredentialWriter interface {
	BuildSecretName(storeID uint) string
	PutCredentials(ctx context.Context, secretName string, creds *secrets.StoreCredentials) error
}

// TierMappingsRequest maps tier names to OpenCart customer group ids
type TierMappingsRequest struct {
	Mappings map[string]uint `json:"mappings" binding:"required"`
}

// StoreHandler handles store and connection endpoints
type StoreHandler struct {
	stores      StoreAdmin
	connections ConnectionManager
	credentials CredentialWriter
	tiers       []models.Tier
	logger      *logrus.Entry
}

// NewStoreHandler creates a new store handler. credentials may be nil, in which
// case connection secrets are kept in the database.
func NewStoreHandler(stores StoreAdmin, connections ConnectionManager, credentials CredentialWriter, tiers []models.Tier, logger *logrus.Entry) *StoreHandler {
	return &StoreHandler{
		stores:      stores,
		connections: connections,
		credentials: credentials,
		tiers:       tiers,
		logger:      logger,
	}
}

func (h *StoreHandler) respondStoreError(c *gin.Context, storeID uint, err error) {
	if errors.Is(err, repository.ErrStoreNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "store not found"})
		return
	}
	h.logger.WithError(err).WithField("store_id", storeID).Error("Store request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// List returns all stores
func (h *StoreHandler) List(c *gin.Context) {
	stores, err := h.stores.List(c.Request.Context())
	if err != nil {
		h.respondStoreError(c, 0, err)
		return
	}
	if stores == nil {
		stores = []models.Store{}
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  stores,
		"total": len(stores),
	})
}

// PutConnection creates or replaces a store's connection
func (h *StoreHandler) PutConnection(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var params models.ConnectionParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if _, err := h.stores.GetByID(ctx, id); err != nil {
		h.respondStoreError(c, id, err)
		return
	}

	conn := params.ToConnection(id)
	if h.credentials != nil && conn.SecretReference == "" {
		secretName := h.credentials.BuildSecretName(id)
		err := h.credentials.PutCredentials(ctx, secretName, &secrets.StoreCredentials{
			Password: conn.Password,
			SSLCA:    conn.SSLCA,
			SSLCert:  conn.SSLCert,
			SSLKey:   conn.SSLKey,
		})
		if err != nil {
			h.logger.WithError(err).WithField("store_id", id).Error("Failed to store connection credentials")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store connection credentials"})
			return
		}
		conn.SecretReference = secretName
		conn.Password, conn.SSLCA, conn.SSLCert, conn.SSLKey = "", "", "", ""
	}

	if err := h.stores.UpsertConnection(ctx, conn); err != nil {
		h.respondStoreError(c, id, err)
		return
	}
	h.connections.Invalidate(id)

	h.logger.WithFields(logrus.Fields{
		"store_id": id,
		"host":     conn.Host,
		"secret":   conn.SecretReference != "",
		"tls":      params.SSLCA != "",
	}).Info("Store connection saved")

	c.JSON(http.StatusOK, gin.H{"data": conn})
}

// TestConnection tests a saved store connection
func (h *StoreHandler) TestConnection(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	result, err := h.connections.TestStoreConnection(c.Request.Context(), id)
	if err != nil {
		h.respondStoreError(c, id, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// TestParams tests connection parameters before they are saved
func (h *StoreHandler) TestParams(c *gin.Context) {
	var params models.ConnectionParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, h.connections.TestConnection(c.Request.Context(), params))
}

// GetTierMappings returns a store's tier overrides and the resulting customer groups
func (h *StoreHandler) GetTierMappings(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if _, err := h.stores.GetByID(ctx, id); err != nil {
		h.respondStoreError(c, id, err)
		return
	}

	mappings, err := h.stores.TierMappings(ctx, id)
	if err != nil {
		h.respondStoreError(c, id, err)
		return
	}
	effective, err := h.connections.TierGroups(ctx, id)
	if err != nil {
		h.respondStoreError(c, id, err)
		return
	}
	if mappings == nil {
		mappings = []models.StoreTierMapping{}
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      mappings,
		"effective": effective,
	})
}

// PutTierMappings replaces a store's tier overrides
func (h *StoreHandler) PutTierMappings(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req TierMappingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	known := make(map[string]bool, len(h.tiers))
	for _, tier := range h.tiers {
		known[tier.Name] = true
	}

	mappings := make([]models.StoreTierMapping, 0, len(req.Mappings))
	for name, groupID := range req.Mappings {
		tier := strings.ToLower(strings.TrimSpace(name))
		if !known[tier] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown tier: " + name})
			return
		}
		if groupID == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "customer group id is required for tier " + name})
			return
		}
		mappings = append(mappings, models.StoreTierMapping{StoreID: id, TierName: tier, CustomerGroupID: groupID})
	}
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].TierName < mappings[j].TierName })

	ctx := c.Request.Context()
	if _, err := h.stores.GetByID(ctx, id); err != nil {
		h.respondStoreError(c, id, err)
		return
	}
	if err := h.stores.ReplaceTierMappings(ctx, id, mappings); err != nil {
		h.respondStoreError(c, id, err)
		return
	}
	h.connections.Invalidate(id)

	c.JSON(http.StatusOK, gin.H{"data": mappings})
}
