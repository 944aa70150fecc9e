package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	secretmanagerpb "cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"pricing-sync-service/internal/models"
)

// StoreCredentials is the JSON payload of a store connection secret
type StoreCredentials struct {
	Password  string    `json:"password"`
	SSLCA     string    `json:"ssl_ca,omitempty"`
	SSLCert   string    `json:"ssl_cert,omitempty"`
	SSLKey    string    `json:"ssl_key,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type secretClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest, opts ...gax.CallOption) (*secretmanagerpb.Secret, error)
	AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.SecretVersion, error)
	Close() error
}

type cacheEntry struct {
	creds     *StoreCredentials
	expiresAt time.Time
}

// GCPSecretManager keeps store database credentials in Google Cloud Secret Manager
type GCPSecretManager struct {
	client    secretClient
	projectID string
	cache     map[string]*cacheEntry
	cacheMu   sync.RWMutex
	cacheTTL  time.Duration
}

// NewGCPSecretManager creates a new GCP Secret Manager client
func NewGCPSecretManager(ctx context.Context, projectID string) (*GCPSecretManager, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret manager client: %w", err)
	}
	return newManager(client, projectID), nil
}

func newManager(client secretClient, projectID string) *GCPSecretManager {
	return &GCPSecretManager{
		client:    client,
		projectID: projectID,
		cache:     make(map[string]*cacheEntry),
		cacheTTL:  5 * time.Minute,
	}
}

// Close closes the Secret Manager client
func (sm *GCPSecretManager) Close() error {
	if sm.client != nil {
		return sm.client.Close()
	}
	return nil
}

// BuildSecretName returns projects/{project}/secrets/opencart-store-{id}
func (sm *GCPSecretManager) BuildSecretName(storeID uint) string {
	return fmt.Sprintf("projects/%s/secrets/opencart-store-%d", sm.projectID, storeID)
}

// GetCredentials reads the latest version of a credentials secret
func (sm *GCPSecretManager) GetCredentials(ctx context.Context, secretName string) (*StoreCredentials, error) {
	sm.cacheMu.RLock()
	if entry, ok := sm.cache[secretName]; ok && time.Now().Before(entry.expiresAt) {
		sm.cacheMu.RUnlock()
		return entry.creds, nil
	}
	sm.cacheMu.RUnlock()

	result, err := sm.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: secretName + "/versions/latest",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access secret: %w", err)
	}

	var creds StoreCredentials
	if err := json.Unmarshal(result.Payload.Data, &creds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secret: %w", err)
	}

	sm.cacheMu.Lock()
	sm.cache[secretName] = &cacheEntry{creds: &creds, expiresAt: time.Now().Add(sm.cacheTTL)}
	sm.cacheMu.Unlock()

	return &creds, nil
}

// PutCredentials creates the secret if needed and adds a new version
func (sm *GCPSecretManager) PutCredentials(ctx context.Context, secretName string, creds *StoreCredentials) error {
	creds.UpdatedAt = time.Now()
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal secret: %w", err)
	}

	_, err = sm.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
		Parent:   fmt.Sprintf("projects/%s", sm.projectID),
		SecretId: extractSecretID(secretName),
		Secret: &secretmanagerpb.Secret{
			Replication: &secretmanagerpb.Replication{
				Replication: &secretmanagerpb.Replication_Automatic_{
					Automatic: &secretmanagerpb.Replication_Automatic{},
				},
			},
		},
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("failed to create secret: %w", err)
	}

	_, err = sm.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  secretName,
		Payload: &secretmanagerpb.SecretPayload{Data: data},
	})
	if err != nil {
		return fmt.Errorf("failed to add secret version: %w", err)
	}

	sm.InvalidateCache(secretName)
	return nil
}

// Resolve returns a copy of conn with credentials filled from its secret reference.
// Connections without a reference are returned unchanged.
func (sm *GCPSecretManager) Resolve(ctx context.Context, conn *models.StoreConnection) (*models.StoreConnection, error) {
	if conn == nil || conn.SecretReference == "" {
		return conn, nil
	}

	creds, err := sm.GetCredentials(ctx, conn.SecretReference)
	if err != nil {
		return nil, err
	}

	resolved := *conn
	resolved.Password = creds.Password
	if creds.SSLCA != "" {
		resolved.SSLCA = creds.SSLCA
	}
	if creds.SSLCert != "" {
		resolved.SSLCert = creds.SSLCert
		resolved.SSLKey = creds.SSLKey
	}
	return &resolved, nil
}

// InvalidateCache removes a secret from the cache
func (sm *GCPSecretManager) InvalidateCache(secretName string) {
	sm.cacheMu.Lock()
	delete(sm.cache, secretName)
	sm.cacheMu.Unlock()
}

func extractSecretID(secretName string) string {
	parts := strings.Split(secretName, "/")
	return parts[len(parts)-1]
}
