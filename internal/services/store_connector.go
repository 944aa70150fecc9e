package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gorm.io/datatypes"

	"pricing-sync-service/internal/clients/opencart"
	"pricing-sync-service/internal/config"
	"pricing-sync-service/internal/models"
	"pricing-sync-service/internal/repository"
)

const backupTimeLayout = "20060102150405"

var (
	backupNamePattern = regexp.MustCompile(`^backup_([a-z0-9-]+)_(\d+)_(\d{14})$`)
	slugPattern       = regexp.MustCompile(`[^a-z0-9]+`)

	ErrCircuitOpen = errors.New("store marked unavailable after repeated connection failures")
)

// StoreClient is the per-store database API used by the connector
type StoreClient interface {
	Ping(ctx context.Context) error
	Security(ctx context.Context) (*models.SecurityDetails, bool, error)
	CustomerGroups(ctx context.Context) ([]models.CustomerGroup, error)
	FindProductID(ctx context.Context, sku string) (uint, error)
	ExistingSKUs(ctx context.Context, skus []string) (map[string]bool, error)
	CurrentValues(ctx context.Context, productID uint, groupIDs []uint) (*models.ProductValues, error)
	ApplyUpdate(ctx context.Context, sku string, update opencart.Update) (*models.UpdateOutcome, error)
	WriteValues(ctx context.Context, productID uint, values models.ProductValues, groupIDs []uint) error
	Close() error
}

// ClientFactory opens a StoreClient
type ClientFactory func(ctx context.Context, cfg opencart.Config, logger *logrus.Entry) (StoreClient, error)

// OpenOpenCart is the production ClientFactory
func OpenOpenCart(ctx context.Context, cfg opencart.Config, logger *logrus.Entry) (StoreClient, error) {
	client, err := opencart.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// StoreLookup reads stores and their tier mappings
type StoreLookup interface {
	GetByID(ctx context.Context, id uint) (*models.Store, error)
	GetByIDs(ctx context.Context, ids []uint) ([]models.Store, error)
	TierMappings(ctx context.Context, storeID uint) ([]models.StoreTierMapping, error)
}

// BackupStore persists product snapshots
type BackupStore interface {
	CreateBatch(ctx context.Context, backups []models.ProductBackup) error
	ListByName(ctx context.Context, storeID uint, name string) ([]models.ProductBackup, error)
	ListHandles(ctx context.Context, storeID uint) ([]models.BackupHandle, error)
}

// CredentialResolver fills connection secrets from an external store
type CredentialResolver interface {
	Resolve(ctx context.Context, conn *models.StoreConnection) (*models.StoreConnection, error)
}

// retiredPoolGrace is how long a replaced pool stays open for rows already using it
const retiredPoolGrace = time.Minute

type pooledClient struct {
	storeID    uint
	client     StoreClient
	limiter    *rate.Limiter
	breaker    *opencart.CircuitBreaker
	tierGroups map[string]uint
	version    time.Time
}

// StoreConnector manages one connection pool per store and performs product reads, writes and backups
type StoreConnector struct {
	stores   StoreLookup
	backups  BackupStore
	resolver CredentialResolver
	tiers    []models.Tier
	config   *config.Config
	open     ClientFactory
	logger   *logrus.Entry

	mu          sync.Mutex
	clients     map[uint]*pooledClient
	retired     map[*pooledClient]*time.Timer
	retireGrace time.Duration
}

// NewStoreConnector creates a new store connector. resolver may be nil.
func NewStoreConnector(stores StoreLookup, backups BackupStore, resolver CredentialResolver, cfg *config.Config, open ClientFactory, logger *logrus.Entry) *StoreConnector {
	if open == nil {
		open = OpenOpenCart
	}
	return &StoreConnector{
		stores:   stores,
		backups:  backups,
		resolver: resolver,
		tiers:    cfg.Tiers,
		config:   cfg,
		open:     open,
		logger:   logger.WithField("component", "store_connector"),
		clients:  make(map[uint]*pooledClient),
		retired:  make(map[*pooledClient]*time.Timer),

		retireGrace: retiredPoolGrace,
	}
}

func (s *StoreConnector) clientConfig(storeID uint, storeName string, conn *models.StoreConnection) opencart.Config {
	return opencart.Config{
		StoreID:        storeID,
		StoreName:      storeName,
		Host:           conn.Host,
		Port:           conn.Port,
		Database:       conn.Database,
		Username:       conn.Username,
		Password:       conn.Password,
		TablePrefix:    conn.TablePrefix,
		SSLCA:          conn.SSLCA,
		SSLCert:        conn.SSLCert,
		SSLKey:         conn.SSLKey,
		PoolSize:       s.config.StorePoolSize,
		ConnectTimeout: s.config.StoreConnectTimeout,
		QueryTimeout:   s.config.StoreQueryTimeout,
		LanguageID:     s.config.StoreLanguageID,
		Retry: &opencart.RetryConfig{
			MaxRetries:     s.config.StoreConnectRetries,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			BackoffFactor:  2.0,
			Jitter:         0.1,
		},
	}
}

func (s *StoreConnector) clientFor(ctx context.Context, store *models.Store) (*pooledClient, error) {
	conn := store.Connection
	if conn == nil || !conn.IsActive {
		return nil, &opencart.ConnectionError{StoreID: store.ID, StoreName: store.Name, Err: repository.ErrNoConnection}
	}

	s.mu.Lock()
	pc, ok := s.clients[store.ID]
	s.mu.Unlock()
	if ok && pc.version.Equal(conn.UpdatedAt) {
		return pc, nil
	}

	resolved := conn
	if s.resolver != nil {
		var err error
		if resolved, err = s.resolver.Resolve(ctx, conn); err != nil {
			return nil, &opencart.ConnectionError{StoreID: store.ID, StoreName: store.Name, Err: fmt.Errorf("resolve credentials: %w", err)}
		}
	}

	tierGroups, err := s.TierGroups(ctx, store.ID)
	if err != nil {
		return nil, fmt.Errorf("load tier mappings: %w", err)
	}

	client, err := s.open(ctx, s.clientConfig(store.ID, store.Name, resolved), s.logger)
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if s.config.StoreWritesPerSec > 0 {
		limit = rate.Limit(s.config.StoreWritesPerSec)
	}
	fresh := &pooledClient{
		storeID:    store.ID,
		client:     client,
		limiter:    rate.NewLimiter(limit, 1),
		breaker:    opencart.NewCircuitBreaker(5, 30*time.Second),
		tierGroups: tierGroups,
		version:    conn.UpdatedAt,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.clients[store.ID]; ok {
		if existing.version.Equal(conn.UpdatedAt) {
			_ = client.Close()
			return existing, nil
		}
		s.retireLocked(existing)
	}
	s.clients[store.ID] = fresh
	return fresh, nil
}

// Invalidate drops the pool of a store so the next use reconnects and reloads
// tier mappings. Rows already holding the old pool finish on it.
func (s *StoreConnector) Invalidate(storeID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pc, ok := s.clients[storeID]; ok {
		delete(s.clients, storeID)
		s.retireLocked(pc)
	}
}

// retireLocked closes a replaced pool once the grace period has passed. s.mu must be held.
func (s *StoreConnector) retireLocked(pc *pooledClient) {
	s.retired[pc] = time.AfterFunc(s.retireGrace, func() {
		s.mu.Lock()
		_, pending := s.retired[pc]
		delete(s.retired, pc)
		s.mu.Unlock()
		if pending {
			s.closePool(pc)
		}
	})
}

func (s *StoreConnector) closePool(pc *pooledClient) {
	if err := pc.client.Close(); err != nil {
		s.logger.WithError(err).WithField("store_id", pc.storeID).Warn("Failed to close store pool")
	}
}

// Close releases every pool, including replaced ones still in their grace period
func (s *StoreConnector) Close() {
	s.mu.Lock()
	clients := s.clients
	retired := s.retired
	s.clients = make(map[uint]*pooledClient)
	s.retired = make(map[*pooledClient]*time.Timer)
	s.mu.Unlock()

	for pc, timer := range retired {
		timer.Stop()
		s.closePool(pc)
	}
	for _, pc := range clients {
		s.closePool(pc)
	}
}

// TierGroups maps each tier to the customer group id used in a store
func (s *StoreConnector) TierGroups(ctx context.Context, storeID uint) (map[string]uint, error) {
	groups := make(map[string]uint, len(s.tiers))
	for _, tier := range s.tiers {
		if tier.CustomerGroupID != 0 {
			groups[tier.Name] = tier.CustomerGroupID
		}
	}

	mappings, err := s.stores.TierMappings(ctx, storeID)
	if err != nil {
		return nil, err
	}
	for _, m := range mappings {
		groups[strings.ToLower(m.TierName)] = m.CustomerGroupID
	}
	return groups, nil
}

func sortedGroupIDs(tierGroups map[string]uint) []uint {
	seen := make(map[uint]bool, len(tierGroups))
	ids := make([]uint, 0, len(tierGroups))
	for _, id := range tierGroups {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// TestConnection opens a throwaway connection, checks liveness and TLS, and lists
// customer groups. Failures are reported in the result, not as errors.
func (s *StoreConnector) TestConnection(ctx context.Context, params models.ConnectionParams) *models.ConnectionTestResult {
	conn := params.ToConnection(0)
	if s.resolver != nil && conn.SecretReference != "" {
		resolved, err := s.resolver.Resolve(ctx, conn)
		if err != nil {
			return &models.ConnectionTestResult{Success: false, Message: fmt.Sprintf("Could not resolve credentials: %v", err)}
		}
		conn = resolved
	}

	cfg := s.clientConfig(0, conn.Host, conn)
	cfg.PoolSize = 1
	cfg.Retry = &opencart.RetryConfig{MaxRetries: 0}

	client, err := s.open(ctx, cfg, s.logger)
	if err != nil {
		return &models.ConnectionTestResult{Success: false, Message: err.Error()}
	}
	defer client.Close()

	return s.probe(ctx, client)
}

// TestStoreConnection tests the saved connection of a store
func (s *StoreConnector) TestStoreConnection(ctx context.Context, storeID uint) (*models.ConnectionTestResult, error) {
	store, err := s.stores.GetByID(ctx, storeID)
	if err != nil {
		return nil, err
	}
	if store.Connection == nil || !store.Connection.IsActive {
		return &models.ConnectionTestResult{Success: false, Message: fmt.Sprintf("Store %s has no active connection", store.Name)}, nil
	}

	pc, err := s.clientFor(ctx, store)
	if err != nil {
		return &models.ConnectionTestResult{Success: false, Message: err.Error()}, nil
	}
	return s.probe(ctx, pc.client), nil
}

func (s *StoreConnector) probe(ctx context.Context, client StoreClient) *models.ConnectionTestResult {
	if err := client.Ping(ctx); err != nil {
		return &models.ConnectionTestResult{Success: false, Message: err.Error()}
	}

	result := &models.ConnectionTestResult{Success: true, Message: "Connection successful"}

	details, secure, err := client.Security(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Could not read session TLS status")
	} else {
		result.IsSecure = secure
		result.SecurityDetails = details
	}
	if !result.IsSecure {
		result.Message = "Connection successful but not encrypted"
	}

	groups, err := client.CustomerGroups(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Could not list customer groups")
		groups = []models.CustomerGroup{}
	}
	result.CustomerGroups = groups
	result.SuggestedMappings = SuggestTierMappings(s.tiers, groups)

	return result
}

// SuggestTierMappings proposes a customer group for each tier whose name appears
// in the group name. Suggestions are never applied automatically.
func SuggestTierMappings(tiers []models.Tier, groups []models.CustomerGroup) map[string]uint {
	suggestions := make(map[string]uint)
	for _, tier := range tiers {
		for _, g := range groups {
			if strings.Contains(strings.ToLower(g.Name), strings.ToLower(tier.Name)) {
				suggestions[tier.Name] = g.ID
				break
			}
		}
	}
	return suggestions
}

// FindBySKU returns the product id of sku in a store
func (s *StoreConnector) FindBySKU(ctx context.Context, store *models.Store, sku string) (uint, error) {
	pc, err := s.clientFor(ctx, store)
	if err != nil {
		return 0, err
	}
	return pc.client.FindProductID(ctx, sku)
}

// CurrentValues returns price, quantity and tier prices of a product
func (s *StoreConnector) CurrentValues(ctx context.Context, store *models.Store, productID uint) (*models.ProductValues, error) {
	pc, err := s.clientFor(ctx, store)
	if err != nil {
		return nil, err
	}
	return pc.client.CurrentValues(ctx, productID, sortedGroupIDs(pc.tierGroups))
}

// MissingSKUs returns the skus (deduplicated, input order) that have no product in the store
func (s *StoreConnector) MissingSKUs(ctx context.Context, store *models.Store, skus []string) ([]string, error) {
	pc, err := s.clientFor(ctx, store)
	if err != nil {
		return nil, err
	}

	unique := dedupe(skus)
	found, err := pc.client.ExistingSKUs(ctx, unique)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, sku := range unique {
		if !found[sku] {
			missing = append(missing, sku)
		}
	}
	return missing, nil
}

// ApplyUpdate writes the given fields of one product
func (s *StoreConnector) ApplyUpdate(ctx context.Context, store *models.Store, sku string, fields models.UpdateFields) (*models.UpdateOutcome, error) {
	pc, err := s.clientFor(ctx, store)
	if err != nil {
		if connErr, ok := err.(*opencart.ConnectionError); ok {
			copied := *connErr
			copied.SKU = sku
			return nil, &copied
		}
		return nil, err
	}

	update := opencart.Update{RegularPrice: fields.RegularPrice, Quantity: fields.Quantity}
	for _, tier := range s.tiers {
		price, ok := fields.TierPrices[tier.Name]
		if !ok {
			continue
		}
		groupID, mapped := pc.tierGroups[tier.Name]
		if !mapped {
			return nil, fmt.Errorf("tier %s has no customer group for store %s", tier.Name, store.Name)
		}
		update.TierPrices = append(update.TierPrices, opencart.TierWrite{Tier: tier.Name, CustomerGroupID: groupID, Price: price})
	}

	if err := pc.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if !pc.breaker.Allow() {
		return nil, &opencart.ConnectionError{StoreID: store.ID, StoreName: store.Name, SKU: sku, Err: ErrCircuitOpen}
	}

	outcome, err := pc.client.ApplyUpdate(ctx, sku, update)
	if opencart.IsConnectionError(err) {
		pc.breaker.RecordFailure()
	} else {
		pc.breaker.RecordSuccess()
	}
	return outcome, err
}

// BackupName is backup_<store-slug>_<jobID>_<yyyymmddHHMMSS>
func BackupName(storeName string, jobID uint, at time.Time) string {
	slug := strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(storeName), "-"), "-")
	if slug == "" {
		slug = "store"
	}
	return fmt.Sprintf("backup_%s_%d_%s", slug, jobID, at.UTC().Format(backupTimeLayout))
}

// ParseBackupName extracts the store slug and job id from a backup name
func ParseBackupName(name string) (slug string, jobID uint, ok bool) {
	m := backupNamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", 0, false
	}
	id, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return "", 0, false
	}
	if _, err := time.Parse(backupTimeLayout, m[3]); err != nil {
		return "", 0, false
	}
	return m[1], uint(id), true
}

// Backup snapshots the current values of skus in a store before a job writes them.
// SKUs that do not exist in the store are left out.
func (s *StoreConnector) Backup(ctx context.Context, store *models.Store, jobID uint, skus []string) (*models.BackupHandle, error) {
	pc, err := s.clientFor(ctx, store)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	name := BackupName(store.Name, jobID, now)
	groupIDs := sortedGroupIDs(pc.tierGroups)

	var snapshots []models.ProductBackup
	for _, sku := range dedupe(skus) {
		productID, err := pc.client.FindProductID(ctx, sku)
		if errors.Is(err, opencart.ErrProductNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		values, err := pc.client.CurrentValues(ctx, productID, groupIDs)
		if err != nil {
			return nil, err
		}

		snapshots = append(snapshots, models.ProductBackup{
			Name:         name,
			JobID:        jobID,
			StoreID:      store.ID,
			ProductID:    productID,
			SKU:          sku,
			RegularPrice: values.RegularPrice,
			Quantity:     values.Quantity,
			TierPrices:   datatypes.NewJSONType(values.TierPrices),
			TierGroups:   datatypes.JSONSlice[uint](groupIDs),
			CreatedAt:    now,
		})
	}

	if err := s.backups.CreateBatch(ctx, snapshots); err != nil {
		return nil, fmt.Errorf("save backup: %w", err)
	}

	return &models.BackupHandle{
		Name:         name,
		StoreID:      store.ID,
		JobID:        jobID,
		ProductCount: len(snapshots),
		CreatedAt:    now,
	}, nil
}

// Restore writes a backup's snapshots back to the store. It never returns an error;
// every failure is described in the result.
func (s *StoreConnector) Restore(ctx context.Context, storeID uint, backupName string) *models.RestoreResult {
	if _, _, ok := ParseBackupName(backupName); !ok {
		return &models.RestoreResult{Success: false, Message: fmt.Sprintf("Invalid backup name %q", backupName)}
	}

	store, err := s.stores.GetByID(ctx, storeID)
	if err != nil {
		return &models.RestoreResult{Success: false, Message: fmt.Sprintf("Store %d not found", storeID)}
	}

	// Ownership is the recorded store id; the slug goes stale when a store is renamed.
	snapshots, err := s.backups.ListByName(ctx, storeID, backupName)
	if err != nil {
		return &models.RestoreResult{Success: false, Message: fmt.Sprintf("Could not load backup: %v", err)}
	}
	if len(snapshots) == 0 {
		return &models.RestoreResult{Success: false, Message: fmt.Sprintf("Backup %s not found for store %s", backupName, store.Name)}
	}

	pc, err := s.clientFor(ctx, store)
	if err != nil {
		return &models.RestoreResult{Success: false, Message: err.Error()}
	}

	restored := 0
	for i := range snapshots {
		snap := &snapshots[i]
		if err := pc.client.WriteValues(ctx, snap.ProductID, snap.Values(), []uint(snap.TierGroups)); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"store_id": storeID,
				"backup":   backupName,
				"sku":      snap.SKU,
			}).Error("Failed to restore product")
			continue
		}
		restored++
	}

	s.logger.WithFields(logrus.Fields{
		"store_id": storeID,
		"backup":   backupName,
		"restored": restored,
		"total":    len(snapshots),
	}).Info("Backup restored")

	return &models.RestoreResult{
		Success:          restored == len(snapshots),
		Message:          fmt.Sprintf("Restored %d of %d products", restored, len(snapshots)),
		RestoredProducts: restored,
	}
}

// ListBackups summarizes the backups of a store
func (s *StoreConnector) ListBackups(ctx context.Context, storeID uint) ([]models.BackupHandle, error) {
	return s.backups.ListHandles(ctx, storeID)
}

func dedupe(skus []string) []string {
	seen := make(map[string]bool, len(skus))
	out := make([]string, 0, len(skus))
	for _, sku := range skus {
		if !seen[sku] {
			seen[sku] = true
			out = append(out, sku)
		}
	}
	return out
}
