package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"

	"pricing-sync-service/internal/clients/opencart"
	"pricing-sync-service/internal/config"
	"pricing-sync-service/internal/models"
	"pricing-sync-service/internal/repository"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

func testConfig() *config.Config {
	return &config.Config{
		Tiers:               testTiers,
		StorePoolSize:       2,
		StoreConnectTimeout: time.Second,
		StoreQueryTimeout:   time.Second,
		StoreLanguageID:     1,
		JobTimeout:          time.Minute,
		JobFailureThreshold: 0.10,
		StoreQueueTimeout:   time.Second,
		MaxConcurrentStores: 4,
		ProgressRetention:   time.Minute,
	}
}

func connectedStore(id uint, name string) models.Store {
	return models.Store{
		ID:   id,
		Name: name,
		Connection: &models.StoreConnection{
			ID:          id,
			StoreID:     id,
			Host:        "db.internal",
			Port:        3306,
			Database:    "opencart",
			Username:    "sync",
			TablePrefix: "oc_",
			IsActive:    true,
		},
	}
}

// MockStoreLookup is a mock implementation of StoreLookup
type MockStoreLookup struct {
	mock.Mock
}

var _ StoreLookup = (*MockStoreLookup)(nil)

func (m *MockStoreLookup) GetByID(ctx context.Context, id uint) (*models.Store, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Store), args.Error(1)
}

func (m *MockStoreLookup) GetByIDs(ctx context.Context, ids []uint) ([]models.Store, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Store), args.Error(1)
}

func (m *MockStoreLookup) TierMappings(ctx context.Context, storeID uint) ([]models.StoreTierMapping, error) {
	args := m.Called(ctx, storeID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.StoreTierMapping), args.Error(1)
}

// MockBackupStore is a mock implementation of BackupStore
type MockBackupStore struct {
	mock.Mock
}

var _ BackupStore = (*MockBackupStore)(nil)

func (m *MockBackupStore) CreateBatch(ctx context.Context, backups []models.ProductBackup) error {
	args := m.Called(ctx, backups)
	return args.Error(0)
}

func (m *MockBackupStore) ListByName(ctx context.Context, storeID uint, name string) ([]models.ProductBackup, error) {
	args := m.Called(ctx, storeID, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ProductBackup), args.Error(1)
}

func (m *MockBackupStore) ListHandles(ctx context.Context, storeID uint) ([]models.BackupHandle, error) {
	args := m.Called(ctx, storeID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.BackupHandle), args.Error(1)
}

// MockStoreClient is a mock implementation of StoreClient
type MockStoreClient struct {
	mock.Mock
}

var _ StoreClient = (*MockStoreClient)(nil)

func (m *MockStoreClient) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockStoreClient) Security(ctx context.Context) (*models.SecurityDetails, bool, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*models.SecurityDetails), args.Bool(1), args.Error(2)
}

func (m *MockStoreClient) CustomerGroups(ctx context.Context) ([]models.CustomerGroup, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.CustomerGroup), args.Error(1)
}

func (m *MockStoreClient) FindProductID(ctx context.Context, sku string) (uint, error) {
	args := m.Called(ctx, sku)
	return args.Get(0).(uint), args.Error(1)
}

func (m *MockStoreClient) ExistingSKUs(ctx context.Context, skus []string) (map[string]bool, error) {
	args := m.Called(ctx, skus)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]bool), args.Error(1)
}

func (m *MockStoreClient) CurrentValues(ctx context.Context, productID uint, groupIDs []uint) (*models.ProductValues, error) {
	args := m.Called(ctx, productID, groupIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ProductValues), args.Error(1)
}

func (m *MockStoreClient) ApplyUpdate(ctx context.Context, sku string, update opencart.Update) (*models.UpdateOutcome, error) {
	args := m.Called(ctx, sku, update)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UpdateOutcome), args.Error(1)
}

func (m *MockStoreClient) WriteValues(ctx context.Context, productID uint, values models.ProductValues, groupIDs []uint) error {
	return m.Called(ctx, productID, values, groupIDs).Error(0)
}

func (m *MockStoreClient) Close() error {
	return m.Called().Error(0)
}

// factoryFor returns a ClientFactory that always hands out client
func factoryFor(client StoreClient) (ClientFactory, *int) {
	opened := 0
	var mu sync.Mutex
	return func(ctx context.Context, cfg opencart.Config, logger *logrus.Entry) (StoreClient, error) {
		mu.Lock()
		opened++
		mu.Unlock()
		return client, nil
	}, &opened
}

// memJobStore is an in-memory JobStore
type memJobStore struct {
	mu      sync.Mutex
	nextID  uint
	jobs    map[uint]*models.UpdateJob
	details []models.UpdateDetail
}

var _ JobStore = (*memJobStore)(nil)

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[uint]*models.UpdateJob)}
}

func (m *memJobStore) CreateJob(ctx context.Context, job *models.UpdateJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	job.ID = m.nextID
	job.CreatedAt = time.Now()
	stored := *job
	m.jobs[job.ID] = &stored
	return nil
}

func (m *memJobStore) CompleteJob(ctx context.Context, job *models.UpdateJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	stored := *job
	stored.CompletedAt = &now
	m.jobs[job.ID] = &stored
	return nil
}

func (m *memJobStore) GetJob(ctx context.Context, id uint) (*models.UpdateJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, repository.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (m *memJobStore) ListJobs(ctx context.Context, limit, offset int) ([]models.UpdateJob, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var jobs []models.UpdateJob
	for id := m.nextID; id > 0; id-- {
		if job, ok := m.jobs[id]; ok {
			jobs = append(jobs, *job)
		}
	}
	return jobs, int64(len(jobs)), nil
}

func (m *memJobStore) CreateDetail(ctx context.Context, detail *models.UpdateDetail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	detail.ID = uint(len(m.details) + 1)
	m.details = append(m.details, *detail)
	return nil
}

func (m *memJobStore) ListDetails(ctx context.Context, jobID uint) ([]models.UpdateDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.UpdateDetail
	for _, d := range m.details {
		if d.JobID == jobID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memJobStore) CountDetails(ctx context.Context, jobID uint) ([]repository.DetailCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byStore := map[uint]*repository.DetailCount{}
	var order []uint
	for _, d := range m.details {
		if d.JobID != jobID {
			continue
		}
		c, ok := byStore[d.StoreID]
		if !ok {
			c = &repository.DetailCount{StoreID: d.StoreID}
			byStore[d.StoreID] = c
			order = append(order, d.StoreID)
		}
		c.Total++
		if !d.Success {
			c.Failed++
		}
	}
	out := make([]repository.DetailCount, 0, len(order))
	for _, id := range order {
		out = append(out, *byStore[id])
	}
	return out, nil
}
