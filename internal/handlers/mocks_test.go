package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"pricing-sync-service/internal/models"
	"pricing-sync-service/internal/secrets"
	"pricing-sync-service/internal/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testTiers = []models.Tier{
	{Name: "depot", DiscountPercentage: 18, CustomerGroupID: 2},
	{Name: "warehouse", DiscountPercentage: 26, CustomerGroupID: 3},
}

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger.WithField("component", "test")
}

func serve(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func jsonRequest(t *testing.T, method, path string, body interface{}) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

// MockJobStarter is a mock implementation of JobStarter
type MockJobStarter struct {
	mock.Mock
}

func (m *MockJobStarter) StartJob(ctx context.Context, req services.StartJobRequest) (*models.UpdateJob, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UpdateJob), args.Error(1)
}

type fakeValidator struct {
	issues   []string
	storeIDs []uint
	rows     int
}

func (f *fakeValidator) Validate(ctx context.Context, result *services.ParseResult, storeIDs []uint) []string {
	f.storeIDs = storeIDs
	f.rows = len(result.Rows)
	return f.issues
}

// MockUpdateJobs is a mock implementation of UpdateJobs
type MockUpdateJobs struct {
	mock.Mock
}

func (m *MockUpdateJobs) ListJobs(ctx context.Context, limit, offset int) ([]models.UpdateJob, int64, error) {
	args := m.Called(ctx, limit, offset)
	return args.Get(0).([]models.UpdateJob), args.Get(1).(int64), args.Error(2)
}

func (m *MockUpdateJobs) GetJob(ctx context.Context, jobID uint) (*models.UpdateJob, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UpdateJob), args.Error(1)
}

func (m *MockUpdateJobs) Progress(ctx context.Context, jobID uint) (*models.JobProgress, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.JobProgress), args.Error(1)
}

func (m *MockUpdateJobs) Details(ctx context.Context, jobID uint) ([]models.UpdateDetail, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.UpdateDetail), args.Error(1)
}

func (m *MockUpdateJobs) Cancel(ctx context.Context, jobID uint) error {
	return m.Called(ctx, jobID).Error(0)
}

func (m *MockUpdateJobs) IsRunning(jobID uint) bool {
	return m.Called(jobID).Bool(0)
}

func (m *MockUpdateJobs) QueueStats() map[string]interface{} {
	return m.Called().Get(0).(map[string]interface{})
}

// MockBackupManager is a mock implementation of BackupManager
type MockBackupManager struct {
	mock.Mock
}

func (m *MockBackupManager) Restore(ctx context.Context, storeID uint, backupName string) *models.RestoreResult {
	return m.Called(ctx, storeID, backupName).Get(0).(*models.RestoreResult)
}

func (m *MockBackupManager) ListBackups(ctx context.Context, storeID uint) ([]models.BackupHandle, error) {
	args := m.Called(ctx, storeID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.BackupHandle), args.Error(1)
}

// MockStoreAdmin is a mock implementation of StoreAdmin
type MockStoreAdmin struct {
	mock.Mock
}

func (m *MockStoreAdmin) List(ctx context.Context) ([]models.Store, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Store), args.Error(1)
}

func (m *MockStoreAdmin) GetByID(ctx context.Context, id uint) (*models.Store, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Store), args.Error(1)
}

func (m *MockStoreAdmin) UpsertConnection(ctx context.Context, conn *models.StoreConnection) error {
	return m.Called(ctx, conn).Error(0)
}

func (m *MockStoreAdmin) TierMappings(ctx context.Context, storeID uint) ([]models.StoreTierMapping, error) {
	args := m.Called(ctx, storeID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.StoreTierMapping), args.Error(1)
}

func (m *MockStoreAdmin) ReplaceTierMappings(ctx context.Context, storeID uint, mappings []models.StoreTierMapping) error {
	return m.Called(ctx, storeID, mappings).Error(0)
}

// MockConnectionManager is a mock implementation of ConnectionManager
type MockConnectionManager struct {
	mock.Mock
}

func (m *MockConnectionManager) TestConnection(ctx context.Context, params models.ConnectionParams) *models.ConnectionTestResult {
	return m.Called(ctx, params).Get(0).(*models.ConnectionTestResult)
}

func (m *MockConnectionManager) TestStoreConnection(ctx context.Context, storeID uint) (*models.ConnectionTestResult, error) {
	args := m.Called(ctx, storeID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ConnectionTestResult), args.Error(1)
}

func (m *MockConnectionManager) TierGroups(ctx context.Context, storeID uint) (map[string]uint, error) {
	args := m.Called(ctx, storeID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]uint), args.Error(1)
}

func (m *MockConnectionManager) Invalidate(storeID uint) {
	m.Called(storeID)
}

type fakeCredentials struct {
	saved map[string]*secrets.StoreCredentials
	err   error
}

func (f *fakeCredentials) BuildSecretName(storeID uint) string {
	return "projects/test/secrets/store-connection-" + string(rune('0'+storeID))
}

func (f *fakeCredentials) PutCredentials(ctx context.Context, secretName string, creds *secrets.StoreCredentials) error {
	if f.err != nil {
		return f.err
	}
	if f.saved == nil {
		f.saved = make(map[string]*secrets.StoreCredentials)
	}
	f.saved[secretName] = creds
	return nil
}

func multipartRequest(t *testing.T, path, filename string, content []byte, data string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if filename != "" {
		part, err := w.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	if data != "" {
		require.NoError(t, w.WriteField("data", data))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}
