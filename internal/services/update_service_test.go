package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"pricing-sync-service/internal/clients/opencart"
	"pricing-sync-service/internal/models"
	"pricing-sync-service/internal/repository"
)

var testNow = time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC)

type fakeWriter struct {
	mu        sync.Mutex
	fail      map[string]error // "storeID/sku" -> error
	failStore map[uint]error
	backupErr error
	backups   map[uint][]string
	applied   []string
	fields    []models.UpdateFields
	gate      chan struct{}
	started   chan struct{}
	once      sync.Once
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{
		fail:      map[string]error{},
		failStore: map[uint]error{},
		backups:   map[uint][]string{},
	}
}

func (w *fakeWriter) ApplyUpdate(ctx context.Context, store *models.Store, sku string, fields models.UpdateFields) (*models.UpdateOutcome, error) {
	if w.started != nil {
		w.once.Do(func() { close(w.started) })
	}
	if w.gate != nil {
		<-w.gate
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.failStore[store.ID]; err != nil {
		return nil, err
	}
	if err := w.fail[fmt.Sprintf("%d/%s", store.ID, sku)]; err != nil {
		return nil, err
	}
	w.applied = append(w.applied, fmt.Sprintf("%d/%s", store.ID, sku))
	w.fields = append(w.fields, fields)

	outcome := &models.UpdateOutcome{ProductID: 100}
	if fields.RegularPrice != nil {
		outcome.Changes = append(outcome.Changes, models.FieldChange{Field: opencart.FieldRegularPrice, Old: 1, New: *fields.RegularPrice})
	}
	return outcome, nil
}

func (w *fakeWriter) Backup(ctx context.Context, store *models.Store, jobID uint, skus []string) (*models.BackupHandle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.backupErr != nil {
		return nil, w.backupErr
	}
	w.backups[store.ID] = skus
	return &models.BackupHandle{Name: BackupName(store.Name, jobID, testNow), StoreID: store.ID, JobID: jobID, ProductCount: len(skus)}, nil
}

type recordingEvents struct {
	mu        sync.Mutex
	started   []uint
	completed []models.UpdateJob
}

func (e *recordingEvents) JobStarted(job *models.UpdateJob) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = append(e.started, job.ID)
	return nil
}

func (e *recordingEvents) JobCompleted(job *models.UpdateJob) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completed = append(e.completed, *job)
	return nil
}

type memMirror struct {
	mu       sync.Mutex
	progress map[uint]models.JobProgress
}

func (m *memMirror) Get(ctx context.Context, jobID uint) (*models.JobProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.progress[jobID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *memMirror) Set(ctx context.Context, progress *models.JobProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[progress.JobID] = *progress
	return nil
}

type updateFixture struct {
	svc    *UpdateService
	jobs   *memJobStore
	stores *MockStoreLookup
	writer *fakeWriter
	events *recordingEvents
	mirror *memMirror
}

func newUpdateFixture(stores ...models.Store) *updateFixture {
	f := &updateFixture{
		jobs:   newMemJobStore(),
		stores: new(MockStoreLookup),
		writer: newFakeWriter(),
		events: &recordingEvents{},
		mirror: &memMirror{progress: map[uint]models.JobProgress{}},
	}
	ids := make([]uint, len(stores))
	for i, s := range stores {
		ids[i] = s.ID
	}
	f.stores.On("GetByIDs", mock.Anything, ids).Return(stores, nil)
	f.svc = NewUpdateService(f.jobs, f.stores, f.writer, f.mirror, f.events, testConfig(), testLogger())
	return f
}

func (f *updateFixture) start(t *testing.T, rows []models.ProductRow, storeIDs ...uint) *models.UpdateJob {
	t.Helper()
	job, err := f.svc.StartJob(context.Background(), StartJobRequest{
		Filename: "prices.xlsx",
		Rows:     rows,
		StoreIDs: storeIDs,
		Options:  models.UpdateOptions{UpdateRegularPrices: true},
	})
	require.NoError(t, err)
	return job
}

func (f *updateFixture) finished(t *testing.T, id uint) *models.UpdateJob {
	t.Helper()
	f.svc.Wait()
	job, err := f.jobs.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func numberedRows(n int) []models.ProductRow {
	skus := make([]string, n)
	for i := range skus {
		skus[i] = fmt.Sprintf("SKU-%02d", i)
	}
	return rowsFor(skus...)
}

func TestJobStatusFor(t *testing.T) {
	tests := []struct {
		total, failed int
		expected      models.JobStatus
	}{
		{0, 0, models.JobStatusCompleted},
		{20, 0, models.JobStatusCompleted},
		{20, 1, models.JobStatusPartial},
		{20, 2, models.JobStatusPartial},
		{20, 3, models.JobStatusFailed},
		{1, 1, models.JobStatusFailed},
		{100, 10, models.JobStatusPartial},
		{100, 11, models.JobStatusFailed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, JobStatusFor(tt.total, tt.failed, 0.10), "%d/%d", tt.failed, tt.total)
	}
}

func TestUpdateService_CompletedJob(t *testing.T) {
	f := newUpdateFixture(connectedStore(1, "Main"), connectedStore(2, "Outlet"))

	job := f.start(t, rowsFor("A", "B", "C"), 1, 2)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, 3, job.RowCount)

	done := f.finished(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.Equal(t, 6, done.TotalPairs)
	assert.Equal(t, 0, done.FailedPairs)
	assert.NotNil(t, done.CompletedAt)
	assert.False(t, done.Cancelled)

	details, err := f.svc.Details(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, details, 6)
	for _, d := range details {
		assert.True(t, d.Success)
		require.NotNil(t, d.ProductID)
		assert.Equal(t, 100.0, d.NewValues[opencart.FieldRegularPrice])
	}

	assert.Equal(t, []string{"A", "B", "C"}, f.writer.backups[1])
	assert.Equal(t, []string{"A", "B", "C"}, f.writer.backups[2])

	progress, err := f.svc.Progress(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, progress.Overall)
	assert.True(t, progress.Done)
	assert.Len(t, progress.Stores, 2)

	assert.Equal(t, []uint{job.ID}, f.events.started)
	require.Len(t, f.events.completed, 1)
	assert.Equal(t, models.JobStatusCompleted, f.events.completed[0].Status)

	mirrored, _ := f.mirror.Get(context.Background(), job.ID)
	require.NotNil(t, mirrored)
	assert.True(t, mirrored.Done)
}

func TestUpdateService_PartialAndFailedThreshold(t *testing.T) {
	t.Run("partial", func(t *testing.T) {
		f := newUpdateFixture(connectedStore(1, "Main"))
		f.writer.fail["1/SKU-03"] = &opencart.ProductNotFoundError{StoreID: 1, StoreName: "Main", SKU: "SKU-03"}

		job := f.start(t, numberedRows(20), 1)
		done := f.finished(t, job.ID)

		assert.Equal(t, models.JobStatusPartial, done.Status)
		assert.Equal(t, 20, done.TotalPairs)
		assert.Equal(t, 1, done.FailedPairs)

		details, _ := f.svc.Details(context.Background(), job.ID)
		require.Len(t, details, 20)
		assert.False(t, details[3].Success)
		assert.Nil(t, details[3].ProductID)
		assert.Contains(t, details[3].ErrorMessage, "SKU-03 not found")
	})

	t.Run("failed", func(t *testing.T) {
		f := newUpdateFixture(connectedStore(1, "Main"))
		for _, sku := range []string{"SKU-01", "SKU-02", "SKU-03"} {
			f.writer.fail["1/"+sku] = errors.New("deadlock")
		}

		job := f.start(t, numberedRows(20), 1)
		done := f.finished(t, job.ID)

		assert.Equal(t, models.JobStatusFailed, done.Status)
		assert.Equal(t, 3, done.FailedPairs)
		assert.Len(t, f.writer.applied, 17)
	})
}

func TestUpdateService_StoreWithoutConnectionDoesNotBlockOthers(t *testing.T) {
	offline := models.Store{ID: 2, Name: "Offline"}
	f := newUpdateFixture(connectedStore(1, "Main"), offline)
	f.writer.failStore[2] = &opencart.ConnectionError{StoreID: 2, StoreName: "Offline", Err: repository.ErrNoConnection}

	job := f.start(t, rowsFor("A", "B"), 1, 2)
	done := f.finished(t, job.ID)

	assert.Equal(t, models.JobStatusFailed, done.Status)
	assert.Equal(t, 4, done.TotalPairs)
	assert.Equal(t, 2, done.FailedPairs)

	details, _ := f.svc.Details(context.Background(), job.ID)
	require.Len(t, details, 4)
	for _, d := range details {
		if d.StoreID == 2 {
			assert.False(t, d.Success)
			assert.Nil(t, d.ProductID)
			assert.Contains(t, d.ErrorMessage, "connection to store Offline failed")
		} else {
			assert.True(t, d.Success)
		}
	}
}

func TestUpdateService_BackupFailureIsNotFatal(t *testing.T) {
	f := newUpdateFixture(connectedStore(1, "Main"))
	f.writer.backupErr = errors.New("history database unavailable")

	job := f.start(t, rowsFor("A", "B"), 1)
	done := f.finished(t, job.ID)

	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.Len(t, f.writer.applied, 2)
}

func TestUpdateService_NothingToWriteIsSuccess(t *testing.T) {
	f := newUpdateFixture(connectedStore(1, "Main"))

	job, err := f.svc.StartJob(context.Background(), StartJobRequest{
		Filename: "stock.csv",
		Rows:     rowsFor("A"),
		StoreIDs: []uint{1},
		Options:  models.UpdateOptions{UpdateQuantities: true},
	})
	require.NoError(t, err)

	done := f.finished(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.Empty(t, f.writer.applied)
}

func TestUpdateService_DuplicateRowsKeepFirst(t *testing.T) {
	f := newUpdateFixture(connectedStore(1, "Main"))

	rows := rowsFor("A", "B", "A")
	rows[2].RegularPrice = 999
	job := f.start(t, rows, 1)
	assert.Equal(t, 2, job.RowCount)

	done := f.finished(t, job.ID)
	assert.Equal(t, 2, done.TotalPairs)

	details, _ := f.svc.Details(context.Background(), job.ID)
	require.Len(t, details, 2)
	assert.Equal(t, 100.0, details[0].NewValues[opencart.FieldRegularPrice])
}

func TestUpdateService_StartJobValidation(t *testing.T) {
	f := newUpdateFixture(connectedStore(1, "Main"))
	ctx := context.Background()
	options := models.UpdateOptions{UpdateRegularPrices: true}

	_, err := f.svc.StartJob(ctx, StartJobRequest{Rows: rowsFor("A"), Options: options})
	assert.ErrorIs(t, err, ErrNoStores)

	_, err = f.svc.StartJob(ctx, StartJobRequest{StoreIDs: []uint{1}, Options: options})
	assert.ErrorIs(t, err, ErrNoRows)

	_, err = f.svc.StartJob(ctx, StartJobRequest{StoreIDs: []uint{1}, Rows: rowsFor("A")})
	assert.ErrorIs(t, err, ErrNoFieldsSelected)

	f.stores.On("GetByIDs", mock.Anything, []uint{1, 9}).Return([]models.Store{connectedStore(1, "Main")}, nil)
	_, err = f.svc.StartJob(ctx, StartJobRequest{StoreIDs: []uint{1, 9}, Rows: rowsFor("A"), Options: options})
	assert.ErrorIs(t, err, repository.ErrStoreNotFound)
	assert.Contains(t, err.Error(), "[9]")

	jobs, total, _ := f.jobs.ListJobs(ctx, 10, 0)
	assert.Empty(t, jobs)
	assert.Zero(t, total)
}

func TestUpdateService_TierOptionsMatchConfiguredTiers(t *testing.T) {
	f := newUpdateFixture(connectedStore(1, "Main"))
	rows := rowsFor("A")
	rows[0].TierPrices = map[string]float64{"depot": 82, "warehouse": 74}

	job, err := f.svc.StartJob(context.Background(), StartJobRequest{
		Filename: "prices.xlsx",
		Rows:     rows,
		StoreIDs: []uint{1},
		Options:  models.UpdateOptions{UpdateTierPrices: map[string]bool{"Depot": true, " WAREHOUSE ": false}},
	})
	require.NoError(t, err)

	done := f.finished(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.Equal(t, map[string]bool{"depot": true, "warehouse": false}, done.Options.Data().UpdateTierPrices)

	assert.Equal(t, []string{"1/A"}, f.writer.applied)
	require.Len(t, f.writer.fields, 1)
	assert.Equal(t, map[string]float64{"depot": 82}, f.writer.fields[0].TierPrices)
	assert.Nil(t, f.writer.fields[0].RegularPrice)
}

func TestUpdateService_RejectsUnknownTier(t *testing.T) {
	f := newUpdateFixture(connectedStore(1, "Main"))

	_, err := f.svc.StartJob(context.Background(), StartJobRequest{
		Rows:     rowsFor("A"),
		StoreIDs: []uint{1},
		Options:  models.UpdateOptions{UpdateTierPrices: map[string]bool{"depot": true, "retail": true}},
	})
	assert.ErrorIs(t, err, ErrUnknownTier)
	assert.Contains(t, err.Error(), "retail")

	jobs, _, _ := f.jobs.ListJobs(context.Background(), 10, 0)
	assert.Empty(t, jobs)
	assert.Empty(t, f.writer.applied)
}

// slowCompleteStore holds CompleteJob until released
type slowCompleteStore struct {
	*memJobStore
	entered chan struct{}
	release chan struct{}
}

func (s *slowCompleteStore) CompleteJob(ctx context.Context, job *models.UpdateJob) error {
	close(s.entered)
	<-s.release
	return s.memJobStore.CompleteJob(ctx, job)
}

func TestUpdateService_ProgressStaysBelowCompleteUntilStatusSaved(t *testing.T) {
	ctx := context.Background()
	jobs := &slowCompleteStore{memJobStore: newMemJobStore(), entered: make(chan struct{}), release: make(chan struct{})}
	stores := new(MockStoreLookup)
	stores.On("GetByIDs", mock.Anything, []uint{1}).Return([]models.Store{connectedStore(1, "Main")}, nil)
	svc := NewUpdateService(jobs, stores, newFakeWriter(), nil, nil, testConfig(), testLogger())

	job, err := svc.StartJob(ctx, StartJobRequest{
		Filename: "prices.xlsx",
		Rows:     rowsFor("A", "B"),
		StoreIDs: []uint{1},
		Options:  models.UpdateOptions{UpdateRegularPrices: true},
	})
	require.NoError(t, err)
	<-jobs.entered

	progress, err := svc.Progress(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 99, progress.Overall)
	assert.Equal(t, 99, progress.Stores[0].Progress)
	assert.False(t, progress.Done)

	pending, err := jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, pending.Status)

	close(jobs.release)
	svc.Wait()

	progress, err = svc.Progress(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, progress.Overall)
	assert.True(t, progress.Done)

	done, err := jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
}

func TestUpdateService_QueueStats(t *testing.T) {
	f := newUpdateFixture(connectedStore(1, "Main"))
	f.writer.gate = make(chan struct{})
	f.writer.started = make(chan struct{})

	job := f.start(t, rowsFor("A"), 1)
	<-f.writer.started

	stats := f.svc.QueueStats()
	assert.Equal(t, 1, stats["runningJobs"])
	assert.Equal(t, map[uint]uint{1: job.ID}, stats["busyStores"])

	close(f.writer.gate)
	f.svc.Wait()

	stats = f.svc.QueueStats()
	assert.Equal(t, 0, stats["runningJobs"])
	assert.Empty(t, stats["busyStores"])
}

func TestUpdateService_Cancel(t *testing.T) {
	f := newUpdateFixture(connectedStore(1, "Main"))
	f.writer.gate = make(chan struct{})
	f.writer.started = make(chan struct{})

	job := f.start(t, rowsFor("A", "B", "C"), 1)
	<-f.writer.started

	assert.True(t, f.svc.IsRunning(job.ID))
	require.NoError(t, f.svc.Cancel(context.Background(), job.ID))
	close(f.writer.gate)

	done := f.finished(t, job.ID)
	assert.True(t, done.Cancelled)
	assert.Equal(t, 3, done.TotalPairs)
	assert.Equal(t, 2, done.FailedPairs)
	assert.Equal(t, models.JobStatusFailed, done.Status)

	details, _ := f.svc.Details(context.Background(), job.ID)
	require.Len(t, details, 3)
	assert.True(t, details[0].Success, "in-flight row finishes")
	assert.Equal(t, cancelledMessage, details[1].ErrorMessage)
	assert.Equal(t, cancelledMessage, details[2].ErrorMessage)

	assert.ErrorIs(t, f.svc.Cancel(context.Background(), job.ID), ErrJobNotRunning)
	assert.ErrorIs(t, f.svc.Cancel(context.Background(), 999), repository.ErrJobNotFound)
}

func TestUpdateService_ProgressFromHistory(t *testing.T) {
	jobs := newMemJobStore()
	stores := new(MockStoreLookup)
	ctx := context.Background()

	job := &models.UpdateJob{
		Filename:       "prices.xlsx",
		RowCount:       4,
		TargetStoreIDs: datatypes.JSONSlice[uint]{1, 2},
		Status:         models.JobStatusPending,
	}
	require.NoError(t, jobs.CreateJob(ctx, job))
	for _, sku := range []string{"A", "B", "C"} {
		require.NoError(t, jobs.CreateDetail(ctx, &models.UpdateDetail{JobID: job.ID, StoreID: 1, SKU: sku, Success: true}))
	}
	require.NoError(t, jobs.CreateDetail(ctx, &models.UpdateDetail{JobID: job.ID, StoreID: 2, SKU: "A"}))

	stores.On("GetByIDs", mock.Anything, []uint{1, 2}).
		Return([]models.Store{{ID: 1, Name: "Main"}, {ID: 2, Name: "Outlet"}}, nil)

	svc := NewUpdateService(jobs, stores, newFakeWriter(), nil, nil, testConfig(), testLogger())

	progress, err := svc.Progress(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, progress.Overall)
	assert.False(t, progress.Done)
	assert.Equal(t, []models.StoreProgress{
		{ID: 1, Name: "Main", Progress: 75},
		{ID: 2, Name: "Outlet", Progress: 25},
	}, progress.Stores)

	job.Status = models.JobStatusPartial
	require.NoError(t, jobs.CompleteJob(ctx, job))
	progress, err = svc.Progress(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, progress.Overall)
	assert.True(t, progress.Done)

	_, err = svc.Progress(ctx, 404)
	assert.ErrorIs(t, err, repository.ErrJobNotFound)
}

func TestUpdateService_ProgressFromMirror(t *testing.T) {
	mirror := &memMirror{progress: map[uint]models.JobProgress{
		5: {JobID: 5, Overall: 40, Stores: []models.StoreProgress{{ID: 1, Progress: 40}}},
	}}
	svc := NewUpdateService(newMemJobStore(), new(MockStoreLookup), newFakeWriter(), mirror, nil, testConfig(), testLogger())

	progress, err := svc.Progress(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 40, progress.Overall)
}

func TestUpdateService_Shutdown(t *testing.T) {
	f := newUpdateFixture(connectedStore(1, "Main"))
	f.writer.gate = make(chan struct{})
	f.writer.started = make(chan struct{})

	job := f.start(t, rowsFor("A", "B"), 1)
	<-f.writer.started

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.svc.Shutdown(short), context.DeadlineExceeded, "in-flight row is still blocked")

	close(f.writer.gate)
	require.NoError(t, f.svc.Shutdown(context.Background()))

	done, err := f.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, done.Status.IsTerminal())
	assert.True(t, done.Cancelled)
}
