package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"gorm.io/datatypes"

	"pricing-sync-service/internal/config"
	"pricing-sync-service/internal/models"
	"pricing-sync-service/internal/repository"
)

const (
	progressMirrorEvery = 10
	cancelledMessage    = "update cancelled"
	timedOutMessage     = "update timed out"
)

var (
	ErrNoStores         = errors.New("at least one store is required")
	ErrNoRows           = errors.New("no valid product rows")
	ErrNoFieldsSelected = errors.New("no update option selected")
	ErrJobNotRunning    = errors.New("update job is not running")
	ErrUnknownTier      = errors.New("unknown tier")
)

// JobStore persists jobs and their row outcomes
type JobStore interface {
	CreateJob(ctx context.Context, job *models.UpdateJob) error
	CompleteJob(ctx context.Context, job *models.UpdateJob) error
	GetJob(ctx context.Context, id uint) (*models.UpdateJob, error)
	ListJobs(ctx context.Context, limit, offset int) ([]models.UpdateJob, int64, error)
	CreateDetail(ctx context.Context, detail *models.UpdateDetail) error
	ListDetails(ctx context.Context, jobID uint) ([]models.UpdateDetail, error)
	CountDetails(ctx context.Context, jobID uint) ([]repository.DetailCount, error)
}

// StoreWriter applies rows to a store and snapshots products before writing
type StoreWriter interface {
	ApplyUpdate(ctx context.Context, store *models.Store, sku string, fields models.UpdateFields) (*models.UpdateOutcome, error)
	Backup(ctx context.Context, store *models.Store, jobID uint, skus []string) (*models.BackupHandle, error)
}

// ProgressMirror keeps a shared copy of job progress
type ProgressMirror interface {
	Get(ctx context.Context, jobID uint) (*models.JobProgress, error)
	Set(ctx context.Context, progress *models.JobProgress) error
}

// JobEvents is notified of job lifecycle changes
type JobEvents interface {
	JobStarted(job *models.UpdateJob) error
	JobCompleted(job *models.UpdateJob) error
}

// StartJobRequest contains the data for starting an update job
type StartJobRequest struct {
	Filename string
	Rows     []models.ProductRow
	StoreIDs []uint
	Options  models.UpdateOptions
}

type runningJob struct {
	cancel  context.CancelFunc
	stop    context.CancelFunc
	stopCtx context.Context
	stopped *atomic.Bool
}

type storeResult struct {
	total  int
	failed int
}

// UpdateService owns the lifecycle of update jobs
type UpdateService struct {
	jobs      JobStore
	stores    StoreLookup
	writer    StoreWriter
	tracker   *ProgressTracker
	semaphore *StoreSemaphore
	mirror    ProgressMirror
	events    JobEvents
	config    *config.Config
	logger    *logrus.Entry

	mu         sync.Mutex
	activeJobs map[uint]*runningJob
	wg         sync.WaitGroup
}

// NewUpdateService creates a new update service. mirror and events may be nil.
func NewUpdateService(
	jobs JobStore,
	stores StoreLookup,
	writer StoreWriter,
	mirror ProgressMirror,
	events JobEvents,
	cfg *config.Config,
	logger *logrus.Entry,
) *UpdateService {
	return &UpdateService{
		jobs:       jobs,
		stores:     stores,
		writer:     writer,
		tracker:    NewProgressTracker(cfg.ProgressRetention),
		semaphore:  NewStoreSemaphore(cfg.MaxConcurrentStores, cfg.StoreQueueTimeout),
		mirror:     mirror,
		events:     events,
		config:     cfg,
		logger:     logger.WithField("component", "update_service"),
		activeJobs: make(map[uint]*runningJob),
	}
}

// normalizeTierOptions lowercases the selected tier names so they match the
// configured tiers and the parsed rows. Names that are not configured are rejected.
func normalizeTierOptions(opts models.UpdateOptions, tiers []models.Tier) (models.UpdateOptions, error) {
	if len(opts.UpdateTierPrices) == 0 {
		return opts, nil
	}

	known := make(map[string]bool, len(tiers))
	for _, t := range tiers {
		known[t.Name] = true
	}

	selected := make(map[string]bool, len(opts.UpdateTierPrices))
	var unknown []string
	for name, on := range opts.UpdateTierPrices {
		key := strings.ToLower(strings.TrimSpace(name))
		if !known[key] {
			unknown = append(unknown, name)
			continue
		}
		selected[key] = selected[key] || on
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return opts, fmt.Errorf("%w: %s", ErrUnknownTier, strings.Join(unknown, ", "))
	}

	opts.UpdateTierPrices = selected
	return opts, nil
}

// JobStatusFor maps failed/total pairs to a terminal status
func JobStatusFor(total, failed int, threshold float64) models.JobStatus {
	switch {
	case failed == 0:
		return models.JobStatusCompleted
	case float64(failed)/float64(total) > threshold:
		return models.JobStatusFailed
	default:
		return models.JobStatusPartial
	}
}

// StartJob persists a pending job and runs it in the background. It returns
// as soon as the job is recorded.
func (s *UpdateService) StartJob(ctx context.Context, req StartJobRequest) (*models.UpdateJob, error) {
	if len(req.StoreIDs) == 0 {
		return nil, ErrNoStores
	}
	if len(req.Rows) == 0 {
		return nil, ErrNoRows
	}
	if !req.Options.Enabled() {
		return nil, ErrNoFieldsSelected
	}
	options, err := normalizeTierOptions(req.Options, s.config.Tiers)
	if err != nil {
		return nil, err
	}

	storeIDs := uniqueIDs(req.StoreIDs)
	stores, err := s.stores.GetByIDs(ctx, storeIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load stores: %w", err)
	}
	if len(stores) != len(storeIDs) {
		return nil, fmt.Errorf("%w: %v", repository.ErrStoreNotFound, missingIDs(storeIDs, stores))
	}

	rows := firstOccurrences(req.Rows)

	job := &models.UpdateJob{
		Filename:       req.Filename,
		RowCount:       len(rows),
		TargetStoreIDs: datatypes.JSONSlice[uint](storeIDs),
		Options:        datatypes.NewJSONType(options),
		Status:         models.JobStatusPending,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.tracker.Start(job.ID, stores, len(rows))

	jobCtx, cancel := context.WithTimeout(context.Background(), s.config.JobTimeout)
	stopCtx, stop := context.WithCancel(jobCtx)
	rj := &runningJob{cancel: cancel, stop: stop, stopCtx: stopCtx, stopped: atomic.NewBool(false)}

	s.mu.Lock()
	s.activeJobs[job.ID] = rj
	s.mu.Unlock()

	if s.events != nil {
		if err := s.events.JobStarted(job); err != nil {
			s.logger.WithError(err).WithField("job_id", job.ID).Warn("Failed to publish job started event")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"filename": job.Filename,
		"rows":     len(rows),
		"stores":   storeIDs,
	}).Info("Update job started")

	running := *job
	s.wg.Add(1)
	go s.run(jobCtx, rj, &running, stores, rows)

	return job, nil
}

func (s *UpdateService) run(ctx context.Context, rj *runningJob, job *models.UpdateJob, stores []models.Store, rows []models.ProductRow) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.activeJobs, job.ID)
		s.mu.Unlock()
		rj.cancel()
	}()
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("job_id", job.ID).Errorf("Update job panicked: %v", r)
		}
	}()

	start := time.Now()
	results := make([]storeResult, len(stores))

	var wg sync.WaitGroup
	for i := range stores {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.processStore(ctx, rj, job, &stores[i], rows)
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		job.TotalPairs += r.total
		job.FailedPairs += r.failed
	}
	job.Status = JobStatusFor(job.TotalPairs, job.FailedPairs, s.config.JobFailureThreshold)
	job.Cancelled = rj.stopped.Load()

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.jobs.CompleteJob(persistCtx, job); err != nil {
		s.logger.WithError(err).WithField("job_id", job.ID).Error("Failed to complete job")
	}

	s.tracker.Finish(job.ID)
	s.mirrorProgress(persistCtx, job.ID)

	if s.events != nil {
		if err := s.events.JobCompleted(job); err != nil {
			s.logger.WithError(err).WithField("job_id", job.ID).Warn("Failed to publish job completed event")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"status":    job.Status,
		"total":     job.TotalPairs,
		"failed":    job.FailedPairs,
		"cancelled": job.Cancelled,
		"duration":  time.Since(start).String(),
	}).Info("Update job finished")
}

// processStore applies every row to one store, sequentially. Each row yields
// exactly one detail record.
func (s *UpdateService) processStore(ctx context.Context, rj *runningJob, job *models.UpdateJob, store *models.Store, rows []models.ProductRow) storeResult {
	log := s.logger.WithFields(logrus.Fields{"job_id": job.ID, "store_id": store.ID})
	result := storeResult{total: len(rows)}
	persistCtx := context.WithoutCancel(ctx)

	if holder, busy := s.semaphore.Holder(store.ID); busy && holder != job.ID {
		log.WithField("holder_job_id", holder).Info("Store is busy, waiting for the running job")
	}
	release, waited, err := s.semaphore.Acquire(rj.stopCtx, store.ID, job.ID)
	if err != nil {
		msg := err.Error()
		if rj.stopped.Load() {
			msg = cancelledMessage
		}
		log.WithError(err).Warn("Could not start store")
		result.failed = s.failRemaining(persistCtx, job, store, rows, msg)
		s.tracker.CompleteStore(job.ID, store.ID)
		return result
	}
	defer release()
	if waited > time.Second {
		log.WithField("waited", waited.String()).Info("Store was busy with another job")
	}

	skus := make([]string, len(rows))
	for i := range rows {
		skus[i] = rows[i].SKU
	}
	if handle, err := s.writer.Backup(ctx, store, job.ID, skus); err != nil {
		log.WithError(err).Warn("Backup failed, continuing without backup")
	} else {
		log.WithFields(logrus.Fields{"backup": handle.Name, "products": handle.ProductCount}).Info("Backup created")
	}

	options := job.Options.Data()
	for i := range rows {
		if rj.stopped.Load() || ctx.Err() != nil {
			msg := cancelledMessage
			if !rj.stopped.Load() {
				msg = timedOutMessage
			}
			result.failed += s.failRemaining(persistCtx, job, store, rows[i:], msg)
			break
		}

		row := &rows[i]
		detail := &models.UpdateDetail{JobID: job.ID, StoreID: store.ID, SKU: row.SKU}

		fields := options.FieldsFor(*row)
		if fields.IsEmpty() {
			detail.Success = true
		} else if outcome, err := s.writer.ApplyUpdate(ctx, store, row.SKU, fields); err != nil {
			detail.ErrorMessage = err.Error()
			log.WithError(err).WithField("sku", row.SKU).Debug("Row failed")
		} else {
			productID := outcome.ProductID
			detail.Success = true
			detail.ProductID = &productID
			detail.OldValues = outcome.OldValues()
			detail.NewValues = outcome.NewValues()
		}

		if !detail.Success {
			result.failed++
		}
		s.saveDetail(persistCtx, detail)
		s.tracker.Advance(job.ID, store.ID, 1)

		if (i+1)%progressMirrorEvery == 0 {
			s.mirrorProgress(persistCtx, job.ID)
		}
	}

	s.tracker.CompleteStore(job.ID, store.ID)
	log.WithFields(logrus.Fields{"rows": result.total, "failed": result.failed}).Info("Store finished")
	return result
}

func (s *UpdateService) failRemaining(ctx context.Context, job *models.UpdateJob, store *models.Store, rows []models.ProductRow, msg string) int {
	for i := range rows {
		s.saveDetail(ctx, &models.UpdateDetail{
			JobID:        job.ID,
			StoreID:      store.ID,
			SKU:          rows[i].SKU,
			ErrorMessage: msg,
		})
		s.tracker.Advance(job.ID, store.ID, 1)
	}
	return len(rows)
}

func (s *UpdateService) saveDetail(ctx context.Context, detail *models.UpdateDetail) {
	if err := s.jobs.CreateDetail(ctx, detail); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"job_id":   detail.JobID,
			"store_id": detail.StoreID,
			"sku":      detail.SKU,
		}).Error("Failed to record update detail")
	}
}

func (s *UpdateService) mirrorProgress(ctx context.Context, jobID uint) {
	if s.mirror == nil {
		return
	}
	progress, ok := s.tracker.Snapshot(jobID)
	if !ok {
		return
	}
	if err := s.mirror.Set(ctx, progress); err != nil {
		s.logger.WithError(err).WithField("job_id", jobID).Debug("Failed to mirror progress")
	}
}

// Cancel stops a running job after its in-flight rows. Rows not yet
// attempted are recorded as failed.
func (s *UpdateService) Cancel(ctx context.Context, jobID uint) error {
	s.mu.Lock()
	rj, exists := s.activeJobs[jobID]
	s.mu.Unlock()

	if !exists {
		if _, err := s.jobs.GetJob(ctx, jobID); err != nil {
			return err
		}
		return ErrJobNotRunning
	}

	rj.stopped.Store(true)
	rj.stop()
	s.logger.WithField("job_id", jobID).Info("Update job cancellation requested")
	return nil
}

// Progress returns live progress, falling back to the mirror and then to
// the recorded details for jobs this instance is not tracking.
func (s *UpdateService) Progress(ctx context.Context, jobID uint) (*models.JobProgress, error) {
	if progress, ok := s.tracker.Snapshot(jobID); ok {
		return progress, nil
	}

	if s.mirror != nil {
		progress, err := s.mirror.Get(ctx, jobID)
		if err != nil {
			s.logger.WithError(err).WithField("job_id", jobID).Debug("Progress mirror read failed")
		} else if progress != nil {
			return progress, nil
		}
	}

	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	counts, err := s.jobs.CountDetails(ctx, jobID)
	if err != nil {
		return nil, err
	}
	stores, err := s.stores.GetByIDs(ctx, []uint(job.TargetStoreIDs))
	if err != nil {
		return nil, err
	}

	return progressFromCounts(job, stores, counts), nil
}

func progressFromCounts(job *models.UpdateJob, stores []models.Store, counts []repository.DetailCount) *models.JobProgress {
	names := make(map[uint]string, len(stores))
	for _, st := range stores {
		names[st.ID] = st.Name
	}
	done := make(map[uint]int64, len(counts))
	for _, c := range counts {
		done[c.StoreID] = c.Total
	}

	finished := job.Status.IsTerminal()
	progress := &models.JobProgress{JobID: job.ID, Done: finished}
	var sumDone, sumTotal int64
	for _, id := range job.TargetStoreIDs {
		total := int64(job.RowCount)
		d := done[id]
		if d > total || finished {
			d = total
		}
		pct := 100
		if total > 0 {
			pct = int(d * 100 / total)
		}
		sumDone += d
		sumTotal += total
		progress.Stores = append(progress.Stores, models.StoreProgress{ID: id, Name: names[id], Progress: capPercent(pct, finished)})
	}

	progress.Overall = 100
	if sumTotal > 0 {
		progress.Overall = int(sumDone * 100 / sumTotal)
	}
	progress.Overall = capPercent(progress.Overall, finished)
	return progress
}

// Details returns every row outcome of a job
func (s *UpdateService) Details(ctx context.Context, jobID uint) ([]models.UpdateDetail, error) {
	if _, err := s.jobs.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.jobs.ListDetails(ctx, jobID)
}

// GetJob retrieves a job by ID
func (s *UpdateService) GetJob(ctx context.Context, jobID uint) (*models.UpdateJob, error) {
	return s.jobs.GetJob(ctx, jobID)
}

// ListJobs lists jobs newest first
func (s *UpdateService) ListJobs(ctx context.Context, limit, offset int) ([]models.UpdateJob, int64, error) {
	return s.jobs.ListJobs(ctx, limit, offset)
}

// IsRunning reports whether this instance is running the job
func (s *UpdateService) IsRunning(jobID uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.activeJobs[jobID]
	return ok
}

// QueueStats reports which stores are being written and by which job
func (s *UpdateService) QueueStats() map[string]interface{} {
	stats := s.semaphore.Stats()
	s.mu.Lock()
	stats["runningJobs"] = len(s.activeJobs)
	s.mu.Unlock()
	return stats
}

// Wait blocks until every running job has finished
func (s *UpdateService) Wait() {
	s.wg.Wait()
}

// Shutdown cancels running jobs and waits for them to record their outcome
func (s *UpdateService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, rj := range s.activeJobs {
		rj.stopped.Store(true)
		rj.stop()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunJanitor prunes finished progress entries until ctx is done
func (s *UpdateService) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.tracker.Prune(now); n > 0 {
				s.logger.WithField("pruned", n).Debug("Pruned finished job progress")
			}
		}
	}
}

// firstOccurrences keeps the first row of each sku
func firstOccurrences(rows []models.ProductRow) []models.ProductRow {
	seen := make(map[string]bool, len(rows))
	out := make([]models.ProductRow, 0, len(rows))
	for _, row := range rows {
		if seen[row.SKU] {
			continue
		}
		seen[row.SKU] = true
		out = append(out, row)
	}
	return out
}

func uniqueIDs(ids []uint) []uint {
	seen := make(map[uint]bool, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func missingIDs(ids []uint, stores []models.Store) []uint {
	found := make(map[uint]bool, len(stores))
	for _, st := range stores {
		found[st.ID] = true
	}
	var missing []uint
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return missing
}
