package services

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"pricing-sync-service/internal/models"
)

// maxUnfinishedPercent is the highest percentage reported before the job's
// final status is recorded. Clients stop polling at 100 and then read the status.
const maxUnfinishedPercent = 99

// storeCounter is one store's done/total pair. Only its own worker advances it.
type storeCounter struct {
	id    uint
	name  string
	total int64
	done  *atomic.Int64
}

func (c *storeCounter) percent() int {
	if c.total == 0 {
		return 100
	}
	done := c.done.Load()
	if done >= c.total {
		return 100
	}
	return int(done * 100 / c.total)
}

type jobCounters struct {
	stores     []*storeCounter
	byID       map[uint]*storeCounter
	finished   *atomic.Bool
	finishedAt *atomic.Time
}

// ProgressTracker holds live per-job, per-store counters for polling
type ProgressTracker struct {
	mu        sync.RWMutex
	jobs      map[uint]*jobCounters
	retention time.Duration
}

// NewProgressTracker creates a tracker that forgets finished jobs after retention
func NewProgressTracker(retention time.Duration) *ProgressTracker {
	return &ProgressTracker{
		jobs:      make(map[uint]*jobCounters),
		retention: retention,
	}
}

// Start registers a job with the number of rows scheduled for each store
func (t *ProgressTracker) Start(jobID uint, stores []models.Store, rowsPerStore int) {
	counters := &jobCounters{
		byID:       make(map[uint]*storeCounter, len(stores)),
		finished:   atomic.NewBool(false),
		finishedAt: atomic.NewTime(time.Time{}),
	}
	for _, s := range stores {
		c := &storeCounter{id: s.ID, name: s.Name, total: int64(rowsPerStore), done: atomic.NewInt64(0)}
		counters.stores = append(counters.stores, c)
		counters.byID[s.ID] = c
	}

	t.mu.Lock()
	t.jobs[jobID] = counters
	t.mu.Unlock()
}

// Advance records n more processed rows for a store
func (t *ProgressTracker) Advance(jobID, storeID uint, n int) {
	t.mu.RLock()
	job, ok := t.jobs[jobID]
	t.mu.RUnlock()
	if !ok {
		return
	}
	if c, ok := job.byID[storeID]; ok {
		c.done.Add(int64(n))
	}
}

// CompleteStore moves a store to 100%
func (t *ProgressTracker) CompleteStore(jobID, storeID uint) {
	t.mu.RLock()
	job, ok := t.jobs[jobID]
	t.mu.RUnlock()
	if !ok {
		return
	}
	if c, ok := job.byID[storeID]; ok {
		if rest := c.total - c.done.Load(); rest > 0 {
			c.done.Add(rest)
		}
	}
}

// Finish marks the job done
func (t *ProgressTracker) Finish(jobID uint) {
	t.mu.RLock()
	job, ok := t.jobs[jobID]
	t.mu.RUnlock()
	if !ok {
		return
	}
	for _, c := range job.stores {
		if rest := c.total - c.done.Load(); rest > 0 {
			c.done.Add(rest)
		}
	}
	job.finishedAt.Store(time.Now())
	job.finished.Store(true)
}

// Snapshot returns the current progress of a job
func (t *ProgressTracker) Snapshot(jobID uint) (*models.JobProgress, bool) {
	t.mu.RLock()
	job, ok := t.jobs[jobID]
	t.mu.RUnlock()
	if !ok {
		return nil, false
	}

	finished := job.finished.Load()
	progress := &models.JobProgress{JobID: jobID, Done: finished, Stores: make([]models.StoreProgress, 0, len(job.stores))}
	var done, total int64
	for _, c := range job.stores {
		d := c.done.Load()
		if d > c.total {
			d = c.total
		}
		done += d
		total += c.total
		progress.Stores = append(progress.Stores, models.StoreProgress{ID: c.id, Name: c.name, Progress: capPercent(c.percent(), finished)})
	}

	switch {
	case finished, total == 0:
		progress.Overall = 100
	default:
		progress.Overall = int(done * 100 / total)
	}
	progress.Overall = capPercent(progress.Overall, finished)
	return progress, true
}

func capPercent(pct int, finished bool) int {
	if finished {
		return 100
	}
	if pct > maxUnfinishedPercent {
		return maxUnfinishedPercent
	}
	return pct
}

// Prune drops finished jobs older than the retention period
func (t *ProgressTracker) Prune(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, job := range t.jobs {
		if job.finished.Load() && now.Sub(job.finishedAt.Load()) > t.retention {
			delete(t.jobs, id)
			removed++
		}
	}
	return removed
}
