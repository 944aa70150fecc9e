package services

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// StoreSemaphore serializes writers per store so two jobs never write the same
// store at once, and caps the number of stores being written in total.
type StoreSemaphore struct {
	mu           sync.RWMutex
	storeSems    map[uint]chan struct{}
	global       chan struct{}
	queueTimeout time.Duration
	active       map[uint]uint // store id -> job id holding the slot
}

// NewStoreSemaphore creates a semaphore. maxStores <= 0 means no global cap.
func NewStoreSemaphore(maxStores int, queueTimeout time.Duration) *StoreSemaphore {
	var global chan struct{}
	if maxStores > 0 {
		global = make(chan struct{}, maxStores)
	}
	if queueTimeout <= 0 {
		queueTimeout = 10 * time.Minute
	}
	return &StoreSemaphore{
		storeSems:    make(map[uint]chan struct{}),
		global:       global,
		queueTimeout: queueTimeout,
		active:       make(map[uint]uint),
	}
}

func (ss *StoreSemaphore) storeSem(storeID uint) chan struct{} {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if sem, exists := ss.storeSems[storeID]; exists {
		return sem
	}
	sem := make(chan struct{}, 1)
	ss.storeSems[storeID] = sem
	return sem
}

// Acquire waits for the store slot (and a global slot) up to the queue timeout.
// The returned release func must be called when the store's rows are done.
func (ss *StoreSemaphore) Acquire(ctx context.Context, storeID, jobID uint) (func(), time.Duration, error) {
	start := time.Now()

	queueCtx, cancel := context.WithTimeout(ctx, ss.queueTimeout)
	defer cancel()

	sem := ss.storeSem(storeID)
	select {
	case sem <- struct{}{}:
	case <-queueCtx.Done():
		return nil, time.Since(start), fmt.Errorf("timeout waiting for store %d to become free", storeID)
	}

	if ss.global != nil {
		select {
		case ss.global <- struct{}{}:
		case <-queueCtx.Done():
			<-sem
			return nil, time.Since(start), fmt.Errorf("timeout waiting for a free store worker for store %d", storeID)
		}
	}

	ss.mu.Lock()
	ss.active[storeID] = jobID
	ss.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			ss.mu.Lock()
			delete(ss.active, storeID)
			ss.mu.Unlock()

			if ss.global != nil {
				<-ss.global
			}
			<-sem
		})
	}
	return release, time.Since(start), nil
}

// Holder returns the job currently writing a store
func (ss *StoreSemaphore) Holder(storeID uint) (uint, bool) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	jobID, ok := ss.active[storeID]
	return jobID, ok
}

// Stats returns the busy stores keyed by store id
func (ss *StoreSemaphore) Stats() map[string]interface{} {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	busy := make(map[uint]uint, len(ss.active))
	for storeID, jobID := range ss.active {
		busy[storeID] = jobID
	}
	return map[string]interface{}{
		"busyStores":   busy,
		"knownStores":  len(ss.storeSems),
		"queueTimeout": ss.queueTimeout.String(),
	}
}
