package opencart

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQL server errors that no amount of reconnecting fixes
var fatalMySQLErrors = map[uint16]string{
	1044: "database access denied",
	1045: "access denied",
	1049: "unknown database",
}

// RetryConfig controls reconnect attempts when a store database is opened
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Jitter         float64 // fraction of the delay added or removed at random
}

// DefaultRetryConfig returns the retry configuration used for store connects
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         0.1,
	}
}

// delay returns the wait before retry number attempt (0-based)
func (c *RetryConfig) delay(attempt int) time.Duration {
	d := float64(c.InitialBackoff) * math.Pow(c.BackoffFactor, float64(attempt))
	if c.Jitter > 0 {
		d *= 1 + c.Jitter*(rand.Float64()*2-1)
	}
	return time.Duration(math.Min(d, float64(c.MaxBackoff)))
}

// RetryResult reports how an operation ended
type RetryResult struct {
	Attempts      int
	LastError     error
	TotalDuration time.Duration
}

// Retrier reruns store operations that failed for transient reasons
type Retrier struct {
	config *RetryConfig
}

// NewRetrier creates a retrier. A nil config uses DefaultRetryConfig.
func NewRetrier(config *RetryConfig) *Retrier {
	if config == nil {
		config = DefaultRetryConfig()
	}
	return &Retrier{config: config}
}

// retryable reports whether err may go away on another attempt
func retryable(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrInvalidTablePrefix):
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		_, fatal := fatalMySQLErrors[myErr.Number]
		return !fatal
	}
	return true
}

// Do runs fn until it succeeds, fails permanently or runs out of attempts
func (r *Retrier) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) *RetryResult {
	start := time.Now()
	result := &RetryResult{}
	defer func() { result.TotalDuration = time.Since(start) }()

	for {
		result.Attempts++
		err := fn(ctx)
		result.LastError = err
		if !retryable(err) {
			return result
		}
		if result.Attempts > r.config.MaxRetries {
			result.LastError = fmt.Errorf("max retries exceeded for %s: %w", operation, err)
			return result
		}

		timer := time.NewTimer(r.config.delay(result.Attempts - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			return result
		case <-timer.C:
		}
	}
}

// CircuitState is the state of a store's circuit breaker
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// CircuitBreaker stops a store's row loop from waiting out a connect
// timeout on every row once the store is known to be down. After
// resetTimeout a single probe is let through; its outcome closes or
// reopens the circuit.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        CircuitState
	failures     int
	openedAt     time.Time
	probing      bool
	threshold    int
	resetTimeout time.Duration
}

// NewCircuitBreaker opens after threshold consecutive failures
func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{threshold: threshold, resetTimeout: resetTimeout}
}

// Allow reports whether the next write may reach the store
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if time.Since(cb.openedAt) < cb.resetTimeout {
			return false
		}
		cb.state = CircuitHalfOpen
		cb.probing = true
		return true
	case CircuitHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return true
	}
}

// RecordSuccess closes the circuit
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.failures = 0
	cb.probing = false
}

// RecordFailure counts a connection failure, opening the circuit at the
// threshold or when a probe fails
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.probing = false
	if cb.state == CircuitHalfOpen || cb.failures >= cb.threshold {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
	}
}

// State returns the current circuit state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
