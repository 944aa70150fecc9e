package opencart

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
)

func fastRetrier(maxRetries int) *Retrier {
	return NewRetrier(&RetryConfig{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2,
	})
}

func TestRetrier_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	result := fastRetrier(3).Do(context.Background(), "connect", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("dial tcp: connection refused")
		}
		return nil
	})

	assert.NoError(t, result.LastError)
	assert.Equal(t, 3, result.Attempts)
}

func TestRetrier_DoesNotRetryAccessDenied(t *testing.T) {
	calls := 0
	result := fastRetrier(3).Do(context.Background(), "connect", func(ctx context.Context) error {
		calls++
		return &mysql.MySQLError{Number: 1045, Message: "Access denied"}
	})

	assert.Error(t, result.LastError)
	assert.Equal(t, 1, calls)
}

func TestRetrier_GivesUp(t *testing.T) {
	result := fastRetrier(2).Do(context.Background(), "connect", func(ctx context.Context) error {
		return errors.New("timeout")
	})

	assert.Equal(t, 3, result.Attempts)
	assert.Contains(t, result.LastError.Error(), "max retries exceeded for connect")
}

func TestRetrier_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRetrier(&RetryConfig{MaxRetries: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour, BackoffFactor: 1})

	result := r.Do(ctx, "connect", func(ctx context.Context) error {
		cancel()
		return errors.New("refused")
	})

	assert.ErrorIs(t, result.LastError, context.Canceled)
	assert.Equal(t, 1, result.Attempts)
}

func TestCircuitBreaker(t *testing.T) {
	cb := NewCircuitBreaker(2, 20*time.Millisecond)

	assert.True(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())

	time.Sleep(30 * time.Millisecond)
	assert.True(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())

	time.Sleep(30 * time.Millisecond)
	assert.True(t, cb.Allow())
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
}
