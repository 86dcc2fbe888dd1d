package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/perfengine/internal/engineerr"
)

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	var calls int
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond}, func() error {
		calls++
		return engineerr.ValidationErr("bad input")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_RetriesRetryableUntilSuccess(t *testing.T) {
	var calls int
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return engineerr.DatabaseErr("transient", nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_MaxRetriesExceeded(t *testing.T) {
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond}, func() error {
		return engineerr.DatabaseErr("always fails", nil)
	})
	require.Error(t, err)
	assert.Equal(t, engineerr.MaxRetriesExceeded, engineerr.CodeOf(err))
}

func TestCircuitBreaker_OpensAtFailureRate(t *testing.T) {
	cb := newCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 0.5, MinRequests: 2, Timeout: time.Hour}, zerolog.Nop())

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func() error { return engineerr.DatabaseErr("boom", nil) })
	}

	err := cb.Execute(context.Background(), func() error { return nil })
	require.Error(t, err)
	assert.Equal(t, engineerr.CircuitOpen, engineerr.CodeOf(err))
}

func TestCircuitBreaker_StaysClosedBelowMinRequests(t *testing.T) {
	cb := newCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 0.5, MinRequests: 5, Timeout: time.Hour}, zerolog.Nop())

	// 100% failure rate, but under the observation floor.
	for i := 0; i < 4; i++ {
		_ = cb.Execute(context.Background(), func() error { return engineerr.DatabaseErr("boom", nil) })
	}

	err := cb.Execute(context.Background(), func() error { return nil })
	require.NoError(t, err)
}

func TestBulkhead_CapsInFlight(t *testing.T) {
	bh := NewBulkhead("test", 2, 50*time.Millisecond)
	var maxObserved int64
	var current int64
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = bh.Execute(context.Background(), func() error {
				n := atomic.AddInt64(&current, 1)
				for {
					old := atomic.LoadInt64(&maxObserved)
					if n <= old || atomic.CompareAndSwapInt64(&maxObserved, old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt64(&current, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxObserved, int64(2))
}

func TestBulkhead_RejectsWhenFull(t *testing.T) {
	bh := NewBulkhead("test", 1, 10*time.Millisecond)
	block := make(chan struct{})

	go func() {
		_ = bh.Execute(context.Background(), func() error {
			<-block
			return nil
		})
	}()
	time.Sleep(5 * time.Millisecond)

	err := bh.Execute(context.Background(), func() error { return nil })
	require.Error(t, err)
	assert.Equal(t, engineerr.BulkheadFull, engineerr.CodeOf(err))
	close(block)
}
