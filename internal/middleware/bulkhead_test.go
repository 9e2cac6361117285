package middleware

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aicentral/aicentral/internal/classify"
)

func TestBulkheadRejectFast(t *testing.T) {
	step := NewBulkhead(2, 0)
	ctx := context.Background()
	details := &classify.CallDetails{}

	require.Nil(t, step.Pre(ctx, details))
	require.Nil(t, step.Pre(ctx, details))

	rej := step.Pre(ctx, details)
	require.NotNil(t, rej)
	assert.Equal(t, http.StatusTooManyRequests, rej.Status)
	assert.Equal(t, time.Second, rej.RetryAfter)

	// Releasing a permit re-opens admission.
	step.Post(ctx, details, nil)
	assert.Nil(t, step.Pre(ctx, details))
}

func TestBulkheadQueueTimeout(t *testing.T) {
	step := NewBulkhead(1, 100*time.Millisecond)
	ctx := context.Background()
	details := &classify.CallDetails{}

	require.Nil(t, step.Pre(ctx, details))

	t.Run("queued request times out", func(t *testing.T) {
		start := time.Now()
		rej := step.Pre(ctx, details)
		require.NotNil(t, rej)
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	})

	t.Run("queued request gets the freed permit", func(t *testing.T) {
		done := make(chan *Rejection, 1)
		go func() { done <- step.Pre(ctx, details) }()

		time.Sleep(20 * time.Millisecond)
		step.Post(ctx, details, nil)

		select {
		case rej := <-done:
			assert.Nil(t, rej)
		case <-time.After(time.Second):
			t.Fatal("queued request never admitted")
		}
	})
}

func TestBulkheadConcurrencyBound(t *testing.T) {
	const capacity = 5
	step := NewBulkhead(capacity, 50*time.Millisecond)
	ctx := context.Background()

	var inFlight, peak, admitted atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			details := &classify.CallDetails{}
			if step.Pre(ctx, details) != nil {
				return
			}
			admitted.Add(1)

			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			step.Post(ctx, details, nil)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(capacity), "no more than capacity requests in flight")
	assert.GreaterOrEqual(t, admitted.Load(), int32(capacity))
}
