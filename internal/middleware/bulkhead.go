package middleware

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/aicentral/aicentral/internal/classify"
	"github.com/aicentral/aicentral/internal/endpoints"
)

// BulkheadStep caps concurrent in-flight requests with a fixed-size
// semaphore. With no queue timeout admission is reject-fast; with one,
// a request may wait that long for a permit. Post releases exactly one
// permit on every exit path.
type BulkheadStep struct {
	sem          *semaphore.Weighted
	queueTimeout time.Duration
}

func NewBulkhead(capacity int, queueTimeout time.Duration) *BulkheadStep {
	return &BulkheadStep{
		sem:          semaphore.NewWeighted(int64(capacity)),
		queueTimeout: queueTimeout,
	}
}

func (s *BulkheadStep) Name() string { return "bulk-head" }

func (s *BulkheadStep) Pre(ctx context.Context, _ *classify.CallDetails) *Rejection {
	if s.queueTimeout <= 0 {
		if s.sem.TryAcquire(1) {
			return nil
		}
		return s.reject()
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.queueTimeout)
	defer cancel()
	if err := s.sem.Acquire(waitCtx, 1); err != nil {
		return s.reject()
	}
	return nil
}

func (s *BulkheadStep) Post(_ context.Context, _ *classify.CallDetails, _ *endpoints.Usage) {
	s.sem.Release(1)
}

func (s *BulkheadStep) reject() *Rejection {
	return &Rejection{
		Status:     http.StatusTooManyRequests,
		Message:    "too many concurrent requests",
		RetryAfter: time.Second,
	}
}
