package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/aicentral/aicentral/internal/classify"
	"github.com/aicentral/aicentral/internal/endpoints"
)

// RequestRateStep admits at most R requests per fixed window of length W,
// per partition. Request tokens are consumed at admission, so Post is a
// no-op. Elapsed time is measured with the monotonic clock.
type RequestRateStep struct {
	limit  int
	window time.Duration
	mode   PartitionMode

	mu      sync.Mutex
	windows map[string]*requestWindow
}

type requestWindow struct {
	start time.Time
	count int
}

func NewRequestRate(limit int, window time.Duration, mode PartitionMode) *RequestRateStep {
	return &RequestRateStep{
		limit:   limit,
		window:  window,
		mode:    mode,
		windows: make(map[string]*requestWindow),
	}
}

func (s *RequestRateStep) Name() string { return "request-rate" }

func (s *RequestRateStep) Pre(ctx context.Context, details *classify.CallDetails) *Rejection {
	// A caller that already went away must not consume a window token.
	if ctx.Err() != nil {
		return &Rejection{Status: http.StatusRequestTimeout, Message: "request cancelled"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.mode.key(details)
	w, ok := s.windows[key]
	if !ok || time.Since(w.start) >= s.window {
		w = &requestWindow{start: time.Now()}
		s.windows[key] = w
	}

	if w.count >= s.limit {
		return &Rejection{
			Status:     http.StatusTooManyRequests,
			Message:    "request rate limit exceeded",
			RetryAfter: s.window - time.Since(w.start),
		}
	}

	w.count++
	return nil
}

func (s *RequestRateStep) Post(context.Context, *classify.CallDetails, *endpoints.Usage) {}
