package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/aicentral/aicentral/internal/classify"
	"github.com/aicentral/aicentral/internal/endpoints"
	"github.com/aicentral/aicentral/internal/tokenest"
)

// TokenRateStep budgets estimated tokens against a bucket of capacity T
// refilled every window. Pre reserves the prompt estimate; Post reconciles
// against what the call actually consumed: an exact total replaces the
// reservation, a streamed completion estimate is added on top. Over-
// estimates are refunded, under-estimates charged.
type TokenRateStep struct {
	capacity int
	window   time.Duration
	mode     PartitionMode

	mu           sync.Mutex
	buckets      map[string]*tokenWindow
	reservations map[string]*reservation // request id -> open reservation
}

type tokenWindow struct {
	start time.Time
	used  int
}

type reservation struct {
	window *tokenWindow
	key    string
	amount int
}

func NewTokenRate(capacity int, window time.Duration, mode PartitionMode) *TokenRateStep {
	return &TokenRateStep{
		capacity:     capacity,
		window:       window,
		mode:         mode,
		buckets:      make(map[string]*tokenWindow),
		reservations: make(map[string]*reservation),
	}
}

func (s *TokenRateStep) Name() string { return "token-rate" }

func (s *TokenRateStep) Pre(ctx context.Context, details *classify.CallDetails) *Rejection {
	// A caller that already went away must not reserve tokens.
	if ctx.Err() != nil {
		return &Rejection{Status: http.StatusRequestTimeout, Message: "request cancelled"}
	}

	estimate := tokenest.Estimate(details.PromptText)
	if estimate == 0 {
		estimate = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.mode.key(details)
	w, ok := s.buckets[key]
	if !ok || time.Since(w.start) >= s.window {
		w = &tokenWindow{start: time.Now()}
		s.buckets[key] = w
	}

	if w.used+estimate > s.capacity {
		return &Rejection{
			Status:     http.StatusTooManyRequests,
			Message:    "token rate limit exceeded",
			RetryAfter: s.window - time.Since(w.start),
		}
	}

	w.used += estimate
	s.reservations[details.RequestID] = &reservation{window: w, key: key, amount: estimate}
	return nil
}

func (s *TokenRateStep) Post(_ context.Context, details *classify.CallDetails, usage *endpoints.Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[details.RequestID]
	if !ok {
		return
	}
	delete(s.reservations, details.RequestID)

	// The window the reservation was charged to may have rolled over; in
	// that case there is nothing left to reconcile against.
	if s.buckets[res.key] != res.window || time.Since(res.window.start) >= s.window {
		return
	}

	var delta int
	switch {
	case usage == nil:
		return
	case !usage.Estimated && usage.TotalTokens > 0:
		delta = usage.TotalTokens - res.amount
	case usage.EstimatedCompletionTokens > 0:
		delta = usage.EstimatedCompletionTokens
	default:
		return
	}

	res.window.used += delta
	if res.window.used < 0 {
		res.window.used = 0
	}
}
