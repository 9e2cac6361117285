package routing

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/aicentral/aicentral/internal/classify"
	"github.com/aicentral/aicentral/internal/endpoints"
	"github.com/aicentral/aicentral/internal/latency"
)

// LowestLatencySelector routes to the endpoint with the lowest observed
// EWMA latency. Endpoints without a sample yet are preferred over any
// sampled one so new endpoints get probed; ties break randomly.
type LowestLatencySelector struct {
	leaves  []endpoints.Dispatcher
	tracker *latency.Tracker
	logger  *zap.Logger
}

func NewLowestLatency(leaves []endpoints.Dispatcher, tracker *latency.Tracker, logger *zap.Logger) *LowestLatencySelector {
	return &LowestLatencySelector{leaves: leaves, tracker: tracker, logger: logger}
}

func (s *LowestLatencySelector) Dispatch(ctx context.Context, details *classify.CallDetails) *endpoints.Result {
	chosen := s.choose()
	s.logger.Debug("selected endpoint by latency", zap.String("endpoint", chosen.ID()))
	return chosen.Dispatch(ctx, details)
}

func (s *LowestLatencySelector) choose() endpoints.Dispatcher {
	var unsampled []endpoints.Dispatcher
	var best []endpoints.Dispatcher
	var bestLatency time.Duration

	for _, d := range s.leaves {
		sample, ok := s.tracker.Sample(d.ID())
		if !ok {
			unsampled = append(unsampled, d)
			continue
		}
		switch {
		case len(best) == 0 || sample < bestLatency:
			best = best[:0]
			best = append(best, d)
			bestLatency = sample
		case sample == bestLatency:
			best = append(best, d)
		}
	}

	if len(unsampled) > 0 {
		return unsampled[rand.Intn(len(unsampled))]
	}
	return best[rand.Intn(len(best))]
}

func (s *LowestLatencySelector) Flatten() []endpoints.Dispatcher {
	return s.leaves
}
