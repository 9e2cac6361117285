package routing

import (
	"context"
	"math/rand"

	"go.uber.org/zap"

	"github.com/aicentral/aicentral/internal/classify"
	"github.com/aicentral/aicentral/internal/endpoints"
)

// PrioritySelector cascades through ordered tiers. Within a tier endpoints
// are tried in random order; a transient failure (network error, 5xx, 429)
// moves on to the next endpoint, and an exhausted tier advances the
// cascade. Any other 4xx halts fail-over and is returned verbatim.
type PrioritySelector struct {
	tiers  [][]endpoints.Dispatcher
	logger *zap.Logger
}

func NewPriority(tiers [][]endpoints.Dispatcher, logger *zap.Logger) *PrioritySelector {
	return &PrioritySelector{tiers: tiers, logger: logger}
}

func (s *PrioritySelector) Dispatch(ctx context.Context, details *classify.CallDetails) *endpoints.Result {
	var last *endpoints.Result

	for tier, dispatchers := range s.tiers {
		for _, i := range rand.Perm(len(dispatchers)) {
			if ctx.Err() != nil && last != nil {
				return last
			}

			d := dispatchers[i]
			res := d.Dispatch(ctx, details)
			if !res.Transient() {
				return res
			}

			s.logger.Debug("endpoint failed transiently, cascading",
				zap.String("endpoint", d.ID()),
				zap.Int("tier", tier),
				zap.Int("status", res.Status))

			// Discard the superseded transient response.
			if last != nil {
				last.Close()
			}
			last = res
		}
	}

	return last
}

func (s *PrioritySelector) Flatten() []endpoints.Dispatcher {
	var leaves []endpoints.Dispatcher
	for _, tier := range s.tiers {
		leaves = append(leaves, tier...)
	}
	return leaves
}
