package routing

import (
	"context"
	"math/rand"

	"go.uber.org/zap"

	"github.com/aicentral/aicentral/internal/classify"
	"github.com/aicentral/aicentral/internal/endpoints"
)

// RandomSelector picks uniformly among its dispatchers.
type RandomSelector struct {
	leaves []endpoints.Dispatcher
	logger *zap.Logger
}

func NewRandom(leaves []endpoints.Dispatcher, logger *zap.Logger) *RandomSelector {
	return &RandomSelector{leaves: leaves, logger: logger}
}

func (s *RandomSelector) Dispatch(ctx context.Context, details *classify.CallDetails) *endpoints.Result {
	chosen := s.leaves[rand.Intn(len(s.leaves))]
	s.logger.Debug("selected endpoint randomly", zap.String("endpoint", chosen.ID()))
	return chosen.Dispatch(ctx, details)
}

func (s *RandomSelector) Flatten() []endpoints.Dispatcher {
	return s.leaves
}
