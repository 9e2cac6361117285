package routing

import (
	"context"

	"go.uber.org/zap"

	"github.com/aicentral/aicentral/internal/affinity"
	"github.com/aicentral/aicentral/internal/classify"
	"github.com/aicentral/aicentral/internal/endpoints"
)

// AffinitySelector wraps an inner selector with sticky routing. A request
// carrying an explicit endpoint preference, or whose (consumer, assistant)
// pair has a live binding, is routed to that leaf; anything else delegates
// to the inner strategy. A preference naming an endpoint outside the inner
// set is ignored, never an error.
type AffinitySelector struct {
	inner  Selector
	store  affinity.Store
	logger *zap.Logger
}

func NewAffinity(inner Selector, store affinity.Store, logger *zap.Logger) *AffinitySelector {
	return &AffinitySelector{inner: inner, store: store, logger: logger}
}

func (s *AffinitySelector) Dispatch(ctx context.Context, details *classify.CallDetails) *endpoints.Result {
	res := s.dispatch(ctx, details)

	if res.Usage.Success && details.AssistantID != "" && details.ConsumerID != "" {
		s.store.Record(ctx, details.ConsumerID, details.AssistantID, res.Usage.EndpointID)
	}
	return res
}

func (s *AffinitySelector) dispatch(ctx context.Context, details *classify.CallDetails) *endpoints.Result {
	if d := s.preferred(ctx, details); d != nil {
		return d.Dispatch(ctx, details)
	}
	return s.inner.Dispatch(ctx, details)
}

func (s *AffinitySelector) preferred(ctx context.Context, details *classify.CallDetails) endpoints.Dispatcher {
	leaves := s.inner.Flatten()

	if details.PreferredEndpointID != "" {
		if d := findByID(leaves, details.PreferredEndpointID); d != nil {
			s.logger.Debug("honoring affinity header",
				zap.String("endpoint", details.PreferredEndpointID))
			return d
		}
		s.logger.Debug("affinity header names unknown endpoint, ignoring",
			zap.String("endpoint", details.PreferredEndpointID))
	}

	if details.ConsumerID != "" && details.AssistantID != "" {
		if id, ok := s.store.Lookup(ctx, details.ConsumerID, details.AssistantID); ok {
			if d := findByID(leaves, id); d != nil {
				return d
			}
		}
	}
	return nil
}

func (s *AffinitySelector) Flatten() []endpoints.Dispatcher {
	return s.inner.Flatten()
}
