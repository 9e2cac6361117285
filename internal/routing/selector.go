// Package routing decides which endpoint dispatcher serves a request.
// Selectors compose: hierarchical selectors hold other selectors, and the
// affinity selector wraps any of them. Flatten exposes the leaf dispatchers
// so affinity can route to a specific endpoint by id.
package routing

import (
	"context"

	"github.com/aicentral/aicentral/internal/classify"
	"github.com/aicentral/aicentral/internal/endpoints"
)

// Selector chooses and drives one dispatcher per request. When every leaf
// a strategy is willing to try has failed, the last upstream result is
// returned as-is rather than fabricating a status.
type Selector interface {
	Dispatch(ctx context.Context, details *classify.CallDetails) *endpoints.Result
	Flatten() []endpoints.Dispatcher
}

func findByID(leaves []endpoints.Dispatcher, id string) endpoints.Dispatcher {
	for _, d := range leaves {
		if d.ID() == id {
			return d
		}
	}
	return nil
}
