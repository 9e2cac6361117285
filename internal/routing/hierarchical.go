package routing

import (
	"context"
	"math/rand"

	"github.com/aicentral/aicentral/internal/classify"
	"github.com/aicentral/aicentral/internal/endpoints"
)

// HierarchicalSelector composes selectors: each child is itself a selector,
// and flattening recurses so affinity lookups see every leaf.
type HierarchicalSelector struct {
	children []Selector
}

func NewHierarchical(children []Selector) *HierarchicalSelector {
	return &HierarchicalSelector{children: children}
}

func (s *HierarchicalSelector) Dispatch(ctx context.Context, details *classify.CallDetails) *endpoints.Result {
	child := s.children[rand.Intn(len(s.children))]
	return child.Dispatch(ctx, details)
}

func (s *HierarchicalSelector) Flatten() []endpoints.Dispatcher {
	var leaves []endpoints.Dispatcher
	for _, child := range s.children {
		leaves = append(leaves, child.Flatten()...)
	}
	return leaves
}
