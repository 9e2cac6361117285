// Package middleware holds the pipeline steps: each step is a value with a
// Pre hook that may short-circuit the request and a Post hook that runs on
// the return path. The pipeline runs Pre hooks in order and Post hooks in
// reverse, so an admitted Pre is always paired with exactly one Post even
// when the request is cancelled.
package middleware

import (
	"context"
	"time"

	"github.com/aicentral/aicentral/internal/classify"
	"github.com/aicentral/aicentral/internal/endpoints"
)

// Rejection short-circuits the pipeline with an HTTP response.
type Rejection struct {
	Status     int
	Message    string
	RetryAfter time.Duration // rendered as a Retry-After header when > 0
}

type Step interface {
	Name() string

	// Pre admits or rejects the request. A nil return admits; a non-nil
	// Rejection is written to the caller and the rest of the chain is
	// skipped. A cancelled Pre must not leave state behind.
	Pre(ctx context.Context, details *classify.CallDetails) *Rejection

	// Post runs on the return path, only for steps whose Pre admitted.
	// usage is never nil; rejected or cancelled requests carry a failure
	// usage record.
	Post(ctx context.Context, details *classify.CallDetails, usage *endpoints.Usage)
}

// PartitionMode selects how limiter state is keyed.
type PartitionMode int

const (
	// PerPipeline shares one counter or bucket across the pipeline.
	PerPipeline PartitionMode = iota
	// PerConsumer keys state by consumer id; anonymous requests fall back
	// to the pipeline-wide partition.
	PerConsumer
)

const pipelinePartition = "\x00pipeline"

func (m PartitionMode) key(details *classify.CallDetails) string {
	if m == PerConsumer && details.ConsumerID != "" {
		return details.ConsumerID
	}
	return pipelinePartition
}
