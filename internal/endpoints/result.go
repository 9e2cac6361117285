package endpoints

import (
	"io"
	"net/http"
	"time"

	"github.com/aicentral/aicentral/internal/classify"
)

// StreamingTokensTrailer carries the final completion-token estimate of a
// streamed response.
const StreamingTokensTrailer = "x-aicentral-streaming-tokens"

// Usage is the post-call accounting record. Exactly one is produced per
// request, success or failure.
type Usage struct {
	EndpointID        string
	UpstreamHost      string
	DeploymentOrModel string
	CallKind          classify.Kind
	Streaming         bool
	Success           bool

	// Token counts: exact when the upstream returned a usage object,
	// otherwise estimated (Estimated is then true).
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Estimated        bool

	// EstimatedCompletionTokens is filled at stream end for streamed calls.
	EstimatedCompletionTokens int

	Duration  time.Duration
	StartedAt time.Time

	// Hints parsed from upstream rate-limit headers; -1 when absent.
	RemainingRequestsHint int
	RemainingTokensHint   int
}

// Result is the outcome of one dispatch: an upstream response (possibly an
// error synthesized locally) plus its usage record. Network failures are
// carried in Err with a synthesized status, never thrown across the
// pipeline's return path.
type Result struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
	Usage  *Usage
	Err    error

	// StreamTokens delivers the final completion-token estimate once the
	// streamed body has been fully read. Nil for buffered responses.
	StreamTokens <-chan int
}

// Transient reports whether a selector may fail over past this result:
// network errors, 5xx and 429. Other 4xx are returned to the caller as-is.
func (r *Result) Transient() bool {
	return r.Err != nil || r.Status >= 500 || r.Status == http.StatusTooManyRequests
}

// Close releases the response body if one is attached.
func (r *Result) Close() {
	if r.Body != nil {
		_ = r.Body.Close()
	}
}
