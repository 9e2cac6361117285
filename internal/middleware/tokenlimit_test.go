package middleware

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aicentral/aicentral/internal/classify"
	"github.com/aicentral/aicentral/internal/endpoints"
)

// prompt of n estimated tokens (4 bytes per token).
func promptOf(tokens int) string {
	return strings.Repeat("abcd", tokens)
}

func TestTokenRateReservesEstimate(t *testing.T) {
	step := NewTokenRate(100, time.Minute, PerPipeline)
	ctx := context.Background()

	ok := &classify.CallDetails{RequestID: "r1", PromptText: promptOf(60)}
	require.Nil(t, step.Pre(ctx, ok))

	// 60 reserved, a further 60 does not fit.
	over := &classify.CallDetails{RequestID: "r2", PromptText: promptOf(60)}
	rej := step.Pre(ctx, over)
	require.NotNil(t, rej)
	assert.Equal(t, http.StatusTooManyRequests, rej.Status)
	assert.Greater(t, rej.RetryAfter, time.Duration(0))

	small := &classify.CallDetails{RequestID: "r3", PromptText: promptOf(30)}
	assert.Nil(t, step.Pre(ctx, small))
}

func TestTokenRateReconcilesExactUsage(t *testing.T) {
	step := NewTokenRate(100, time.Minute, PerPipeline)
	ctx := context.Background()

	details := &classify.CallDetails{RequestID: "r1", PromptText: promptOf(90)}
	require.Nil(t, step.Pre(ctx, details))

	// The call actually cost 10 tokens; the 90-token reservation is
	// replaced and the budget opens back up.
	step.Post(ctx, details, &endpoints.Usage{TotalTokens: 10})

	next := &classify.CallDetails{RequestID: "r2", PromptText: promptOf(80)}
	assert.Nil(t, step.Pre(ctx, next))
}

func TestTokenRateChargesUnderestimate(t *testing.T) {
	step := NewTokenRate(100, time.Minute, PerPipeline)
	ctx := context.Background()

	details := &classify.CallDetails{RequestID: "r1", PromptText: promptOf(10)}
	require.Nil(t, step.Pre(ctx, details))
	step.Post(ctx, details, &endpoints.Usage{TotalTokens: 95})

	// 95 consumed out of 100; 10 more does not fit.
	next := &classify.CallDetails{RequestID: "r2", PromptText: promptOf(10)}
	assert.NotNil(t, step.Pre(ctx, next))
}

func TestTokenRateAddsStreamedCompletionEstimate(t *testing.T) {
	step := NewTokenRate(100, time.Minute, PerPipeline)
	ctx := context.Background()

	details := &classify.CallDetails{RequestID: "r1", PromptText: promptOf(40)}
	require.Nil(t, step.Pre(ctx, details))

	// Streamed call: the prompt reservation stands and the completion
	// estimate is charged on top.
	step.Post(ctx, details, &endpoints.Usage{Estimated: true, EstimatedCompletionTokens: 50})

	next := &classify.CallDetails{RequestID: "r2", PromptText: promptOf(20)}
	assert.NotNil(t, step.Pre(ctx, next), "40 + 50 leaves no room for 20")

	fits := &classify.CallDetails{RequestID: "r3", PromptText: promptOf(10)}
	assert.Nil(t, step.Pre(ctx, fits))
}

func TestTokenRateFailedCallKeepsReservation(t *testing.T) {
	step := NewTokenRate(100, time.Minute, PerPipeline)
	ctx := context.Background()

	details := &classify.CallDetails{RequestID: "r1", PromptText: promptOf(60)}
	require.Nil(t, step.Pre(ctx, details))

	// No usable usage: the prompt estimate stays charged.
	step.Post(ctx, details, &endpoints.Usage{Estimated: true})

	next := &classify.CallDetails{RequestID: "r2", PromptText: promptOf(60)}
	assert.NotNil(t, step.Pre(ctx, next))
}

func TestTokenRatePerConsumerBuckets(t *testing.T) {
	step := NewTokenRate(50, time.Minute, PerConsumer)
	ctx := context.Background()

	alice := &classify.CallDetails{RequestID: "r1", ConsumerID: "alice", PromptText: promptOf(50)}
	require.Nil(t, step.Pre(ctx, alice))

	alice2 := &classify.CallDetails{RequestID: "r2", ConsumerID: "alice", PromptText: promptOf(1)}
	assert.NotNil(t, step.Pre(ctx, alice2))

	bob := &classify.CallDetails{RequestID: "r3", ConsumerID: "bob", PromptText: promptOf(50)}
	assert.Nil(t, step.Pre(ctx, bob))
}

func TestTokenRateCancelledReservesNothing(t *testing.T) {
	step := NewTokenRate(50, time.Minute, PerPipeline)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	rej := step.Pre(cancelled, &classify.CallDetails{RequestID: "r1", PromptText: promptOf(50)})
	require.NotNil(t, rej)
	assert.Equal(t, http.StatusRequestTimeout, rej.Status)

	// The bucket is untouched.
	live := &classify.CallDetails{RequestID: "r2", PromptText: promptOf(50)}
	assert.Nil(t, step.Pre(context.Background(), live))
}

func TestTokenRateWindowRollover(t *testing.T) {
	step := NewTokenRate(50, 50*time.Millisecond, PerPipeline)
	ctx := context.Background()

	details := &classify.CallDetails{RequestID: "r1", PromptText: promptOf(50)}
	require.Nil(t, step.Pre(ctx, details))

	time.Sleep(60 * time.Millisecond)

	// Fresh window admits again; the stale reservation must not corrupt it.
	next := &classify.CallDetails{RequestID: "r2", PromptText: promptOf(50)}
	require.Nil(t, step.Pre(ctx, next))

	step.Post(ctx, details, &endpoints.Usage{TotalTokens: 10})

	over := &classify.CallDetails{RequestID: "r3", PromptText: promptOf(10)}
	assert.NotNil(t, step.Pre(ctx, over), "stale reconcile must not refund the new window")
}
