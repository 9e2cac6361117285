package pipeline

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/aicentral/aicentral/internal/classify"
	"github.com/aicentral/aicentral/internal/endpoints"
	"github.com/aicentral/aicentral/internal/middleware"
	"github.com/aicentral/aicentral/internal/telemetry"
)

// stubSelector returns a scripted result and remembers what it served.
type stubSelector struct {
	result func(details *classify.CallDetails) *endpoints.Result
	seen   *classify.CallDetails
	last   *endpoints.Result
}

func (s *stubSelector) Dispatch(_ context.Context, details *classify.CallDetails) *endpoints.Result {
	s.seen = details
	s.last = s.result(details)
	return s.last
}

func (s *stubSelector) Flatten() []endpoints.Dispatcher { return nil }

func okResult(endpointID, body string) *endpoints.Result {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &endpoints.Result{
		Status: http.StatusOK,
		Header: h,
		Body:   io.NopCloser(strings.NewReader(body)),
		Usage: &endpoints.Usage{
			EndpointID:            endpointID,
			Success:               true,
			TotalTokens:           21,
			Duration:              30 * time.Millisecond,
			RemainingRequestsHint: -1,
			RemainingTokensHint:   -1,
		},
	}
}

// recordingStep verifies Pre/Post ordering around rejections.
type recordingStep struct {
	name   string
	reject *middleware.Rejection
	pres   int
	posts  int
}

func (s *recordingStep) Name() string { return s.name }

func (s *recordingStep) Pre(context.Context, *classify.CallDetails) *middleware.Rejection {
	s.pres++
	return s.reject
}

func (s *recordingStep) Post(context.Context, *classify.CallDetails, *endpoints.Usage) {
	s.posts++
}

func chatRequest(body string) *http.Request {
	req := httptest.NewRequest("POST", "http://gw.example.com/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestPipelineHappyPath(t *testing.T) {
	sel := &stubSelector{result: func(*classify.CallDetails) *endpoints.Result {
		return okResult("ep-1", `{"id":"cmpl-1"}`)
	}}
	p := New(Config{Name: "prod", Selector: sel, Logger: zap.NewNop(), Diagnostics: true})

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, chatRequest(`{"model":"gpt-4","messages":[]}`))

	res := rec.Result()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	body, _ := io.ReadAll(res.Body)
	assert.Equal(t, `{"id":"cmpl-1"}`, string(body))
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))
	assert.Equal(t, "prod", res.Header.Get(PipelineHeader))
	assert.Equal(t, "ep-1", res.Header.Get(classify.AffinityHeader))

	require.NotNil(t, sel.seen)
	assert.NotEmpty(t, sel.seen.RequestID)
	assert.Equal(t, classify.KindChat, sel.seen.Kind)
}

func TestPipelineDiagnosticsOff(t *testing.T) {
	sel := &stubSelector{result: func(*classify.CallDetails) *endpoints.Result {
		return okResult("ep-1", `{}`)
	}}
	p := New(Config{Name: "prod", Selector: sel, Logger: zap.NewNop()})

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, chatRequest(`{}`))

	assert.Empty(t, rec.Result().Header.Get(PipelineHeader))
}

func TestPipelineFailureOmitsAffinityHeader(t *testing.T) {
	sel := &stubSelector{result: func(*classify.CallDetails) *endpoints.Result {
		h := http.Header{}
		return &endpoints.Result{
			Status: http.StatusBadGateway,
			Header: h,
			Body:   io.NopCloser(strings.NewReader(`{"error":{}}`)),
			Usage:  &endpoints.Usage{EndpointID: "ep-1", Success: false},
		}
	}}
	p := New(Config{Name: "prod", Selector: sel, Logger: zap.NewNop()})

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, chatRequest(`{}`))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Empty(t, rec.Result().Header.Get(classify.AffinityHeader))
}

// captureRecorder remembers every measurement for assertions.
type captureRecorder struct {
	mu         sync.Mutex
	histograms []telemetry.Tags
	upDowns    map[string]float64
}

func newCaptureRecorder() *captureRecorder {
	return &captureRecorder{upDowns: make(map[string]float64)}
}

func (c *captureRecorder) Histogram(_ string, _ float64, tags telemetry.Tags) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.histograms = append(c.histograms, tags)
}

func (c *captureRecorder) UpDown(name string, delta float64, _ telemetry.Tags) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upDowns[name] += delta
}

func (c *captureRecorder) Gauge(string, float64, telemetry.Tags) {}

func TestPipelineMalformedBody(t *testing.T) {
	recorder := newCaptureRecorder()
	p := New(Config{Name: "prod", Selector: &stubSelector{}, Recorder: recorder, Logger: zap.NewNop()})

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, chatRequest(`{"model": `))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, gjson.Get(rec.Body.String(), "error.message").String())

	// The rejected request still shows up in telemetry as a failure, and
	// the in-flight gauge returns to zero.
	require.Len(t, recorder.histograms, 1)
	assert.False(t, recorder.histograms[0].Success)
	assert.Equal(t, 0.0, recorder.upDowns[telemetry.MetricActiveRequests])
}

func TestPipelineRejectionShortCircuits(t *testing.T) {
	first := &recordingStep{name: "first"}
	rejecting := &recordingStep{name: "limiter", reject: &middleware.Rejection{
		Status:     http.StatusTooManyRequests,
		Message:    "rate limit exceeded",
		RetryAfter: 30 * time.Second,
	}}
	after := &recordingStep{name: "after"}

	sel := &stubSelector{result: func(*classify.CallDetails) *endpoints.Result {
		t.Fatal("selector must not run after a rejection")
		return nil
	}}

	p := New(Config{
		Name:     "prod",
		Steps:    []middleware.Step{first, rejecting, after},
		Selector: sel,
		Logger:   zap.NewNop(),
	})

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, chatRequest(`{}`))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Result().Header.Get("Retry-After"))
	assert.Equal(t, "rate limit exceeded", gjson.Get(rec.Body.String(), "error.message").String())

	assert.Equal(t, 1, first.pres)
	assert.Equal(t, 1, first.posts, "admitted steps still unwind")
	assert.Equal(t, 1, rejecting.pres)
	assert.Equal(t, 0, rejecting.posts, "the rejecting step was never admitted")
	assert.Equal(t, 0, after.pres)
}

func TestPipelineBulkheadReleasedAfterRequest(t *testing.T) {
	sel := &stubSelector{result: func(*classify.CallDetails) *endpoints.Result {
		return okResult("ep-1", `{}`)
	}}
	p := New(Config{
		Name:     "prod",
		Steps:    []middleware.Step{middleware.NewBulkhead(1, 0)},
		Selector: sel,
		Logger:   zap.NewNop(),
	})

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, chatRequest(`{}`))
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}
}

func TestPipelineAuthRejects(t *testing.T) {
	sel := &stubSelector{result: func(*classify.CallDetails) *endpoints.Result {
		return okResult("ep-1", `{}`)
	}}
	auth := middleware.NewAuth([]middleware.Client{{Name: "team-a", Keys: []string{"good-key"}}}, zap.NewNop())
	p := New(Config{Name: "prod", Steps: []middleware.Step{auth}, Selector: sel, Logger: zap.NewNop()})

	t.Run("bad key", func(t *testing.T) {
		req := chatRequest(`{}`)
		req.Header.Set("api-key", "bad-key")
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("good key tags the consumer", func(t *testing.T) {
		req := chatRequest(`{}`)
		req.Header.Set("api-key", "good-key")
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "team-a", sel.seen.ConsumerID)
	})
}

func TestPipelineStreamingTrailer(t *testing.T) {
	sse := "data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\ndata: [DONE]\n\n"

	sel := &stubSelector{result: func(*classify.CallDetails) *endpoints.Result {
		tokens := make(chan int, 1)
		tokens <- 7
		close(tokens)
		h := http.Header{}
		h.Set("Content-Type", "text/event-stream")
		return &endpoints.Result{
			Status: http.StatusOK,
			Header: h,
			Body:   io.NopCloser(strings.NewReader(sse)),
			Usage: &endpoints.Usage{
				EndpointID:   "ep-1",
				Success:      true,
				Streaming:    true,
				Estimated:    true,
				PromptTokens: 3,
			},
			StreamTokens: tokens,
		}
	}}
	p := New(Config{Name: "prod", Selector: sel, Logger: zap.NewNop()})

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, chatRequest(`{"model":"gpt-4","stream":true}`))

	res := rec.Result()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, sse, rec.Body.String())

	_, _ = io.ReadAll(res.Body)
	assert.Equal(t, "7", res.Trailer.Get(endpoints.StreamingTokensTrailer))

	require.NotNil(t, sel.last)
	assert.Equal(t, 7, sel.last.Usage.EstimatedCompletionTokens)
	assert.Equal(t, 10, sel.last.Usage.TotalTokens, "prompt estimate plus streamed completion estimate")
}

func TestPipelineFlushesChunks(t *testing.T) {
	sel := &stubSelector{result: func(*classify.CallDetails) *endpoints.Result {
		tokens := make(chan int, 1)
		tokens <- 0
		close(tokens)
		return &endpoints.Result{
			Status:       http.StatusOK,
			Header:       http.Header{},
			Body:         io.NopCloser(bytes.NewReader([]byte("data: [DONE]\n\n"))),
			Usage:        &endpoints.Usage{EndpointID: "ep-1", Success: true, Streaming: true},
			StreamTokens: tokens,
		}
	}}
	p := New(Config{Name: "prod", Selector: sel, Logger: zap.NewNop()})

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, chatRequest(`{"stream":true}`))

	assert.True(t, rec.Flushed)
}
