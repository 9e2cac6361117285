package endpoints

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/aicentral/aicentral/internal/classify"
	"github.com/aicentral/aicentral/internal/tokenest"
)

// Dispatcher executes one upstream HTTP call for a classified request.
type Dispatcher interface {
	ID() string
	Dispatch(ctx context.Context, details *classify.CallDetails) *Result
}

// variant is the provider-specific part of a dispatcher: target URL shape
// and auth header injection.
type variant interface {
	targetURL(details *classify.CallDetails, upstreamModel string) string
	decorate(req *http.Request)
}

// core carries the dispatch machinery shared by the Azure and OpenAI
// variants: model remap, body rewrite, per-endpoint concurrency cap,
// rate-limit hint parsing and usage extraction.
type core struct {
	desc    Descriptor
	variant variant
	client  *http.Client
	sem     *semaphore.Weighted
	logger  *zap.Logger
}

func newCore(desc Descriptor, v variant, client *http.Client, logger *zap.Logger) *core {
	desc.normalize()
	if client == nil {
		client = &http.Client{}
	}
	c := &core{
		desc:    desc,
		variant: v,
		client:  client,
		logger:  logger.With(zap.String("endpoint", desc.ID)),
	}
	if desc.MaxConcurrency > 0 {
		c.sem = semaphore.NewWeighted(int64(desc.MaxConcurrency))
	}
	return c
}

func (c *core) ID() string { return c.desc.ID }

func (c *core) Dispatch(ctx context.Context, details *classify.CallDetails) *Result {
	usage := &Usage{
		EndpointID:            c.desc.ID,
		CallKind:              details.Kind,
		Streaming:             details.Shape.Streaming(),
		StartedAt:             time.Now(),
		RemainingRequestsHint: -1,
		RemainingTokensHint:   -1,
	}

	upstreamModel, ok := c.desc.MapModel(details.IncomingModel())
	if !ok {
		usage.DeploymentOrModel = details.IncomingModel()
		c.logger.Warn("no model mapping for incoming model",
			zap.String("model", details.IncomingModel()))
		return errorResult(usage, http.StatusNotFound,
			fmt.Sprintf("model %q is not available on this endpoint", details.IncomingModel()), nil)
	}
	usage.DeploymentOrModel = upstreamModel

	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			usage.Duration = time.Since(usage.StartedAt)
			return errorResult(usage, http.StatusServiceUnavailable, "endpoint concurrency limit", err)
		}
	}
	release := func() {
		if c.sem != nil {
			c.sem.Release(1)
		}
	}

	res := c.roundTrip(ctx, details, upstreamModel, usage)
	if res.Body == nil {
		release()
	} else {
		res.Body = &cleanupReader{ReadCloser: res.Body, cleanup: release}
	}
	return res
}

func (c *core) roundTrip(ctx context.Context, details *classify.CallDetails, upstreamModel string, usage *Usage) *Result {
	target := c.variant.targetURL(details, upstreamModel)
	if u, err := url.Parse(target); err == nil {
		usage.UpstreamHost = u.Host
	}

	body := rewriteModel(details.RawBody, upstreamModel)

	reqCtx, cancel := context.WithTimeout(ctx, c.desc.Timeout)

	req, err := http.NewRequestWithContext(reqCtx, details.Method, target, bytes.NewReader(body))
	if err != nil {
		cancel()
		usage.Duration = time.Since(usage.StartedAt)
		return errorResult(usage, http.StatusBadGateway, "failed to build upstream request", err)
	}

	contentType := details.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	if details.Shape.Streaming() {
		req.Header.Set("Accept", "text/event-stream")
	}
	c.variant.decorate(req)

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		usage.Duration = time.Since(usage.StartedAt)
		status := http.StatusBadGateway
		message := "upstream request failed"
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
			message = "upstream request timed out"
		}
		c.logger.Warn("upstream dispatch failed", zap.Error(err))
		return errorResult(usage, status, message, err)
	}

	usage.Duration = time.Since(usage.StartedAt)
	parseRateLimitHints(resp.Header, usage)

	res := &Result{
		Status: resp.StatusCode,
		Header: resp.Header,
		Usage:  usage,
	}

	// Upstream 4xx/5xx bodies are forwarded verbatim.
	if resp.StatusCode >= 400 {
		res.Body = &cleanupReader{ReadCloser: resp.Body, cleanup: cancel}
		return res
	}

	usage.Success = true

	if details.Shape.Streaming() {
		usage.Estimated = true
		usage.PromptTokens = tokenest.Estimate(details.PromptText)
		body, tokens := newStreamEstimator(resp.Body, cancel)
		res.Body = body
		res.StreamTokens = tokens
		return res
	}

	defer cancel()
	buf, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		usage.Success = false
		usage.Duration = time.Since(usage.StartedAt)
		return errorResult(usage, http.StatusBadGateway, "failed reading upstream response", err)
	}
	usage.Duration = time.Since(usage.StartedAt)

	extractUsage(buf, details, usage)
	res.Body = io.NopCloser(bytes.NewReader(buf))
	return res
}

// rewriteModel derives a new body with the model field replaced; the raw
// body is never mutated so retries see the original bytes.
func rewriteModel(raw []byte, upstreamModel string) []byte {
	if len(raw) == 0 || upstreamModel == "" {
		return raw
	}
	if !gjson.GetBytes(raw, "model").Exists() {
		return raw
	}
	rewritten, err := sjson.SetBytes(raw, "model", upstreamModel)
	if err != nil {
		return raw
	}
	return rewritten
}

// extractUsage copies exact token counts from a buffered JSON response when
// the upstream returned a usage object, falling back to estimates.
func extractUsage(body []byte, details *classify.CallDetails, usage *Usage) {
	u := gjson.GetBytes(body, "usage")
	if u.IsObject() {
		usage.PromptTokens = int(u.Get("prompt_tokens").Int())
		usage.CompletionTokens = int(u.Get("completion_tokens").Int())
		usage.TotalTokens = int(u.Get("total_tokens").Int())
		if usage.TotalTokens == 0 {
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		}
		return
	}
	usage.Estimated = true
	usage.PromptTokens = tokenest.Estimate(details.PromptText)
	usage.TotalTokens = usage.PromptTokens
}

func parseRateLimitHints(h http.Header, usage *Usage) {
	if v := h.Get("x-ratelimit-remaining-requests"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			usage.RemainingRequestsHint = n
		}
	}
	if v := h.Get("x-ratelimit-remaining-tokens"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			usage.RemainingTokensHint = n
		}
	}
}

// errorResult synthesizes a local failure response in the OpenAI error shape.
func errorResult(usage *Usage, status int, message string, err error) *Result {
	usage.Success = false
	body := fmt.Sprintf(`{"error":{"message":%q,"type":"upstream_error","code":%d}}`, message, status)
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return &Result{
		Status: status,
		Header: header,
		Body:   io.NopCloser(bytes.NewReader([]byte(body))),
		Usage:  usage,
		Err:    err,
	}
}

// cleanupReader runs a cleanup exactly once when the body is closed, used
// to release the endpoint semaphore and the request timeout.
type cleanupReader struct {
	io.ReadCloser
	cleanup func()
	once    sync.Once
}

func (c *cleanupReader) Close() error {
	err := c.ReadCloser.Close()
	c.once.Do(c.cleanup)
	return err
}
