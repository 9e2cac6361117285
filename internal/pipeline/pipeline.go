// Package pipeline drives one request end to end: classification, the
// ordered step chain, selector dispatch, response streaming and telemetry.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aicentral/aicentral/internal/classify"
	"github.com/aicentral/aicentral/internal/endpoints"
	"github.com/aicentral/aicentral/internal/latency"
	"github.com/aicentral/aicentral/internal/middleware"
	"github.com/aicentral/aicentral/internal/routing"
	"github.com/aicentral/aicentral/internal/telemetry"
)

// PipelineHeader names the chosen pipeline on responses when diagnostics
// are enabled.
const PipelineHeader = "x-aicentral-pipeline"

type Config struct {
	Name        string
	Steps       []middleware.Step // auth first, then the configured order
	Selector    routing.Selector
	Tracker     *latency.Tracker
	Recorder    telemetry.Recorder
	Logger      *zap.Logger
	Diagnostics bool
}

type Pipeline struct {
	name        string
	steps       []middleware.Step
	selector    routing.Selector
	tracker     *latency.Tracker
	recorder    telemetry.Recorder
	logger      *zap.Logger
	diagnostics bool
}

func New(cfg Config) *Pipeline {
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = telemetry.Nop{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		name:        cfg.Name,
		steps:       cfg.Steps,
		selector:    cfg.Selector,
		tracker:     cfg.Tracker,
		recorder:    recorder,
		logger:      logger.With(zap.String("pipeline", cfg.Name)),
		diagnostics: cfg.Diagnostics,
	}
}

func (p *Pipeline) Name() string { return p.name }

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.recorder.UpDown(telemetry.MetricActiveRequests, 1, telemetry.Tags{Pipeline: p.name})
	defer p.recorder.UpDown(telemetry.MetricActiveRequests, -1, telemetry.Tags{Pipeline: p.name})

	details, err := classify.Classify(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "request body is not valid JSON")
		bad := &classify.CallDetails{Kind: classify.KindOther}
		p.emit(bad, rejectedUsage(bad))
		p.logger.Info("request body rejected", zap.Error(err))
		return
	}
	details.RequestID = uuid.NewString()

	log := p.logger.With(zap.String("request_id", details.RequestID))
	log.Debug("request classified",
		zap.String("call_kind", details.Kind.String()),
		zap.String("model", details.IncomingModel()),
		zap.Bool("streaming", details.Shape.Streaming()))

	ctx := r.Context()
	started := time.Now()

	// Pre hooks run in order; the first rejection short-circuits. Post
	// hooks of already-admitted steps still run so permits are released.
	var admitted []middleware.Step
	for _, step := range p.steps {
		if rej := step.Pre(ctx, details); rej != nil {
			usage := rejectedUsage(details)
			p.runPosts(ctx, admitted, details, usage)
			writeRejection(w, rej)
			p.emit(details, usage)
			log.Info("request rejected",
				zap.String("step", step.Name()),
				zap.Int("status", rej.Status))
			return
		}
		admitted = append(admitted, step)
	}

	res := p.selector.Dispatch(ctx, details)
	usage := res.Usage

	if usage.Success && p.tracker != nil {
		p.tracker.Observe(usage.EndpointID, usage.Duration)
	}

	p.writeResult(w, details, res, log)

	p.runPosts(ctx, admitted, details, usage)
	p.emit(details, usage)

	log.Info("request completed",
		zap.String("endpoint", usage.EndpointID),
		zap.Int("status", res.Status),
		zap.Bool("success", usage.Success),
		zap.Duration("upstream_duration", usage.Duration),
		zap.Duration("total_duration", time.Since(started)))
}

func (p *Pipeline) writeResult(w http.ResponseWriter, details *classify.CallDetails, res *endpoints.Result, log *zap.Logger) {
	defer res.Close()

	copyHeaders(w.Header(), res.Header)
	if p.diagnostics {
		w.Header().Set(PipelineHeader, p.name)
	}
	if res.Usage.Success {
		w.Header().Set(classify.AffinityHeader, res.Usage.EndpointID)
	}

	if res.StreamTokens == nil {
		w.WriteHeader(res.Status)
		if res.Body != nil {
			if _, err := io.Copy(w, res.Body); err != nil {
				log.Debug("caller went away during response write", zap.Error(err))
			}
		}
		return
	}

	// Streamed response: chunks pass through with a flush per write, and
	// the final token estimate lands in the trailer once the tee is done.
	w.Header().Set("Trailer", endpoints.StreamingTokensTrailer)
	w.WriteHeader(res.Status)

	if _, err := io.Copy(newFlushWriter(w), res.Body); err != nil {
		log.Debug("stream aborted", zap.Error(err))
	}
	res.Close()

	estimated := <-res.StreamTokens
	res.Usage.EstimatedCompletionTokens = estimated
	if res.Usage.Estimated {
		res.Usage.CompletionTokens = estimated
		res.Usage.TotalTokens = res.Usage.PromptTokens + estimated
	}
	w.Header().Set(endpoints.StreamingTokensTrailer, strconv.Itoa(estimated))
}

func (p *Pipeline) runPosts(ctx context.Context, admitted []middleware.Step, details *classify.CallDetails, usage *endpoints.Usage) {
	for i := len(admitted) - 1; i >= 0; i-- {
		admitted[i].Post(ctx, details, usage)
	}
}

func (p *Pipeline) emit(details *classify.CallDetails, usage *endpoints.Usage) {
	tags := telemetry.Tags{
		Pipeline:   p.name,
		Endpoint:   usage.EndpointID,
		Deployment: usage.DeploymentOrModel,
		Model:      details.IncomingModel(),
		CallKind:   usage.CallKind.String(),
		Client:     details.ConsumerID,
		Streaming:  usage.Streaming,
		Success:    usage.Success,
	}

	p.recorder.Histogram(telemetry.MetricRequestDuration, usage.Duration.Seconds(), tags)

	for tokenType, count := range map[string]int{
		"prompt":     usage.PromptTokens,
		"completion": usage.CompletionTokens,
		"total":      usage.TotalTokens,
	} {
		if count > 0 {
			t := tags
			t.TokenType = tokenType
			p.recorder.UpDown(telemetry.MetricTokens, float64(count), t)
		}
	}

	if usage.UpstreamHost != "" {
		// Both segments are flattened: a deployment like gpt-3.5-turbo would
		// otherwise break the dotted name apart.
		host := telemetry.NormalizeHost(usage.UpstreamHost)
		deployment := telemetry.NormalizeHost(usage.DeploymentOrModel)
		if usage.RemainingRequestsHint >= 0 {
			p.recorder.Gauge(
				fmt.Sprintf("downstream.%s.%s.remaining_requests", host, deployment),
				float64(usage.RemainingRequestsHint), tags)
		}
		if usage.RemainingTokensHint >= 0 {
			p.recorder.Gauge(
				fmt.Sprintf("downstream.%s.%s.remaining_tokens", host, deployment),
				float64(usage.RemainingTokensHint), tags)
		}
	}
}

// rejectedUsage is the single usage record for a short-circuited request.
func rejectedUsage(details *classify.CallDetails) *endpoints.Usage {
	return &endpoints.Usage{
		CallKind:              details.Kind,
		Streaming:             details.Shape.Streaming(),
		Success:               false,
		StartedAt:             time.Now(),
		RemainingRequestsHint: -1,
		RemainingTokensHint:   -1,
	}
}

var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
}

func writeRejection(w http.ResponseWriter, rej *middleware.Rejection) {
	if rej.RetryAfter > 0 {
		seconds := int(math.Ceil(rej.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	writeError(w, rej.Status, rej.Message)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    status,
		},
	})
}
