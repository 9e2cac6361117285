package telemetry

import (
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aicentral_request_duration_seconds",
			Help:    "End-to-end request latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"pipeline", "endpoint", "deployment", "model", "call_kind", "streaming", "success", "client"},
	)

	activeRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aicentral_active_requests",
			Help: "Requests currently in flight",
		},
		[]string{"pipeline"},
	)

	tokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aicentral_tokens_total",
			Help: "Tokens consumed, exact or estimated",
		},
		[]string{"pipeline", "endpoint", "model", "type"},
	)

	// Prometheus metric names cannot carry the dotted downstream form, so
	// the host/deployment/metric parts become labels instead.
	downstream = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aicentral_downstream",
			Help: "Per-endpoint gauges such as remaining rate-limit hints",
		},
		[]string{"host", "deployment", "metric"},
	)
)

// PromRecorder implements Recorder on top of prometheus/client_golang.
type PromRecorder struct{}

func NewPromRecorder() *PromRecorder { return &PromRecorder{} }

func (r *PromRecorder) Histogram(name string, value float64, tags Tags) {
	if name != MetricRequestDuration {
		return
	}
	requestDuration.WithLabelValues(
		tags.Pipeline, tags.Endpoint, tags.Deployment, tags.Model, tags.CallKind,
		strconv.FormatBool(tags.Streaming), strconv.FormatBool(tags.Success), tags.Client,
	).Observe(value)
}

func (r *PromRecorder) UpDown(name string, delta float64, tags Tags) {
	switch name {
	case MetricActiveRequests:
		activeRequests.WithLabelValues(tags.Pipeline).Add(delta)
	case MetricTokens:
		if delta > 0 {
			tokensTotal.WithLabelValues(tags.Pipeline, tags.Endpoint, tags.Model, tags.TokenType).Add(delta)
		}
	}
}

func (r *PromRecorder) Gauge(name string, value float64, tags Tags) {
	// downstream.{host_normalized}.{deployment}.{metric}
	if parts := strings.Split(name, "."); len(parts) == 4 && parts[0] == "downstream" {
		downstream.WithLabelValues(parts[1], parts[2], parts[3]).Set(value)
	}
}

// NormalizeHost flattens an upstream host into a metric-safe token.
func NormalizeHost(host string) string {
	host = strings.ReplaceAll(host, ".", "_")
	return strings.ReplaceAll(host, ":", "_")
}
