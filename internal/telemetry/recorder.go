// Package telemetry is the sink for the gateway's counters, histograms and
// gauges. The Recorder interface keeps the pipeline decoupled from the
// concrete backend; errors inside a recorder never propagate to requests.
package telemetry

// Metric names emitted by the pipeline.
const (
	MetricRequestDuration = "aicentral.request.duration"
	MetricActiveRequests  = "aicentral.active_requests"
	MetricTokens          = "aicentral.tokens"
)

// Tags dimension a measurement. Empty fields are emitted as-is; backends
// may drop dimensions they cannot carry.
type Tags struct {
	Pipeline   string
	Endpoint   string
	Deployment string
	Model      string
	CallKind   string
	Client     string
	TokenType  string // prompt, completion, total
	Streaming  bool
	Success    bool
}

type Recorder interface {
	Histogram(name string, value float64, tags Tags)
	UpDown(name string, delta float64, tags Tags)

	// Gauge also accepts the downstream.{host}.{deployment}.{metric} name
	// family for per-endpoint gauges that cannot carry dimensions.
	Gauge(name string, value float64, tags Tags)
}

// Nop discards every measurement; used in tests.
type Nop struct{}

func (Nop) Histogram(string, float64, Tags) {}
func (Nop) UpDown(string, float64, Tags)    {}
func (Nop) Gauge(string, float64, Tags)     {}
