package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run outcomes reported in apichain_runs_total.
const (
	OutcomeSuccess          = "success"
	OutcomeParseError       = "parse_error"
	OutcomeMethodNotAllowed = "method_not_allowed"
	OutcomeModelError       = "model_error"
	OutcomeTransportError   = "transport_error"
	OutcomeInputError       = "input_error"
	OutcomeCanceled         = "canceled"
)

// Metrics collects pipeline counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	runsTotal     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	repairsTotal  *prometheus.CounterVec
	httpResponses *prometheus.CounterVec
}

// NewMetrics registers the pipeline collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apichain",
			Name:      "runs_total",
			Help:      "Pipeline invocations by chain and outcome.",
		}, []string{"chain", "outcome"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "apichain",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		repairsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apichain",
			Name:      "repairs_total",
			Help:      "Descriptor repair round-trips by result.",
		}, []string{"result"}),
		httpResponses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apichain",
			Name:      "http_responses_total",
			Help:      "Responses received from target APIs by method and status class.",
		}, []string{"method", "status_class"}),
	}
}

func (m *Metrics) ObserveRun(chain, outcome string) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(chain, outcome).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) ObserveRepair(ok bool) {
	if m == nil {
		return
	}
	result := "failed"
	if ok {
		result = "repaired"
	}
	m.repairsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveHTTPResponse(method string, status int) {
	if m == nil {
		return
	}
	m.httpResponses.WithLabelValues(method, strconv.Itoa(status/100)+"xx").Inc()
}
