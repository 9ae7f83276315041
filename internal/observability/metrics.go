// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Stage metrics
	MessagesHandled *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec

	// Queue metrics
	MessagesPublished *prometheus.CounterVec
	DeadLetters       *prometheus.CounterVec
	MessagesInFlight  *prometheus.GaugeVec

	// Payout metrics
	TransfersExecuted *prometheus.CounterVec
	AmountExecuted    *prometheus.CounterVec

	// Ledger metrics
	RPCCallLatency *prometheus.HistogramVec
	RPCCallErrors  *prometheus.CounterVec

	// Idempotency metrics
	ClaimsTotal *prometheus.CounterVec

	// Scheduler metrics
	SchedulerSweeps     *prometheus.CounterVec
	LastSuccessfulSweep *prometheus.GaugeVec
	SchedulerEmitted    *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance registered with reg.
// A nil reg uses the default registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "fee_pipeline"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Stage metrics
		MessagesHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "messages_handled_total",
			Help:      "Total number of messages handled by stage and outcome",
		}, []string{"stage", "status"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "duration_seconds",
			Help:      "Handler duration by stage",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),

		// Queue metrics
		MessagesPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "messages_published_total",
			Help:      "Total number of messages published by topic",
		}, []string{"topic"}),
		DeadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "dead_letters_total",
			Help:      "Total number of messages moved to the dead-letter store by topic",
		}, []string{"topic"}),
		MessagesInFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "messages_in_flight",
			Help:      "Messages currently being handled by topic",
		}, []string{"topic"}),

		// Payout metrics
		TransfersExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "transfers_executed_total",
			Help:      "Total number of transfers submitted by kind",
		}, []string{"kind"}),
		AmountExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "lamports_executed_total",
			Help:      "Total lamports paid out by kind",
		}, []string{"kind"}),

		// Ledger metrics
		RPCCallLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "rpc_call_latency_seconds",
			Help:      "Latency of ledger RPC calls by method",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		RPCCallErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "rpc_call_errors_total",
			Help:      "Total number of failed ledger RPC calls by method",
		}, []string{"method"}),

		// Idempotency metrics
		ClaimsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "claims_total",
			Help:      "Claim attempts by key prefix and outcome",
		}, []string{"prefix", "outcome"}),

		// Scheduler metrics
		SchedulerSweeps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "sweeps_total",
			Help:      "Total number of scheduler sweeps by kind and status",
		}, []string{"sweep", "status"}),
		LastSuccessfulSweep: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "last_successful_sweep_timestamp",
			Help:      "Unix timestamp of the last successful sweep by kind",
		}, []string{"sweep"}),
		SchedulerEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "messages_emitted_total",
			Help:      "Messages emitted by the scheduler by topic",
		}, []string{"topic"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("", nil)

// RecordMessage records one handled message.
func RecordMessage(stage, status string, seconds float64) {
	DefaultMetrics.MessagesHandled.WithLabelValues(stage, status).Inc()
	DefaultMetrics.StageDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordPublished counts messages published to a topic.
func RecordPublished(topic string, n int) {
	DefaultMetrics.MessagesPublished.WithLabelValues(topic).Add(float64(n))
}

// RecordDeadLetter counts a message moved to the dead-letter store.
func RecordDeadLetter(topic string) {
	DefaultMetrics.DeadLetters.WithLabelValues(topic).Inc()
}

// AddInFlight adjusts the in-flight gauge for a topic.
func AddInFlight(topic string, delta float64) {
	DefaultMetrics.MessagesInFlight.WithLabelValues(topic).Add(delta)
}

// RecordTransfers records executed transfers of one kind.
func RecordTransfers(kind string, count int, lamports float64) {
	DefaultMetrics.TransfersExecuted.WithLabelValues(kind).Add(float64(count))
	DefaultMetrics.AmountExecuted.WithLabelValues(kind).Add(lamports)
}

// RecordRPCLatency records RPC call latency.
func RecordRPCLatency(method string, seconds float64, err error) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
	if err != nil {
		DefaultMetrics.RPCCallErrors.WithLabelValues(method).Inc()
	}
}

// RecordClaim records an idempotency claim outcome: claimed, held or error.
func RecordClaim(prefix, outcome string) {
	DefaultMetrics.ClaimsTotal.WithLabelValues(prefix, outcome).Inc()
}

// RecordSweep records a scheduler sweep.
func RecordSweep(sweep, status string, unixSeconds float64) {
	DefaultMetrics.SchedulerSweeps.WithLabelValues(sweep, status).Inc()
	if status == "success" {
		DefaultMetrics.LastSuccessfulSweep.WithLabelValues(sweep).Set(unixSeconds)
	}
}

// RecordEmitted counts messages the scheduler emitted to a topic.
func RecordEmitted(topic string, n int) {
	DefaultMetrics.SchedulerEmitted.WithLabelValues(topic).Add(float64(n))
}
