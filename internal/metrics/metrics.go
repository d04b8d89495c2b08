package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// #region collectors
var (
	// selectTotal counts Select calls by policy and outcome
	selectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selector_select_total",
		Help: "Total select calls by policy and outcome",
	}, []string{"policy", "outcome"})

	// feedbackTotal counts Feedback calls by policy and outcome
	feedbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selector_feedback_total",
		Help: "Total feedback calls by policy and outcome",
	}, []string{"policy", "outcome"})

	// feedbackDuration tracks load → process → gate → store latency
	feedbackDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "selector_feedback_duration_seconds",
		Help:    "Feedback duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~800ms
	}, []string{"policy"})

	// corruptStateTotal counts undecodable stored states by handling action
	corruptStateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selector_corrupt_state_total",
		Help: "Stored states that failed to decode, by action taken",
	}, []string{"policy", "action"})

	// gateRejectTotal counts gate vetoes by veto type
	gateRejectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selector_gate_reject_total",
		Help: "Proposed states vetoed by the gate, by veto type",
	}, []string{"policy", "veto"})

	// initializedTotal counts states created from query candidates
	initializedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "selector_state_initialized_total",
		Help: "Policy states initialized from query candidates",
	}, []string{"policy"})
)

// #endregion collectors

// #region recorders
// Outcomes recorded on the select and feedback counters.
const (
	OutcomeOK     = "ok"
	OutcomeError  = "error"
	OutcomeCommit = "commit"
	OutcomeReject = "reject"
	OutcomeNoOp   = "no_op"
	ActionFail    = "fail"
	ActionReinit  = "reinitialize"
)

func ObserveSelect(policy, outcome string) {
	selectTotal.WithLabelValues(policy, outcome).Inc()
}

func ObserveFeedback(policy, outcome string, elapsed time.Duration) {
	feedbackTotal.WithLabelValues(policy, outcome).Inc()
	feedbackDuration.WithLabelValues(policy).Observe(elapsed.Seconds())
}

func ObserveCorrupt(policy, action string) {
	corruptStateTotal.WithLabelValues(policy, action).Inc()
}

func ObserveGateReject(policy, veto string) {
	gateRejectTotal.WithLabelValues(policy, veto).Inc()
}

func ObserveInitialized(policy string) {
	initializedTotal.WithLabelValues(policy).Inc()
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// #endregion recorders
