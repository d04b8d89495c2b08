package eval

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/adaptive-select/internal/state"
)

// #region eval-harness
// EvalHarness runs lightweight post-commit validation on a policy state.
type EvalHarness struct {
	config EvalConfig
}

// NewEvalHarness creates an eval harness with the given configuration.
func NewEvalHarness(config EvalConfig) *EvalHarness {
	return &EvalHarness{config: config}
}

// Run validates a committed state. selection_entropy is informational and
// never fails the run.
func (h *EvalHarness) Run(s state.PolicyState) EvalResult {
	if s.IsZero() {
		return EvalResult{Passed: false, Reason: "eval failed: empty state"}
	}

	var metrics []EvalMetric
	var failReasons []string
	check := func(name string, value float64, pass bool, reason string) {
		metrics = append(metrics, EvalMetric{Name: name, Value: value, Pass: pass})
		if !pass {
			failReasons = append(failReasons, reason)
		}
	}

	// 1. Floor
	minW, maxW := math.Inf(1), 0.0
	for _, e := range s.Entries() {
		w := e.Stats.Weight()
		minW = math.Min(minW, w)
		maxW = math.Max(maxW, w)
	}
	check("min_weight", minW, minW >= h.config.MinWeight,
		fmt.Sprintf("min weight %g below %g", minW, h.config.MinWeight))

	// 2. Collapse onto a single model
	share := maxW / s.WeightSum()
	check("max_share", share, share <= h.config.MaxShare,
		fmt.Sprintf("max share %.6f exceeds %.6f", share, h.config.MaxShare))

	// 3. Entropy of the weight shares, informational
	metrics = append(metrics, EvalMetric{Name: "selection_entropy", Value: Entropy(s), Pass: true})

	// 4. Cached sum agrees with the entries
	drift := s.WeightSum() - s.RecomputedWeightSum()
	check("weight_sum_drift", drift, drift == 0,
		fmt.Sprintf("weight_sum drift %g", drift))

	reason := "all checks passed"
	if len(failReasons) == 1 {
		reason = fmt.Sprintf("eval failed: %s", failReasons[0])
	} else if len(failReasons) > 1 {
		reason = fmt.Sprintf("eval failed: %d checks: %s", len(failReasons), failReasons[0])
	}

	return EvalResult{
		Passed:  len(failReasons) == 0,
		Metrics: metrics,
		Reason:  reason,
	}
}

// #endregion eval-harness

// #region helpers
// Entropy is the Shannon entropy, in nats, of the weight shares w_i/W.
// A uniform state over K models has entropy ln K.
func Entropy(s state.PolicyState) float64 {
	w := s.WeightSum()
	var h float64
	for _, e := range s.Entries() {
		p := e.Stats.Weight() / w
		if p > 0 {
			h -= p * math.Log(p)
		}
	}
	return h
}

// #endregion helpers
