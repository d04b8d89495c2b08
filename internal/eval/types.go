package eval

// #region eval-config
// EvalConfig holds thresholds for post-commit validation.
type EvalConfig struct {
	// MinWeight fails a state holding any weight below it.
	MinWeight float64 `yaml:"min_weight" json:"min_weight" validate:"gt=0"`
	// MaxShare fails a state where one model holds more of the weight sum.
	// A converged key trips it on every commit.
	MaxShare float64 `yaml:"max_share" json:"max_share" validate:"gt=0,lte=1"`
}

// DefaultEvalConfig returns the default thresholds.
func DefaultEvalConfig() EvalConfig {
	return EvalConfig{
		MinWeight: 1e-9,
		MaxShare:  0.999,
	}
}

// #endregion eval-config

// #region eval-metric
// EvalMetric captures a single validation check result.
type EvalMetric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Pass  bool    `json:"pass"`
}

// #endregion eval-metric

// #region eval-result
// EvalResult is the output of post-commit validation.
type EvalResult struct {
	Passed  bool         `json:"passed"`
	Metrics []EvalMetric `json:"metrics"`
	Reason  string       `json:"reason"`
}

// Metric returns the named metric.
func (r EvalResult) Metric(name string) (EvalMetric, bool) {
	for _, m := range r.Metrics {
		if m.Name == name {
			return m, true
		}
	}
	return EvalMetric{}, false
}

// #endregion eval-result
