package gate

// #region veto-type
// VetoType enumerates hard veto categories.
type VetoType string

const (
	VetoMissingCandidate VetoType = "missing_candidate"
	VetoVariantChange    VetoType = "variant_change"
	VetoBadWeight        VetoType = "bad_weight"
	VetoWeightSum        VetoType = "weight_sum_mismatch"
	VetoObservations     VetoType = "observations_decreased"
)

// #endregion veto-type

// #region veto-signal
// VetoSignal represents a detected hard veto condition.
type VetoSignal struct {
	Type   VetoType
	Reason string
}

// #endregion veto-signal

// #region gate-config
// GateConfig holds thresholds for gate decisions.
type GateConfig struct {
	// MaxShift is the total variation distance above which a commit is
	// flagged in the decision reason. It never blocks.
	MaxShift float64 `yaml:"max_shift" json:"max_shift" validate:"gte=0,lte=1"`
}

// DefaultGateConfig returns the default thresholds.
func DefaultGateConfig() GateConfig {
	return GateConfig{MaxShift: 0.5}
}

// #endregion gate-config

// #region gate-decision
// GateDecision is the output of the gate evaluation.
type GateDecision struct {
	Action      string // "commit" | "reject"
	Reason      string
	Vetoed      bool
	VetoSignals []VetoSignal // non-empty if vetoed
	Shift       float64      // total variation distance between old and proposed shares
	SoftScore   float64      // 1 - Shift
}

// #endregion gate-decision
