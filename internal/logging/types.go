package logging

import "time"

// #region provenance-entry
// ProvenanceEntry is a single row in the provenance_log table.
type ProvenanceEntry struct {
	VersionID   string
	Policy      string
	Label       string
	QueryID     int64
	RewardsJSON string
	Decision    string // "commit" | "reject" | "no_op"
	Reason      string
	CreatedAt   time.Time
}

// #endregion provenance-entry

// #region feedback-record
// FeedbackRecord captures everything a feedback decision was based on.
// Serialized as JSON into provenance_log.rewards_json so a decision can be
// audited without the prior state.
type FeedbackRecord struct {
	TrueValue    float64            `json:"true_value"`
	Predictions  []PredictionRecord `json:"predictions"`
	Observations uint64             `json:"observations"`

	// Weight shares before and after the update, keyed by "name:version".
	SharesBefore map[string]float64 `json:"shares_before,omitempty"`
	SharesAfter  map[string]float64 `json:"shares_after,omitempty"`

	// Gate output
	GateAction string   `json:"gate_action"`
	GateShift  float64  `json:"gate_shift"`
	GateVetoed bool     `json:"gate_vetoed"`
	GateVetoes []string `json:"gate_vetoes,omitempty"`
	GateReason string   `json:"gate_reason"`
}

// PredictionRecord is one model output as seen by the feedback step.
type PredictionRecord struct {
	Models []string `json:"models"`
	Value  float64  `json:"value"`
}

// #endregion feedback-record
