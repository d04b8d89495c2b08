package gate

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/adaptive-select/internal/state"
)

// #region gate
// Gate evaluates whether a proposed policy state should be committed or rejected.
type Gate struct {
	config GateConfig
}

// NewGate creates a gate with the given configuration.
func NewGate(config GateConfig) *Gate {
	return &Gate{config: config}
}

// Evaluate checks hard vetoes first, then scores how far the weight shares moved.
// A zero old state means the proposed state is the first one for its key.
func (g *Gate) Evaluate(old, proposed state.PolicyState) GateDecision {
	var vetoes []VetoSignal

	if proposed.IsZero() {
		vetoes = append(vetoes, VetoSignal{Type: VetoMissingCandidate, Reason: "proposed state is empty"})
		return reject(vetoes)
	}

	if !old.IsZero() {
		// 1. Every candidate survives.
		for _, id := range old.Models() {
			if !proposed.Has(id) {
				vetoes = append(vetoes, VetoSignal{
					Type:   VetoMissingCandidate,
					Reason: fmt.Sprintf("candidate %s dropped", id),
				})
			}
		}

		// 2. Same policy family.
		if old.Variant() != proposed.Variant() {
			vetoes = append(vetoes, VetoSignal{
				Type:   VetoVariantChange,
				Reason: fmt.Sprintf("variant changed from %s to %s", old.Variant(), proposed.Variant()),
			})
		}

		// 3. Observations only grow.
		if proposed.Observations() < old.Observations() {
			vetoes = append(vetoes, VetoSignal{
				Type:   VetoObservations,
				Reason: fmt.Sprintf("observations fell from %d to %d", old.Observations(), proposed.Observations()),
			})
		}
	}

	// 4. Weights are finite and positive.
	for _, e := range proposed.Entries() {
		w := e.Stats.Weight()
		if math.IsNaN(w) || math.IsInf(w, 0) || w <= 0 {
			vetoes = append(vetoes, VetoSignal{
				Type:   VetoBadWeight,
				Reason: fmt.Sprintf("weight of %s is %v", e.Model, w),
			})
		}
	}

	// 5. Cached sum matches the entries.
	if sum := proposed.RecomputedWeightSum(); sum != proposed.WeightSum() {
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoWeightSum,
			Reason: fmt.Sprintf("weight_sum %v != recomputed %v", proposed.WeightSum(), sum),
		})
	}

	if len(vetoes) > 0 {
		return reject(vetoes)
	}

	shift := 0.0
	if !old.IsZero() {
		shift = Shift(old, proposed)
	}
	reason := fmt.Sprintf("passed gate: shift=%.4f", shift)
	if shift > g.config.MaxShift {
		reason += fmt.Sprintf(" (above %.4f)", g.config.MaxShift)
	}
	return GateDecision{
		Action:    "commit",
		Reason:    reason,
		Shift:     shift,
		SoftScore: 1 - shift,
	}
}

func reject(vetoes []VetoSignal) GateDecision {
	return GateDecision{
		Action:      "reject",
		Reason:      fmt.Sprintf("hard veto: %s", vetoes[0].Reason),
		Vetoed:      true,
		VetoSignals: vetoes,
	}
}

// #endregion gate

// #region helpers
// Shares returns each model's fraction of the weight sum.
func Shares(s state.PolicyState) map[string]float64 {
	shares := make(map[string]float64, s.Len())
	w := s.WeightSum()
	for _, e := range s.Entries() {
		shares[e.Model.String()] = e.Stats.Weight() / w
	}
	return shares
}

// Shift is the total variation distance between the weight shares of a and b.
// Models present in only one state count with a share of zero in the other.
func Shift(a, b state.PolicyState) float64 {
	sa, sb := Shares(a), Shares(b)
	var d float64
	for id, p := range sa {
		d += math.Abs(p - sb[id])
	}
	for id, q := range sb {
		if _, ok := sa[id]; !ok {
			d += q
		}
	}
	return d / 2
}

// #endregion helpers
