package state

import (
	"fmt"
	"math"
	"slices"

	"github.com/danielpatrickdp/adaptive-select/internal/model"
)

// #region policy-state
// PolicyState is the immutable per-(policy, label) learning state.
// Every constructor copies its inputs and recomputes WeightSum from the entries,
// so a PolicyState value can be shared freely between goroutines.
type PolicyState struct {
	variant      Variant
	models       []model.ModelID // sorted
	stats        map[model.ModelID]Stats
	weightSum    float64
	observations uint64
}

// New builds a state from entries. All weights must be finite and > 0 and
// every record must match the variant.
func New(variant Variant, entries map[model.ModelID]Stats, observations uint64) (PolicyState, error) {
	if !variant.Valid() {
		return PolicyState{}, fmt.Errorf("%w: unknown variant %d", ErrInvalidState, uint8(variant))
	}
	if len(entries) == 0 {
		return PolicyState{}, fmt.Errorf("%w: no entries", ErrInvalidState)
	}

	models := make([]model.ModelID, 0, len(entries))
	stats := make(map[model.ModelID]Stats, len(entries))
	for id, st := range entries {
		if st == nil || !st.fits(variant) {
			return PolicyState{}, fmt.Errorf("%w: %s has %T stats for %s", ErrInvalidState, id, st, variant)
		}
		w := st.Weight()
		if math.IsNaN(w) || math.IsInf(w, 0) || w <= 0 {
			return PolicyState{}, fmt.Errorf("%w: %s weight %v not positive", ErrInvalidState, id, w)
		}
		models = append(models, id)
		stats[id] = st
	}
	slices.SortFunc(models, model.ModelID.Compare)

	s := PolicyState{
		variant:      variant,
		models:       models,
		stats:        stats,
		observations: observations,
	}
	s.weightSum = s.RecomputedWeightSum()
	return s, nil
}

// #endregion policy-state

// #region accessors
// IsZero reports whether s is the zero value (never initialized).
func (s PolicyState) IsZero() bool { return len(s.models) == 0 }

// Variant returns the policy family tag.
func (s PolicyState) Variant() Variant { return s.variant }

// Len returns the number of candidates.
func (s PolicyState) Len() int { return len(s.models) }

// WeightSum is the sum of the weight statistic over all candidates.
func (s PolicyState) WeightSum() float64 { return s.weightSum }

// Observations is the total number of model observations folded into the state.
func (s PolicyState) Observations() uint64 { return s.observations }

// Models returns the candidates in ModelID order.
func (s PolicyState) Models() []model.ModelID {
	return slices.Clone(s.models)
}

// Has reports whether id is a candidate.
func (s PolicyState) Has(id model.ModelID) bool {
	_, ok := s.stats[id]
	return ok
}

// Stats returns the statistics of id.
func (s PolicyState) Stats(id model.ModelID) (Stats, bool) {
	st, ok := s.stats[id]
	return st, ok
}

// Weight returns the weight statistic of id, or 0 when absent.
func (s PolicyState) Weight(id model.ModelID) float64 {
	st, ok := s.stats[id]
	if !ok {
		return 0
	}
	return st.Weight()
}

// Entries returns all candidates with their statistics in ModelID order.
func (s PolicyState) Entries() []Entry {
	out := make([]Entry, len(s.models))
	for i, id := range s.models {
		out[i] = Entry{Model: id, Stats: s.stats[id]}
	}
	return out
}

// StatsMap returns a copy of the statistics map, ready to be modified and
// passed back to New.
func (s PolicyState) StatsMap() map[model.ModelID]Stats {
	m := make(map[model.ModelID]Stats, len(s.stats))
	for id, st := range s.stats {
		m[id] = st
	}
	return m
}

// RecomputedWeightSum sums weights in ModelID order. Deterministic for a given state.
func (s PolicyState) RecomputedWeightSum() float64 {
	var sum float64
	for _, id := range s.models {
		sum += s.stats[id].Weight()
	}
	return sum
}

// #endregion accessors
