package policy

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/danielpatrickdp/adaptive-select/internal/model"
	"github.com/danielpatrickdp/adaptive-select/internal/state"
)

// #region initialize
// initialize builds a uniform state over the distinct candidates.
func initialize(v state.Variant, candidates []model.ModelID, prior func() state.Stats) (state.PolicyState, error) {
	if len(candidates) == 0 {
		return state.PolicyState{}, fmt.Errorf("%w: no candidates", ErrInvalidConfiguration)
	}
	entries := make(map[model.ModelID]state.Stats, len(candidates))
	for _, id := range candidates {
		entries[id] = prior()
	}
	s, err := state.New(v, entries, 0)
	if err != nil {
		return state.PolicyState{}, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return s, nil
}

// checkVariant rejects uninitialized states and states of another policy family.
func checkVariant(s state.PolicyState, want state.Variant) error {
	if s.IsZero() {
		return fmt.Errorf("%w: uninitialized state", ErrInvalidConfiguration)
	}
	if s.Variant() != want {
		return fmt.Errorf("%w: state is %s, policy is %s", ErrInvalidConfiguration, s.Variant(), want)
	}
	return nil
}

// #endregion initialize

// #region select
// rankTasks returns one task per distinct query candidate, ordered by score
// descending with ties broken by ModelID. The first task is marked Primary.
func rankTasks(s state.PolicyState, q model.Query, budget int64, score func(model.ModelID) float64) ([]model.PredictTask, error) {
	seen := make(map[model.ModelID]struct{}, len(q.Candidates))
	ids := make([]model.ModelID, 0, len(q.Candidates))
	for _, id := range q.Candidates {
		if !s.Has(id) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPolicyCandidate, id)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	scores := make(map[model.ModelID]float64, len(ids))
	for _, id := range ids {
		scores[id] = score(id)
	}
	sort.SliceStable(ids, func(i, j int) bool {
		si, sj := scores[ids[i]], scores[ids[j]]
		if si != sj {
			return si > sj
		}
		return ids[i].Less(ids[j])
	})

	if budget <= 0 {
		budget = q.LatencyBudget
	}
	tasks := make([]model.PredictTask, len(ids))
	for i, id := range ids {
		tasks[i] = model.PredictTask{
			Model:         id,
			QueryID:       q.ID,
			Input:         q.Input,
			LatencyBudget: budget,
			Primary:       i == 0,
		}
	}
	return tasks, nil
}

// #endregion select

// #region feedback
// observation is the averaged reward of one model in a feedback round.
type observation struct {
	model  model.ModelID
	reward float64
}

// observe averages the reward of each model named by predictions.
// The result is sorted by ModelID so that updates are order-independent.
func observe(s state.PolicyState, fb model.Feedback, predictions []model.Output, reward RewardFunc) ([]observation, error) {
	sums := make(map[model.ModelID]float64)
	counts := make(map[model.ModelID]int)
	for _, out := range predictions {
		r := clampUnit(reward(math.Abs(fb.TrueValue - out.Value)))
		for _, id := range out.Models {
			if !s.Has(id) {
				return nil, fmt.Errorf("%w: %s", ErrUnknownPolicyCandidate, id)
			}
			sums[id] += r
			counts[id]++
		}
	}

	obs := make([]observation, 0, len(sums))
	for id, sum := range sums {
		obs = append(obs, observation{model: id, reward: sum / float64(counts[id])})
	}
	slices.SortFunc(obs, func(a, b observation) int { return a.model.Compare(b.model) })
	return obs, nil
}

func clampUnit(r float64) float64 {
	switch {
	case math.IsNaN(r) || r < 0:
		return 0
	case r > 1:
		return 1
	default:
		return r
	}
}

func clampWeight(w, floor float64) float64 {
	if math.IsNaN(w) || w < floor {
		return floor
	}
	return w
}

// #endregion feedback

// #region exp-weights
// selectionProbabilities blends w/W with a uniform exploration floor gamma.
func selectionProbabilities(s state.PolicyState, gamma float64) map[model.ModelID]float64 {
	k := float64(s.Len())
	w := s.WeightSum()
	p := make(map[model.ModelID]float64, s.Len())
	for _, e := range s.Entries() {
		p[e.Model] = (1-gamma)*e.Stats.Weight()/w + gamma/k
	}
	return p
}

// applyExponents multiplies each weight by exp(delta). When the largest result
// would exceed cfg.RescaleThreshold every weight is divided by that largest
// weight, which leaves selection probabilities unchanged.
func applyExponents(s state.PolicyState, delta map[model.ModelID]float64, observed int, cfg Config) (state.PolicyState, error) {
	entries := s.Entries()
	logs := make([]float64, len(entries))
	maxLog := math.Inf(-1)
	for i, e := range entries {
		logs[i] = math.Log(e.Stats.Weight()) + delta[e.Model]
		maxLog = math.Max(maxLog, logs[i])
	}
	rescale := maxLog > math.Log(cfg.RescaleThreshold)

	next := make(map[model.ModelID]state.Stats, len(entries))
	for i, e := range entries {
		var w float64
		switch {
		case rescale:
			w = math.Exp(logs[i] - maxLog)
		case delta[e.Model] == 0:
			w = e.Stats.Weight()
		default:
			w = e.Stats.Weight() * math.Exp(delta[e.Model])
		}
		next[e.Model] = state.ExpWeight{Value: clampWeight(w, cfg.WeightFloor)}
	}
	return state.New(s.Variant(), next, s.Observations()+uint64(observed))
}

// #endregion exp-weights

// #region shared
// combine returns a lone output unchanged and otherwise defers to c.
func combine(predictions []model.Output, c Combiner) (model.Output, error) {
	if len(predictions) == 1 {
		out := predictions[0]
		return model.NewOutput(out.Value, out.Models...), nil
	}
	if c == nil {
		return model.Output{}, fmt.Errorf("%w: %d outputs", ErrCombineUnavailable, len(predictions))
	}
	return c.Combine(predictions)
}

func serialize(s state.PolicyState, want state.Variant) ([]byte, error) {
	if err := checkVariant(s, want); err != nil {
		return nil, err
	}
	return state.Encode(s)
}

// #endregion shared
