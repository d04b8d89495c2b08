package policy

import (
	"github.com/danielpatrickdp/adaptive-select/internal/model"
	"github.com/danielpatrickdp/adaptive-select/internal/state"
)

// #region exp3
// Exp3 keeps one multiplicative weight per candidate and ranks candidates by
// their selection probability (1-γ)·w/W + γ/K.
type Exp3 struct {
	cfg Config
}

// NewExp3 creates an Exp3 policy.
func NewExp3(cfg Config) *Exp3 {
	return &Exp3{cfg: cfg}
}

func (p *Exp3) Name() string           { return "exp3" }
func (p *Exp3) Variant() state.Variant { return state.VariantExp3 }

// Initialize gives every candidate the configured initial weight.
func (p *Exp3) Initialize(candidates []model.ModelID) (state.PolicyState, error) {
	return initialize(state.VariantExp3, candidates, func() state.Stats {
		return state.ExpWeight{Value: p.cfg.InitialWeight}
	})
}

// SelectPredictTasks orders the query's candidates by selection probability.
func (p *Exp3) SelectPredictTasks(s state.PolicyState, q model.Query, budget int64) ([]model.PredictTask, error) {
	if err := checkVariant(s, state.VariantExp3); err != nil {
		return nil, err
	}
	probs := selectionProbabilities(s, p.cfg.ExplorationFloor)
	return rankTasks(s, q, budget, func(id model.ModelID) float64 { return probs[id] })
}

// ProcessFeedback applies w ← w·exp(η·r/p) to every observed model.
// Unobserved weights are left as they are.
func (p *Exp3) ProcessFeedback(s state.PolicyState, fb model.Feedback, predictions []model.Output) (state.PolicyState, error) {
	if err := checkVariant(s, state.VariantExp3); err != nil {
		return state.PolicyState{}, err
	}
	obs, err := observe(s, fb, predictions, p.cfg.reward())
	if err != nil {
		return state.PolicyState{}, err
	}
	if len(obs) == 0 {
		return s, nil
	}

	probs := selectionProbabilities(s, p.cfg.ExplorationFloor)
	delta := make(map[model.ModelID]float64, len(obs))
	for _, o := range obs {
		delta[o.model] = p.cfg.LearningRate * o.reward / probs[o.model]
	}
	return applyExponents(s, delta, len(obs), p.cfg)
}

func (p *Exp3) CombinePredictions(predictions []model.Output) (model.Output, error) {
	return combine(predictions, p.cfg.Combiner)
}

func (p *Exp3) SerializeState(s state.PolicyState) ([]byte, error) {
	return serialize(s, state.VariantExp3)
}

func (p *Exp3) DeserializeState(data []byte) (state.PolicyState, error) {
	return state.DecodeVariant(data, state.VariantExp3)
}

// #endregion exp3
