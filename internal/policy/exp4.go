package policy

import (
	"github.com/danielpatrickdp/adaptive-select/internal/model"
	"github.com/danielpatrickdp/adaptive-select/internal/state"
)

// #region exp4
// Exp4 treats every candidate as an expert whose advice is a distribution over
// all candidates: ξ_i(j) = (1-β)·[i=j] + β/K. The policy plays the weight-mixed
// advice blended with a uniform floor γ and rewards each expert by how much of
// its advice fell on the models that did well.
type Exp4 struct {
	cfg Config
}

// NewExp4 creates an Exp4 policy.
func NewExp4(cfg Config) *Exp4 {
	return &Exp4{cfg: cfg}
}

func (p *Exp4) Name() string           { return "exp4" }
func (p *Exp4) Variant() state.Variant { return state.VariantExp4 }

// Initialize gives every expert the configured initial weight.
func (p *Exp4) Initialize(candidates []model.ModelID) (state.PolicyState, error) {
	return initialize(state.VariantExp4, candidates, func() state.Stats {
		return state.ExpWeight{Value: p.cfg.InitialWeight}
	})
}

// SelectPredictTasks orders the query's candidates by mixed selection probability.
func (p *Exp4) SelectPredictTasks(s state.PolicyState, q model.Query, budget int64) ([]model.PredictTask, error) {
	if err := checkVariant(s, state.VariantExp4); err != nil {
		return nil, err
	}
	probs := p.distribution(s)
	return rankTasks(s, q, budget, func(id model.ModelID) float64 { return probs[id] })
}

// ProcessFeedback computes the importance-weighted reward x̂_j = r_j/p_j of the
// observed models, scores each expert by ŷ_i = Σ_j ξ_i(j)·x̂_j and applies
// w_i ← w_i·exp(η·ŷ_i/K) to every expert.
func (p *Exp4) ProcessFeedback(s state.PolicyState, fb model.Feedback, predictions []model.Output) (state.PolicyState, error) {
	if err := checkVariant(s, state.VariantExp4); err != nil {
		return state.PolicyState{}, err
	}
	obs, err := observe(s, fb, predictions, p.cfg.reward())
	if err != nil {
		return state.PolicyState{}, err
	}
	if len(obs) == 0 {
		return s, nil
	}

	probs := p.distribution(s)
	estimates := make([]observation, len(obs))
	for i, o := range obs {
		estimates[i] = observation{model: o.model, reward: o.reward / probs[o.model]}
	}

	k := float64(s.Len())
	delta := make(map[model.ModelID]float64, s.Len())
	for _, expert := range s.Models() {
		var yhat float64
		for _, x := range estimates {
			yhat += p.advice(expert, x.model, k) * x.reward
		}
		delta[expert] = p.cfg.LearningRate * yhat / k
	}
	return applyExponents(s, delta, len(obs), p.cfg)
}

// advice is ξ_expert(arm).
func (p *Exp4) advice(expert, arm model.ModelID, k float64) float64 {
	beta := p.cfg.AdviceSmoothing
	a := beta / k
	if expert == arm {
		a += 1 - beta
	}
	return a
}

// distribution reconstructs p_j = (1-γ)·Σ_i (w_i/W)·ξ_i(j) + γ/K.
func (p *Exp4) distribution(s state.PolicyState) map[model.ModelID]float64 {
	k := float64(s.Len())
	w := s.WeightSum()
	gamma := p.cfg.ExplorationFloor
	entries := s.Entries()

	probs := make(map[model.ModelID]float64, len(entries))
	for _, arm := range entries {
		var q float64
		for _, expert := range entries {
			q += expert.Stats.Weight() / w * p.advice(expert.Model, arm.Model, k)
		}
		probs[arm.Model] = (1-gamma)*q + gamma/k
	}
	return probs
}

func (p *Exp4) CombinePredictions(predictions []model.Output) (model.Output, error) {
	return combine(predictions, p.cfg.Combiner)
}

func (p *Exp4) SerializeState(s state.PolicyState) ([]byte, error) {
	return serialize(s, state.VariantExp4)
}

func (p *Exp4) DeserializeState(data []byte) (state.PolicyState, error) {
	return state.DecodeVariant(data, state.VariantExp4)
}

// #endregion exp4
