package policy

import (
	"math"

	"github.com/danielpatrickdp/adaptive-select/internal/model"
	"github.com/danielpatrickdp/adaptive-select/internal/state"
)

// #region ucb
// UCB ranks candidates by mean + sqrt(c·ln N / n), where N is the total number
// of pulls and n the candidate's own. Unpulled candidates come first.
type UCB struct {
	cfg Config
}

// NewUCB creates a UCB policy.
func NewUCB(cfg Config) *UCB {
	return &UCB{cfg: cfg}
}

func (p *UCB) Name() string           { return "ucb" }
func (p *UCB) Variant() state.Variant { return state.VariantUCB }

// Initialize starts every candidate at mean InitialWeight with no pulls.
func (p *UCB) Initialize(candidates []model.ModelID) (state.PolicyState, error) {
	return initialize(state.VariantUCB, candidates, func() state.Stats {
		return state.MeanReward{Mean: p.cfg.InitialWeight}
	})
}

// SelectPredictTasks orders candidates by upper confidence bound.
func (p *UCB) SelectPredictTasks(s state.PolicyState, q model.Query, budget int64) ([]model.PredictTask, error) {
	if err := checkVariant(s, state.VariantUCB); err != nil {
		return nil, err
	}
	scores := p.bounds(s)
	return rankTasks(s, q, budget, func(id model.ModelID) float64 { return scores[id] })
}

func (p *UCB) bounds(s state.PolicyState) map[model.ModelID]float64 {
	entries := s.Entries()
	var total uint64
	for _, e := range entries {
		total += e.Stats.(state.MeanReward).Count
	}
	logN := 0.0
	if total > 1 {
		logN = math.Log(float64(total))
	}

	scores := make(map[model.ModelID]float64, len(entries))
	for _, e := range entries {
		st := e.Stats.(state.MeanReward)
		if st.Count == 0 {
			scores[e.Model] = math.Inf(1)
			continue
		}
		scores[e.Model] = st.Mean + math.Sqrt(p.cfg.ExplorationConst*logN/float64(st.Count))
	}
	return scores
}

// ProcessFeedback folds each observed reward into that model's running mean.
func (p *UCB) ProcessFeedback(s state.PolicyState, fb model.Feedback, predictions []model.Output) (state.PolicyState, error) {
	if err := checkVariant(s, state.VariantUCB); err != nil {
		return state.PolicyState{}, err
	}
	return updateMeans(s, fb, predictions, p.cfg)
}

func (p *UCB) CombinePredictions(predictions []model.Output) (model.Output, error) {
	return combine(predictions, p.cfg.Combiner)
}

func (p *UCB) SerializeState(s state.PolicyState) ([]byte, error) {
	return serialize(s, state.VariantUCB)
}

func (p *UCB) DeserializeState(data []byte) (state.PolicyState, error) {
	return state.DecodeVariant(data, state.VariantUCB)
}

// #endregion ucb
