package policy

import (
	"math/rand"
	"sync"

	"github.com/danielpatrickdp/adaptive-select/internal/model"
	"github.com/danielpatrickdp/adaptive-select/internal/state"
)

// #region epsilon-greedy
// EpsilonGreedy ranks candidates by running mean reward. With probability ε the
// Primary task is a uniformly random candidate instead of the best one; the
// ordering itself stays deterministic.
type EpsilonGreedy struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

// NewEpsilonGreedy creates an epsilon-greedy policy. A nil rng is seeded with 1.
func NewEpsilonGreedy(cfg Config, rng *rand.Rand) *EpsilonGreedy {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &EpsilonGreedy{cfg: cfg, rng: rng}
}

func (p *EpsilonGreedy) Name() string           { return "epsilon_greedy" }
func (p *EpsilonGreedy) Variant() state.Variant { return state.VariantEpsilonGreedy }

// Initialize starts every candidate at mean InitialWeight with no pulls.
func (p *EpsilonGreedy) Initialize(candidates []model.ModelID) (state.PolicyState, error) {
	return initialize(state.VariantEpsilonGreedy, candidates, func() state.Stats {
		return state.MeanReward{Mean: p.cfg.InitialWeight}
	})
}

// SelectPredictTasks orders candidates by mean reward and picks the Primary task.
func (p *EpsilonGreedy) SelectPredictTasks(s state.PolicyState, q model.Query, budget int64) ([]model.PredictTask, error) {
	if err := checkVariant(s, state.VariantEpsilonGreedy); err != nil {
		return nil, err
	}
	tasks, err := rankTasks(s, q, budget, s.Weight)
	if err != nil || len(tasks) < 2 {
		return tasks, err
	}

	if pick, explore := p.explore(len(tasks)); explore {
		tasks[0].Primary = false
		tasks[pick].Primary = true
	}
	return tasks, nil
}

func (p *EpsilonGreedy) explore(n int) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rng.Float64() >= p.cfg.Epsilon {
		return 0, false
	}
	return p.rng.Intn(n), true
}

// ProcessFeedback folds each observed reward into that model's running mean.
func (p *EpsilonGreedy) ProcessFeedback(s state.PolicyState, fb model.Feedback, predictions []model.Output) (state.PolicyState, error) {
	if err := checkVariant(s, state.VariantEpsilonGreedy); err != nil {
		return state.PolicyState{}, err
	}
	return updateMeans(s, fb, predictions, p.cfg)
}

func (p *EpsilonGreedy) CombinePredictions(predictions []model.Output) (model.Output, error) {
	return combine(predictions, p.cfg.Combiner)
}

func (p *EpsilonGreedy) SerializeState(s state.PolicyState) ([]byte, error) {
	return serialize(s, state.VariantEpsilonGreedy)
}

func (p *EpsilonGreedy) DeserializeState(data []byte) (state.PolicyState, error) {
	return state.DecodeVariant(data, state.VariantEpsilonGreedy)
}

// #endregion epsilon-greedy

// #region means
// updateMeans applies mean ← mean + α·(r - mean) to every observed model, with
// α = cfg.StepSize or 1/count when StepSize is 0. The result is floored at
// cfg.WeightFloor so the state stays strictly positive.
func updateMeans(s state.PolicyState, fb model.Feedback, predictions []model.Output, cfg Config) (state.PolicyState, error) {
	obs, err := observe(s, fb, predictions, cfg.reward())
	if err != nil {
		return state.PolicyState{}, err
	}
	if len(obs) == 0 {
		return s, nil
	}

	next := s.StatsMap()
	for _, o := range obs {
		prev := next[o.model].(state.MeanReward)
		count := prev.Count + 1
		step := cfg.StepSize
		if step == 0 {
			step = 1 / float64(count)
		}
		mean := prev.Mean + step*(o.reward-prev.Mean)
		next[o.model] = state.MeanReward{Mean: clampWeight(mean, cfg.WeightFloor), Count: count}
	}
	return state.New(s.Variant(), next, s.Observations()+uint64(len(obs)))
}

// #endregion means
