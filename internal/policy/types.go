package policy

import (
	"errors"
	"math"

	"github.com/danielpatrickdp/adaptive-select/internal/model"
	"github.com/danielpatrickdp/adaptive-select/internal/state"
)

// #region errors
var (
	// ErrInvalidConfiguration is returned for an empty candidate set or a state
	// handed to a policy of another variant.
	ErrInvalidConfiguration = errors.New("invalid policy configuration")
	// ErrUnknownPolicyCandidate is returned when a query or prediction names a
	// model that is not in the policy state.
	ErrUnknownPolicyCandidate = errors.New("unknown policy candidate")
	// ErrUnknownPolicy is returned when a policy name does not resolve.
	ErrUnknownPolicy = errors.New("unknown policy")
	// ErrCombineUnavailable is returned when several outputs must be merged and
	// no Combiner is configured.
	ErrCombineUnavailable = errors.New("prediction combination unavailable")
)

// #endregion errors

// #region policy
// Policy is one selection algorithm. Implementations are stateless apart from
// configuration: every call reads an immutable PolicyState and returns a new one.
type Policy interface {
	Name() string
	Variant() state.Variant

	Initialize(candidates []model.ModelID) (state.PolicyState, error)
	SelectPredictTasks(s state.PolicyState, q model.Query, budget int64) ([]model.PredictTask, error)
	ProcessFeedback(s state.PolicyState, fb model.Feedback, predictions []model.Output) (state.PolicyState, error)
	CombinePredictions(predictions []model.Output) (model.Output, error)

	SerializeState(s state.PolicyState) ([]byte, error)
	DeserializeState(data []byte) (state.PolicyState, error)
}

// #endregion policy

// #region combiner
// Combiner merges several model outputs into one. Provided by the aggregation layer.
type Combiner interface {
	Combine(predictions []model.Output) (model.Output, error)
}

// CombinerFunc adapts a function to Combiner.
type CombinerFunc func(predictions []model.Output) (model.Output, error)

// Combine calls f.
func (f CombinerFunc) Combine(predictions []model.Output) (model.Output, error) {
	return f(predictions)
}

// #endregion combiner

// #region reward
// RewardFunc maps an absolute prediction error to a reward in [0, 1].
// Smaller errors must map to larger rewards.
type RewardFunc func(absErr float64) float64

// ExpReward returns exp(-err/scale).
func ExpReward(scale float64) RewardFunc {
	return func(absErr float64) float64 {
		return math.Exp(-absErr / scale)
	}
}

// #endregion reward

// #region config
// Config holds the tunables shared by all policies.
type Config struct {
	InitialWeight    float64 `yaml:"initial_weight" json:"initial_weight" validate:"gt=0"`
	WeightFloor      float64 `yaml:"weight_floor" json:"weight_floor" validate:"gt=0,ltefield=InitialWeight"`
	RescaleThreshold float64 `yaml:"rescale_threshold" json:"rescale_threshold" validate:"gt=1"`

	// Exp3 / Exp4
	LearningRate     float64 `yaml:"learning_rate" json:"learning_rate" validate:"gt=0"`
	ExplorationFloor float64 `yaml:"exploration_floor" json:"exploration_floor" validate:"gte=0,lte=1"`
	AdviceSmoothing  float64 `yaml:"advice_smoothing" json:"advice_smoothing" validate:"gte=0,lte=1"`

	// Epsilon-greedy; StepSize 0 means 1/count.
	Epsilon  float64 `yaml:"epsilon" json:"epsilon" validate:"gte=0,lte=1"`
	StepSize float64 `yaml:"step_size" json:"step_size" validate:"gte=0,lte=1"`

	// UCB
	ExplorationConst float64 `yaml:"exploration_const" json:"exploration_const" validate:"gte=0"`

	// Scale of the default exp(-err/scale) reward.
	ErrorScale float64 `yaml:"error_scale" json:"error_scale" validate:"gt=0"`

	Reward   RewardFunc `yaml:"-" json:"-"`
	Combiner Combiner   `yaml:"-" json:"-"`
}

// DefaultConfig returns standard bandit defaults.
func DefaultConfig() Config {
	return Config{
		InitialWeight:    1.0,
		WeightFloor:      1e-9,
		RescaleThreshold: 1e12,
		LearningRate:     0.1,
		ExplorationFloor: 0.1,
		AdviceSmoothing:  0.1,
		Epsilon:          0.1,
		StepSize:         0,
		ExplorationConst: 2.0,
		ErrorScale:       10.0,
	}
}

func (c Config) reward() RewardFunc {
	if c.Reward != nil {
		return c.Reward
	}
	return ExpReward(c.ErrorScale)
}

// #endregion config
