package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/adaptive-select/internal/model"
)

// #region errors
var (
	// ErrNoState means no state has been stored for a key yet.
	ErrNoState = errors.New("no policy state")
	// ErrCorruptState means stored bytes could not be decoded into a valid state.
	ErrCorruptState = errors.New("corrupt policy state")
	// ErrInvalidState means a state could not be built from the given entries.
	ErrInvalidState = errors.New("invalid policy state")
)

// #endregion errors

// #region variant
// Variant tags which policy family a state belongs to. Persisted as one byte.
type Variant uint8

const (
	VariantExp3          Variant = 1
	VariantExp4          Variant = 2
	VariantEpsilonGreedy Variant = 3
	VariantUCB           Variant = 4
)

// Valid reports whether v is a known variant.
func (v Variant) Valid() bool {
	return v >= VariantExp3 && v <= VariantUCB
}

func (v Variant) String() string {
	switch v {
	case VariantExp3:
		return "exp3"
	case VariantExp4:
		return "exp4"
	case VariantEpsilonGreedy:
		return "epsilon_greedy"
	case VariantUCB:
		return "ucb"
	default:
		return fmt.Sprintf("variant(%d)", uint8(v))
	}
}

// Fields returns the serialized statistic names of the variant, in wire order.
func (v Variant) Fields() []string {
	switch v {
	case VariantExp3, VariantExp4:
		return []string{FieldWeight}
	case VariantEpsilonGreedy, VariantUCB:
		return []string{FieldWeight, FieldCount}
	default:
		return nil
	}
}

// #endregion variant

// #region stats
const (
	FieldWeight = "weight"
	FieldCount  = "count"
)

// Stats is the closed set of per-model statistic records.
type Stats interface {
	// Weight is the shared ranking statistic ("weight" on the wire).
	Weight() float64
	values() []float64
	fits(v Variant) bool
}

// ExpWeight carries the multiplicative weight of the exponential-weights policies.
type ExpWeight struct {
	Value float64
}

func (s ExpWeight) Weight() float64     { return s.Value }
func (s ExpWeight) values() []float64   { return []float64{s.Value} }
func (s ExpWeight) fits(v Variant) bool { return v == VariantExp3 || v == VariantExp4 }

// MeanReward carries a running mean reward and its observation count.
type MeanReward struct {
	Mean  float64
	Count uint64
}

func (s MeanReward) Weight() float64     { return s.Mean }
func (s MeanReward) values() []float64   { return []float64{s.Mean, float64(s.Count)} }
func (s MeanReward) fits(v Variant) bool { return v == VariantEpsilonGreedy || v == VariantUCB }

// #endregion stats

// #region key
// Key addresses one logical policy instance.
type Key struct {
	Policy string
	Label  string
}

func (k Key) String() string {
	return k.Policy + "/" + k.Label
}

// #endregion key

// #region version-record
// VersionRecord is one stored state version for a key.
type VersionRecord struct {
	VersionID string
	ParentID  string
	Key       Key
	Variant   Variant
	Blob      []byte
	WeightSum float64
	CreatedAt time.Time
}

// #endregion version-record

// #region entry
// Entry pairs a model with its statistics. Used for ordered iteration.
type Entry struct {
	Model model.ModelID
	Stats Stats
}

// #endregion entry
