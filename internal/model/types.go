package model

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
	"strings"
)

// #region model-id
// ModelID identifies one deployable model version. Comparable; safe as a map key.
type ModelID struct {
	Name    string
	Version int64
}

// NewModelID is shorthand for ModelID{Name: name, Version: version}.
func NewModelID(name string, version int64) ModelID {
	return ModelID{Name: name, Version: version}
}

// Less orders model IDs by name, then version.
func (m ModelID) Less(o ModelID) bool {
	if m.Name != o.Name {
		return m.Name < o.Name
	}
	return m.Version < o.Version
}

// Compare returns -1, 0 or +1. Suitable for slices.SortFunc.
func (m ModelID) Compare(o ModelID) int {
	switch {
	case m.Less(o):
		return -1
	case o.Less(m):
		return 1
	default:
		return 0
	}
}

func (m ModelID) String() string {
	return fmt.Sprintf("%s:%d", m.Name, m.Version)
}

// ParseModelID reverses String. The version follows the last ':'.
func ParseModelID(s string) (ModelID, error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return ModelID{}, fmt.Errorf("model id %q: missing version", s)
	}
	v, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil {
		return ModelID{}, fmt.Errorf("model id %q: %w", s, err)
	}
	return NewModelID(s[:i], v), nil
}

// #endregion model-id

// #region input
// Input is an immutable feature vector. The zero value is an empty input.
type Input struct {
	values []float64
}

// NewInput copies values into a new Input.
func NewInput(values []float64) Input {
	v := make([]float64, len(values))
	copy(v, values)
	return Input{values: v}
}

// Len returns the number of features.
func (in Input) Len() int { return len(in.values) }

// At returns feature i.
func (in Input) At(i int) float64 { return in.values[i] }

// Values returns a copy of the feature vector.
func (in Input) Values() []float64 {
	v := make([]float64, len(in.values))
	copy(v, in.values)
	return v
}

// Hash is an FNV-1a digest over the length and the float bits.
func (in Input) Hash() uint64 {
	h := fnv.New64a()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(len(in.values)))
	h.Write(buf[:])
	for _, f := range in.values {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
		h.Write(buf[:])
	}
	return h.Sum64()
}

// Equal reports bitwise equality of the two vectors.
func (in Input) Equal(o Input) bool {
	if len(in.values) != len(o.values) {
		return false
	}
	for i := range in.values {
		if math.Float64bits(in.values[i]) != math.Float64bits(o.values[i]) {
			return false
		}
	}
	return true
}

// #endregion input

// #region output
// Output is a prediction value tagged with the model(s) that produced it.
type Output struct {
	Value  float64
	Models []ModelID
}

// NewOutput builds an Output for a single contributing model.
func NewOutput(value float64, models ...ModelID) Output {
	m := make([]ModelID, len(models))
	copy(m, models)
	return Output{Value: value, Models: m}
}

// #endregion output

// #region feedback
// Feedback is ground truth for a previously issued (or synthetic) input.
type Feedback struct {
	Input     Input
	TrueValue float64
}

// #endregion feedback

// #region query
// Query is one inference request as seen by the selection layer.
type Query struct {
	Label         string
	ID            int64
	Input         Input
	LatencyBudget int64 // microseconds; carried through, never enforced here
	PolicyName    string
	Candidates    []ModelID
}

// #endregion query

// #region predict-task
// PredictTask instructs the execution layer to query one model version.
// Primary marks the task the policy wants emphasized for this query.
type PredictTask struct {
	Model         ModelID
	QueryID       int64
	Input         Input
	LatencyBudget int64
	Primary       bool
}

// #endregion predict-task
