package dispatch

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/danielpatrickdp/adaptive-select/internal/eval"
	"github.com/danielpatrickdp/adaptive-select/internal/gate"
	"github.com/danielpatrickdp/adaptive-select/internal/logging"
	"github.com/danielpatrickdp/adaptive-select/internal/policy"
	"github.com/danielpatrickdp/adaptive-select/internal/state"
)

// #region collaborators
// Store persists serialized policy states by key. Get returns state.ErrNoState
// when the key has never been written.
type Store interface {
	Get(ctx context.Context, key state.Key) ([]byte, error)
	Put(ctx context.Context, key state.Key, blob []byte) (string, error)
}

// ProvenanceSink receives one entry per feedback decision.
type ProvenanceSink interface {
	Record(ctx context.Context, entry logging.ProvenanceEntry) error
}

// #endregion collaborators

// #region corrupt-mode
// CorruptMode selects what happens when a stored state fails to decode.
type CorruptMode string

const (
	// CorruptFail surfaces state.ErrCorruptState to the caller.
	CorruptFail CorruptMode = "fail"
	// CorruptReinitialize logs a warning and rebuilds from the query candidates.
	CorruptReinitialize CorruptMode = "reinitialize"
)

// ParseCorruptMode maps a config string to a CorruptMode.
func ParseCorruptMode(s string) (CorruptMode, error) {
	switch m := CorruptMode(s); m {
	case CorruptFail, CorruptReinitialize:
		return m, nil
	case "":
		return CorruptFail, nil
	default:
		return "", fmt.Errorf("unknown corrupt-state mode %q", s)
	}
}

// #endregion corrupt-mode

// #region options
// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRegistry replaces the default policy registry.
func WithRegistry(r *policy.Registry) Option {
	return func(d *Dispatcher) { d.registry = r }
}

// WithLogger sets the logger. Defaults to the logrus standard logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithCorruptMode sets corrupt-state handling. Defaults to CorruptFail.
func WithCorruptMode(m CorruptMode) Option {
	return func(d *Dispatcher) { d.onCorrupt = m }
}

// WithProvenance records every feedback decision into sink.
func WithProvenance(sink ProvenanceSink) Option {
	return func(d *Dispatcher) { d.sink = sink }
}

// WithGate replaces the default gate.
func WithGate(g *gate.Gate) Option {
	return func(d *Dispatcher) { d.gate = g }
}

// WithEval replaces the default post-commit eval harness.
func WithEval(h *eval.EvalHarness) Option {
	return func(d *Dispatcher) { d.eval = h }
}

// #endregion options

// #region feedback-result
// FeedbackResult describes what a Feedback call did.
type FeedbackResult struct {
	Decision  string // "commit" | "reject" | "no_op"
	Reason    string
	VersionID string // new version on commit
	Gate      gate.GateDecision
	Eval      *eval.EvalResult // nil unless committed
	State     state.PolicyState
}

// #endregion feedback-result
