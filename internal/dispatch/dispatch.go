package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/danielpatrickdp/adaptive-select/internal/eval"
	"github.com/danielpatrickdp/adaptive-select/internal/gate"
	"github.com/danielpatrickdp/adaptive-select/internal/logging"
	"github.com/danielpatrickdp/adaptive-select/internal/metrics"
	"github.com/danielpatrickdp/adaptive-select/internal/model"
	"github.com/danielpatrickdp/adaptive-select/internal/policy"
	"github.com/danielpatrickdp/adaptive-select/internal/state"
)

// #region dispatcher
// Dispatcher routes queries and feedback to the named policy and keeps one
// persisted state per (policy, label).
type Dispatcher struct {
	store     Store
	registry  *policy.Registry
	log       logrus.FieldLogger
	onCorrupt CorruptMode
	sink      ProvenanceSink
	gate      *gate.Gate
	eval      *eval.EvalHarness

	locks keyedMutex
	init  singleflight.Group
}

// New creates a dispatcher over store.
func New(store Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		log:       logrus.StandardLogger(),
		onCorrupt: CorruptFail,
		gate:      gate.NewGate(gate.DefaultGateConfig()),
		eval:      eval.NewEvalHarness(eval.DefaultEvalConfig()),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.registry == nil {
		d.registry = policy.DefaultRegistry(policy.DefaultConfig(), rand.New(rand.NewSource(1)))
	}
	return d
}

// Policies lists the registered policy names.
func (d *Dispatcher) Policies() []string {
	return d.registry.Names()
}

// #endregion dispatcher

// #region select
// Select returns the predict tasks for q, initializing the state for
// (policy, label) from q.Candidates when none exists yet.
func (d *Dispatcher) Select(ctx context.Context, q model.Query) ([]model.PredictTask, error) {
	p, err := d.registry.Lookup(q.PolicyName)
	if err != nil {
		metrics.ObserveSelect(q.PolicyName, metrics.OutcomeError)
		return nil, err
	}
	key := state.Key{Policy: p.Name(), Label: q.Label}

	s, err := d.snapshot(ctx, p, key, q.Candidates)
	if err != nil {
		metrics.ObserveSelect(p.Name(), metrics.OutcomeError)
		return nil, err
	}
	tasks, err := p.SelectPredictTasks(s, q, q.LatencyBudget)
	if err != nil {
		metrics.ObserveSelect(p.Name(), metrics.OutcomeError)
		return nil, fmt.Errorf("select %s: %w", key, err)
	}
	metrics.ObserveSelect(p.Name(), metrics.OutcomeOK)
	return tasks, nil
}

// snapshot reads the stored state without taking the key lock. Creation and
// corrupt-state rebuilds go through resolve under the lock, and concurrent
// callers for one key share a single attempt.
func (d *Dispatcher) snapshot(ctx context.Context, p policy.Policy, key state.Key, candidates []model.ModelID) (state.PolicyState, error) {
	blob, err := d.store.Get(ctx, key)
	if err == nil {
		s, derr := p.DeserializeState(blob)
		if derr == nil {
			return s, nil
		}
		if d.onCorrupt != CorruptReinitialize {
			return state.PolicyState{}, d.corrupt(key, derr)
		}
	} else if !errors.Is(err, state.ErrNoState) {
		return state.PolicyState{}, fmt.Errorf("load %s: %w", key, err)
	}

	// The first caller runs resolve for every waiter, so its cancellation
	// must not fail the others.
	ictx := context.WithoutCancel(ctx)
	v, err, _ := d.init.Do(key.String(), func() (any, error) {
		unlock := d.locks.lock(key)
		defer unlock()
		return d.resolve(ictx, p, key, candidates)
	})
	if err != nil {
		return state.PolicyState{}, err
	}
	return v.(state.PolicyState), nil
}

// #endregion select

// #region resolve
// resolve loads the state for key, creating it from candidates when absent or
// when it is corrupt and the dispatcher rebuilds corrupt states. The caller
// must hold the key lock.
func (d *Dispatcher) resolve(ctx context.Context, p policy.Policy, key state.Key, candidates []model.ModelID) (state.PolicyState, error) {
	blob, err := d.store.Get(ctx, key)
	switch {
	case errors.Is(err, state.ErrNoState):
		return d.create(ctx, p, key, candidates)
	case err != nil:
		return state.PolicyState{}, fmt.Errorf("load %s: %w", key, err)
	}

	s, err := p.DeserializeState(blob)
	if err == nil {
		return s, nil
	}
	if d.onCorrupt != CorruptReinitialize {
		return state.PolicyState{}, d.corrupt(key, err)
	}

	metrics.ObserveCorrupt(key.Policy, metrics.ActionReinit)
	d.log.WithFields(logrus.Fields{
		"policy": key.Policy,
		"label":  key.Label,
	}).WithError(err).Warn("stored state is corrupt, reinitializing from query candidates")
	return d.create(ctx, p, key, candidates)
}

func (d *Dispatcher) corrupt(key state.Key, err error) error {
	metrics.ObserveCorrupt(key.Policy, metrics.ActionFail)
	if !errors.Is(err, state.ErrCorruptState) {
		err = fmt.Errorf("%w: %v", state.ErrCorruptState, err)
	}
	return fmt.Errorf("load %s: %w", key, err)
}

// create initializes a state from candidates and stores it.
func (d *Dispatcher) create(ctx context.Context, p policy.Policy, key state.Key, candidates []model.ModelID) (state.PolicyState, error) {
	s, err := p.Initialize(candidates)
	if err != nil {
		return state.PolicyState{}, fmt.Errorf("initialize %s: %w", key, err)
	}
	blob, err := p.SerializeState(s)
	if err != nil {
		return state.PolicyState{}, fmt.Errorf("serialize %s: %w", key, err)
	}
	versionID, err := d.store.Put(ctx, key, blob)
	if err != nil {
		return state.PolicyState{}, fmt.Errorf("store %s: %w", key, err)
	}

	metrics.ObserveInitialized(key.Policy)
	d.log.WithFields(logrus.Fields{
		"policy":     key.Policy,
		"label":      key.Label,
		"candidates": s.Len(),
		"version_id": versionID,
	}).Info("initialized policy state")
	return s, nil
}

// #endregion resolve

// #region feedback
// Feedback applies ground truth for q to the stored state. Under the key lock
// it loads (or initializes) the state, runs ProcessFeedback, gates the
// proposal and stores it on commit. An empty prediction set is a no_op.
func (d *Dispatcher) Feedback(ctx context.Context, q model.Query, fb model.Feedback, predictions []model.Output) (FeedbackResult, error) {
	start := time.Now()
	p, err := d.registry.Lookup(q.PolicyName)
	if err != nil {
		metrics.ObserveFeedback(q.PolicyName, metrics.OutcomeError, time.Since(start))
		return FeedbackResult{}, err
	}
	key := state.Key{Policy: p.Name(), Label: q.Label}

	res, err := d.feedback(ctx, p, key, q, fb, predictions)
	outcome := res.Decision
	if err != nil {
		outcome = metrics.OutcomeError
	}
	metrics.ObserveFeedback(p.Name(), outcome, time.Since(start))
	return res, err
}

func (d *Dispatcher) feedback(ctx context.Context, p policy.Policy, key state.Key, q model.Query, fb model.Feedback, predictions []model.Output) (FeedbackResult, error) {
	unlock := d.locks.lock(key)
	defer unlock()

	old, err := d.resolve(ctx, p, key, q.Candidates)
	if err != nil {
		return FeedbackResult{}, err
	}
	proposed, err := p.ProcessFeedback(old, fb, predictions)
	if err != nil {
		return FeedbackResult{}, fmt.Errorf("feedback %s: %w", key, err)
	}

	log := d.log.WithFields(logrus.Fields{
		"policy":   key.Policy,
		"label":    key.Label,
		"query_id": q.ID,
	})

	if len(predictions) == 0 {
		res := FeedbackResult{Decision: metrics.OutcomeNoOp, Reason: "no predictions", State: old}
		d.record(ctx, log, key, q, fb, predictions, old, old, res)
		return res, nil
	}

	decision := d.gate.Evaluate(old, proposed)
	if decision.Vetoed {
		for _, v := range decision.VetoSignals {
			metrics.ObserveGateReject(key.Policy, string(v.Type))
		}
		log.WithField("reason", decision.Reason).Warn("gate rejected policy update")
		res := FeedbackResult{Decision: metrics.OutcomeReject, Reason: decision.Reason, Gate: decision, State: old}
		d.record(ctx, log, key, q, fb, predictions, old, proposed, res)
		return res, nil
	}

	blob, err := p.SerializeState(proposed)
	if err != nil {
		return FeedbackResult{}, fmt.Errorf("serialize %s: %w", key, err)
	}
	versionID, err := d.store.Put(ctx, key, blob)
	if err != nil {
		return FeedbackResult{}, fmt.Errorf("store %s: %w", key, err)
	}

	result := d.eval.Run(proposed)
	entry := log.WithFields(logrus.Fields{
		"version_id":   versionID,
		"observations": proposed.Observations(),
		"shift":        decision.Shift,
	})
	for _, m := range result.Metrics {
		entry = entry.WithField(m.Name, m.Value)
	}
	if result.Passed {
		entry.Debug("committed policy update")
	} else {
		// Advisory only. max_share fails on every commit once a key converges.
		entry.WithField("eval", result.Reason).Info("committed policy update; eval flagged")
	}

	res := FeedbackResult{
		Decision:  metrics.OutcomeCommit,
		Reason:    decision.Reason,
		VersionID: versionID,
		Gate:      decision,
		Eval:      &result,
		State:     proposed,
	}
	d.record(ctx, log, key, q, fb, predictions, old, proposed, res)
	return res, nil
}

// record hands the decision to the provenance sink. Sink failures are logged
// and never undo a committed state.
func (d *Dispatcher) record(
	ctx context.Context,
	log logrus.FieldLogger,
	key state.Key,
	q model.Query,
	fb model.Feedback,
	predictions []model.Output,
	old, proposed state.PolicyState,
	res FeedbackResult,
) {
	if d.sink == nil {
		return
	}

	rec := logging.FeedbackRecord{
		TrueValue:    fb.TrueValue,
		Observations: res.State.Observations(),
		SharesBefore: gate.Shares(old),
		SharesAfter:  gate.Shares(proposed),
		GateAction:   res.Gate.Action,
		GateShift:    res.Gate.Shift,
		GateVetoed:   res.Gate.Vetoed,
		GateReason:   res.Gate.Reason,
	}
	for _, out := range predictions {
		pr := logging.PredictionRecord{Value: out.Value}
		for _, id := range out.Models {
			pr.Models = append(pr.Models, id.String())
		}
		rec.Predictions = append(rec.Predictions, pr)
	}
	for _, v := range res.Gate.VetoSignals {
		rec.GateVetoes = append(rec.GateVetoes, string(v.Type))
	}

	rewards, err := logging.EncodeRecord(rec)
	if err != nil {
		log.WithError(err).Warn("encode provenance record")
	}
	err = d.sink.Record(ctx, logging.ProvenanceEntry{
		VersionID:   res.VersionID,
		Policy:      key.Policy,
		Label:       key.Label,
		QueryID:     q.ID,
		RewardsJSON: rewards,
		Decision:    res.Decision,
		Reason:      res.Reason,
	})
	if err != nil {
		log.WithError(err).Warn("record provenance")
	}
}

// #endregion feedback

// #region combine
// Combine merges the outputs of q's predict tasks with the policy's combiner.
func (d *Dispatcher) Combine(_ context.Context, q model.Query, predictions []model.Output) (model.Output, error) {
	p, err := d.registry.Lookup(q.PolicyName)
	if err != nil {
		return model.Output{}, err
	}
	out, err := p.CombinePredictions(predictions)
	if err != nil {
		return model.Output{}, fmt.Errorf("combine %s/%s: %w", p.Name(), q.Label, err)
	}
	return out, nil
}

// #endregion combine
