package replay

import (
	"testing"

	"github.com/danielpatrickdp/adaptive-select/internal/model"
	"github.com/danielpatrickdp/adaptive-select/internal/policy"
	"github.com/danielpatrickdp/adaptive-select/internal/state"
)

var (
	modelA = model.NewModelID("a", 1)
	modelB = model.NewModelID("b", 1)
)

// helper: fresh exp3 state over a and b.
func startState(t *testing.T, p policy.Policy) state.PolicyState {
	t.Helper()
	s, err := p.Initialize([]model.ModelID{modelA, modelB})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return s
}

// helper: a round where a is exact and b is 30 off.
func round(id int64) Round {
	return Round{
		QueryID:  id,
		Feedback: model.Feedback{TrueValue: 10},
		Predictions: []model.Output{
			model.NewOutput(10, modelA),
			model.NewOutput(40, modelB),
		},
	}
}

// 1. Full commit path: the state advances and both stages are populated.
func TestReplay_FullCommitPath(t *testing.T) {
	p := policy.NewExp3(policy.DefaultConfig())
	start := startState(t, p)

	results, final, err := Replay(p, start, []Round{round(1)}, DefaultReplayConfig())
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.Action != "commit" {
		t.Errorf("expected action=commit, got %s", r.Action)
	}
	if r.GateDecision == nil || r.EvalResult == nil {
		t.Fatal("expected gate and eval results")
	}
	if !r.EvalResult.Passed {
		t.Error("expected EvalResult.Passed=true")
	}
	if final.Observations() != 2 || r.Observations != 2 {
		t.Errorf("expected 2 observations, got %d", final.Observations())
	}
	if final.Weight(modelA) <= start.Weight(modelA) {
		t.Error("expected a's weight to grow")
	}
}

// 2. No-op: a round without predictions leaves the state in place.
func TestReplay_NoOp(t *testing.T) {
	p := policy.NewUCB(policy.DefaultConfig())
	start := startState(t, p)

	results, final, err := Replay(p, start, []Round{{QueryID: 1}}, DefaultReplayConfig())
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if results[0].Action != "no_op" {
		t.Errorf("expected no_op, got %s", results[0].Action)
	}
	if results[0].GateDecision != nil {
		t.Error("no_op should not reach the gate")
	}
	if final.Observations() != 0 {
		t.Error("state should not advance")
	}
}

// 3. Eval rollback: an eval threshold the proposal cannot meet keeps the old state.
func TestReplay_EvalRollback(t *testing.T) {
	p := policy.NewExp3(policy.DefaultConfig())
	start := startState(t, p)
	config := DefaultReplayConfig()
	config.EvalConfig.MaxShare = 0.5

	results, final, err := Replay(p, start, []Round{round(1), round(2)}, config)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	for _, r := range results {
		if r.Action != "eval_rollback" {
			t.Errorf("round %d: expected eval_rollback, got %s", r.Round, r.Action)
		}
		if r.EvalResult == nil || r.EvalResult.Passed {
			t.Errorf("round %d: expected failing eval result", r.Round)
		}
	}
	if final.Observations() != 0 {
		t.Error("rolled back rounds should not advance state")
	}
}

// 4. Policy errors stop the run and return the last committed state.
func TestReplay_UnknownModelStops(t *testing.T) {
	p := policy.NewExp4(policy.DefaultConfig())
	start := startState(t, p)
	stranger := Round{
		Feedback:    model.Feedback{TrueValue: 1},
		Predictions: []model.Output{model.NewOutput(1, model.NewModelID("c", 1))},
	}

	results, final, err := Replay(p, start, []Round{round(1), stranger, round(3)}, DefaultReplayConfig())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result before the error, got %d", len(results))
	}
	if final.Observations() != 2 {
		t.Errorf("expected state after round 1, got %d observations", final.Observations())
	}
}

// 5. Summarize counts actions and ranks the final state.
func TestSummarize(t *testing.T) {
	p := policy.NewEpsilonGreedy(policy.DefaultConfig(), nil)
	start := startState(t, p)

	results, final, err := Replay(p, start, []Round{round(1), {QueryID: 2}, round(3)}, DefaultReplayConfig())
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	sum := Summarize(results, final)

	if sum.TotalRounds != 3 || sum.Commits != 2 || sum.NoOps != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if len(sum.Ranking) != 2 || sum.Ranking[0] != modelA {
		t.Fatalf("expected a first, got %v", sum.Ranking)
	}
	if sum.WeightSum != final.WeightSum() {
		t.Error("summary weight sum should match the final state")
	}
}

func TestRankingTiesByModelID(t *testing.T) {
	p := policy.NewExp3(policy.DefaultConfig())
	s, err := p.Initialize([]model.ModelID{modelB, modelA})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	got := Ranking(s)
	if got[0] != modelA || got[1] != modelB {
		t.Fatalf("expected [a b], got %v", got)
	}
}
