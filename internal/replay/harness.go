package replay

import (
	"fmt"
	"sort"

	"github.com/danielpatrickdp/adaptive-select/internal/eval"
	"github.com/danielpatrickdp/adaptive-select/internal/gate"
	"github.com/danielpatrickdp/adaptive-select/internal/model"
	"github.com/danielpatrickdp/adaptive-select/internal/policy"
	"github.com/danielpatrickdp/adaptive-select/internal/state"
)

// #region types
// Round is one recorded feedback event: the ground truth and the outputs
// that were served for it.
type Round struct {
	QueryID     int64
	Feedback    model.Feedback
	Predictions []model.Output
}

// ReplayConfig bundles the policy, gate, and eval configs for a replay run.
type ReplayConfig struct {
	PolicyConfig policy.Config
	GateConfig   gate.GateConfig
	EvalConfig   eval.EvalConfig

	// AdvisoryEval commits a proposal even when eval fails, as the live
	// dispatcher does. The failed EvalResult stays on the round result.
	AdvisoryEval bool
}

// DefaultReplayConfig returns the defaults for all three pipeline stages.
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{
		PolicyConfig: policy.DefaultConfig(),
		GateConfig:   gate.DefaultGateConfig(),
		EvalConfig:   eval.DefaultEvalConfig(),
	}
}

// ReplayResult captures the outcome of replaying one round through the pipeline.
type ReplayResult struct {
	Round  int
	Action string // "commit" | "gate_reject" | "eval_rollback" | "no_op"
	Reason string

	// Gate stage (nil if the round was a no_op)
	GateDecision *gate.GateDecision

	// Eval stage (nil if gate rejected or the round was a no_op)
	EvalResult *eval.EvalResult

	// Observations of the state in force after this round
	Observations uint64
}

// ReplaySummary provides aggregate stats from a replay run.
type ReplaySummary struct {
	TotalRounds   int
	Commits       int
	GateRejects   int
	EvalRollbacks int
	NoOps         int
	Ranking       []model.ModelID
	WeightSum     float64
	FinalState    state.PolicyState
}

// #endregion types

// #region replay
// Replay feeds every round through ProcessFeedback → gate → eval and commits
// the proposal when both pass. Operates entirely in memory. An error from the
// policy stops the run.
func Replay(p policy.Policy, start state.PolicyState, rounds []Round, config ReplayConfig) ([]ReplayResult, state.PolicyState, error) {
	current := start
	results := make([]ReplayResult, 0, len(rounds))

	gateInst := gate.NewGate(config.GateConfig)
	evalInst := eval.NewEvalHarness(config.EvalConfig)

	for i, round := range rounds {
		// 1. Update
		proposed, err := p.ProcessFeedback(current, round.Feedback, round.Predictions)
		if err != nil {
			return results, current, fmt.Errorf("round %d: %w", i, err)
		}

		// 2. No-op check
		if len(round.Predictions) == 0 {
			results = append(results, ReplayResult{
				Round:        i,
				Action:       "no_op",
				Reason:       "no predictions",
				Observations: current.Observations(),
			})
			continue
		}

		// 3. Gate
		gateDecision := gateInst.Evaluate(current, proposed)
		if gateDecision.Action == "reject" {
			results = append(results, ReplayResult{
				Round:        i,
				Action:       "gate_reject",
				Reason:       gateDecision.Reason,
				GateDecision: &gateDecision,
				Observations: current.Observations(),
			})
			continue
		}

		// 4. Eval
		evalResult := evalInst.Run(proposed)
		if !evalResult.Passed && !config.AdvisoryEval {
			results = append(results, ReplayResult{
				Round:        i,
				Action:       "eval_rollback",
				Reason:       evalResult.Reason,
				GateDecision: &gateDecision,
				EvalResult:   &evalResult,
				Observations: current.Observations(),
			})
			continue
		}

		// 5. Commit
		current = proposed
		results = append(results, ReplayResult{
			Round:        i,
			Action:       "commit",
			Reason:       gateDecision.Reason,
			GateDecision: &gateDecision,
			EvalResult:   &evalResult,
			Observations: current.Observations(),
		})
	}

	return results, current, nil
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []ReplayResult, finalState state.PolicyState) ReplaySummary {
	s := ReplaySummary{
		TotalRounds: len(results),
		Ranking:     Ranking(finalState),
		WeightSum:   finalState.WeightSum(),
		FinalState:  finalState,
	}
	for _, r := range results {
		switch r.Action {
		case "commit":
			s.Commits++
		case "gate_reject":
			s.GateRejects++
		case "eval_rollback":
			s.EvalRollbacks++
		case "no_op":
			s.NoOps++
		}
	}
	return s
}

// Ranking orders the state's models by weight descending, ties by ModelID.
func Ranking(s state.PolicyState) []model.ModelID {
	ids := s.Models()
	sort.SliceStable(ids, func(i, j int) bool {
		wi, wj := s.Weight(ids[i]), s.Weight(ids[j])
		if wi != wj {
			return wi > wj
		}
		return ids[i].Less(ids[j])
	})
	return ids
}

// #endregion replay
