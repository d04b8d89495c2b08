package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"

	"github.com/danielpatrickdp/adaptive-select/internal/logging"
	"github.com/danielpatrickdp/adaptive-select/internal/model"
	"github.com/danielpatrickdp/adaptive-select/internal/policy"
	"github.com/danielpatrickdp/adaptive-select/internal/state"
)

// #region provenance
// FromProvenance rebuilds rounds from provenance entries, oldest first. It
// also returns the decision recorded for each round.
func FromProvenance(entries []logging.ProvenanceEntry, input model.Input) ([]Round, []string, error) {
	rounds := make([]Round, 0, len(entries))
	decisions := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.RewardsJSON == "" {
			return nil, nil, fmt.Errorf("query %d: no feedback record", e.QueryID)
		}
		var rec logging.FeedbackRecord
		if err := json.Unmarshal([]byte(e.RewardsJSON), &rec); err != nil {
			return nil, nil, fmt.Errorf("query %d: decode feedback record: %w", e.QueryID, err)
		}

		r := Round{
			QueryID:  e.QueryID,
			Feedback: model.Feedback{Input: input, TrueValue: rec.TrueValue},
		}
		for _, pr := range rec.Predictions {
			ids := make([]model.ModelID, 0, len(pr.Models))
			for _, s := range pr.Models {
				id, err := model.ParseModelID(s)
				if err != nil {
					return nil, nil, fmt.Errorf("query %d: %w", e.QueryID, err)
				}
				ids = append(ids, id)
			}
			r.Predictions = append(r.Predictions, model.NewOutput(pr.Value, ids...))
		}
		rounds = append(rounds, r)
		decisions = append(decisions, e.Decision)
	}
	return rounds, decisions, nil
}

// ActionMatches compares a recorded dispatcher decision with a replayed
// action. A recorded "reject" came from the gate.
func ActionMatches(recorded, replayed string) bool {
	if recorded == replayed {
		return true
	}
	return recorded == "reject" && replayed == "gate_reject"
}

// #endregion provenance

// #region history
// History is a key's provenance log replayed from its first stored version.
type History struct {
	Results  []ReplayResult
	Recorded []string
	Final    state.PolicyState
	// Stored is the key's active state in the store.
	Stored state.PolicyState
	// Diverged lists the rounds whose replayed action differs from the
	// recorded decision.
	Diverged []int
}

// ReplayHistory replays every provenance row of (p, label) from the key's
// first stored version. p and config must carry the settings the daemon ran
// with; eval is advisory, as in the dispatcher.
func ReplayHistory(ctx context.Context, store *state.Store, p policy.Policy, label string, config ReplayConfig) (History, error) {
	key := state.Key{Policy: p.Name(), Label: label}
	versions, err := store.ListVersions(ctx, key, math.MaxInt32)
	if err != nil {
		return History{}, err
	}
	if len(versions) == 0 {
		return History{}, fmt.Errorf("no versions found for %s", key)
	}
	start, err := p.DeserializeState(versions[len(versions)-1].Blob)
	if err != nil {
		return History{}, fmt.Errorf("initial state: %w", err)
	}
	blob, err := store.Get(ctx, key)
	if err != nil {
		return History{}, err
	}
	stored, err := p.DeserializeState(blob)
	if err != nil {
		return History{}, fmt.Errorf("active state: %w", err)
	}

	entries, err := logging.RecentDecisions(ctx, store.DB(), key.Policy, key.Label, math.MaxInt32)
	if err != nil {
		return History{}, err
	}
	if len(entries) == 0 {
		return History{}, fmt.Errorf("no decisions found for %s", key)
	}
	slices.Reverse(entries)

	rounds, recorded, err := FromProvenance(entries, model.Input{})
	if err != nil {
		return History{}, err
	}
	config.AdvisoryEval = true
	results, final, err := Replay(p, start, rounds, config)
	if err != nil {
		return History{}, err
	}

	h := History{Results: results, Recorded: recorded, Final: final, Stored: stored}
	for i, r := range results {
		if !ActionMatches(recorded[i], r.Action) {
			h.Diverged = append(h.Diverged, i)
		}
	}
	return h, nil
}

// #endregion history
