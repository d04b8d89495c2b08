package replay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"slices"

	"github.com/danielpatrickdp/adaptive-select/internal/model"
	"github.com/danielpatrickdp/adaptive-select/internal/policy"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description string          `json:"description"`
	Policy      string          `json:"policy"`
	Seed        int64           `json:"seed"`
	Candidates  []FixtureModel  `json:"candidates"`
	Config      FixtureConfig   `json:"config"`
	Truth       float64         `json:"truth"`
	Input       []float64       `json:"input,omitempty"`
	Rounds      []FixtureRound  `json:"rounds"`
	Expected    FixtureExpected `json:"expected"`
}

// FixtureModel is a ModelID with JSON tags.
type FixtureModel struct {
	Name    string `json:"name"`
	Version int64  `json:"version"`
}

// FixtureRound is one served prediction. A round without a model is a
// feedback event with no predictions.
type FixtureRound struct {
	Model      *FixtureModel `json:"model,omitempty"`
	Prediction float64       `json:"prediction"`
	// Truth overrides the fixture-wide truth for this round.
	Truth *float64 `json:"truth,omitempty"`
}

// FixtureExpected captures the expected outcome of the run.
type FixtureExpected struct {
	Ranking []FixtureModel `json:"ranking"`
	Commits *int           `json:"commits,omitempty"`
}

// FixtureConfig holds partial configs. Absent fields keep their defaults.
type FixtureConfig struct {
	Policy json.RawMessage `json:"policy,omitempty"`
	Gate   json.RawMessage `json:"gate,omitempty"`
	Eval   json.RawMessage `json:"eval,omitempty"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// ID converts a FixtureModel to a domain ModelID.
func (m FixtureModel) ID() model.ModelID {
	return model.NewModelID(m.Name, m.Version)
}

// CandidateIDs converts the fixture's candidates to domain ModelIDs.
func (f *Fixture) CandidateIDs() []model.ModelID {
	return toIDs(f.Candidates)
}

// ExpectedRanking converts the expected ranking to domain ModelIDs.
func (f *Fixture) ExpectedRanking() []model.ModelID {
	return toIDs(f.Expected.Ranking)
}

// ToReplayConfig overlays the fixture's partial configs onto the defaults.
func (fc *FixtureConfig) ToReplayConfig() (ReplayConfig, error) {
	cfg := DefaultReplayConfig()
	for name, part := range map[string]struct {
		raw  json.RawMessage
		into any
	}{
		"policy": {fc.Policy, &cfg.PolicyConfig},
		"gate":   {fc.Gate, &cfg.GateConfig},
		"eval":   {fc.Eval, &cfg.EvalConfig},
	} {
		if len(bytes.TrimSpace(part.raw)) == 0 {
			continue
		}
		if err := json.Unmarshal(part.raw, part.into); err != nil {
			return ReplayConfig{}, fmt.Errorf("%s config: %w", name, err)
		}
	}
	return cfg, nil
}

// ToRounds converts the fixture rounds to domain Rounds. Query IDs are the
// round index.
func (f *Fixture) ToRounds() []Round {
	input := model.NewInput(f.Input)
	rounds := make([]Round, len(f.Rounds))
	for i, fr := range f.Rounds {
		truth := f.Truth
		if fr.Truth != nil {
			truth = *fr.Truth
		}
		r := Round{
			QueryID:  int64(i),
			Feedback: model.Feedback{Input: input, TrueValue: truth},
		}
		if fr.Model != nil {
			r.Predictions = []model.Output{model.NewOutput(fr.Prediction, fr.Model.ID())}
		}
		rounds[i] = r
	}
	return rounds
}

// ToPolicy resolves the fixture's policy with cfg. Epsilon-greedy draws from a
// source seeded with the fixture seed.
func (f *Fixture) ToPolicy(cfg policy.Config) (policy.Policy, error) {
	reg := policy.DefaultRegistry(cfg, rand.New(rand.NewSource(f.Seed)))
	return reg.Lookup(f.Policy)
}

// #endregion fixture-loader

// #region run
// Outcome is the result of running a fixture end to end.
type Outcome struct {
	Results []ReplayResult
	Summary ReplaySummary
	// Mismatches lists every way the run differs from the fixture's expectations.
	Mismatches []string
}

// Run replays f from a freshly initialized state and compares the result
// with f.Expected.
func Run(f *Fixture) (Outcome, error) {
	cfg, err := f.Config.ToReplayConfig()
	if err != nil {
		return Outcome{}, err
	}
	p, err := f.ToPolicy(cfg.PolicyConfig)
	if err != nil {
		return Outcome{}, err
	}
	start, err := p.Initialize(f.CandidateIDs())
	if err != nil {
		return Outcome{}, err
	}

	results, final, err := Replay(p, start, f.ToRounds(), cfg)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Results: results, Summary: Summarize(results, final)}

	want := f.ExpectedRanking()
	if len(want) > 0 && !slices.Equal(want, out.Summary.Ranking) {
		out.Mismatches = append(out.Mismatches,
			fmt.Sprintf("ranking: expected %v, got %v", want, out.Summary.Ranking))
	}
	if c := f.Expected.Commits; c != nil && *c != out.Summary.Commits {
		out.Mismatches = append(out.Mismatches,
			fmt.Sprintf("commits: expected %d, got %d", *c, out.Summary.Commits))
	}
	return out, nil
}

// #endregion run

func toIDs(ms []FixtureModel) []model.ModelID {
	ids := make([]model.ModelID, len(ms))
	for i, m := range ms {
		ids[i] = m.ID()
	}
	return ids
}
