package replay

import (
	"os"
	"path/filepath"
	"testing"
)

// #region fixture-tests

// TestFixtures runs every fixture under testdata and checks the final ranking
// and commit count. If reward or learning parameters drift, this catches it.
func TestFixtures(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "*.json"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(paths) == 0 {
		t.Fatal("no fixtures found")
	}

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			f, err := LoadFixture(path)
			if err != nil {
				t.Fatalf("LoadFixture: %v", err)
			}
			out, err := Run(f)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			for _, m := range out.Mismatches {
				t.Error(m)
			}
			if out.Summary.TotalRounds != len(f.Rounds) {
				t.Errorf("expected %d rounds, got %d", len(f.Rounds), out.Summary.TotalRounds)
			}
		})
	}
}

func TestLoadFixture_Missing(t *testing.T) {
	if _, err := LoadFixture(filepath.Join("testdata", "nope.json")); err == nil {
		t.Fatal("expected error for missing fixture")
	}
}

func TestLoadFixture_BadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFixture(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFixtureConfigOverlay(t *testing.T) {
	fc := FixtureConfig{
		Policy: []byte(`{"learning_rate": 0.3}`),
		Eval:   []byte(`{"max_share": 0.5}`),
	}
	cfg, err := fc.ToReplayConfig()
	if err != nil {
		t.Fatalf("ToReplayConfig: %v", err)
	}
	def := DefaultReplayConfig()
	if cfg.PolicyConfig.LearningRate != 0.3 {
		t.Errorf("expected learning rate 0.3, got %v", cfg.PolicyConfig.LearningRate)
	}
	if cfg.PolicyConfig.ExplorationFloor != def.PolicyConfig.ExplorationFloor {
		t.Error("unset policy fields should keep defaults")
	}
	if cfg.EvalConfig.MaxShare != 0.5 || cfg.EvalConfig.MinWeight != def.EvalConfig.MinWeight {
		t.Errorf("unexpected eval config %+v", cfg.EvalConfig)
	}
	if cfg.GateConfig != def.GateConfig {
		t.Errorf("gate config should be default, got %+v", cfg.GateConfig)
	}

	bad := FixtureConfig{Gate: []byte(`{"max_shift": "high"}`)}
	if _, err := bad.ToReplayConfig(); err == nil {
		t.Fatal("expected error for malformed gate config")
	}
}

func TestRun_UnknownPolicy(t *testing.T) {
	f := &Fixture{Policy: "thompson", Candidates: []FixtureModel{{Name: "a", Version: 1}}}
	if _, err := Run(f); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}

func TestRun_ReportsMismatch(t *testing.T) {
	commits := 5
	f := &Fixture{
		Policy:     "exp3",
		Candidates: []FixtureModel{{Name: "a", Version: 1}, {Name: "b", Version: 1}},
		Truth:      0,
		Rounds: []FixtureRound{
			{Model: &FixtureModel{Name: "a", Version: 1}, Prediction: 0},
			{Model: &FixtureModel{Name: "b", Version: 1}, Prediction: 90},
		},
		Expected: FixtureExpected{
			Ranking: []FixtureModel{{Name: "b", Version: 1}, {Name: "a", Version: 1}},
			Commits: &commits,
		},
	}
	out, err := Run(f)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.Mismatches) != 2 {
		t.Fatalf("expected ranking and commit mismatches, got %v", out.Mismatches)
	}
}

// #endregion fixture-tests
