package eval

import (
	"math"
	"testing"

	"github.com/danielpatrickdp/adaptive-select/internal/model"
	"github.com/danielpatrickdp/adaptive-select/internal/state"
)

func makeState(t *testing.T, weights ...float64) state.PolicyState {
	t.Helper()
	entries := make(map[model.ModelID]state.Stats, len(weights))
	for i, w := range weights {
		entries[model.NewModelID("m", int64(i))] = state.ExpWeight{Value: w}
	}
	s, err := state.New(state.VariantExp3, entries, 0)
	if err != nil {
		t.Fatalf("state.New: %v", err)
	}
	return s
}

func TestEvalPassesOnUniformState(t *testing.T) {
	h := NewEvalHarness(DefaultEvalConfig())

	result := h.Run(makeState(t, 1, 1, 1))

	if !result.Passed {
		t.Fatalf("expected pass on uniform state, got fail: %s", result.Reason)
	}
	if len(result.Metrics) != 4 {
		t.Fatalf("expected 4 metrics, got %d", len(result.Metrics))
	}
	m, ok := result.Metric("selection_entropy")
	if !ok {
		t.Fatal("missing selection_entropy")
	}
	if math.Abs(m.Value-math.Log(3)) > 1e-12 {
		t.Fatalf("expected ln 3, got %v", m.Value)
	}
	if d, _ := result.Metric("weight_sum_drift"); d.Value != 0 {
		t.Fatalf("expected zero drift, got %v", d.Value)
	}
}

func TestEvalFailsOnCollapse(t *testing.T) {
	h := NewEvalHarness(DefaultEvalConfig())

	result := h.Run(makeState(t, 1e6, 1e-9))

	if result.Passed {
		t.Fatal("expected fail when one model holds the whole weight")
	}
	m, _ := result.Metric("max_share")
	if m.Pass {
		t.Fatalf("max_share should fail, value %v", m.Value)
	}
}

func TestEvalFailsBelowFloor(t *testing.T) {
	config := DefaultEvalConfig()
	config.MinWeight = 0.5
	h := NewEvalHarness(config)

	result := h.Run(makeState(t, 1, 0.25))

	if result.Passed {
		t.Fatal("expected fail below the weight floor")
	}
	if m, _ := result.Metric("min_weight"); m.Value != 0.25 || m.Pass {
		t.Fatalf("unexpected min_weight metric %+v", m)
	}
}

func TestEvalMultipleFailures(t *testing.T) {
	config := EvalConfig{MinWeight: 0.5, MaxShare: 0.6}
	h := NewEvalHarness(config)

	result := h.Run(makeState(t, 1, 0.25))

	if result.Passed {
		t.Fatal("expected fail")
	}
	if result.Reason != "eval failed: 2 checks: min weight 0.25 below 0.5" {
		t.Fatalf("unexpected reason %q", result.Reason)
	}
}

func TestEvalEmptyState(t *testing.T) {
	h := NewEvalHarness(DefaultEvalConfig())
	if result := h.Run(state.PolicyState{}); result.Passed {
		t.Fatal("empty state should not pass")
	}
}

func TestEntropySingleModel(t *testing.T) {
	if got := Entropy(makeState(t, 3)); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}
