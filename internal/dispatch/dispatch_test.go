package dispatch

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/adaptive-select/internal/logging"
	"github.com/danielpatrickdp/adaptive-select/internal/model"
	"github.com/danielpatrickdp/adaptive-select/internal/policy"
	"github.com/danielpatrickdp/adaptive-select/internal/state"
)

var (
	modelA = model.NewModelID("a", 1)
	modelB = model.NewModelID("b", 1)
	modelC = model.NewModelID("c", 2)
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(&bytes.Buffer{})
	return l
}

func query(policyName string) model.Query {
	return model.Query{
		Label:         "prices",
		ID:            7,
		Input:         model.NewInput([]float64{1}),
		LatencyBudget: 50,
		PolicyName:    policyName,
		Candidates:    []model.ModelID{modelA, modelB, modelC},
	}
}

func truth(v float64) model.Feedback {
	return model.Feedback{Input: model.NewInput([]float64{1}), TrueValue: v}
}

// countingStore wraps a MemoryStore and counts writes.
type countingStore struct {
	*state.MemoryStore
	puts atomic.Int64
}

func (c *countingStore) Put(ctx context.Context, key state.Key, blob []byte) (string, error) {
	c.puts.Add(1)
	return c.MemoryStore.Put(ctx, key, blob)
}

// failingStore returns err from every Get.
type failingStore struct{ err error }

func (f failingStore) Get(context.Context, state.Key) ([]byte, error) { return nil, f.err }
func (f failingStore) Put(context.Context, state.Key, []byte) (string, error) {
	return "", f.err
}

// gatedStore blocks the second Get, the one resolve issues for the first
// Select, until release is closed. It records the context error seen then.
type gatedStore struct {
	*state.MemoryStore
	gets    atomic.Int64
	entered chan struct{}
	release chan struct{}
	sawErr  error
}

func (g *gatedStore) Get(ctx context.Context, key state.Key) ([]byte, error) {
	if g.gets.Add(1) == 2 {
		close(g.entered)
		select {
		case <-g.release:
		case <-ctx.Done():
		}
		g.sawErr = ctx.Err()
		if g.sawErr != nil {
			return nil, g.sawErr
		}
	}
	return g.MemoryStore.Get(ctx, key)
}

// memorySink collects provenance entries.
type memorySink struct {
	mu      sync.Mutex
	entries []logging.ProvenanceEntry
}

func (m *memorySink) Record(_ context.Context, e logging.ProvenanceEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func TestSelectInitializesAndPersists(t *testing.T) {
	store := &countingStore{MemoryStore: state.NewMemoryStore()}
	d := New(store, WithLogger(quietLogger()))
	ctx := context.Background()

	tasks, err := d.Select(ctx, query("exp3"))
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, modelA, tasks[0].Model)
	assert.True(t, tasks[0].Primary)
	assert.Equal(t, int64(50), tasks[0].LatencyBudget)
	assert.Equal(t, int64(1), store.puts.Load())

	_, err = d.Select(ctx, query("EXP3"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), store.puts.Load(), "alias must reuse the stored state")

	blob, err := store.Get(ctx, state.Key{Policy: "exp3", Label: "prices"})
	require.NoError(t, err)
	s, err := state.DecodeVariant(blob, state.VariantExp3)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Len())
}

func TestSelectUnknownPolicy(t *testing.T) {
	d := New(state.NewMemoryStore(), WithLogger(quietLogger()))
	_, err := d.Select(context.Background(), query("thompson"))
	assert.ErrorIs(t, err, policy.ErrUnknownPolicy)
}

func TestSelectEmptyCandidates(t *testing.T) {
	d := New(state.NewMemoryStore(), WithLogger(quietLogger()))
	q := query("ucb")
	q.Candidates = nil
	_, err := d.Select(context.Background(), q)
	assert.ErrorIs(t, err, policy.ErrInvalidConfiguration)
}

func TestConcurrentFirstSelectStoresOnce(t *testing.T) {
	store := &countingStore{MemoryStore: state.NewMemoryStore()}
	d := New(store, WithLogger(quietLogger()))

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Select(context.Background(), query("ucb")); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("select: %v", err)
	}
	assert.Equal(t, int64(1), store.puts.Load())
}

func TestFirstSelectSurvivesCallerCancel(t *testing.T) {
	store := &gatedStore{
		MemoryStore: state.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	d := New(store, WithLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := d.Select(ctx, query("exp3"))
		first <- err
	}()
	<-store.entered

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Select(context.Background(), query("exp3")); err != nil {
				errs <- err
			}
		}()
	}

	cancel()
	close(store.release)
	require.NoError(t, <-first)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("waiting select: %v", err)
	}
	assert.NoError(t, store.sawErr)

	blob, err := store.MemoryStore.Get(context.Background(), state.Key{Policy: "exp3", Label: "prices"})
	require.NoError(t, err)
	assert.NotEmpty(t, blob)
}

func TestConvergedKeyLogsBelowWarn(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	d := New(state.NewMemoryStore(), WithLogger(logger))
	ctx := context.Background()
	q := query("exp3")

	var flagged int
	for i := 0; i < 200; i++ {
		res, err := d.Feedback(ctx, q, truth(10), []model.Output{model.NewOutput(10, modelA)})
		require.NoError(t, err)
		require.Equal(t, "commit", res.Decision, res.Reason)
		if !res.Eval.Passed {
			flagged++
		}
	}
	require.NotZero(t, flagged, "exp3 never reached max_share")

	var infos int
	for _, e := range hook.AllEntries() {
		if e.Level <= logrus.WarnLevel {
			t.Errorf("%s logged at %s", e.Message, e.Level)
		}
		if e.Message == "committed policy update; eval flagged" {
			assert.Equal(t, logrus.InfoLevel, e.Level)
			infos++
		}
	}
	assert.Equal(t, flagged, infos)
}

func TestFeedbackCommitsAndShiftsRanking(t *testing.T) {
	store := state.NewMemoryStore()
	sink := &memorySink{}
	d := New(store, WithLogger(quietLogger()), WithProvenance(sink))
	ctx := context.Background()
	q := query("exp4")

	for i := 0; i < 20; i++ {
		res, err := d.Feedback(ctx, q, truth(10), []model.Output{
			model.NewOutput(10, modelC),
			model.NewOutput(60, modelA),
		})
		require.NoError(t, err)
		require.Equal(t, "commit", res.Decision, res.Reason)
		require.NotEmpty(t, res.VersionID)
		require.NotNil(t, res.Eval)
	}

	tasks, err := d.Select(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, modelC, tasks[0].Model)

	require.Len(t, sink.entries, 20)
	last := sink.entries[19]
	assert.Equal(t, "exp4", last.Policy)
	assert.Equal(t, "prices", last.Label)
	assert.Equal(t, int64(7), last.QueryID)
	assert.Equal(t, "commit", last.Decision)
	assert.Contains(t, last.RewardsJSON, `"c:2"`)
}

func TestFeedbackEmptyPredictionsIsNoOp(t *testing.T) {
	store := &countingStore{MemoryStore: state.NewMemoryStore()}
	d := New(store, WithLogger(quietLogger()))
	ctx := context.Background()

	res, err := d.Feedback(ctx, query("epsilon_greedy"), truth(1), nil)
	require.NoError(t, err)
	assert.Equal(t, "no_op", res.Decision)
	assert.Empty(t, res.VersionID)
	assert.Equal(t, int64(1), store.puts.Load(), "only the initial state is stored")
	assert.Equal(t, uint64(0), res.State.Observations())
}

func TestFeedbackUnknownModel(t *testing.T) {
	d := New(state.NewMemoryStore(), WithLogger(quietLogger()))
	_, err := d.Feedback(context.Background(), query("exp3"), truth(1), []model.Output{
		model.NewOutput(1, model.NewModelID("ghost", 1)),
	})
	assert.ErrorIs(t, err, policy.ErrUnknownPolicyCandidate)
}

func TestConcurrentFeedbackLosesNoUpdates(t *testing.T) {
	d := New(state.NewMemoryStore(), WithLogger(quietLogger()))
	ctx := context.Background()
	q := query("ucb")

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := d.Feedback(ctx, q, truth(0), []model.Output{model.NewOutput(float64(i%5), modelB)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	res, err := d.Feedback(ctx, q, truth(0), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(n), res.State.Observations())
	assert.Equal(t, 0, d.locks.held())
}

func TestCorruptStateFailsByDefault(t *testing.T) {
	store := state.NewMemoryStore()
	ctx := context.Background()
	key := state.Key{Policy: "exp3", Label: "prices"}
	_, err := store.Put(ctx, key, []byte("MSEL\x09garbage"))
	require.NoError(t, err)

	d := New(store, WithLogger(quietLogger()))
	_, err = d.Select(ctx, query("exp3"))
	assert.ErrorIs(t, err, state.ErrCorruptState)
	assert.NotErrorIs(t, err, state.ErrNoState)

	_, err = d.Feedback(ctx, query("exp3"), truth(0), []model.Output{model.NewOutput(0, modelA)})
	assert.ErrorIs(t, err, state.ErrCorruptState)
}

func TestCorruptStateReinitializes(t *testing.T) {
	store := state.NewMemoryStore()
	ctx := context.Background()
	key := state.Key{Policy: "ucb", Label: "prices"}
	_, err := store.Put(ctx, key, []byte{0xde, 0xad})
	require.NoError(t, err)

	var logs bytes.Buffer
	l := logrus.New()
	l.SetOutput(&logs)
	d := New(store, WithLogger(l), WithCorruptMode(CorruptReinitialize))

	tasks, err := d.Select(ctx, query("ucb"))
	require.NoError(t, err)
	assert.Len(t, tasks, 3)
	assert.Contains(t, logs.String(), "corrupt")

	blob, err := store.Get(ctx, key)
	require.NoError(t, err)
	_, err = state.DecodeVariant(blob, state.VariantUCB)
	require.NoError(t, err)
}

func TestStateOfAnotherVariantIsCorrupt(t *testing.T) {
	store := state.NewMemoryStore()
	ctx := context.Background()

	exp3 := policy.NewExp3(policy.DefaultConfig())
	s, err := exp3.Initialize([]model.ModelID{modelA})
	require.NoError(t, err)
	blob, err := exp3.SerializeState(s)
	require.NoError(t, err)
	_, err = store.Put(ctx, state.Key{Policy: "ucb", Label: "prices"}, blob)
	require.NoError(t, err)

	d := New(store, WithLogger(quietLogger()))
	_, err = d.Select(ctx, query("ucb"))
	assert.ErrorIs(t, err, state.ErrCorruptState)
}

func TestStoreErrorsPropagate(t *testing.T) {
	boom := errors.New("disk on fire")
	d := New(failingStore{err: boom}, WithLogger(quietLogger()))

	_, err := d.Select(context.Background(), query("exp3"))
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, state.ErrCorruptState)

	_, err = d.Feedback(context.Background(), query("exp3"), truth(0), nil)
	assert.ErrorIs(t, err, boom)
}

// droppingPolicy wraps Exp3 and forgets every candidate but the first.
type droppingPolicy struct {
	*policy.Exp3
}

func (p droppingPolicy) ProcessFeedback(s state.PolicyState, _ model.Feedback, _ []model.Output) (state.PolicyState, error) {
	first := s.Entries()[0]
	return state.New(s.Variant(), map[model.ModelID]state.Stats{first.Model: first.Stats}, s.Observations()+1)
}

func TestGateRejectKeepsState(t *testing.T) {
	store := &countingStore{MemoryStore: state.NewMemoryStore()}
	sink := &memorySink{}
	reg := policy.NewRegistry(droppingPolicy{policy.NewExp3(policy.DefaultConfig())})
	d := New(store, WithLogger(quietLogger()), WithRegistry(reg), WithProvenance(sink))

	res, err := d.Feedback(context.Background(), query("exp3"), truth(0), []model.Output{model.NewOutput(0, modelA)})
	require.NoError(t, err)
	assert.Equal(t, "reject", res.Decision)
	assert.True(t, res.Gate.Vetoed)
	assert.Equal(t, 3, res.State.Len())
	assert.Equal(t, int64(1), store.puts.Load())

	require.Len(t, sink.entries, 1)
	assert.Equal(t, "reject", sink.entries[0].Decision)
	assert.Contains(t, sink.entries[0].RewardsJSON, "missing_candidate")
}

func TestCombineDelegates(t *testing.T) {
	cfg := policy.DefaultConfig()
	cfg.Combiner = policy.CombinerFunc(func(preds []model.Output) (model.Output, error) {
		return model.NewOutput(preds[len(preds)-1].Value, modelA, modelB), nil
	})
	d := New(state.NewMemoryStore(), WithLogger(quietLogger()), WithRegistry(policy.DefaultRegistry(cfg, nil)))
	ctx := context.Background()

	out, err := d.Combine(ctx, query("exp3"), []model.Output{model.NewOutput(1, modelA), model.NewOutput(2, modelB)})
	require.NoError(t, err)
	assert.Equal(t, 2.0, out.Value)

	plain := New(state.NewMemoryStore(), WithLogger(quietLogger()))
	_, err = plain.Combine(ctx, query("exp3"), []model.Output{model.NewOutput(1, modelA), model.NewOutput(2, modelB)})
	assert.ErrorIs(t, err, policy.ErrCombineUnavailable)

	_, err = plain.Combine(ctx, query("nope"), nil)
	assert.ErrorIs(t, err, policy.ErrUnknownPolicy)
}

func TestWithSQLiteStore(t *testing.T) {
	store, err := state.NewStore(filepath.Join(t.TempDir(), "select.db"))
	require.NoError(t, err)
	defer store.Close()

	d := New(store, WithLogger(quietLogger()), WithProvenance(logging.NewSQLSink(store.DB())))
	ctx := context.Background()
	q := query("epsilon_greedy")

	var res FeedbackResult
	for i := 0; i < 3; i++ {
		res, err = d.Feedback(ctx, q, truth(5), []model.Output{model.NewOutput(7, modelB)})
		require.NoError(t, err)
	}
	st, ok := res.State.Stats(modelB)
	require.True(t, ok)
	assert.Equal(t, uint64(3), st.(state.MeanReward).Count)

	key := state.Key{Policy: "epsilon_greedy", Label: "prices"}
	versions, err := store.ListVersions(ctx, key, 10)
	require.NoError(t, err)
	assert.Len(t, versions, 4) // initial + 3 commits

	decisions, err := logging.RecentDecisions(ctx, store.DB(), "epsilon_greedy", "prices", 10)
	require.NoError(t, err)
	require.Len(t, decisions, 3)
	assert.Equal(t, versions[0].VersionID, decisions[0].VersionID)

	tasks, err := d.Select(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, modelB, tasks[len(tasks)-1].Model, "b's mean fell below the optimistic prior")
}

func TestParseCorruptMode(t *testing.T) {
	m, err := ParseCorruptMode("")
	require.NoError(t, err)
	assert.Equal(t, CorruptFail, m)

	m, err = ParseCorruptMode("reinitialize")
	require.NoError(t, err)
	assert.Equal(t, CorruptReinitialize, m)

	_, err = ParseCorruptMode("shrug")
	assert.Error(t, err)
}
