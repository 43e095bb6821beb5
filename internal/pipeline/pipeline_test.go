package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/floegence/skillhub/internal/analyze"
	"github.com/floegence/skillhub/internal/fetch"
	"github.com/floegence/skillhub/internal/model"
	"github.com/floegence/skillhub/internal/normalize"
	"github.com/floegence/skillhub/internal/registry"
	"github.com/floegence/skillhub/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu      sync.Mutex
	results map[string][]model.Candidate
	fail    map[string]bool
	// gate, when set, blocks every fetch until it is closed or the run is cancelled.
	gate    chan struct{}
	entered chan struct{}
	calls   atomic.Int32
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{results: map[string][]model.Candidate{}, fail: map[string]bool{}}
}

func (f *fakeFetcher) set(sourceID string, cands ...model.Candidate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[sourceID] = cands
}

func (f *fakeFetcher) Fetch(ctx context.Context, src model.Source) (fetch.Result, error) {
	f.calls.Add(1)
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	cands := f.results[src.ID]
	failing := f.fail[src.ID]
	f.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return fetch.Result{}, ctx.Err()
		}
	}
	if failing {
		return fetch.Result{}, model.NewError(model.ErrCodeSourceUnavailable, "source "+src.Name+" unavailable", errors.New("connection refused"))
	}
	out := make([]model.Candidate, len(cands))
	copy(out, cands)
	return fetch.Result{Candidates: out, Commit: "c-" + src.ID}, nil
}

type fakeAnalyzer struct {
	calls  atomic.Int32
	mu     sync.Mutex
	hashes []string
}

func (a *fakeAnalyzer) Available() bool { return true }

func (a *fakeAnalyzer) Analyze(_ context.Context, in analyze.Input) (*model.Analysis, error) {
	a.calls.Add(1)
	a.mu.Lock()
	a.hashes = append(a.hashes, in.ContentHash)
	a.mu.Unlock()
	return &model.Analysis{Summary: "about " + in.Name, QualityScore: 80}, nil
}

func (a *fakeAnalyzer) analyzed() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.hashes...)
}

func cand(sourceID string, name string, body string) model.Candidate {
	return model.Candidate{SourceID: sourceID, Name: name, Path: name, RawContent: []byte(body)}
}

type harness struct {
	ctl     *Controller
	store   *store.Store
	fetcher *fakeFetcher
}

func newHarness(t *testing.T, sources ...model.Source) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "skillhub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	for i, src := range sources {
		src.CreatedAtUnixMs = int64(i + 1)
		_, err := st.CreateSource(context.Background(), src)
		require.NoError(t, err)
	}
	ff := newFakeFetcher()
	var clock atomic.Int64
	clock.Store(1_700_000_000_000)
	ctl, err := NewController(Options{
		Store:   st,
		Fetcher: ff,
		Now: func() time.Time {
			return time.UnixMilli(clock.Add(1000))
		},
	})
	require.NoError(t, err)
	return &harness{ctl: ctl, store: st, fetcher: ff}
}

var (
	srcA = model.Source{ID: "a", Name: "alpha", URL: "alpha/skills", Priority: 10}
	srcB = model.Source{ID: "b", Name: "beta", URL: "beta/skills", Priority: 5}
	srcC = model.Source{ID: "c", Name: "gamma", URL: "gamma/skills", Priority: 1}
)

const (
	deployA = "# Deploy\nShip the service to production through the blue green pipeline with canary checks.\n"
	deployB = "# Deploy\nRun terraform apply inside the ops account then restart every worker node by hand.\n"
	lintMD  = "# Lint\nRun golangci-lint across the module and fail the build on any reported issue.\n"
	testMD  = "# Test\nExecute the unit test suite with the race detector enabled and upload coverage.\n"
)

func TestDeployConflictResolvedOnNextRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, srcA, srcB)
	h.fetcher.set("a", cand("a", "deploy", deployA))
	h.fetcher.set("b", cand("b", "deploy", deployB))

	st, err := h.ctl.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatePartialReady, st.State)
	assert.False(t, st.Running)

	status, err := h.ctl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status.ReadyCount)
	assert.Equal(t, 2, status.BlockedCount)
	require.Equal(t, 1, status.PendingConflicts)

	pending, err := h.ctl.ListConflicts(ctx, model.ConflictPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	cf := pending[0]
	assert.Equal(t, model.NameConflict, cf.Type)
	chosen := model.SkillID(model.SkillKey{SourceID: "a", Path: "deploy"})
	require.True(t, cf.Contains(chosen))

	out, err := h.ctl.Resolve(ctx, cf.ID, model.Resolution{Action: model.ActionChooseOne, ChosenSkillID: chosen})
	require.NoError(t, err)
	assert.False(t, out.Queued)
	assert.Equal(t, model.ConflictResolved, out.Conflict.Status)

	before, err := h.ctl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, before.BlockedCount)

	st, err = h.ctl.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateReady, st.State)
	after, err := h.ctl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.ReadyCount+1, after.ReadyCount)
	assert.Equal(t, before.BlockedCount-1, after.BlockedCount)
	assert.Equal(t, 0, after.PendingConflicts)

	ready, err := h.ctl.ListSkills(ctx, model.StatusReady)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, chosen, ready[0].ID)
	assert.Equal(t, 1, st.Stats.DecisionsApplied)
}

func TestIdenticalContentAttributedToHigherPriority(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, srcB, srcA)
	h.fetcher.set("a", cand("a", "lint", lintMD))
	h.fetcher.set("b", cand("b", "lint", lintMD))

	st, err := h.ctl.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateReady, st.State)

	skills, err := h.ctl.ListSkills(ctx, "")
	require.NoError(t, err)
	require.Len(t, skills, 1)
	assert.Equal(t, "a", skills[0].SourceID)
	assert.Equal(t, model.StatusReady, skills[0].Status)
	assert.Equal(t, []string{"b"}, skills[0].Mirrors)

	conflicts, err := h.ctl.ListConflicts(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestPartialDegradation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, srcA, srcB, srcC)
	h.fetcher.set("a", cand("a", "lint", lintMD))
	h.fetcher.set("c", cand("c", "test", testMD))
	h.fetcher.fail["b"] = true

	st, err := h.ctl.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateReady, st.State)
	assert.Equal(t, OutcomeReady, st.Outcome)
	assert.Equal(t, 3, st.Stats.SourcesTotal)
	assert.Equal(t, []string{"beta"}, st.Stats.SourcesFailed)

	ready, err := h.ctl.ListSkills(ctx, model.StatusReady)
	require.NoError(t, err)
	assert.Len(t, ready, 2)

	srcs, err := h.ctl.ListSources(ctx)
	require.NoError(t, err)
	for _, s := range srcs {
		if s.ID == "b" {
			assert.Zero(t, s.LastSyncAtUnixMs)
		} else {
			assert.NotZero(t, s.LastSyncAtUnixMs)
			assert.Equal(t, "c-"+s.ID, s.LastCommit)
			assert.Equal(t, 1, s.SkillCount)
		}
	}
}

func TestAllSourcesFailingKeepsLastKnownGood(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, srcA)
	h.fetcher.set("a", cand("a", "lint", lintMD))
	_, err := h.ctl.Run(ctx)
	require.NoError(t, err)

	h.fetcher.fail["a"] = true
	st, err := h.ctl.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrFatalRegistry))
	assert.Equal(t, model.StateIdle, st.State)
	assert.Equal(t, OutcomeFailed, st.Outcome)

	ready, err := h.ctl.ListSkills(ctx, model.StatusReady)
	require.NoError(t, err)
	assert.Len(t, ready, 1)

	history, err := h.ctl.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, OutcomeFailed, history[0].Outcome)
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, srcA, srcB)
	h.fetcher.set("a", cand("a", "deploy", deployA), cand("a", "lint", lintMD))
	h.fetcher.set("b", cand("b", "deploy", deployB), cand("b", "test", testMD))

	_, err := h.ctl.Run(ctx)
	require.NoError(t, err)
	skills1, err := h.ctl.ListSkills(ctx, "")
	require.NoError(t, err)
	conflicts1, err := h.ctl.ListConflicts(ctx, "")
	require.NoError(t, err)

	_, err = h.ctl.Run(ctx)
	require.NoError(t, err)
	skills2, err := h.ctl.ListSkills(ctx, "")
	require.NoError(t, err)
	conflicts2, err := h.ctl.ListConflicts(ctx, "")
	require.NoError(t, err)

	assert.Equal(t, skills1, skills2)
	assert.Equal(t, conflicts1, conflicts2)
}

func TestConcurrentTriggerRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, srcA)
	h.fetcher.set("a", cand("a", "lint", lintMD))
	h.fetcher.gate = make(chan struct{})
	h.fetcher.entered = make(chan struct{}, 1)

	st, err := h.ctl.TriggerRun()
	require.NoError(t, err)
	assert.True(t, st.Running)
	<-h.fetcher.entered

	again, err := h.ctl.TriggerRun()
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrConcurrentRunRejected))
	assert.Equal(t, model.StatePulling, again.State)
	assert.Equal(t, st.RunID, again.RunID)

	close(h.fetcher.gate)
	require.NoError(t, h.ctl.Wait(ctx))
	final, err := h.ctl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateReady, final.State)
	assert.False(t, final.Running)
	assert.Equal(t, int32(1), h.fetcher.calls.Load())
}

func TestResolutionQueuedDuringRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, srcA, srcB)
	h.fetcher.set("a", cand("a", "deploy", deployA))
	h.fetcher.set("b", cand("b", "deploy", deployB))
	_, err := h.ctl.Run(ctx)
	require.NoError(t, err)
	pending, err := h.ctl.ListConflicts(ctx, model.ConflictPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	cf := pending[0]

	h.fetcher.gate = make(chan struct{})
	h.fetcher.entered = make(chan struct{}, 2)
	_, err = h.ctl.TriggerRun()
	require.NoError(t, err)
	<-h.fetcher.entered

	_, err = h.ctl.Resolve(ctx, cf.ID, model.Resolution{Action: model.ActionChooseOne, ChosenSkillID: "sk_outsider"})
	assert.True(t, errors.Is(err, model.ErrInvalidResolution), "validation stays synchronous while queued")

	out, err := h.ctl.Resolve(ctx, cf.ID, model.Resolution{Action: model.ActionKeepAll})
	require.NoError(t, err)
	assert.True(t, out.Queued)
	mid, err := h.ctl.GetConflict(ctx, cf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictPending, mid.Status)

	close(h.fetcher.gate)
	require.NoError(t, h.ctl.Wait(ctx))

	done, err := h.ctl.GetConflict(ctx, cf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictResolved, done.Status)
	status, err := h.ctl.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.QueuedResolutions)

	h.fetcher.gate = nil
	st, err := h.ctl.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateReady, st.State)
	ready, err := h.ctl.ListSkills(ctx, model.StatusReady)
	require.NoError(t, err)
	assert.Len(t, ready, 2)
}

func TestCancelLeavesNoWrites(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, srcA)
	h.fetcher.set("a", cand("a", "lint", lintMD))
	h.fetcher.gate = make(chan struct{})
	h.fetcher.entered = make(chan struct{}, 1)

	_, err := h.ctl.TriggerRun()
	require.NoError(t, err)
	<-h.fetcher.entered
	assert.True(t, h.ctl.Cancel())
	require.NoError(t, h.ctl.Wait(ctx))

	status, err := h.ctl.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateIdle, status.State)
	assert.Equal(t, OutcomeCancelled, status.Outcome)
	assert.Zero(t, status.ReadyCount+status.BlockedCount)
	assert.False(t, h.ctl.Cancel())

	history, err := h.ctl.History(ctx, 5)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, OutcomeCancelled, history[0].Outcome)
}

func TestAnalysisRunsOncePerContent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, srcA, srcB)
	an := &fakeAnalyzer{}
	h.ctl.opts.Analyzer = an
	h.fetcher.set("a", cand("a", "lint", lintMD))
	h.fetcher.set("b", cand("b", "lint", lintMD), cand("b", "test", testMD))

	st, err := h.ctl.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Stats.Analyzed)
	assert.Equal(t, int32(2), an.calls.Load())

	_, err = h.ctl.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), an.calls.Load())

	skills, err := h.ctl.ListSkills(ctx, "")
	require.NoError(t, err)
	for _, s := range skills {
		require.NotNil(t, s.Analysis, s.Name)
		assert.Equal(t, "about "+s.Name, s.Analysis.Summary)
	}
}

func TestSourceAdministration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.ctl.AddSource(ctx, model.Source{Name: " ", URL: "x/y"})
	assert.True(t, errors.Is(err, model.ErrInvalidRequest))

	src, err := h.ctl.AddSource(ctx, model.Source{Name: "team", URL: "team/skills", Priority: 3})
	require.NoError(t, err)
	assert.NotEmpty(t, src.ID)

	prio := 7
	updated, err := h.ctl.UpdateSource(ctx, src.ID, registry.Patch{Priority: &prio})
	require.NoError(t, err)
	assert.Equal(t, 7, updated.Priority)

	require.NoError(t, h.ctl.RemoveSource(ctx, src.ID))
	_, err = h.ctl.GetSource(ctx, src.ID)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.True(t, errors.Is(h.ctl.RemoveSource(ctx, src.ID), model.ErrNotFound))
}

func TestResolutionCoversMirroringSources(t *testing.T) {
	idA := model.SkillID(model.SkillKey{SourceID: "a", Path: "deploy"})
	idB := model.SkillID(model.SkillKey{SourceID: "b", Path: "deploy"})

	cases := []struct {
		name    string
		res     model.Resolution
		ready   int
		mirrors map[string][]string
	}{
		{name: "choose higher priority", res: model.Resolution{Action: model.ActionChooseOne, ChosenSkillID: idA}, ready: 1},
		{name: "choose mirrored", res: model.Resolution{Action: model.ActionChooseOne, ChosenSkillID: idB}, ready: 1, mirrors: map[string][]string{idB: {"c"}}},
		{name: "merge", res: model.Resolution{Action: model.ActionMerge, MergedContent: "# Deploy\nUse the pipeline, fall back to terraform.\n"}, ready: 1},
		{name: "keep all", res: model.Resolution{Action: model.ActionKeepAll}, ready: 2, mirrors: map[string][]string{idB: {"c"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, srcA, srcB, srcC)
			h.fetcher.set("a", cand("a", "deploy", deployA))
			h.fetcher.set("b", cand("b", "deploy", deployB))
			h.fetcher.set("c", cand("c", "deploy", deployB))

			_, err := h.ctl.Run(ctx)
			require.NoError(t, err)
			pending, err := h.ctl.ListConflicts(ctx, model.ConflictPending)
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.ElementsMatch(t, []string{idA, idB}, pending[0].SkillIDs)

			_, err = h.ctl.Resolve(ctx, pending[0].ID, tc.res)
			require.NoError(t, err)

			st, err := h.ctl.Run(ctx)
			require.NoError(t, err)
			assert.Equal(t, model.StateReady, st.State)
			pending, err = h.ctl.ListConflicts(ctx, model.ConflictPending)
			require.NoError(t, err)
			assert.Empty(t, pending)

			ready, err := h.ctl.ListSkills(ctx, model.StatusReady)
			require.NoError(t, err)
			assert.Len(t, ready, tc.ready)
			for _, s := range ready {
				assert.ElementsMatch(t, tc.mirrors[s.ID], s.Mirrors, s.ID)
			}

			// Stays settled.
			st, err = h.ctl.Run(ctx)
			require.NoError(t, err)
			assert.Equal(t, model.StateReady, st.State)
		})
	}
}

func TestMergedContentIsAnalyzed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, srcA, srcB)
	an := &fakeAnalyzer{}
	h.ctl.opts.Analyzer = an
	h.fetcher.set("a", cand("a", "deploy", deployA))
	h.fetcher.set("b", cand("b", "deploy", deployB))

	_, err := h.ctl.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(2), an.calls.Load())
	pending, err := h.ctl.ListConflicts(ctx, model.ConflictPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	merged := "# Deploy\nmerged body\n"
	_, err = h.ctl.Resolve(ctx, pending[0].ID, model.Resolution{Action: model.ActionMerge, MergedContent: merged})
	require.NoError(t, err)

	st, err := h.ctl.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateReady, st.State)
	mergedHash := normalize.ContentHash([]byte(merged))
	assert.Equal(t, int32(3), an.calls.Load())
	assert.Contains(t, an.analyzed(), mergedHash)

	cached, err := h.store.GetAnalyses(ctx, []string{mergedHash})
	require.NoError(t, err)
	require.NotNil(t, cached[mergedHash])

	ready, err := h.ctl.ListSkills(ctx, model.StatusReady)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, mergedHash, ready[0].ContentHash)
	assert.NotNil(t, ready[0].Analysis)

	_, err = h.ctl.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(3), an.calls.Load())
}

func TestRunWaitsForDirectResolution(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, srcA)
	h.fetcher.set("a", cand("a", "lint", lintMD))

	// Stands in for a resolution being written.
	h.ctl.writeMu.Lock()
	started := make(chan struct{})
	go func() {
		defer close(started)
		_, _ = h.ctl.TriggerRun()
	}()
	select {
	case <-started:
		t.Fatal("run started while a resolution was being written")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, h.fetcher.calls.Load())

	h.ctl.writeMu.Unlock()
	<-started
	require.NoError(t, h.ctl.Wait(ctx))
	assert.Equal(t, int32(1), h.fetcher.calls.Load())
}
