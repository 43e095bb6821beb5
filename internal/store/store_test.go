package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/floegence/skillhub/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "skillhub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenIsRerunnable(t *testing.T) {
	p := filepath.Join(t.TempDir(), "nested", "skillhub.db")
	s, err := Open(p)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(p)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestSourcesCRUD(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.CreateSource(ctx, model.Source{ID: "a", Name: "alpha", URL: "owner/alpha", Priority: 1})
	require.NoError(t, err)
	_, err = s.CreateSource(ctx, model.Source{ID: "b", Name: "beta", URL: "owner/beta", Priority: 9, AccessToken: "tok"})
	require.NoError(t, err)

	_, err = s.CreateSource(ctx, model.Source{ID: "c", Name: "alpha", URL: "x/y"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInvalidRequest))

	list, err := s.ListSources(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "tok", list[0].AccessToken)

	upd, err := s.UpdateSource(ctx, model.Source{ID: "a", Name: "alpha", URL: "owner/alpha", Priority: 20})
	require.NoError(t, err)
	assert.Equal(t, 20, upd.Priority)

	_, err = s.UpdateSource(ctx, model.Source{ID: "missing", Name: "m", URL: "u"})
	assert.True(t, errors.Is(err, model.ErrNotFound))

	got, err := s.GetSourceByName(ctx, "beta")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "b", got.ID)

	require.NoError(t, s.DeleteSource(ctx, "b"))
	got, err = s.GetSource(ctx, "b")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.True(t, errors.Is(s.DeleteSource(ctx, "b"), model.ErrNotFound))
}

func seedConflict(t *testing.T, s *Store) (model.Conflict, []model.Skill) {
	t.Helper()
	ctx := context.Background()
	_, err := s.CreateSource(ctx, model.Source{ID: "a", Name: "alpha", URL: "u/a", Priority: 10})
	require.NoError(t, err)
	_, err = s.CreateSource(ctx, model.Source{ID: "b", Name: "beta", URL: "u/b", Priority: 5})
	require.NoError(t, err)

	skills := []model.Skill{
		{ID: "sk_a", SourceID: "a", Name: "deploy", IdentityKey: "deploy", Path: "deploy", ContentHash: "h1", Status: model.StatusBlocked, Content: "one", CreatedAtUnixMs: 1, UpdatedAtUnixMs: 1},
		{ID: "sk_b", SourceID: "b", Name: "deploy", IdentityKey: "deploy", Path: "deploy", ContentHash: "h2", Status: model.StatusBlocked, Content: "two", CreatedAtUnixMs: 1, UpdatedAtUnixMs: 1},
	}
	c := model.Conflict{
		ID:          "cf-1",
		Type:        model.NameConflict,
		Identity:    model.ConflictIdentity(model.NameConflict, []string{"sk_a", "sk_b"}),
		SkillIDs:    []string{"sk_a", "sk_b"},
		SkillHashes: map[string]string{"sk_a": "h1", "sk_b": "h2"},
		Status:      model.ConflictPending,
	}
	require.NoError(t, s.CommitRun(ctx, RunCommit{
		Skills:    skills,
		Conflicts: []model.Conflict{c},
		Sources:   []SourceSync{{SourceID: "a", Commit: "abc", SkillCount: 1, SyncedAt: 42}},
		Analyses:  map[string]*model.Analysis{"h1": {Summary: "helm deploy", Tags: []string{"k8s"}}},
		Log:       model.SyncLog{ID: "log-1", Outcome: "success", State: model.StatePartialReady, BlockedCount: 2, StartedAtUnixMs: 1, FinishedAtUnixMs: 2},
	}))
	return c, skills
}

func TestCommitRunAndReadBack(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	c, _ := seedConflict(t, s)

	ready, blocked, err := s.CountSkills(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, ready)
	assert.Equal(t, 2, blocked)

	st, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.Len(t, st.Sources, 2)
	assert.Len(t, st.Skills, 2)
	require.Len(t, st.Pending, 1)
	assert.Equal(t, c.Identity, st.Pending[0].Identity)

	src, err := s.GetSource(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "abc", src.LastCommit)
	assert.EqualValues(t, 42, src.LastSyncAtUnixMs)

	an, err := s.GetAnalyses(ctx, []string{"h1", "h2"})
	require.NoError(t, err)
	require.Contains(t, an, "h1")
	assert.Equal(t, "helm deploy", an["h1"].Summary)
	assert.NotContains(t, an, "h2")

	logs, err := s.ListSyncLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.StatePartialReady, logs[0].State)
}

func TestRecordConflictIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	c, _ := seedConflict(t, s)

	again := model.Conflict{ID: "cf-other", Type: model.NameConflict, SkillIDs: []string{"sk_b", "sk_a"}}
	got, err := s.RecordConflict(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	all, err := s.ListConflicts(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAttachRecommendationLeavesSkillsAlone(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	c, _ := seedConflict(t, s)

	require.NoError(t, s.AttachRecommendation(ctx, c.ID, model.Recommendation{Action: model.ActionChooseOne, ChosenSkillID: "sk_a", Reason: "newer"}))
	got, err := s.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AIRecommendation)
	assert.Equal(t, "sk_a", got.AIRecommendation.ChosenSkillID)

	_, blocked, err := s.CountSkills(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, blocked)

	assert.True(t, errors.Is(s.AttachRecommendation(ctx, "nope", model.Recommendation{}), model.ErrNotFound))
}

func TestResolveConflictWritesDecisionAndRetires(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	c, _ := seedConflict(t, s)

	var sawMembers int
	resolved, err := s.ResolveConflict(ctx, c.ID, func(cur model.Conflict, members []model.Skill, sources []model.Source) (ResolveOutcome, error) {
		sawMembers = len(members)
		assert.Len(t, sources, 2)
		res := model.Resolution{Action: model.ActionChooseOne, ChosenSkillID: "sk_a"}
		return ResolveOutcome{
			Resolution:     res,
			Decision:       &model.Decision{ID: "d-1", Resolution: res, Members: []model.DecisionMember{{SkillID: "sk_a"}, {SkillID: "sk_b"}}},
			RetireSkillIDs: []string{"sk_b"},
		}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sawMembers)
	assert.Equal(t, model.ConflictResolved, resolved.Status)
	assert.NotZero(t, resolved.ResolvedAtUnixMs)

	gone, err := s.GetSkill(ctx, "sk_b")
	require.NoError(t, err)
	assert.Nil(t, gone)

	decisions, err := s.ListDecisions(ctx)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, c.ID, decisions[0].ConflictID)

	_, err = s.ResolveConflict(ctx, c.ID, func(model.Conflict, []model.Skill, []model.Source) (ResolveOutcome, error) {
		t.Fatal("decide must not run for a resolved conflict")
		return ResolveOutcome{}, nil
	})
	assert.True(t, errors.Is(err, model.ErrInvalidResolution))

	_, err = s.ResolveConflict(ctx, "missing", func(model.Conflict, []model.Skill, []model.Source) (ResolveOutcome, error) {
		return ResolveOutcome{}, nil
	})
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestResolveConflictRollsBackOnDecideError(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	c, _ := seedConflict(t, s)

	_, err := s.ResolveConflict(ctx, c.ID, func(model.Conflict, []model.Skill, []model.Source) (ResolveOutcome, error) {
		return ResolveOutcome{}, model.NewError(model.ErrCodeInvalidResolution, "nope", nil)
	})
	require.Error(t, err)
	got, err := s.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictPending, got.Status)
}

func TestDeleteSourceClearsTouchingConflicts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	c, _ := seedConflict(t, s)

	require.NoError(t, s.DeleteSource(ctx, "b"))
	got, err := s.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictResolved, got.Status)
	assert.Equal(t, model.ActionAutoCleared, got.Resolution.Action)

	skills, err := s.ListSkills(ctx, "")
	require.NoError(t, err)
	require.Len(t, skills, 1)
	assert.Equal(t, "sk_a", skills[0].ID)
}

func TestResolutionQueue(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.EnqueueResolution(ctx, QueuedResolution{ID: "q1", ConflictID: "c1", Resolution: model.Resolution{Action: model.ActionKeepAll}, SubmittedAtUnixMs: 1}))
	require.NoError(t, s.EnqueueResolution(ctx, QueuedResolution{ID: "q2", ConflictID: "c2", Resolution: model.Resolution{Action: model.ActionChooseOne, ChosenSkillID: "x"}, SubmittedAtUnixMs: 2}))
	n, err := s.CountQueuedResolutions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.TakeQueuedResolutions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "q1", got[0].ID)
	assert.Equal(t, "x", got[1].Resolution.ChosenSkillID)

	got, err = s.TakeQueuedResolutions(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}
