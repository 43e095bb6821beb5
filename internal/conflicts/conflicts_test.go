package conflicts

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/floegence/skillhub/internal/model"
	"github.com/floegence/skillhub/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, typ model.ConflictType) (*Service, *store.Store, model.Conflict) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "db.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	_, err = st.CreateSource(ctx, model.Source{ID: "a", Name: "Team Alpha", URL: "u/a", Priority: 10})
	require.NoError(t, err)
	_, err = st.CreateSource(ctx, model.Source{ID: "b", Name: "beta", URL: "u/b", Priority: 5})
	require.NoError(t, err)

	ka := model.SkillKey{SourceID: "a", Path: "deploy"}
	kb := model.SkillKey{SourceID: "b", Path: "deploy"}
	skills := []model.Skill{
		{ID: model.SkillID(kb), SourceID: "b", Name: "deploy", IdentityKey: "deploy", Path: "deploy", ContentHash: "hb", Status: model.StatusBlocked, Content: "beta body\n"},
		{ID: model.SkillID(ka), SourceID: "a", Name: "deploy", IdentityKey: "deploy", Path: "deploy", ContentHash: "ha", Status: model.StatusBlocked, Content: "alpha body\n"},
	}
	c := model.Conflict{
		ID:       "cf-1",
		Type:     typ,
		Identity: model.ConflictIdentity(typ, []string{skills[0].ID, skills[1].ID}),
		SkillIDs: []string{skills[1].ID, skills[0].ID},
		Status:   model.ConflictPending,
	}
	require.NoError(t, st.CommitRun(ctx, store.RunCommit{Skills: skills, Conflicts: []model.Conflict{c}}))
	return NewService(st, Options{}), st, c
}

func TestResolveChooseOneRetiresOthers(t *testing.T) {
	ctx := context.Background()
	svc, st, c := setup(t, model.NameConflict)
	chosen := c.SkillIDs[0]

	out, err := svc.Resolve(ctx, c.ID, model.Resolution{Action: model.ActionChooseOne, ChosenSkillID: chosen})
	require.NoError(t, err)
	assert.Equal(t, model.ConflictResolved, out.Status)

	skills, err := st.ListSkills(ctx, "")
	require.NoError(t, err)
	require.Len(t, skills, 1)
	assert.Equal(t, chosen, skills[0].ID)
	assert.Equal(t, model.StatusBlocked, skills[0].Status, "status only changes on the next run")

	decisions, err := st.ListDecisions(ctx)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Len(t, decisions[0].Members, 2)
	assert.Equal(t, chosen, decisions[0].Resolution.ChosenSkillID)
}

func TestResolveIsTerminal(t *testing.T) {
	ctx := context.Background()
	svc, st, c := setup(t, model.NameConflict)

	_, err := svc.Resolve(ctx, c.ID, model.Resolution{Action: model.ActionKeepAll})
	require.NoError(t, err)
	before, err := st.GetConflict(ctx, c.ID)
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, c.ID, model.Resolution{Action: model.ActionChooseOne, ChosenSkillID: c.SkillIDs[0]})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInvalidResolution))

	after, err := st.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	skills, err := st.ListSkills(ctx, "")
	require.NoError(t, err)
	assert.Len(t, skills, 2)
}

func TestResolveRejectsOutsider(t *testing.T) {
	ctx := context.Background()
	svc, st, c := setup(t, model.NameConflict)

	_, err := svc.Resolve(ctx, c.ID, model.Resolution{Action: model.ActionChooseOne, ChosenSkillID: "sk_nope"})
	assert.True(t, errors.Is(err, model.ErrInvalidResolution))
	_, err = svc.Resolve(ctx, c.ID, model.Resolution{Action: model.ActionAutoCleared})
	assert.True(t, errors.Is(err, model.ErrInvalidResolution))
	_, err = svc.Resolve(ctx, "missing", model.Resolution{Action: model.ActionKeepAll})
	assert.True(t, errors.Is(err, model.ErrNotFound))

	got, err := st.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictPending, got.Status)
}

func TestResolveKeepAllPlansDisjointNames(t *testing.T) {
	ctx := context.Background()
	svc, _, c := setup(t, model.NameConflict)

	out, err := svc.Resolve(ctx, c.ID, model.Resolution{Action: model.ActionKeepAll})
	require.NoError(t, err)
	require.NotNil(t, out.Resolution)
	renames := out.Resolution.Renames
	require.Len(t, renames, 2)
	assert.Equal(t, "deploy-team-alpha", renames[c.SkillIDs[0]])
	assert.Equal(t, "deploy-beta", renames[c.SkillIDs[1]])
}

func TestResolveKeepAllRejectsCollidingRenames(t *testing.T) {
	ctx := context.Background()
	svc, _, c := setup(t, model.NameConflict)

	_, err := svc.Resolve(ctx, c.ID, model.Resolution{Action: model.ActionKeepAll, Renames: map[string]string{
		c.SkillIDs[0]: "Deploy Prod",
		c.SkillIDs[1]: "deploy_prod",
	}})
	assert.True(t, errors.Is(err, model.ErrInvalidResolution))
}

func TestResolveMergeConcatenatesByPriority(t *testing.T) {
	ctx := context.Background()
	svc, st, c := setup(t, model.SimilarConflict)

	out, err := svc.Resolve(ctx, c.ID, model.Resolution{Action: model.ActionMerge})
	require.NoError(t, err)
	assert.Equal(t, "alpha body"+MergeSeparator+"beta body\n", out.Resolution.MergedContent)
	assert.Equal(t, c.SkillIDs[0], out.Resolution.ChosenSkillID)

	decisions, err := st.ListDecisions(ctx)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, model.SkillKey{SourceID: "a", Path: "deploy"}, decisions[0].PrimaryKey)
}

func TestResolveMergeUsesRecommendation(t *testing.T) {
	ctx := context.Background()
	svc, _, c := setup(t, model.NameConflict)

	require.NoError(t, svc.AttachRecommendation(ctx, c.ID, model.Recommendation{
		Action:          model.ActionMerge,
		Reason:          "complementary",
		MergeSuggestion: "merged by advisor",
		ChosenSkillID:   "sk_unknown",
	}))
	got, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, got.AIRecommendation.ChosenSkillID)

	out, err := svc.Resolve(ctx, c.ID, model.Resolution{Action: model.ActionMerge})
	require.NoError(t, err)
	assert.Equal(t, "merged by advisor", out.Resolution.MergedContent)
}

func TestValidateDoesNotWrite(t *testing.T) {
	ctx := context.Background()
	svc, st, c := setup(t, model.NameConflict)

	_, err := svc.Validate(ctx, c.ID, model.Resolution{Action: model.ActionChooseOne, ChosenSkillID: c.SkillIDs[1]})
	require.NoError(t, err)
	got, err := st.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictPending, got.Status)

	_, err = svc.List(ctx, "bogus")
	assert.True(t, errors.Is(err, model.ErrInvalidRequest))
}
