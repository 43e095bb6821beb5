package model

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConflictIdentityIsOrderIndependent(t *testing.T) {
	a := ConflictIdentity(NameConflict, []string{"sk_b", "sk_a"})
	b := ConflictIdentity(NameConflict, []string{"sk_a", "sk_b", "sk_a"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, ConflictIdentity(SimilarConflict, []string{"sk_a", "sk_b"}))
}

func TestSkillIDStable(t *testing.T) {
	k := SkillKey{SourceID: "src-1", Path: "skills/deploy"}
	assert.Equal(t, SkillID(k), SkillID(k))
	assert.NotEqual(t, SkillID(k), SkillID(SkillKey{SourceID: "src-2", Path: "skills/deploy"}))
	assert.NotEqual(t, SkillID(SkillKey{SourceID: "a", Path: "bc"}), SkillID(SkillKey{SourceID: "ab", Path: "c"}))
}

func TestSortSources(t *testing.T) {
	in := []Source{
		{ID: "low", Priority: 1, CreatedAtUnixMs: 1},
		{ID: "late", Priority: 5, CreatedAtUnixMs: 20},
		{ID: "early", Priority: 5, CreatedAtUnixMs: 10},
	}
	SortSources(in)
	require.Len(t, in, 3)
	assert.Equal(t, []string{"early", "late", "low"}, []string{in[0].ID, in[1].ID, in[2].ID})
}

func TestValidateResolution(t *testing.T) {
	c := Conflict{ID: "c1", Type: NameConflict, SkillIDs: []string{"a", "b"}, Status: ConflictPending}

	tests := []struct {
		name    string
		conf    Conflict
		res     Resolution
		user    bool
		wantErr bool
	}{
		{name: "choose member", conf: c, res: Resolution{Action: ActionChooseOne, ChosenSkillID: "a"}, user: true},
		{name: "choose outsider", conf: c, res: Resolution{Action: ActionChooseOne, ChosenSkillID: "z"}, user: true, wantErr: true},
		{name: "choose missing", conf: c, res: Resolution{Action: ActionChooseOne}, user: true, wantErr: true},
		{name: "merge", conf: c, res: Resolution{Action: ActionMerge}, user: true},
		{name: "keep all", conf: c, res: Resolution{Action: ActionKeepAll}, user: true},
		{name: "keep all bad rename", conf: c, res: Resolution{Action: ActionKeepAll, Renames: map[string]string{"z": "x"}}, user: true, wantErr: true},
		{name: "auto cleared by user", conf: c, res: Resolution{Action: ActionAutoCleared}, user: true, wantErr: true},
		{name: "auto cleared by system", conf: c, res: Resolution{Action: ActionAutoCleared}},
		{name: "unknown", conf: c, res: Resolution{Action: "drop"}, user: true, wantErr: true},
		{name: "already resolved", conf: Conflict{ID: "c2", SkillIDs: []string{"a", "b"}, Status: ConflictResolved}, res: Resolution{Action: ActionChooseOne, ChosenSkillID: "a"}, user: true, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateResolution(tt.conf, tt.res, tt.user)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidResolution))
		})
	}
}

func TestErrorMatchingAndStatus(t *testing.T) {
	err := fmt.Errorf("wrap: %w", NewError(ErrCodeSourceUnavailable, "fetch failed", errors.New("dial tcp")))
	assert.True(t, errors.Is(err, ErrSourceUnavailable))
	assert.False(t, errors.Is(err, ErrNotFound))

	e, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, e.HTTPStatus())
	assert.Equal(t, "fetch failed: dial tcp", e.Error())
	assert.Equal(t, ErrCodeInternal, ErrorCode(errors.New("plain")))
}
