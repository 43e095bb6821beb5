package normalize

import (
	"errors"
	"testing"

	"github.com/floegence/skillhub/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityKey(t *testing.T) {
	cases := map[string]string{
		"deploy":            "deploy",
		"  Deploy ":         "deploy",
		"Code_Review":       "code-review",
		"code   review":     "code-review",
		"code-review":       "code-review",
		"__lead__trail__":   "lead-trail",
		"":                  "",
		"ÄRGER":             "ärger",
		"pdf--tools":        "pdf-tools",
		"git commit helper": "git-commit-helper",
	}
	for in, want := range cases {
		assert.Equal(t, want, IdentityKey(in), "input %q", in)
	}
}

func TestContentHashRoundTrip(t *testing.T) {
	raw := []byte("---\nname: lint\ndescription: lint things\n---\nRun the linter.\n")
	first := ContentHash(raw)
	second := ContentHash(append([]byte(nil), raw...))
	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
	assert.NotEqual(t, first, ContentHash([]byte("other")))
}

func TestNormalizeRejectsMalformed(t *testing.T) {
	cases := []model.Candidate{
		{SourceID: "s", Path: "a", Name: "a", RawContent: []byte("   \n")},
		{SourceID: "s", Path: "a", Name: "a", RawContent: []byte{0xff, 0xfe, 0xfd}},
		{SourceID: "s", Path: "a", Name: "  ", RawContent: []byte("body")},
		{SourceID: "", Path: "a", Name: "a", RawContent: []byte("body")},
	}
	for _, c := range cases {
		_, err := Normalize(c)
		require.Error(t, err)
		assert.True(t, errors.Is(err, model.ErrMalformedCandidate))
	}
}

func TestNormalizeIgnoresMetadataInHash(t *testing.T) {
	raw := []byte("same body")
	a, err := Normalize(model.Candidate{SourceID: "a", Path: "x", Name: "Deploy", RawContent: raw})
	require.NoError(t, err)
	b, err := Normalize(model.Candidate{SourceID: "b", Path: "y/z", Name: "deploy", RawContent: raw})
	require.NoError(t, err)
	assert.Equal(t, a.ContentHash, b.ContentHash)
	assert.Equal(t, a.IdentityKey, b.IdentityKey)
}

func TestSimilaritySymmetricAndDeterministic(t *testing.T) {
	base := "deploy the service to production using the release pipeline, verify health checks on every node, " +
		"roll back automatically when error rates exceed the budget, record the change in the audit log, " +
		"and keep the previous artifact available for at least one week so operators can restore it quickly"
	near := base + " afterwards"
	far := "completely unrelated text about cooking pasta with tomato sauce and fresh basil leaves tonight"

	a, b, c := Shingles(base), Shingles(near), Shingles(far)
	assert.Equal(t, Similarity(a, b), Similarity(b, a))
	assert.Equal(t, Shingles(base), a)
	assert.Equal(t, 1.0, Similarity(a, a))
	assert.Greater(t, Similarity(a, b), 0.8)
	assert.Less(t, Similarity(a, c), 0.1)

	m := NewMatcher(0, 0)
	assert.True(t, m.NearDuplicate(a, b))
	assert.False(t, m.NearDuplicate(a, c))
	assert.False(t, m.NearDuplicate(Shingles("tiny text"), Shingles("tiny text")))
}

func TestShinglesSkipFrontmatter(t *testing.T) {
	withFM := "---\nname: one\ndescription: first\n---\nbody words are the same here for both"
	other := "---\nname: two\ndescription: second thing\n---\nbody words are the same here for both"
	assert.Equal(t, Shingles(withFM), Shingles(other))
}
