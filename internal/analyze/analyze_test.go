package analyze

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/floegence/skillhub/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	reply string
	err   error
	calls atomic.Int32
	last  atomic.Value
}

func (f *fakeClient) Complete(_ context.Context, _ string, user string) (string, error) {
	f.calls.Add(1)
	f.last.Store(user)
	return f.reply, f.err
}

const hashA = "0123456789abcdef0123456789abcdef"

func TestAnalyzeCachesByHash(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	client := &fakeClient{reply: "```json\n{\"summary\":\" deploys \",\"quality_score\":140,\"tags\":[\"ops\"]}\n```"}
	a := New(Options{Client: client, CacheDir: dir})

	in := Input{SourceName: "team", Name: "deploy", Path: "deploy", Content: "# Deploy", ContentHash: hashA, FileNames: []string{"run.sh"}}
	got, err := a.Analyze(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "deploys", got.Summary)
	assert.Equal(t, 100, got.QualityScore)
	assert.Equal(t, []string{"ops"}, got.Tags)
	assert.Contains(t, client.last.Load().(string), "run.sh")

	_, err = os.Stat(filepath.Join(dir, hashA+".json"))
	require.NoError(t, err)

	again, err := New(Options{Client: client, CacheDir: dir}).Analyze(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, got, again)
	assert.Equal(t, int32(1), client.calls.Load())
}

func TestAnalyzeWithoutProvider(t *testing.T) {
	t.Parallel()

	_, err := New(Options{}).Analyze(context.Background(), Input{Name: "x", ContentHash: hashA})
	assert.True(t, errors.Is(err, model.ErrAnalysisUnavailable))
}

func TestAnalyzeProviderFailureIsUnavailable(t *testing.T) {
	t.Parallel()

	a := New(Options{Client: &fakeClient{err: errors.New("boom")}, CacheDir: t.TempDir()})
	_, err := a.Analyze(context.Background(), Input{Name: "x", ContentHash: hashA})
	assert.True(t, errors.Is(err, model.ErrAnalysisUnavailable))

	a = New(Options{Client: &fakeClient{reply: "not json"}, CacheDir: t.TempDir()})
	_, err = a.Analyze(context.Background(), Input{Name: "x", ContentHash: hashA})
	assert.True(t, errors.Is(err, model.ErrAnalysisUnavailable))
}

func TestPromptTruncatesLargeContent(t *testing.T) {
	t.Parallel()

	p := buildPrompt(Input{Name: "big", Content: strings.Repeat("x", maxPromptContent+10)})
	assert.Contains(t, p, "(truncated)")
	assert.Contains(t, p, "(none)")
}

func TestCacheIgnoresUnsafeHash(t *testing.T) {
	t.Parallel()

	a := New(Options{CacheDir: t.TempDir()})
	_, ok := a.cachePath("../../etc/passwd")
	assert.False(t, ok)
}
