package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/floegence/skillhub/internal/logbuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
log:
  format: json
  level: debug
ai:
  active_provider: local
  providers:
    - id: local
      type: openai_compatible
      base_url: http://127.0.0.1:11434/v1
      model: qwen2.5
      api_key_env: LOCAL_KEY
sync:
  fetch_concurrency: 8
  analysis_timeout: 30s
  schedule: "*/30 * * * *"
merge:
  similarity_threshold: 0.9
storage:
  output_dir: /srv/skills
status_api:
  include_blocked_count: false
blacklist:
  - "**/experimental/**"
sources:
  - name: alpha
    url: owner/alpha
    priority: 10
    token_env: SKILLHUB_TEST_ALPHA_TOKEN
  - name: local
    url: ./skills
    priority: 1
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadAppliesDefaults(t *testing.T) {
	p := writeConfig(t, sampleConfig)
	cfg, err := Load(p)
	require.NoError(t, err)

	dir := filepath.Dir(p)
	assert.Equal(t, dir, cfg.StateDir)
	assert.Equal(t, 8, cfg.Sync.FetchConcurrency)
	assert.Equal(t, defaultAnalysisConcurrency, cfg.Sync.AnalysisConcurrency)
	assert.Equal(t, 30*time.Second, cfg.Sync.AnalysisTimeout)
	assert.Equal(t, 0.9, cfg.Merge.SimilarityThreshold)
	assert.Equal(t, defaultMinShingles, cfg.Merge.MinShingles)
	assert.Equal(t, filepath.Join(dir, "skillhub.db"), cfg.Storage.DBPath)
	assert.Equal(t, "/srv/skills", cfg.Storage.OutputDir)
	assert.Equal(t, filepath.Join(dir, "analysis-cache"), cfg.Storage.AnalysisCacheDir)
	assert.Equal(t, defaultListen, cfg.Server.Listen)
	assert.Equal(t, "skillhub", cfg.NATS.Subject)

	assert.True(t, cfg.StatusAPI.ReadyCount())
	assert.False(t, cfg.StatusAPI.BlockedCount())
	assert.False(t, cfg.StatusAPI.BlockedSkills())
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	p := filepath.Join(t.TempDir(), "nope", "config.yaml")
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, filepath.Dir(p), cfg.StateDir)
	assert.Empty(t, cfg.Sources)
}

func TestSeedSourcesResolvesTokenEnv(t *testing.T) {
	t.Setenv("SKILLHUB_TEST_ALPHA_TOKEN", "ghp_x")
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	seeds := cfg.SeedSources()
	require.Len(t, seeds, 2)
	assert.Equal(t, "alpha", seeds[0].Name)
	assert.Equal(t, "ghp_x", seeds[0].AccessToken)
	assert.Equal(t, 10, seeds[0].Priority)
	assert.Empty(t, seeds[1].AccessToken)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad level":     "log:\n  level: loud\n",
		"bad format":    "log:\n  format: xml\n",
		"bad schedule":  "sync:\n  schedule: every day\n",
		"bad threshold": "merge:\n  similarity_threshold: 1.5\n",
		"bad pattern":   "whitelist:\n  - \"[\"\n",
		"dup source":    "sources:\n  - {name: a, url: x/y}\n  - {name: a, url: x/z}\n",
		"source no url": "sources:\n  - {name: a}\n",
		"bad yaml":      "log: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := &Config{Sources: []SourceConfig{{Name: "alpha", URL: "o/alpha", Priority: 3}}}
	require.NoError(t, Save(p, cfg))

	info, err := os.Stat(p)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := Load(p)
	require.NoError(t, err)
	require.Len(t, got.Sources, 1)
	assert.Equal(t, "o/alpha", got.Sources[0].URL)
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/skillhub.yaml")
	assert.Equal(t, "/tmp/flag.yaml", ResolvePath(" /tmp/flag.yaml "))
	assert.Equal(t, "/etc/skillhub.yaml", ResolvePath(""))
	t.Setenv(EnvConfigPath, "")
	assert.Equal(t, DefaultConfigPath(), ResolvePath(""))
}

func TestNewLoggerTeesErrors(t *testing.T) {
	var out bytes.Buffer
	buf := logbuf.NewBuffer(4)
	log, err := NewLogger(&out, "text", "warn", buf)
	require.NoError(t, err)
	log.Info("quiet")
	log.Error("loud", "k", "v")

	assert.NotContains(t, out.String(), "quiet")
	assert.Contains(t, out.String(), "loud")
	assert.Equal(t, 1, buf.Len())

	_, err = NewLogger(&out, "xml", "info", nil)
	require.Error(t, err)
	_, err = NewLogger(&out, "json", "chatty", nil)
	require.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(p, []byte("SKILLHUB_TEST_DOTENV=from-file\n"), 0o600))
	t.Setenv("SKILLHUB_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("SKILLHUB_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), p))
	assert.Equal(t, "from-file", os.Getenv("SKILLHUB_TEST_DOTENV"))
}

func TestWatcherReloadsValidEdits(t *testing.T) {
	p := writeConfig(t, "sources:\n  - {name: a, url: x/a}\n")
	changes := make(chan *Config, 4)
	w, err := NewWatcher(p, 20*time.Millisecond, nil, func(c *Config) { changes <- c })
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	defer func() { _ = w.Close() }()

	require.NoError(t, os.WriteFile(p, []byte("log: [\n"), 0o600))
	require.NoError(t, os.WriteFile(p, []byte("sources:\n  - {name: a, url: x/a}\n  - {name: b, url: x/b}\n"), 0o600))

	select {
	case cfg := <-changes:
		var names []string
		for _, s := range cfg.Sources {
			names = append(names, s.Name)
		}
		assert.Equal(t, "a,b", strings.Join(names, ","))
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}
