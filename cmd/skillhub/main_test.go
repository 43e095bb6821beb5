package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floegence/skillhub/internal/model"
	"github.com/floegence/skillhub/internal/pipeline"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func setup(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	writeFile(t, filepath.Join(base, "alpha", "deploy", "SKILL.md"), "---\nname: deploy\n---\nDeploy with helm.\n")
	writeFile(t, filepath.Join(base, "alpha", "lint", "SKILL.md"), "---\nname: lint\n---\nRun the linters.\n")
	writeFile(t, filepath.Join(base, "beta", "deploy", "SKILL.md"), "---\nname: deploy\n---\nDeploy with kubectl.\n")

	cfgPath := filepath.Join(base, "state", "config.yaml")
	writeFile(t, cfgPath, `log:
  level: error
sources:
  - name: alpha
    url: `+filepath.Join(base, "alpha")+`
    priority: 10
  - name: beta
    url: `+filepath.Join(base, "beta")+`
    priority: 5
`)
	return cfgPath
}

func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestSyncResolveExportFlow(t *testing.T) {
	cfgPath := setup(t)

	out, err := run(t, cfgPath, "sync", "--json")
	require.NoError(t, err)
	var st pipeline.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, model.StatePartialReady, st.State)
	assert.Equal(t, 1, st.ReadyCount)
	assert.Equal(t, 2, st.BlockedCount)

	out, err = run(t, cfgPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "PARTIAL_READY")
	assert.Contains(t, out, "Conflicts: 1 pending")

	out, err = run(t, cfgPath, "conflicts", "list", "--json")
	require.NoError(t, err)
	var conflicts []model.Conflict
	require.NoError(t, json.Unmarshal([]byte(out), &conflicts))
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, model.NameConflict, c.Type)

	out, err = run(t, cfgPath, "skills", "list", "--status", "blocked", "--json")
	require.NoError(t, err)
	var blocked []model.Skill
	require.NoError(t, json.Unmarshal([]byte(out), &blocked))
	require.Len(t, blocked, 2)
	var keep string
	for _, sk := range blocked {
		if sk.SourceID != "" && strings.Contains(sk.Path, "deploy") && keep == "" {
			keep = sk.ID
		}
	}
	require.NotEmpty(t, keep)

	_, err = run(t, cfgPath, "resolve", c.ID, "choose_one", "--skill", "sk_missing")
	require.Error(t, err)

	out, err = run(t, cfgPath, "resolve", c.ID, "choose_one", "--skill", keep)
	require.NoError(t, err)
	assert.Contains(t, out, "resolved with choose_one")

	out, err = run(t, cfgPath, "sync", "--json")
	require.NoError(t, err)
	st = pipeline.Status{}
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, model.StateReady, st.State)
	assert.Equal(t, 2, st.ReadyCount)
	assert.Equal(t, 0, st.BlockedCount)

	archive := filepath.Join(t.TempDir(), "skills.tar.gz")
	_, err = run(t, cfgPath, "export", "-o", archive)
	require.NoError(t, err)
	names := tarNames(t, archive)
	assert.Contains(t, names, "deploy/SKILL.md")
	assert.Contains(t, names, "lint/SKILL.md")
	assert.Contains(t, names, "metadata.json")

	out, err = run(t, cfgPath, "export", "current")
	require.NoError(t, err)
	assert.Contains(t, out, "Skills:  2")

	out, err = run(t, cfgPath, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "partial_ready")
	assert.Contains(t, out, "ready")
}

func TestSourcesCommands(t *testing.T) {
	cfgPath := setup(t)
	dir := filepath.Join(filepath.Dir(cfgPath), "..", "gamma")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	t.Setenv("GAMMA_TOKEN", "s3cret")
	out, err := run(t, cfgPath, "sources", "add", "--name", "gamma", "--url", dir, "--priority", "7", "--token-env", "GAMMA_TOKEN", "--json")
	require.NoError(t, err)
	var src model.Source
	require.NoError(t, json.Unmarshal([]byte(out), &src))
	assert.Equal(t, "gamma", src.Name)
	assert.NotContains(t, out, "s3cret")

	_, err = run(t, cfgPath, "sources", "add", "--name", "gamma", "--url", dir)
	require.Error(t, err)

	_, err = run(t, cfgPath, "sources", "update", src.ID, "--priority", "99")
	require.NoError(t, err)

	out, err = run(t, cfgPath, "sources", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "gamma")
	assert.Contains(t, out, "99")
	assert.Contains(t, out, "yes")

	_, err = run(t, cfgPath, "sources", "remove", src.ID)
	require.NoError(t, err)
	out, err = run(t, cfgPath, "sources", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "gamma")
}

func TestInvalidArguments(t *testing.T) {
	cfgPath := setup(t)

	_, err := run(t, cfgPath, "resolve", "cf", "delete_all")
	require.Error(t, err)

	_, err = run(t, cfgPath, "resolve", "cf", "keep_all", "--rename", "oops")
	require.Error(t, err)

	_, err = run(t, cfgPath, "conflicts", "list", "--status", "open")
	require.Error(t, err)

	_, err = run(t, cfgPath, "export", "--scope", "some")
	require.Error(t, err)

	_, err = run(t, cfgPath, "skills", "show", "sk_nope")
	require.Error(t, err)

	out, err := run(t, cfgPath, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "skillhub dev"))
}

func tarNames(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	var names []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return names
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
}
