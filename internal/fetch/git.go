package fetch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/floegence/skillhub/internal/model"
)

func (f *Fetcher) fetchGit(ctx context.Context, remote string, src model.Source) (string, string, func(), error) {
	tmp, err := os.MkdirTemp(f.opts.WorkDir, "skillhub-git-*")
	if err != nil {
		return "", "", func() {}, fmt.Errorf("prepare temp dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(tmp) }
	dir := filepath.Join(tmp, "repo")
	commit, err := cloneShallow(ctx, remote, strings.TrimSpace(src.Ref), src.AccessToken, dir)
	if err != nil {
		return "", "", cleanup, err
	}
	return dir, commit, cleanup, nil
}

// cloneShallow clones remote at ref (default branch when empty) with depth 1 and returns HEAD.
func cloneShallow(ctx context.Context, remote string, ref string, token string, dir string) (string, error) {
	args := []string{"clone", "--depth", "1", "--quiet"}
	if ref != "" {
		args = append(args, "--branch", ref)
	}
	args = append(args, remote, dir)
	if _, err := runGit(ctx, "", token, args...); err != nil {
		return "", err
	}
	out, err := runGit(ctx, dir, "", "rev-parse", "HEAD")
	if err != nil {
		return "", nil
	}
	return out, nil
}

// localRevision reports HEAD when a local source happens to be a git checkout.
func localRevision(dir string) string {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return ""
	}
	out, err := runGit(context.Background(), dir, "", "rev-parse", "HEAD")
	if err != nil {
		return ""
	}
	return out
}

func runGit(ctx context.Context, dir string, token string, args ...string) (string, error) {
	cmdArgs := make([]string, 0, len(args)+2)
	if strings.TrimSpace(token) != "" {
		header := "http.extraheader=Authorization: Bearer " + strings.TrimSpace(token)
		cmdArgs = append(cmdArgs, "-c", header)
	}
	cmdArgs = append(cmdArgs, args...)
	cmd := exec.CommandContext(ctx, "git", cmdArgs...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s failed: %s", args[0], msg)
	}
	return strings.TrimSpace(string(out)), nil
}
