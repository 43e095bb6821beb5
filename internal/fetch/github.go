package fetch

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/floegence/skillhub/internal/model"
	"golang.org/x/oauth2"
)

// fetchGitHub downloads the repository zipball and extracts it. A failed download falls back to a
// shallow git clone.
func (f *Fetcher) fetchGitHub(ctx context.Context, repo string, src model.Source) (string, string, func(), error) {
	tmp, err := os.MkdirTemp(f.opts.WorkDir, "skillhub-gh-*")
	if err != nil {
		return "", "", func() {}, fmt.Errorf("prepare temp dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(tmp) }

	ref := strings.TrimSpace(src.Ref)
	client := f.githubClient(ctx, src.AccessToken)
	root, zipErr := f.downloadZipball(ctx, client, repo, ref, filepath.Join(tmp, "zip"))
	if zipErr == nil {
		commit := f.resolveCommit(ctx, client, repo, ref)
		return root, commit, cleanup, nil
	}
	if f.opts.DisableGitFallback {
		return "", "", cleanup, zipErr
	}
	f.log.Warn("github archive download failed, falling back to git", "repo", repo, "error", zipErr)

	cloneURL := strings.TrimRight(strings.TrimSpace(f.opts.GitHubRepoBaseURL), "/") + "/" + repo + ".git"
	dir := filepath.Join(tmp, "git")
	commit, gitErr := cloneShallow(ctx, cloneURL, ref, src.AccessToken, dir)
	if gitErr != nil {
		return "", "", cleanup, fmt.Errorf("archive: %v; git: %w", zipErr, gitErr)
	}
	return dir, commit, cleanup, nil
}

// githubClient attaches the source token, when there is one, through an oauth2 static token source.
func (f *Fetcher) githubClient(ctx context.Context, token string) *http.Client {
	token = strings.TrimSpace(token)
	if token == "" {
		return f.opts.HTTPClient
	}
	base := context.WithValue(ctx, oauth2.HTTPClient, f.opts.HTTPClient)
	return oauth2.NewClient(base, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
}

func (f *Fetcher) doGitHubRequest(ctx context.Context, client *http.Client, endpoint string, accept string, limit int64) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid github endpoint: %w", err)
	}
	req.Header.Set("User-Agent", "skillhub-fetcher")
	req.Header.Set("Accept", accept)
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("github request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read github response: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, resp.StatusCode, fmt.Errorf("github response exceeds %d bytes", limit)
	}
	return body, resp.StatusCode, nil
}

func (f *Fetcher) downloadZipball(ctx context.Context, client *http.Client, repo string, ref string, dst string) (string, error) {
	parts := strings.Split(repo, "/")
	apiBase := strings.TrimRight(strings.TrimSpace(f.opts.GitHubAPIBaseURL), "/")
	endpoint := fmt.Sprintf("%s/repos/%s/%s/zipball", apiBase, url.PathEscape(parts[0]), url.PathEscape(parts[1]))
	if ref != "" {
		endpoint += "/" + url.PathEscape(ref)
	}
	body, status, err := f.doGitHubRequest(ctx, client, endpoint, "application/vnd.github+json", f.opts.MaxArchiveBytes)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("download github zip archive: status %d", status)
	}
	return extractZip(body, dst, f.opts.MaxArchiveBytes)
}

// resolveCommit asks for the sha of ref. Failures only cost the commit label.
func (f *Fetcher) resolveCommit(ctx context.Context, client *http.Client, repo string, ref string) string {
	if ref == "" {
		ref = "HEAD"
	}
	parts := strings.Split(repo, "/")
	apiBase := strings.TrimRight(strings.TrimSpace(f.opts.GitHubAPIBaseURL), "/")
	endpoint := fmt.Sprintf("%s/repos/%s/%s/commits/%s", apiBase, url.PathEscape(parts[0]), url.PathEscape(parts[1]), url.PathEscape(ref))
	body, status, err := f.doGitHubRequest(ctx, client, endpoint, "application/vnd.github.sha", 4096)
	if err != nil || status != http.StatusOK {
		return ""
	}
	return strings.TrimSpace(string(body))
}

// extractZip unpacks a GitHub zipball into dst and returns the archive's top-level directory.
func extractZip(archive []byte, dst string, maxBytes int64) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return "", fmt.Errorf("invalid github archive: %w", err)
	}
	rootPrefix := ""
	for _, file := range zr.File {
		name := strings.TrimSpace(file.Name)
		if name == "" {
			continue
		}
		parts := strings.Split(name, "/")
		if strings.TrimSpace(parts[0]) == "" {
			continue
		}
		rootPrefix = parts[0]
		break
	}
	if rootPrefix == "" {
		return "", fmt.Errorf("empty github archive")
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	var written int64
	for _, zf := range zr.File {
		name := strings.TrimSpace(zf.Name)
		if !strings.HasPrefix(name, rootPrefix+"/") {
			continue
		}
		rel := path.Clean(strings.TrimPrefix(name, rootPrefix+"/"))
		if rel == "." || rel == "" {
			continue
		}
		if rel == ".." || strings.HasPrefix(rel, "../") || strings.HasPrefix(rel, "/") {
			return "", fmt.Errorf("archive contains path escape: %s", name)
		}
		target := filepath.Join(dst, filepath.FromSlash(rel))
		if err := ensurePathWithinRoot(dst, target); err != nil {
			return "", fmt.Errorf("archive target escapes destination: %w", err)
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", err
			}
			continue
		}
		if !zf.Mode().IsRegular() {
			continue
		}
		written += int64(zf.UncompressedSize64)
		if written > maxBytes {
			return "", fmt.Errorf("archive expands beyond %d bytes", maxBytes)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", err
		}
		rc, err := zf.Open()
		if err != nil {
			return "", fmt.Errorf("read archive entry: %w", err)
		}
		data, readErr := io.ReadAll(io.LimitReader(rc, maxBytes))
		_ = rc.Close()
		if readErr != nil {
			return "", fmt.Errorf("extract archive entry: %w", readErr)
		}
		if err := os.WriteFile(target, data, 0o600); err != nil {
			return "", err
		}
	}
	return dst, nil
}
