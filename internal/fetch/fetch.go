// Package fetch pulls skill candidates out of a source: a GitHub repository, any git remote or a
// local directory.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/floegence/skillhub/internal/model"
)

const (
	defaultGitHubAPIBaseURL  = "https://api.github.com"
	defaultGitHubRepoBaseURL = "https://github.com"
	defaultTimeout           = 2 * time.Minute
	defaultMaxArchiveBytes   = 256 << 20
	defaultMaxFileBytes      = 1 << 20
	defaultMaxFilesPerSkill  = 64
)

type originKind string

const (
	originGitHub originKind = "github"
	originGit    originKind = "git"
	originLocal  originKind = "local"
)

type origin struct {
	kind originKind
	// repo is owner/name for github, the clone URL for git and a directory for local.
	repo string
}

type Options struct {
	Logger *slog.Logger
	// HTTPClient is the base transport; per-source tokens are layered on top with oauth2.
	HTTPClient        *http.Client
	GitHubAPIBaseURL  string
	GitHubRepoBaseURL string
	// WorkDir holds temporary checkouts. Defaults to os.TempDir().
	WorkDir string
	Filter  *Filter
	Timeout time.Duration

	MaxArchiveBytes  int64
	MaxFileBytes     int64
	MaxFilesPerSkill int
	// DisableGitFallback skips the git clone retry after a failed archive download.
	DisableGitFallback bool
}

// Result is what one source yielded.
type Result struct {
	Candidates []model.Candidate
	Commit     string
	// Filtered counts candidates dropped by the blacklist/whitelist.
	Filtered int
}

type Fetcher struct {
	log    *slog.Logger
	opts   Options
	filter atomic.Pointer[Filter]
}

func New(opts Options) *Fetcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if strings.TrimSpace(opts.GitHubAPIBaseURL) == "" {
		opts.GitHubAPIBaseURL = defaultGitHubAPIBaseURL
	}
	if strings.TrimSpace(opts.GitHubRepoBaseURL) == "" {
		opts.GitHubRepoBaseURL = defaultGitHubRepoBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxArchiveBytes <= 0 {
		opts.MaxArchiveBytes = defaultMaxArchiveBytes
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = defaultMaxFileBytes
	}
	if opts.MaxFilesPerSkill <= 0 {
		opts.MaxFilesPerSkill = defaultMaxFilesPerSkill
	}
	f := &Fetcher{log: opts.Logger, opts: opts}
	f.filter.Store(opts.Filter)
	return f
}

// SetFilter swaps the blacklist/whitelist used by later fetches. Safe to call during a run.
func (f *Fetcher) SetFilter(filter *Filter) {
	if f == nil {
		return
	}
	f.filter.Store(filter)
}

// Fetch retrieves every candidate of src. Any failure is reported as SourceUnavailable.
func (f *Fetcher) Fetch(ctx context.Context, src model.Source) (Result, error) {
	if f == nil {
		return Result{}, errors.New("nil fetcher")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	o, err := parseOrigin(src.URL)
	if err != nil {
		return Result{}, unavailable(src, err)
	}
	subPath, err := normalizeSubPath(src.SubPath)
	if err != nil {
		return Result{}, unavailable(src, err)
	}

	started := time.Now()
	var (
		root    string
		commit  string
		cleanup = func() {}
	)
	switch o.kind {
	case originLocal:
		root = o.repo
		commit = localRevision(root)
	case originGitHub:
		root, commit, cleanup, err = f.fetchGitHub(ctx, o.repo, src)
	case originGit:
		root, commit, cleanup, err = f.fetchGit(ctx, o.repo, src)
	default:
		err = fmt.Errorf("unsupported origin %q", src.URL)
	}
	defer cleanup()
	if err != nil {
		return Result{}, unavailable(src, err)
	}

	scanRoot := root
	if subPath != "" {
		scanRoot = filepath.Join(root, filepath.FromSlash(subPath))
		if err := ensurePathWithinRoot(root, scanRoot); err != nil {
			return Result{}, unavailable(src, err)
		}
	}
	if st, err := os.Stat(scanRoot); err != nil || !st.IsDir() {
		return Result{}, unavailable(src, fmt.Errorf("sub path %q not found", subPath))
	}

	found, err := discover(scanRoot, discoverOptions{
		sourceID:     src.ID,
		fallbackName: src.Name,
		maxFileBytes: f.opts.MaxFileBytes,
		maxFiles:     f.opts.MaxFilesPerSkill,
	})
	if err != nil {
		return Result{}, unavailable(src, err)
	}
	res := Result{Commit: commit}
	filter := f.filter.Load()
	for _, c := range found {
		if !filter.Allow(src.Name, c.Path, c.Name) {
			res.Filtered++
			continue
		}
		res.Candidates = append(res.Candidates, c)
	}
	f.log.Info("source fetched",
		"source", src.Name,
		"origin", string(o.kind),
		"candidates", len(res.Candidates),
		"filtered", res.Filtered,
		"commit", commit,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return res, nil
}

func unavailable(src model.Source, cause error) error {
	return model.NewError(model.ErrCodeSourceUnavailable, fmt.Sprintf("source %s unavailable", src.Name), cause)
}

// parseOrigin accepts owner/repo, GitHub URLs, other git remotes, file:// URLs and local paths.
func parseOrigin(raw string) (origin, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return origin{}, errors.New("missing source url")
	}
	if strings.HasPrefix(v, "file://") {
		u, err := url.Parse(v)
		if err != nil {
			return origin{}, fmt.Errorf("invalid file url: %w", err)
		}
		return origin{kind: originLocal, repo: filepath.Clean(filepath.FromSlash(u.Path))}, nil
	}
	if filepath.IsAbs(v) || strings.HasPrefix(v, "./") || strings.HasPrefix(v, "../") {
		abs, err := filepath.Abs(v)
		if err != nil {
			return origin{}, err
		}
		return origin{kind: originLocal, repo: abs}, nil
	}
	if strings.HasPrefix(v, "git@") || strings.HasPrefix(v, "ssh://") {
		return origin{kind: originGit, repo: v}, nil
	}
	if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
		u, err := url.Parse(v)
		if err != nil {
			return origin{}, fmt.Errorf("invalid source url: %w", err)
		}
		host := strings.ToLower(u.Hostname())
		if host == "github.com" || host == "www.github.com" {
			parts := strings.Split(strings.Trim(u.Path, "/"), "/")
			if len(parts) < 2 {
				return origin{}, fmt.Errorf("invalid github url %q", v)
			}
			repo, err := normalizeGitHubRepo(parts[0] + "/" + strings.TrimSuffix(parts[1], ".git"))
			if err != nil {
				return origin{}, err
			}
			return origin{kind: originGitHub, repo: repo}, nil
		}
		return origin{kind: originGit, repo: v}, nil
	}
	repo, err := normalizeGitHubRepo(v)
	if err != nil {
		return origin{}, err
	}
	return origin{kind: originGitHub, repo: repo}, nil
}

func normalizeGitHubRepo(raw string) (string, error) {
	parts := strings.Split(strings.TrimSpace(raw), "/")
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid github repo %q, expected <owner>/<repo>", raw)
	}
	owner := strings.TrimSpace(parts[0])
	repo := strings.TrimSpace(parts[1])
	if owner == "" || repo == "" || strings.ContainsAny(owner+repo, " \t") {
		return "", fmt.Errorf("invalid github repo %q, expected <owner>/<repo>", raw)
	}
	return owner + "/" + repo, nil
}

func normalizeSubPath(raw string) (string, error) {
	v := strings.TrimSpace(strings.ReplaceAll(raw, "\\", "/"))
	v = strings.Trim(v, "/")
	if v == "" {
		return "", nil
	}
	cleaned := path.Clean(v)
	if cleaned == "." {
		return "", nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("sub path %q escapes the repository root", raw)
	}
	return cleaned, nil
}

func ensurePathWithinRoot(root string, target string) error {
	root = filepath.Clean(strings.TrimSpace(root))
	target = filepath.Clean(strings.TrimSpace(target))
	if root == "" || target == "" {
		return errors.New("empty path")
	}
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return err
	}
	rel = filepath.Clean(rel)
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return errors.New("path escapes root")
	}
	return nil
}
