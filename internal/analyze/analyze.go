// Package analyze produces advisory descriptions of skill content through an LLM.
//
// Results are keyed by content hash and cached on disk, so unchanged content is never sent twice.
package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/floegence/skillhub/internal/llm"
	"github.com/floegence/skillhub/internal/model"
)

const systemPrompt = "You analyze Claude Code / OpenCode skills and answer with a single JSON object and nothing else."

const analysisFormat = `{
  "summary": "one sentence on what the skill does (under 20 words)",
  "description": "what the skill does in detail (under 100 words)",
  "use_cases": ["use case"],
  "triggers": ["keyword that should activate the skill"],
  "dependencies": {
    "scripts": ["bundled script files it relies on"],
    "external": ["external packages or tools it needs"]
  },
  "quality_score": 0,
  "quality_issues": ["problem"],
  "tags": ["tag"]
}`

const scoringGuide = `Scoring:
- 90-100: complete documentation, examples, error handling, clear structure
- 70-89: mostly complete with minor gaps
- 50-69: usable but clearly lacking
- 0-49: poor quality or missing essentials`

// maxPromptContent bounds the SKILL.md text sent to the provider.
const maxPromptContent = 48 << 10

var hashPattern = regexp.MustCompile(`^[0-9a-f]{16,128}$`)

type Input struct {
	SourceName  string
	Name        string
	Path        string
	Content     string
	ContentHash string
	FileNames   []string
}

type Options struct {
	Logger *slog.Logger
	// Client may be nil; every call then fails with AnalysisUnavailable.
	Client   llm.Client
	CacheDir string
}

type Analyzer struct {
	log      *slog.Logger
	client   llm.Client
	cacheDir string
}

func New(opts Options) *Analyzer {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Analyzer{log: log, client: opts.Client, cacheDir: strings.TrimSpace(opts.CacheDir)}
}

// Available reports whether a provider is configured.
func (a *Analyzer) Available() bool {
	return a != nil && a.client != nil
}

// Analyze returns the cached analysis for in.ContentHash or asks the provider for a new one.
func (a *Analyzer) Analyze(ctx context.Context, in Input) (*model.Analysis, error) {
	if cached, ok := a.readCache(in.ContentHash); ok {
		return cached, nil
	}
	if !a.Available() {
		return nil, model.ErrAnalysisUnavailable
	}
	raw, err := a.client.Complete(ctx, systemPrompt, buildPrompt(in))
	if err != nil {
		return nil, model.NewError(model.ErrCodeAnalysisUnavailable, fmt.Sprintf("analyze %s", in.Name), err)
	}
	out, err := parseAnalysis(raw)
	if err != nil {
		return nil, model.NewError(model.ErrCodeAnalysisUnavailable, fmt.Sprintf("analyze %s", in.Name), err)
	}
	a.writeCache(in.ContentHash, out)
	return out, nil
}

func buildPrompt(in Input) string {
	content := in.Content
	if len(content) > maxPromptContent {
		content = content[:maxPromptContent] + "\n...(truncated)"
	}
	files := "(none)"
	if len(in.FileNames) > 0 {
		files = "- " + strings.Join(in.FileNames, "\n- ")
	}
	var b strings.Builder
	b.WriteString("Analyze the following skill and extract its key information.\n\n<skill>\n")
	fmt.Fprintf(&b, "Source: %s\nSkill name: %s\nPath: %s\n\nSKILL.md:\n```\n%s\n```\n\nBundled files:\n%s\n</skill>\n\n", in.SourceName, in.Name, in.Path, content, files)
	b.WriteString("Respond with JSON in exactly this shape:\n\n")
	b.WriteString(analysisFormat)
	b.WriteString("\n\n")
	b.WriteString(scoringGuide)
	b.WriteString("\n\nOutput only the JSON object.")
	return b.String()
}

func parseAnalysis(raw string) (*model.Analysis, error) {
	var out model.Analysis
	if err := json.Unmarshal([]byte(llm.ExtractJSON(raw)), &out); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	if out.QualityScore < 0 {
		out.QualityScore = 0
	}
	if out.QualityScore > 100 {
		out.QualityScore = 100
	}
	out.Summary = strings.TrimSpace(out.Summary)
	out.Description = strings.TrimSpace(out.Description)
	return &out, nil
}

func (a *Analyzer) cachePath(hash string) (string, bool) {
	if a == nil || a.cacheDir == "" || !hashPattern.MatchString(hash) {
		return "", false
	}
	return filepath.Join(a.cacheDir, hash+".json"), true
}

func (a *Analyzer) readCache(hash string) (*model.Analysis, bool) {
	p, ok := a.cachePath(hash)
	if !ok {
		return nil, false
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, false
	}
	var out model.Analysis
	if err := json.Unmarshal(data, &out); err != nil {
		a.log.Warn("discarding unreadable analysis cache entry", "path", p, "error", err)
		_ = os.Remove(p)
		return nil, false
	}
	return &out, true
}

func (a *Analyzer) writeCache(hash string, v *model.Analysis) {
	p, ok := a.cachePath(hash)
	if !ok || v == nil {
		return
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(a.cacheDir, 0o700); err != nil {
		a.log.Warn("analysis cache unavailable", "dir", a.cacheDir, "error", err)
		return
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		a.log.Warn("write analysis cache failed", "path", p, "error", err)
		return
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		a.log.Warn("write analysis cache failed", "path", p, "error", err)
	}
}
