// Package export publishes the ready partition as versioned directories and tarballs.
//
// Layout under the output directory:
//
//	versions/<timestamp>-<seq>/<skill>/SKILL.md
//	versions/<timestamp>-<seq>/<skill>/<supporting files>
//	versions/<timestamp>-<seq>/metadata.json
//	current -> versions/<timestamp>-<seq>
//	CURRENT  (the active version name, for platforms without symlinks)
package export

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/floegence/skillhub/internal/model"
)

const (
	versionsDirName     = "versions"
	currentLinkName     = "current"
	currentFileName     = "CURRENT"
	metadataFileName    = "metadata.json"
	skillFileName       = "SKILL.md"
	defaultKeepVersions = 5
)

type Options struct {
	Logger    *slog.Logger
	OutputDir string
	// KeepVersions bounds how many published versions stay on disk.
	KeepVersions int
	Now          func() time.Time
}

type Exporter struct {
	log  *slog.Logger
	opts Options

	mu  sync.Mutex
	seq int
}

func New(opts Options) (*Exporter, error) {
	if strings.TrimSpace(opts.OutputDir) == "" {
		return nil, errors.New("missing output dir")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.KeepVersions <= 0 {
		opts.KeepVersions = defaultKeepVersions
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Exporter{log: opts.Logger, opts: opts}, nil
}

// Metadata describes one published version.
type Metadata struct {
	Version         string         `json:"version"`
	GeneratedAtUnix int64          `json:"generated_at_unix_ms"`
	SkillCount      int            `json:"skill_count"`
	Skills          []SkillEntry   `json:"skills"`
	Sources         []SourceEntry  `json:"sources"`
	Tags            map[string]int `json:"tags,omitempty"`
}

type SkillEntry struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Dir          string   `json:"dir"`
	Source       string   `json:"source"`
	Path         string   `json:"path"`
	ContentHash  string   `json:"content_hash"`
	Status       string   `json:"status"`
	Mirrors      []string `json:"mirrors,omitempty"`
	Summary      string   `json:"summary,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	QualityScore int      `json:"quality_score,omitempty"`
}

type SourceEntry struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	URL        string `json:"url"`
	Priority   int    `json:"priority"`
	LastCommit string `json:"last_commit,omitempty"`
}

type layoutEntry struct {
	dir   string
	skill model.Skill
}

var unsafeDirChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// layout assigns every skill a unique, filesystem-safe directory name.
func layout(skills []model.Skill) []layoutEntry {
	sorted := append([]model.Skill(nil), skills...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].IdentityKey != sorted[j].IdentityKey {
			return sorted[i].IdentityKey < sorted[j].IdentityKey
		}
		return sorted[i].ID < sorted[j].ID
	})
	used := map[string]int{}
	out := make([]layoutEntry, 0, len(sorted))
	for _, s := range sorted {
		base := strings.Trim(unsafeDirChars.ReplaceAllString(strings.ToLower(s.IdentityKey), "-"), "-.")
		if base == "" {
			base = s.ID
		}
		dir := base
		if n := used[base]; n > 0 {
			dir = fmt.Sprintf("%s-%d", base, n+1)
		}
		used[base]++
		out = append(out, layoutEntry{dir: dir, skill: s})
	}
	return out
}

func buildMetadata(version string, generated time.Time, entries []layoutEntry, sources []model.Source) Metadata {
	names := make(map[string]string, len(sources))
	meta := Metadata{
		Version:         version,
		GeneratedAtUnix: generated.UnixMilli(),
		SkillCount:      len(entries),
		Skills:          make([]SkillEntry, 0, len(entries)),
		Sources:         make([]SourceEntry, 0, len(sources)),
		Tags:            map[string]int{},
	}
	for _, src := range sources {
		names[src.ID] = src.Name
		meta.Sources = append(meta.Sources, SourceEntry{ID: src.ID, Name: src.Name, URL: src.URL, Priority: src.Priority, LastCommit: src.LastCommit})
	}
	for _, e := range entries {
		s := e.skill
		se := SkillEntry{
			ID:          s.ID,
			Name:        s.Name,
			Dir:         e.dir,
			Source:      names[s.SourceID],
			Path:        s.Path,
			ContentHash: s.ContentHash,
			Status:      string(s.Status),
		}
		for _, m := range s.Mirrors {
			se.Mirrors = append(se.Mirrors, names[m])
		}
		if s.Analysis != nil {
			se.Summary = s.Analysis.Summary
			se.Tags = s.Analysis.Tags
			se.QualityScore = s.Analysis.QualityScore
			for _, t := range s.Analysis.Tags {
				meta.Tags[t]++
			}
		}
		meta.Skills = append(meta.Skills, se)
	}
	return meta
}

// cleanFilePath keeps supporting file paths inside their skill directory.
func cleanFilePath(p string) (string, bool) {
	v := path.Clean(strings.ReplaceAll(strings.TrimSpace(p), "\\", "/"))
	if v == "." || v == "" || v == ".." || strings.HasPrefix(v, "../") || strings.HasPrefix(v, "/") {
		return "", false
	}
	if v == skillFileName {
		return "", false
	}
	return v, true
}

// Publish writes skills as a new version and atomically points current at it.
func (e *Exporter) Publish(ctx context.Context, skills []model.Skill, sources []model.Source) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.opts.Now().UTC()
	e.seq++
	version := fmt.Sprintf("%s-%04d", now.Format("20060102T150405Z"), e.seq)
	versionsDir := filepath.Join(e.opts.OutputDir, versionsDirName)
	staging := filepath.Join(versionsDir, "."+version+".tmp")
	final := filepath.Join(versionsDir, version)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return "", fmt.Errorf("prepare export dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(staging) }

	entries := layout(skills)
	for _, le := range entries {
		if err := ctx.Err(); err != nil {
			cleanup()
			return "", err
		}
		if err := writeSkill(filepath.Join(staging, le.dir), le.skill); err != nil {
			cleanup()
			return "", err
		}
	}
	meta := buildMetadata(version, now, entries, sources)
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		cleanup()
		return "", err
	}
	if err := os.WriteFile(filepath.Join(staging, metadataFileName), data, 0o644); err != nil {
		cleanup()
		return "", err
	}
	if err := os.Rename(staging, final); err != nil {
		cleanup()
		return "", fmt.Errorf("finalize export: %w", err)
	}
	if err := e.swapCurrent(version); err != nil {
		return "", err
	}
	e.prune(version)
	e.log.Info("export published", "version", version, "skills", len(entries), "dir", final)
	return version, nil
}

func writeSkill(dir string, s model.Skill) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, skillFileName), []byte(s.Content), 0o644); err != nil {
		return err
	}
	for _, f := range s.Files {
		rel, ok := cleanFilePath(f.Path)
		if !ok {
			continue
		}
		target := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, f.Content, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// swapCurrent replaces the current symlink via rename so readers never see it missing.
func (e *Exporter) swapCurrent(version string) error {
	out := e.opts.OutputDir
	target := filepath.Join(versionsDirName, version)
	tmpLink := filepath.Join(out, "."+currentLinkName+".tmp")
	_ = os.Remove(tmpLink)
	if err := os.Symlink(target, tmpLink); err == nil {
		if err := os.Rename(tmpLink, filepath.Join(out, currentLinkName)); err != nil {
			_ = os.Remove(tmpLink)
			return fmt.Errorf("swap current link: %w", err)
		}
	} else {
		e.log.Warn("symlinks unavailable, relying on CURRENT file", "error", err)
	}
	tmpFile := filepath.Join(out, "."+currentFileName+".tmp")
	if err := os.WriteFile(tmpFile, []byte(version+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmpFile, filepath.Join(out, currentFileName))
}

func (e *Exporter) listVersions() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(e.opts.OutputDir, versionsDirName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, ent := range entries {
		if ent.IsDir() && !strings.HasPrefix(ent.Name(), ".") {
			out = append(out, ent.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func (e *Exporter) prune(keep string) {
	versions, err := e.listVersions()
	if err != nil {
		e.log.Warn("list export versions failed", "error", err)
		return
	}
	excess := len(versions) - e.opts.KeepVersions
	for i := 0; i < excess; i++ {
		if versions[i] == keep {
			continue
		}
		if err := os.RemoveAll(filepath.Join(e.opts.OutputDir, versionsDirName, versions[i])); err != nil {
			e.log.Warn("prune export version failed", "version", versions[i], "error", err)
		}
	}
}

// Versions lists published versions, oldest first.
func (e *Exporter) Versions() ([]string, error) {
	return e.listVersions()
}

// Current returns the active version name and its directory, or empty strings before the first
// publish.
func (e *Exporter) Current() (string, string, error) {
	raw, err := os.ReadFile(filepath.Join(e.opts.OutputDir, currentFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", "", nil
		}
		return "", "", err
	}
	version := strings.TrimSpace(string(raw))
	if version == "" {
		return "", "", nil
	}
	return version, filepath.Join(e.opts.OutputDir, versionsDirName, version), nil
}

// CurrentMetadata reads metadata.json of the active version.
func (e *Exporter) CurrentMetadata() (*Metadata, error) {
	_, dir, err := e.Current()
	if err != nil || dir == "" {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, metadataFileName))
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// WriteArchive streams skills as a tar.gz using the same layout as a published version.
func WriteArchive(w io.Writer, skills []model.Skill, sources []model.Source, now time.Time) error {
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)
	entries := layout(skills)

	writeFile := func(name string, data []byte) error {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(data)), ModTime: now, Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err := tw.Write(data)
		return err
	}
	for _, le := range entries {
		if err := writeFile(le.dir+"/"+skillFileName, []byte(le.skill.Content)); err != nil {
			return err
		}
		for _, f := range le.skill.Files {
			rel, ok := cleanFilePath(f.Path)
			if !ok {
				continue
			}
			if err := writeFile(le.dir+"/"+rel, f.Content); err != nil {
				return err
			}
		}
	}
	meta := buildMetadata(now.UTC().Format("20060102T150405Z"), now, entries, sources)
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFile(metadataFileName, data); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gw.Close()
}
