package fetch

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/floegence/skillhub/internal/model"
	"gopkg.in/yaml.v3"
)

const skillFileName = "SKILL.md"

type discoverOptions struct {
	sourceID string
	// fallbackName names a skill that sits at the scan root and has no frontmatter name.
	fallbackName string
	maxFileBytes int64
	maxFiles     int
}

type skillFrontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// discover walks root and returns one candidate per SKILL.md, ordered by path.
func discover(root string, opts discoverOptions) ([]model.Candidate, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == root {
				return walkErr
			}
			return nil
		}
		if d.IsDir() {
			if p != root && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == skillFileName && d.Type().IsRegular() {
			dirs = append(dirs, filepath.Dir(p))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(dirs)

	skillDirs := make(map[string]struct{}, len(dirs))
	for _, dir := range dirs {
		skillDirs[dir] = struct{}{}
	}

	out := make([]model.Candidate, 0, len(dirs))
	for _, dir := range dirs {
		raw, err := os.ReadFile(filepath.Join(dir, skillFileName))
		if err != nil {
			return nil, err
		}
		rel, err := filepath.Rel(root, dir)
		if err != nil {
			return nil, err
		}
		relSlash := filepath.ToSlash(rel)

		name := frontmatterName(raw)
		if name == "" {
			if relSlash == "." {
				name = opts.fallbackName
			} else {
				name = path.Base(relSlash)
			}
		}
		files, err := collectFiles(dir, skillDirs, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, model.Candidate{
			SourceID:   opts.sourceID,
			Name:       name,
			Path:       relSlash,
			RawContent: raw,
			Files:      files,
		})
	}
	return out, nil
}

func skipDir(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	switch name {
	case "node_modules", "__pycache__", "vendor":
		return true
	}
	return false
}

// collectFiles reads the supporting files that travel with a skill. Nested skill directories belong
// to their own skill and are left out.
func collectFiles(dir string, skillDirs map[string]struct{}, opts discoverOptions) ([]model.File, error) {
	var files []model.File
	errLimit := errors.New("file limit reached")
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if d.IsDir() {
			if p == dir {
				return nil
			}
			if skipDir(d.Name()) {
				return filepath.SkipDir
			}
			if _, nested := skillDirs[p]; nested {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if filepath.Dir(p) == dir && d.Name() == skillFileName {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > opts.maxFileBytes {
			return nil
		}
		if len(files) >= opts.maxFiles {
			return errLimit
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return nil
		}
		files = append(files, model.File{Path: filepath.ToSlash(rel), Content: data})
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		return nil, err
	}
	return files, nil
}

func frontmatterName(raw []byte) string {
	front, _, ok := splitFrontmatter(string(raw))
	if !ok {
		return ""
	}
	var meta skillFrontmatter
	if err := yaml.Unmarshal([]byte(front), &meta); err != nil {
		return ""
	}
	return strings.TrimSpace(meta.Name)
}

func splitFrontmatter(raw string) (string, string, bool) {
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	text = strings.TrimPrefix(text, "\ufeff")
	if !strings.HasPrefix(text, "---\n") {
		return "", "", false
	}
	rest := text[len("---\n"):]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return "", "", false
	}
	front := rest[:idx]
	body := rest[idx+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")
	return front, body, true
}
