package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/floegence/skillhub/internal/model"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the default config location.
const EnvConfigPath = "SKILLHUB_CONFIG"

const (
	defaultListen              = "127.0.0.1:8420"
	defaultFetchConcurrency    = 4
	defaultAnalysisConcurrency = 4
	defaultAnalysisTimeout     = 60 * time.Second
	defaultFetchTimeout        = 2 * time.Minute
	defaultSimilarity          = 0.8
	defaultMinShingles         = 8
	defaultKeepVersions        = 5
	defaultNATSSubject         = "skillhub"
)

// Config is the on-disk configuration for skillhub.
//
// Provider API keys are never stored here; providers name an environment variable instead.
// Source access tokens may be, so the file is written 0600.
type Config struct {
	// StateDir holds the database, work tree, exports and lock. Defaults to the config file's directory.
	StateDir string `yaml:"state_dir,omitempty"`

	Log       LogConfig       `yaml:"log"`
	AI        AIConfig        `yaml:"ai"`
	Sync      SyncConfig      `yaml:"sync"`
	Merge     MergeConfig     `yaml:"merge"`
	Storage   StorageConfig   `yaml:"storage"`
	Server    ServerConfig    `yaml:"server"`
	StatusAPI StatusAPIConfig `yaml:"status_api"`
	NATS      NATSConfig      `yaml:"nats"`

	Blacklist []string       `yaml:"blacklist,omitempty"`
	Whitelist []string       `yaml:"whitelist,omitempty"`
	Sources   []SourceConfig `yaml:"sources,omitempty"`
}

type LogConfig struct {
	// Format is "json" or "text".
	Format string `yaml:"format,omitempty"`
	// Level is "debug|info|warn|error".
	Level string `yaml:"level,omitempty"`
}

type SyncConfig struct {
	FetchConcurrency    int           `yaml:"fetch_concurrency,omitempty"`
	AnalysisConcurrency int           `yaml:"analysis_concurrency,omitempty"`
	AnalysisTimeout     time.Duration `yaml:"analysis_timeout,omitempty"`
	FetchTimeout        time.Duration `yaml:"fetch_timeout,omitempty"`
	// Schedule is a cron expression for unattended runs under `serve`. Empty disables it.
	Schedule string `yaml:"schedule,omitempty"`
}

type MergeConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold,omitempty"`
	MinShingles         int     `yaml:"min_shingles,omitempty"`
}

type StorageConfig struct {
	DBPath           string `yaml:"db_path,omitempty"`
	WorkDir          string `yaml:"work_dir,omitempty"`
	OutputDir        string `yaml:"output_dir,omitempty"`
	AnalysisCacheDir string `yaml:"analysis_cache_dir,omitempty"`
	KeepVersions     int    `yaml:"keep_versions,omitempty"`
}

type ServerConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// StatusAPIConfig picks which aggregate fields /api/sync/status reports.
type StatusAPIConfig struct {
	IncludeReadyCount    *bool `yaml:"include_ready_count,omitempty"`
	IncludeBlockedCount  *bool `yaml:"include_blocked_count,omitempty"`
	IncludeBlockedSkills *bool `yaml:"include_blocked_skills,omitempty"`
}

func (s StatusAPIConfig) ReadyCount() bool {
	return s.IncludeReadyCount == nil || *s.IncludeReadyCount
}

func (s StatusAPIConfig) BlockedCount() bool {
	return s.IncludeBlockedCount == nil || *s.IncludeBlockedCount
}

// BlockedSkills is opt-in.
func (s StatusAPIConfig) BlockedSkills() bool {
	return s.IncludeBlockedSkills != nil && *s.IncludeBlockedSkills
}

type NATSConfig struct {
	// URL enables event publishing when set.
	URL     string `yaml:"url,omitempty"`
	Subject string `yaml:"subject,omitempty"`
}

type SourceConfig struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	SubPath  string `yaml:"sub_path,omitempty"`
	Ref      string `yaml:"ref,omitempty"`
	Priority int    `yaml:"priority"`
	// TokenEnv names an environment variable holding the access token.
	TokenEnv string `yaml:"token_env,omitempty"`
}

// Source converts the entry, resolving TokenEnv from the environment.
func (s SourceConfig) Source() model.Source {
	src := model.Source{
		Name:     strings.TrimSpace(s.Name),
		URL:      strings.TrimSpace(s.URL),
		SubPath:  strings.TrimSpace(s.SubPath),
		Ref:      strings.TrimSpace(s.Ref),
		Priority: s.Priority,
	}
	if env := strings.TrimSpace(s.TokenEnv); env != "" {
		src.AccessToken = strings.TrimSpace(os.Getenv(env))
	}
	return src
}

func (c *Config) SeedSources() []model.Source {
	out := make([]model.Source, 0, len(c.Sources))
	for _, s := range c.Sources {
		out = append(out, s.Source())
	}
	return out
}

// DefaultConfigPath returns the default config path:
//
//	~/.skillhub/config.yaml
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "skillhub.config.yaml"
	}
	return filepath.Join(home, ".skillhub", "config.yaml")
}

// ResolvePath picks the flag value, then SKILLHUB_CONFIG, then the default.
func ResolvePath(flagValue string) string {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv(EnvConfigPath)); v != "" {
		return v
	}
	return DefaultConfigPath()
}

// ApplyDefaults fills unset fields. Relative storage paths are placed under StateDir.
func (c *Config) ApplyDefaults(configPath string) {
	if strings.TrimSpace(c.StateDir) == "" {
		c.StateDir = filepath.Dir(configPath)
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Sync.FetchConcurrency <= 0 {
		c.Sync.FetchConcurrency = defaultFetchConcurrency
	}
	if c.Sync.AnalysisConcurrency <= 0 {
		c.Sync.AnalysisConcurrency = defaultAnalysisConcurrency
	}
	if c.Sync.AnalysisTimeout <= 0 {
		c.Sync.AnalysisTimeout = defaultAnalysisTimeout
	}
	if c.Sync.FetchTimeout <= 0 {
		c.Sync.FetchTimeout = defaultFetchTimeout
	}
	if c.Merge.SimilarityThreshold <= 0 {
		c.Merge.SimilarityThreshold = defaultSimilarity
	}
	if c.Merge.MinShingles <= 0 {
		c.Merge.MinShingles = defaultMinShingles
	}
	if c.Storage.KeepVersions <= 0 {
		c.Storage.KeepVersions = defaultKeepVersions
	}
	c.Storage.DBPath = c.underState(c.Storage.DBPath, "skillhub.db")
	c.Storage.WorkDir = c.underState(c.Storage.WorkDir, "work")
	c.Storage.OutputDir = c.underState(c.Storage.OutputDir, "export")
	c.Storage.AnalysisCacheDir = c.underState(c.Storage.AnalysisCacheDir, "analysis-cache")
	if c.Server.Listen == "" {
		c.Server.Listen = defaultListen
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = defaultNATSSubject
	}
}

func (c *Config) underState(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		v = fallback
	}
	if filepath.IsAbs(v) {
		return v
	}
	return filepath.Join(c.StateDir, v)
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Format)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log.format %q", c.Log.Format)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level: %w", err)
	}
	if c.Sync.FetchConcurrency < 0 || c.Sync.AnalysisConcurrency < 0 {
		return errors.New("sync concurrency must not be negative")
	}
	if c.Sync.Schedule != "" {
		if _, err := cron.ParseStandard(c.Sync.Schedule); err != nil {
			return fmt.Errorf("invalid sync.schedule: %w", err)
		}
	}
	if t := c.Merge.SimilarityThreshold; t < 0 || t > 1 {
		return fmt.Errorf("invalid merge.similarity_threshold %v (must be in [0,1])", t)
	}
	if c.Merge.MinShingles < 0 {
		return errors.New("merge.min_shingles must not be negative")
	}
	for i, p := range c.Blacklist {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("blacklist[%d]: invalid pattern %q", i, p)
		}
	}
	for i, p := range c.Whitelist {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("whitelist[%d]: invalid pattern %q", i, p)
		}
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for i, s := range c.Sources {
		name := strings.TrimSpace(s.Name)
		if name == "" || strings.TrimSpace(s.URL) == "" {
			return fmt.Errorf("sources[%d]: name and url are required", i)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("sources[%d]: duplicate name %q", i, name)
		}
		seen[name] = struct{}{}
	}
	if err := c.AI.Validate(); err != nil {
		return fmt.Errorf("invalid ai: %w", err)
	}
	return nil
}

// Load reads path. A missing file yields defaults so a fresh install can start.
func Load(path string) (*Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.ApplyDefaults(path)
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
