// Package app assembles the skillhub runtime from a loaded config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/floegence/skillhub/internal/advisor"
	"github.com/floegence/skillhub/internal/analyze"
	"github.com/floegence/skillhub/internal/config"
	"github.com/floegence/skillhub/internal/export"
	"github.com/floegence/skillhub/internal/fetch"
	"github.com/floegence/skillhub/internal/httpapi"
	"github.com/floegence/skillhub/internal/llm"
	"github.com/floegence/skillhub/internal/lockfile"
	"github.com/floegence/skillhub/internal/logbuf"
	"github.com/floegence/skillhub/internal/metrics"
	"github.com/floegence/skillhub/internal/monitor"
	"github.com/floegence/skillhub/internal/normalize"
	"github.com/floegence/skillhub/internal/notify"
	"github.com/floegence/skillhub/internal/pipeline"
	"github.com/floegence/skillhub/internal/store"
)

// shutdownGrace bounds how long serve waits for a cancelled run to reach IDLE.
const shutdownGrace = 30 * time.Second

type Options struct {
	Config *config.Config
	// ConfigPath is the file Config was loaded from; serve watches it for edits.
	ConfigPath string

	Version   string
	Commit    string
	BuildTime string

	// LogOutput receives handler output. Defaults to stderr.
	LogOutput io.Writer
	// Exclusive takes the state-dir lock. Commands that run or resolve need it; read-only views do not.
	Exclusive bool
}

type App struct {
	cfg     *config.Config
	cfgPath string
	log     *slog.Logger
	logs    *logbuf.Buffer

	version   string
	commit    string
	buildTime string

	lock     *lockfile.Lock
	store    *store.Store
	fetcher  *fetch.Fetcher
	exporter *export.Exporter
	metrics  *metrics.Metrics
	notifier *notify.Notifier
	mon      *monitor.Service
	ctrl     *pipeline.Controller

	closeOnce sync.Once
}

func New(opts Options) (*App, error) {
	if opts.Config == nil {
		return nil, errors.New("missing config")
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}

	logs := logbuf.NewBuffer(logbuf.DefaultCapacity)
	logger, err := config.NewLogger(out, cfg.Log.Format, cfg.Log.Level, logs)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		cfgPath:   strings.TrimSpace(opts.ConfigPath),
		log:       logger,
		logs:      logs,
		version:   strings.TrimSpace(opts.Version),
		commit:    strings.TrimSpace(opts.Commit),
		buildTime: strings.TrimSpace(opts.BuildTime),
	}
	if err := a.init(opts.Exclusive); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(exclusive bool) error {
	cfg := a.cfg
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return fmt.Errorf("init state dir: %w", err)
	}
	if exclusive {
		lk, err := lockfile.AcquireStateDir(cfg.StateDir)
		if err != nil {
			return err
		}
		a.lock = lk
	}

	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = st

	filter, err := fetch.NewFilter(cfg.Whitelist, cfg.Blacklist)
	if err != nil {
		return err
	}
	a.fetcher = fetch.New(fetch.Options{
		Logger:  a.log,
		WorkDir: cfg.Storage.WorkDir,
		Filter:  filter,
		Timeout: cfg.Sync.FetchTimeout,
	})

	exp, err := export.New(export.Options{
		Logger:       a.log,
		OutputDir:    cfg.Storage.OutputDir,
		KeepVersions: cfg.Storage.KeepVersions,
	})
	if err != nil {
		return err
	}
	a.exporter = exp
	a.metrics = metrics.New()
	a.mon = monitor.NewService(a.log)

	if url := strings.TrimSpace(cfg.NATS.URL); url != "" {
		n, err := notify.Connect(url, notify.Options{Logger: a.log, SubjectPrefix: cfg.NATS.Subject})
		if err != nil {
			// Events are best effort; a dead broker must not stop syncing.
			a.log.Warn("event publishing disabled", "nats_url", url, "error", err)
		} else {
			a.notifier = n
		}
	}

	client, provider := a.llmClient()
	opts := pipeline.Options{
		Logger:              a.log,
		Store:               st,
		Fetcher:             a.fetcher,
		Analyzer:            analyze.New(analyze.Options{Logger: a.log, Client: client, CacheDir: cfg.Storage.AnalysisCacheDir}),
		Advisor:             advisor.New(advisor.Options{Logger: a.log, Client: client}),
		Publisher:           exp,
		Metrics:             a.metrics,
		Matcher:             normalize.NewMatcher(cfg.Merge.SimilarityThreshold, cfg.Merge.MinShingles),
		FetchConcurrency:    cfg.Sync.FetchConcurrency,
		AnalysisConcurrency: cfg.Sync.AnalysisConcurrency,
		AnalysisTimeout:     cfg.Sync.AnalysisTimeout,
		Provider:            provider,
	}
	if a.notifier != nil {
		opts.Events = a.notifier
	}
	ctrl, err := pipeline.NewController(opts)
	if err != nil {
		return err
	}
	a.ctrl = ctrl
	return nil
}

// llmClient builds the active provider. A missing or broken provider disables analysis and advice
// rather than failing startup; both collaborators are advisory.
func (a *App) llmClient() (llm.Client, string) {
	pc, ok, err := a.cfg.AI.ProviderConfig()
	if !ok {
		a.log.Info("ai provider not configured; analysis and recommendations disabled")
		return nil, ""
	}
	if err != nil {
		a.log.Warn("ai provider disabled", "error", err)
		return nil, ""
	}
	client, err := llm.New(pc)
	if err != nil {
		a.log.Warn("ai provider disabled", "provider", pc.ID, "error", err)
		return nil, ""
	}
	return client, pc.ID + "/" + pc.Model
}

func (a *App) Logger() *slog.Logger                { return a.log }
func (a *App) Logs() *logbuf.Buffer                { return a.logs }
func (a *App) Config() *config.Config              { return a.cfg }
func (a *App) Controller() *pipeline.Controller    { return a.ctrl }
func (a *App) Exporter() *export.Exporter          { return a.exporter }
func (a *App) Monitor() *monitor.Service           { return a.mon }
func (a *App) Metrics() *metrics.Metrics           { return a.metrics }
func (a *App) BuildInfo() (string, string, string) { return a.version, a.commit, a.buildTime }

// Prepare applies resolutions queued by an earlier process and seeds sources from the config.
func (a *App) Prepare(ctx context.Context) error {
	if a.lock == nil {
		return errors.New("prepare requires the state-dir lock")
	}
	if err := a.ctrl.Recover(ctx); err != nil {
		return fmt.Errorf("recover queued resolutions: %w", err)
	}
	return a.seed(ctx, a.cfg)
}

func (a *App) seed(ctx context.Context, cfg *config.Config) error {
	seeds := cfg.SeedSources()
	if len(seeds) == 0 {
		return nil
	}
	res, err := a.ctrl.SeedSources(ctx, seeds)
	if err != nil {
		return fmt.Errorf("seed sources: %w", err)
	}
	if res.Created > 0 || res.Updated > 0 {
		a.log.Info("sources seeded from config", "created", res.Created, "updated", res.Updated, "unchanged", res.Unchanged)
	}
	return nil
}

// applyConfig takes the parts of a reloaded config that are safe to change while running.
// Storage, listen address and AI provider changes need a restart.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	filter, err := fetch.NewFilter(cfg.Whitelist, cfg.Blacklist)
	if err != nil {
		a.log.Error("reloaded filters rejected", "error", err)
	} else {
		a.fetcher.SetFilter(filter)
	}
	if err := a.seed(ctx, cfg); err != nil {
		a.log.Error("reloaded sources rejected", "error", err)
	}
}

// Serve runs the HTTP API, the cron schedule and the config watcher until ctx is done.
// The listener address is reported through onListen once bound.
func (a *App) Serve(ctx context.Context, onListen func(addr string)) error {
	if err := a.Prepare(ctx); err != nil {
		return err
	}

	a.log.Info("skillhub starting",
		"version", a.version,
		"commit", a.commit,
		"build_time", a.buildTime,
		"state_dir", a.cfg.StateDir,
		"sources", len(a.cfg.Sources),
		"goos", runtime.GOOS,
		"goarch", runtime.GOARCH,
	)

	srv, err := httpapi.New(httpapi.Options{
		Logger:    a.log,
		Listen:    a.cfg.Server.Listen,
		Version:   a.version,
		Service:   a.ctrl,
		Exporter:  a.exporter,
		Monitor:   a.mon,
		Logs:      a.logs,
		Metrics:   a.metrics.Handler(),
		StatusAPI: a.cfg.StatusAPI,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = srv.Close() }()
	if onListen != nil {
		onListen(srv.Addr())
	}

	if sched := strings.TrimSpace(a.cfg.Sync.Schedule); sched != "" {
		c := cron.New()
		if _, err := c.AddFunc(sched, a.scheduledRun); err != nil {
			return fmt.Errorf("invalid sync.schedule: %w", err)
		}
		c.Start()
		defer c.Stop()
		a.log.Info("sync schedule enabled", "schedule", sched)
	}

	if a.cfgPath != "" {
		if _, err := os.Stat(filepath.Dir(a.cfgPath)); err == nil {
			w, err := config.NewWatcher(a.cfgPath, 0, a.log, func(cfg *config.Config) {
				a.applyConfig(ctx, cfg)
			})
			if err != nil {
				a.log.Warn("config watcher disabled", "path", a.cfgPath, "error", err)
			} else {
				go w.Run(ctx)
				defer func() {
					_ = w.Close()
					<-w.Done()
				}()
			}
		}
	}

	<-ctx.Done()
	a.log.Info("skillhub stopping")
	a.ctrl.Cancel()
	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := a.ctrl.Wait(waitCtx); err != nil {
		a.log.Warn("run did not stop in time", "error", err)
	}
	return nil
}

func (a *App) scheduledRun() {
	st, err := a.ctrl.TriggerRun()
	if err != nil {
		a.log.Info("scheduled sync skipped", "state", st.State, "error", err)
		return
	}
	a.log.Info("scheduled sync started", "run_id", st.RunID)
}

// SyncOnce prepares and runs one sync in the foreground.
func (a *App) SyncOnce(ctx context.Context) (pipeline.Status, error) {
	if err := a.Prepare(ctx); err != nil {
		return pipeline.Status{}, err
	}
	return a.ctrl.Run(ctx)
}

func (a *App) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		if a.notifier != nil {
			errs = append(errs, a.notifier.Close())
		}
		if a.store != nil {
			errs = append(errs, a.store.Close())
		}
		if a.lock != nil {
			errs = append(errs, a.lock.Release())
		}
	})
	return errors.Join(errs...)
}
