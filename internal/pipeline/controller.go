// Package pipeline owns the sync state machine: it pulls sources, analyzes changed content, merges
// everything into ready skills and conflicts, and publishes the result.
//
// At most one run is in flight. Merge and commit happen inside a run-scoped write lock; resolutions
// that arrive while a run is active are validated, persisted in a queue and applied once the run ends.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/floegence/skillhub/internal/advisor"
	"github.com/floegence/skillhub/internal/analyze"
	"github.com/floegence/skillhub/internal/conflicts"
	"github.com/floegence/skillhub/internal/fetch"
	"github.com/floegence/skillhub/internal/model"
	"github.com/floegence/skillhub/internal/normalize"
	"github.com/floegence/skillhub/internal/registry"
	"github.com/floegence/skillhub/internal/store"
	"github.com/google/uuid"
)

const (
	defaultFetchConcurrency    = 4
	defaultAnalysisConcurrency = 4
	defaultAnalysisTimeout     = 60 * time.Second
	defaultAdvisorTimeout      = 90 * time.Second
)

// Run outcomes as recorded in sync logs and metrics.
const (
	OutcomeReady        = "ready"
	OutcomePartialReady = "partial_ready"
	OutcomeFailed       = "failed"
	OutcomeCancelled    = "cancelled"
)

type Fetcher interface {
	Fetch(ctx context.Context, src model.Source) (fetch.Result, error)
}

type Analyzer interface {
	Available() bool
	Analyze(ctx context.Context, in analyze.Input) (*model.Analysis, error)
}

type Advisor interface {
	Available() bool
	Recommend(ctx context.Context, c model.Conflict, members []advisor.Member) (model.Recommendation, error)
}

// Publisher exports the ready partition after a committed run and returns the version label.
type Publisher interface {
	Publish(ctx context.Context, skills []model.Skill, sources []model.Source) (string, error)
}

// Events receives run notifications. Implementations must not block for long.
type Events interface {
	RunCompleted(ctx context.Context, log model.SyncLog)
	ConflictDetected(ctx context.Context, c model.Conflict)
}

// Recorder receives run metrics. Negative counts mean the run did not commit.
type Recorder interface {
	ObserveRun(outcome string, d time.Duration, ready int, blocked int)
	SourceFetchFailed(source string)
	AnalysisCall(outcome string)
}

type Options struct {
	Logger    *slog.Logger
	Store     *store.Store
	Registry  *registry.Registry
	Conflicts *conflicts.Service
	Fetcher   Fetcher
	Analyzer  Analyzer
	Advisor   Advisor
	Publisher Publisher
	Events    Events
	Metrics   Recorder

	Matcher             normalize.Matcher
	FetchConcurrency    int
	AnalysisConcurrency int
	AnalysisTimeout     time.Duration
	AdvisorTimeout      time.Duration
	// Provider labels cached analyses.
	Provider string

	Now   func() time.Time
	NewID func() string
}

// Status is the externally visible state of the controller.
type Status struct {
	State             model.SyncState `json:"state"`
	Running           bool            `json:"running"`
	RunID             string          `json:"run_id,omitempty"`
	Outcome           string          `json:"outcome,omitempty"`
	StartedAtUnixMs   int64           `json:"started_at_unix_ms,omitempty"`
	FinishedAtUnixMs  int64           `json:"finished_at_unix_ms,omitempty"`
	ReadyCount        int             `json:"ready_count"`
	BlockedCount      int             `json:"blocked_count"`
	PendingConflicts  int             `json:"pending_conflicts"`
	QueuedResolutions int             `json:"queued_resolutions"`
	ExportVersion     string          `json:"export_version,omitempty"`
	Stats             model.RunStats  `json:"stats"`
	LastError         string          `json:"last_error,omitempty"`
}

type Controller struct {
	log  *slog.Logger
	opts Options

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	status  Status

	// writeMu serializes merge+commit with directly applied resolutions.
	writeMu sync.Mutex
	wg      sync.WaitGroup
}

func NewController(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, errors.New("missing store")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("missing fetcher")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Conflicts == nil {
		opts.Conflicts = conflicts.NewService(opts.Store, conflicts.Options{Logger: opts.Logger})
	}
	if opts.Matcher.Threshold <= 0 {
		opts.Matcher = normalize.NewMatcher(0, 0)
	}
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = defaultFetchConcurrency
	}
	if opts.AnalysisConcurrency <= 0 {
		opts.AnalysisConcurrency = defaultAnalysisConcurrency
	}
	if opts.AnalysisTimeout <= 0 {
		opts.AnalysisTimeout = defaultAnalysisTimeout
	}
	if opts.AdvisorTimeout <= 0 {
		opts.AdvisorTimeout = defaultAdvisorTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Registry == nil {
		opts.Registry = registry.New(registry.Options{Logger: opts.Logger, Store: opts.Store, Now: opts.Now, NewID: opts.NewID})
	}
	return &Controller{
		log:    opts.Logger,
		opts:   opts,
		status: Status{State: model.StateIdle},
	}, nil
}

// Status returns the state machine snapshot with live partition counts.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	c.mu.Lock()
	out := c.status
	out.Running = c.running
	c.mu.Unlock()

	if !out.Running && out.RunID == "" {
		// Nothing ran in this process yet; report the last persisted run.
		logs, err := c.opts.Store.ListSyncLogs(ctx, 1)
		if err != nil {
			return out, err
		}
		if len(logs) > 0 {
			last := logs[0]
			out.State = last.State
			out.RunID = last.ID
			out.Outcome = last.Outcome
			out.StartedAtUnixMs = last.StartedAtUnixMs
			out.FinishedAtUnixMs = last.FinishedAtUnixMs
			out.Stats = last.Stats
			out.LastError = last.Error
		}
	}

	ready, blocked, err := c.opts.Store.CountSkills(ctx)
	if err != nil {
		return out, err
	}
	pending, err := c.opts.Store.ListConflicts(ctx, model.ConflictPending)
	if err != nil {
		return out, err
	}
	queued, err := c.opts.Store.CountQueuedResolutions(ctx)
	if err != nil {
		return out, err
	}
	out.ReadyCount = ready
	out.BlockedCount = blocked
	out.PendingConflicts = len(pending)
	out.QueuedResolutions = queued
	return out, nil
}

func (c *Controller) snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.status
	out.Running = c.running
	return out
}

// begin claims the single run slot. A second caller gets ConcurrentRunRejected and the current status.
func (c *Controller) begin(parent context.Context) (context.Context, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil, "", model.NewError(model.ErrCodeConcurrentRunRejected, fmt.Sprintf("run %s is %s", c.status.RunID, c.status.State), nil)
	}
	// A directly applied resolution still in flight finishes before the run starts.
	c.writeMu.Lock()
	c.writeMu.Unlock()
	ctx, cancel := context.WithCancel(parent)
	runID := c.opts.NewID()
	c.running = true
	c.cancel = cancel
	c.status = Status{
		State:           model.StatePulling,
		RunID:           runID,
		StartedAtUnixMs: c.opts.Now().UnixMilli(),
		ExportVersion:   c.status.ExportVersion,
	}
	c.wg.Add(1)
	return ctx, runID, nil
}

// TriggerRun starts a run in the background and returns immediately.
func (c *Controller) TriggerRun() (Status, error) {
	ctx, runID, err := c.begin(context.Background())
	if err != nil {
		return c.snapshot(), err
	}
	go func() {
		defer c.wg.Done()
		_ = c.execute(ctx, runID)
	}()
	return c.snapshot(), nil
}

// Run executes one run synchronously. Cancelling ctx cancels the run.
func (c *Controller) Run(ctx context.Context) (Status, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, runID, err := c.begin(ctx)
	if err != nil {
		return c.snapshot(), err
	}
	defer c.wg.Done()
	err = c.execute(runCtx, runID)
	return c.snapshot(), err
}

// Cancel stops the in-flight run at its next stage boundary. It reports whether a run was active.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || c.cancel == nil {
		return false
	}
	c.cancel()
	return true
}

// Wait blocks until background runs finish or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) setState(s model.SyncState) {
	c.mu.Lock()
	c.status.State = s
	c.mu.Unlock()
	c.log.Debug("sync state", "state", string(s))
}

// execute runs the stages and always leaves the controller idle with the queue drained.
func (c *Controller) execute(ctx context.Context, runID string) error {
	started := c.opts.Now()
	res, err := c.runStages(ctx, runID, started)
	finished := c.opts.Now()

	outcome := res.outcome
	state := res.state
	var errText string
	if err != nil {
		state = model.StateIdle
		outcome = OutcomeFailed
		if errors.Is(err, model.ErrRunCancelled) {
			outcome = OutcomeCancelled
		}
		errText = err.Error()
		c.log.Error("sync run aborted", "run_id", runID, "outcome", outcome, "error", err)
		logEntry := model.SyncLog{
			ID:               runID,
			Outcome:          outcome,
			State:            state,
			Stats:            res.stats,
			Error:            errText,
			StartedAtUnixMs:  started.UnixMilli(),
			FinishedAtUnixMs: finished.UnixMilli(),
		}
		if logErr := c.opts.Store.AppendSyncLog(context.Background(), logEntry); logErr != nil {
			c.log.Error("record sync log failed", "run_id", runID, "error", logErr)
		}
		if c.opts.Events != nil {
			c.opts.Events.RunCompleted(context.Background(), logEntry)
		}
	} else {
		c.log.Info("sync run finished",
			"run_id", runID,
			"state", string(state),
			"ready", res.ready,
			"blocked", res.blocked,
			"sources_failed", len(res.stats.SourcesFailed),
			"duration_ms", finished.Sub(started).Milliseconds(),
		)
	}
	if c.opts.Metrics != nil {
		ready, blocked := res.ready, res.blocked
		if err != nil {
			ready, blocked = -1, -1
		}
		c.opts.Metrics.ObserveRun(outcome, finished.Sub(started), ready, blocked)
	}

	c.mu.Lock()
	c.status.State = state
	c.status.Outcome = outcome
	c.status.Stats = res.stats
	c.status.LastError = errText
	c.status.FinishedAtUnixMs = finished.UnixMilli()
	if res.exportVersion != "" {
		c.status.ExportVersion = res.exportVersion
	}
	c.mu.Unlock()

	c.drainQueue()
	return err
}

// drainQueue applies resolutions queued during the run, then releases the run slot. The slot is
// released under mu only once the queue is observed empty, so nothing can be queued and stranded.
func (c *Controller) drainQueue() {
	ctx := context.Background()
	for {
		c.mu.Lock()
		queued, err := c.opts.Store.TakeQueuedResolutions(ctx)
		if err != nil || len(queued) == 0 {
			if err != nil {
				c.log.Error("read resolution queue failed", "error", err)
			}
			c.running = false
			if c.cancel != nil {
				c.cancel()
				c.cancel = nil
			}
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		for _, q := range queued {
			if _, err := c.applyResolution(ctx, q.ConflictID, q.Resolution); err != nil {
				c.log.Warn("queued resolution rejected", "conflict_id", q.ConflictID, "action", q.Resolution.Action, "error", err)
				continue
			}
			c.log.Info("queued resolution applied", "conflict_id", q.ConflictID, "action", q.Resolution.Action)
		}
	}
}

// Recover applies resolutions left queued by a previous process. Call once before serving.
func (c *Controller) Recover(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()
	n, err := c.opts.Store.CountQueuedResolutions(ctx)
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return err
	}
	if n > 0 {
		c.log.Info("applying resolutions queued before restart", "count", n)
	}
	c.drainQueue()
	return nil
}

// ResolveResult tells the caller whether the resolution was applied or queued behind a run.
type ResolveResult struct {
	Conflict model.Conflict `json:"conflict"`
	Queued   bool           `json:"queued"`
}

// Resolve validates res synchronously. While a run is active the resolution is queued and applied
// when the run reaches IDLE; otherwise it is applied right away.
func (c *Controller) Resolve(ctx context.Context, conflictID string, res model.Resolution) (ResolveResult, error) {
	conflictID = strings.TrimSpace(conflictID)
	c.mu.Lock()
	if c.running {
		defer c.mu.Unlock()
		cf, err := c.opts.Conflicts.Validate(ctx, conflictID, res)
		if err != nil {
			return ResolveResult{}, err
		}
		err = c.opts.Store.EnqueueResolution(ctx, store.QueuedResolution{
			ID:                c.opts.NewID(),
			ConflictID:        cf.ID,
			Resolution:        res,
			SubmittedAtUnixMs: c.opts.Now().UnixMilli(),
		})
		if err != nil {
			return ResolveResult{}, err
		}
		c.log.Info("resolution queued behind active run", "conflict_id", cf.ID, "action", res.Action)
		return ResolveResult{Conflict: cf, Queued: true}, nil
	}
	// writeMu is taken before mu is released, so begin waits for this resolution to land.
	c.writeMu.Lock()
	c.mu.Unlock()
	defer c.writeMu.Unlock()
	cf, err := c.opts.Conflicts.Resolve(ctx, conflictID, res)
	if err != nil {
		return ResolveResult{}, err
	}
	return ResolveResult{Conflict: cf}, nil
}

func (c *Controller) applyResolution(ctx context.Context, conflictID string, res model.Resolution) (model.Conflict, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.opts.Conflicts.Resolve(ctx, conflictID, res)
}
