package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/floegence/skillhub/internal/advisor"
	"github.com/floegence/skillhub/internal/analyze"
	"github.com/floegence/skillhub/internal/fetch"
	"github.com/floegence/skillhub/internal/merge"
	"github.com/floegence/skillhub/internal/model"
	"github.com/floegence/skillhub/internal/normalize"
	"github.com/floegence/skillhub/internal/store"
	"golang.org/x/sync/errgroup"
)

type runResult struct {
	state         model.SyncState
	outcome       string
	stats         model.RunStats
	ready         int
	blocked       int
	exportVersion string
}

type fetched struct {
	source model.Source
	result fetch.Result
	err    error
}

func cancelled(ctx context.Context, stage model.SyncState) error {
	if ctx.Err() == nil {
		return nil
	}
	return model.NewError(model.ErrCodeRunCancelled, fmt.Sprintf("run cancelled before %s", stage), ctx.Err())
}

func (c *Controller) runStages(ctx context.Context, runID string, started time.Time) (runResult, error) {
	var res runResult

	// PULLING
	sources, err := c.opts.Registry.List(ctx)
	if err != nil {
		if cerr := cancelled(ctx, model.StatePulling); cerr != nil {
			return res, cerr
		}
		return res, model.NewError(model.ErrCodeFatalRegistry, "read source registry", err)
	}
	res.stats.SourcesTotal = len(sources)
	results := c.pull(ctx, sources)
	if err := cancelled(ctx, model.StateAnalyzing); err != nil {
		return res, err
	}

	var (
		candidates []normalize.Normalized
		syncs      []store.SourceSync
		bySource   = make(map[string]model.Source, len(sources))
	)
	for _, src := range sources {
		bySource[src.ID] = src
	}
	for _, f := range results {
		if f.err != nil {
			res.stats.SourcesFailed = append(res.stats.SourcesFailed, f.source.Name)
			c.log.Warn("source unavailable", "run_id", runID, "source", f.source.Name, "error", f.err)
			if c.opts.Metrics != nil {
				c.opts.Metrics.SourceFetchFailed(f.source.Name)
			}
			continue
		}
		res.stats.Filtered += f.result.Filtered
		count := 0
		for _, cand := range f.result.Candidates {
			n, err := normalize.Normalize(cand)
			if err != nil {
				res.stats.Malformed++
				c.log.Warn("skipping malformed candidate", "run_id", runID, "source", f.source.Name, "path", cand.Path, "error", err)
				continue
			}
			candidates = append(candidates, n)
			count++
		}
		syncs = append(syncs, store.SourceSync{
			SourceID:   f.source.ID,
			Commit:     f.result.Commit,
			SkillCount: count,
			SyncedAt:   c.opts.Now().UnixMilli(),
		})
	}
	res.stats.Candidates = len(candidates)
	if len(sources) > 0 && len(res.stats.SourcesFailed) == len(sources) {
		return res, model.NewError(model.ErrCodeFatalRegistry, "every configured source is unavailable", nil)
	}

	// ANALYZING
	c.setState(model.StateAnalyzing)
	decisions, err := c.opts.Store.ListDecisions(ctx)
	if err != nil {
		if cerr := cancelled(ctx, model.StateAnalyzing); cerr != nil {
			return res, cerr
		}
		return res, model.NewError(model.ErrCodeFatalRegistry, "read decisions", err)
	}
	// Merged content replaces its members during MERGING; analyze it now under its own hash.
	rewritten := merge.Rewritten(merge.Input{Sources: sources, Candidates: candidates, Decisions: decisions})
	toAnalyze := append(append([]normalize.Normalized(nil), candidates...), rewritten...)
	analyses, fresh, err := c.analyzeCandidates(ctx, runID, toAnalyze, bySource, &res.stats)
	if err != nil {
		return res, err
	}
	if err := cancelled(ctx, model.StateMerging); err != nil {
		return res, err
	}

	// MERGING
	c.setState(model.StateMerging)
	plan, err := c.mergeAndCommit(ctx, runID, started, candidates, analyses, fresh, syncs, &res)
	if err != nil {
		return res, err
	}

	c.adviseNewConflicts(ctx, plan)
	if c.opts.Events != nil {
		for _, cf := range plan.Conflicts {
			if containsString(plan.NewConflictIDs, cf.ID) {
				c.opts.Events.ConflictDetected(ctx, cf)
			}
		}
	}
	if c.opts.Publisher != nil {
		ready := make([]model.Skill, 0, plan.Stats.Ready)
		for _, s := range plan.Skills {
			if s.Status == model.StatusReady {
				ready = append(ready, s)
			}
		}
		version, err := c.opts.Publisher.Publish(context.Background(), ready, sources)
		if err != nil {
			c.log.Error("export failed", "run_id", runID, "error", err)
		} else {
			res.exportVersion = version
		}
	}
	return res, nil
}

// pull fetches every source with bounded concurrency. One source failing never affects another.
func (c *Controller) pull(ctx context.Context, sources []model.Source) []fetched {
	out := make([]fetched, len(sources))
	g := new(errgroup.Group)
	g.SetLimit(c.opts.FetchConcurrency)
	for i, src := range sources {
		out[i].source = src
		g.Go(func() error {
			if ctx.Err() != nil {
				out[i].err = ctx.Err()
				return nil
			}
			r, err := c.opts.Fetcher.Fetch(ctx, src)
			out[i].result = r
			out[i].err = err
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// analyzeCandidates returns analyses for every candidate hash it could resolve, and separately the
// ones produced in this run so the commit can cache them.
func (c *Controller) analyzeCandidates(ctx context.Context, runID string, candidates []normalize.Normalized, sources map[string]model.Source, stats *model.RunStats) (map[string]*model.Analysis, map[string]*model.Analysis, error) {
	firstByHash := map[string]normalize.Normalized{}
	hashes := make([]string, 0, len(candidates))
	for _, n := range candidates {
		if _, ok := firstByHash[n.ContentHash]; ok {
			continue
		}
		firstByHash[n.ContentHash] = n
		hashes = append(hashes, n.ContentHash)
	}
	sort.Strings(hashes)

	known, err := c.opts.Store.GetAnalyses(ctx, hashes)
	if err != nil {
		if cerr := cancelled(ctx, model.StateAnalyzing); cerr != nil {
			return nil, nil, cerr
		}
		return nil, nil, model.NewError(model.ErrCodeFatalRegistry, "read analysis cache", err)
	}
	analyses := make(map[string]*model.Analysis, len(hashes))
	for h, a := range known {
		analyses[h] = a
	}
	fresh := map[string]*model.Analysis{}
	if c.opts.Analyzer == nil || !c.opts.Analyzer.Available() {
		return analyses, fresh, nil
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(c.opts.AnalysisConcurrency)
	for _, h := range hashes {
		if analyses[h] != nil {
			continue
		}
		n := firstByHash[h]
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			callCtx, cancel := context.WithTimeout(ctx, c.opts.AnalysisTimeout)
			defer cancel()
			files := make([]string, 0, len(n.Candidate.Files))
			for _, f := range n.Candidate.Files {
				files = append(files, f.Path)
			}
			a, err := c.opts.Analyzer.Analyze(callCtx, analyze.Input{
				SourceName:  sources[n.Candidate.SourceID].Name,
				Name:        n.Candidate.Name,
				Path:        n.Candidate.Path,
				Content:     string(n.Candidate.RawContent),
				ContentHash: h,
				FileNames:   files,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil || a == nil {
				stats.AnalysisFailed++
				c.recordAnalysis("failed")
				c.log.Warn("analysis unavailable", "run_id", runID, "skill", n.Candidate.Name, "hash", h, "error", err)
				return nil
			}
			stats.Analyzed++
			c.recordAnalysis("ok")
			fresh[h] = a
			return nil
		})
	}
	_ = g.Wait()
	for h, a := range fresh {
		analyses[h] = a
	}
	return analyses, fresh, nil
}

func (c *Controller) recordAnalysis(outcome string) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.AnalysisCall(outcome)
	}
}

// mergeAndCommit holds the write lock from reading the previous state until the commit lands.
func (c *Controller) mergeAndCommit(ctx context.Context, runID string, started time.Time, candidates []normalize.Normalized, analyses map[string]*model.Analysis, fresh map[string]*model.Analysis, syncs []store.SourceSync, res *runResult) (merge.Plan, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	prev, err := c.opts.Store.LoadState(ctx)
	if err != nil {
		if cerr := cancelled(ctx, model.StateMerging); cerr != nil {
			return merge.Plan{}, cerr
		}
		return merge.Plan{}, model.NewError(model.ErrCodeFatalRegistry, "load previous state", err)
	}
	now := c.opts.Now()
	plan := merge.Merge(merge.Input{
		Sources:    prev.Sources,
		Candidates: candidates,
		Existing:   prev.Skills,
		Pending:    prev.Pending,
		Decisions:  prev.Decisions,
		Analyses:   analyses,
		Matcher:    c.opts.Matcher,
		NowUnixMs:  now.UnixMilli(),
		NewID:      c.opts.NewID,
	})

	res.ready = plan.Stats.Ready
	res.blocked = plan.Stats.Blocked
	res.stats.ConflictsNew = plan.Stats.NewConflicts
	res.stats.ConflictsCleared = plan.Stats.Cleared
	res.stats.DecisionsApplied = plan.Stats.DecisionsApplied
	res.stats.Retired = plan.Stats.Retired
	res.state = model.StateReady
	res.outcome = OutcomeReady
	if len(plan.Conflicts) > 0 {
		res.state = model.StatePartialReady
		res.outcome = OutcomePartialReady
	}

	if err := cancelled(ctx, model.StateMerging); err != nil {
		return merge.Plan{}, err
	}
	err = c.opts.Store.CommitRun(context.Background(), store.RunCommit{
		Skills:    plan.Skills,
		Deleted:   plan.Deleted,
		Conflicts: plan.Conflicts,
		Cleared:   plan.Cleared,
		Sources:   syncs,
		Analyses:  fresh,
		Provider:  c.opts.Provider,
		Log: model.SyncLog{
			ID:               runID,
			Outcome:          res.outcome,
			State:            res.state,
			ReadyCount:       res.ready,
			BlockedCount:     res.blocked,
			Stats:            res.stats,
			StartedAtUnixMs:  started.UnixMilli(),
			FinishedAtUnixMs: now.UnixMilli(),
		},
	})
	if err != nil {
		return merge.Plan{}, model.NewError(model.ErrCodeFatalRegistry, "commit run", err)
	}
	if c.opts.Events != nil {
		c.opts.Events.RunCompleted(ctx, model.SyncLog{
			ID:               runID,
			Outcome:          res.outcome,
			State:            res.state,
			ReadyCount:       res.ready,
			BlockedCount:     res.blocked,
			Stats:            res.stats,
			StartedAtUnixMs:  started.UnixMilli(),
			FinishedAtUnixMs: now.UnixMilli(),
		})
	}
	return plan, nil
}

// adviseNewConflicts attaches advisory recommendations to conflicts first seen in this run.
// Failures only cost the recommendation.
func (c *Controller) adviseNewConflicts(ctx context.Context, plan merge.Plan) {
	if c.opts.Advisor == nil || !c.opts.Advisor.Available() || len(plan.NewConflictIDs) == 0 || ctx.Err() != nil {
		return
	}
	sources, err := c.opts.Store.ListSources(ctx)
	if err != nil {
		c.log.Warn("advisor skipped", "error", err)
		return
	}
	bySource := make(map[string]model.Source, len(sources))
	for _, s := range sources {
		bySource[s.ID] = s
	}
	skills := make(map[string]model.Skill, len(plan.Skills))
	for _, s := range plan.Skills {
		skills[s.ID] = s
	}

	g := new(errgroup.Group)
	g.SetLimit(c.opts.AnalysisConcurrency)
	for _, cf := range plan.Conflicts {
		if !containsString(plan.NewConflictIDs, cf.ID) {
			continue
		}
		members := make([]advisor.Member, 0, len(cf.SkillIDs))
		for _, id := range cf.SkillIDs {
			s, ok := skills[id]
			if !ok {
				continue
			}
			files := make([]string, 0, len(s.Files))
			for _, f := range s.Files {
				files = append(files, f.Path)
			}
			members = append(members, advisor.Member{Skill: s, Source: bySource[s.SourceID], FileList: files})
		}
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, c.opts.AdvisorTimeout)
			defer cancel()
			rec, err := c.opts.Advisor.Recommend(callCtx, cf, members)
			if err != nil {
				c.log.Warn("advisor unavailable", "conflict_id", cf.ID, "error", err)
				return nil
			}
			if err := c.opts.Conflicts.AttachRecommendation(context.Background(), cf.ID, rec); err != nil {
				c.log.Warn("attach recommendation failed", "conflict_id", cf.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
