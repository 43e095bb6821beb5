package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/floegence/skillhub/internal/model"
)

// State is the persisted input of a merge run.
type State struct {
	Sources   []model.Source
	Skills    []model.Skill
	Pending   []model.Conflict
	Decisions []model.Decision
}

// LoadState reads everything the merge engine needs in one read transaction.
func (s *Store) LoadState(ctx context.Context) (State, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return State{}, err
	}
	var st State
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if st.Sources, err = listSourcesTx(ctx, tx); err != nil {
			return err
		}
		if st.Skills, err = listSkills(ctx, tx, `SELECT `+skillColumns+` FROM skills ORDER BY id ASC`); err != nil {
			return err
		}
		if st.Pending, err = listConflicts(ctx, tx, `SELECT `+conflictColumns+` FROM conflicts WHERE status = 'pending' ORDER BY created_at_unix_ms ASC, id ASC`); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return State{}, err
	}
	st.Decisions, err = s.ListDecisions(ctx)
	if err != nil {
		return State{}, err
	}
	return st, nil
}

// RunCommit is everything one successful run writes.
type RunCommit struct {
	Skills    []model.Skill
	Deleted   []string
	Conflicts []model.Conflict
	Cleared   []model.Conflict
	Sources   []SourceSync
	// Analyses are fresh results to cache by content hash.
	Analyses map[string]*model.Analysis
	Provider string
	Log      model.SyncLog
}

// CommitRun applies a run's result atomically. Either every row lands or none does.
func (s *Store) CommitRun(ctx context.Context, c RunCommit) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, u := range c.Sources {
			if err := updateSourceSync(ctx, tx, u); err != nil {
				return err
			}
		}
		for hash, a := range c.Analyses {
			if err := putAnalysis(ctx, tx, hash, a, c.Provider); err != nil {
				return err
			}
		}
		if err := deleteSkills(ctx, tx, c.Deleted); err != nil {
			return err
		}
		for _, sk := range c.Skills {
			if err := upsertSkill(ctx, tx, sk); err != nil {
				return err
			}
		}
		// Cleared first so a reopened identity does not collide with the pending unique index.
		for _, cf := range c.Cleared {
			if err := upsertConflict(ctx, tx, cf); err != nil {
				return err
			}
		}
		for _, cf := range c.Conflicts {
			if err := upsertConflict(ctx, tx, cf); err != nil {
				return err
			}
		}
		if strings.TrimSpace(c.Log.ID) != "" {
			return insertSyncLog(ctx, tx, c.Log)
		}
		return nil
	})
}

// AppendSyncLog records a run that did not commit.
func (s *Store) AppendSyncLog(ctx context.Context, l model.SyncLog) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertSyncLog(ctx, tx, l)
	})
}

func insertSyncLog(ctx context.Context, tx *sql.Tx, l model.SyncLog) error {
	stats, err := encodeJSON(l.Stats)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO sync_logs(id, outcome, state, ready_count, blocked_count, stats_json, error, started_at_unix_ms, finished_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
`, l.ID, l.Outcome, string(l.State), l.ReadyCount, l.BlockedCount, stats, l.Error, l.StartedAtUnixMs, l.FinishedAtUnixMs)
	return err
}

// ListSyncLogs returns the most recent runs first.
func (s *Store) ListSyncLogs(ctx context.Context, limit int) ([]model.SyncLog, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, outcome, state, ready_count, blocked_count, stats_json, error, started_at_unix_ms, finished_at_unix_ms
FROM sync_logs
ORDER BY finished_at_unix_ms DESC, id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SyncLog
	for rows.Next() {
		var (
			l        model.SyncLog
			state    string
			statsRaw string
		)
		if err := rows.Scan(&l.ID, &l.Outcome, &state, &l.ReadyCount, &l.BlockedCount, &statsRaw, &l.Error, &l.StartedAtUnixMs, &l.FinishedAtUnixMs); err != nil {
			return nil, err
		}
		l.State = model.SyncState(state)
		if err := decodeJSON(statsRaw, &l.Stats); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
