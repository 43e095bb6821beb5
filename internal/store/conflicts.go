package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/floegence/skillhub/internal/model"
)

const conflictColumns = `id, type, identity, skill_ids_json, skill_hashes_json, status, recommendation_json, resolution_json, created_at_unix_ms, updated_at_unix_ms, resolved_at_unix_ms`

func scanConflict(row rowScanner) (model.Conflict, error) {
	var (
		c                         model.Conflict
		typ, status               string
		idsRaw, hashesRaw         string
		recommendationRaw, resRaw string
	)
	if err := row.Scan(&c.ID, &typ, &c.Identity, &idsRaw, &hashesRaw, &status, &recommendationRaw, &resRaw, &c.CreatedAtUnixMs, &c.UpdatedAtUnixMs, &c.ResolvedAtUnixMs); err != nil {
		return model.Conflict{}, err
	}
	c.Type = model.ConflictType(typ)
	c.Status = model.ConflictStatus(status)
	if err := decodeJSON(idsRaw, &c.SkillIDs); err != nil {
		return model.Conflict{}, err
	}
	if err := decodeJSON(hashesRaw, &c.SkillHashes); err != nil {
		return model.Conflict{}, err
	}
	rec, err := decodeOptional[model.Recommendation](recommendationRaw)
	if err != nil {
		return model.Conflict{}, err
	}
	c.AIRecommendation = rec
	res, err := decodeOptional[model.Resolution](resRaw)
	if err != nil {
		return model.Conflict{}, err
	}
	c.Resolution = res
	return c, nil
}

// ListConflicts returns conflicts, newest first; an empty status lists all of them.
func (s *Store) ListConflicts(ctx context.Context, status model.ConflictStatus) ([]model.Conflict, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}
	q := `SELECT ` + conflictColumns + ` FROM conflicts`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at_unix_ms DESC, id ASC`
	return listConflicts(ctx, s.db, q, args...)
}

func listConflicts(ctx context.Context, q queryer, query string, args ...any) ([]model.Conflict, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetConflict(ctx context.Context, id string) (*model.Conflict, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}
	c, err := scanConflict(s.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, strings.TrimSpace(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// RecordConflict is an idempotent upsert keyed by conflict identity. Recording a collision that
// matches a pending conflict returns the existing record.
func (s *Store) RecordConflict(ctx context.Context, c model.Conflict) (model.Conflict, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return model.Conflict{}, err
	}
	if len(c.SkillIDs) < 2 {
		return model.Conflict{}, model.NewError(model.ErrCodeInvalidRequest, "conflict needs at least two skills", nil)
	}
	c.Identity = model.ConflictIdentity(c.Type, c.SkillIDs)
	if c.Status == "" {
		c.Status = model.ConflictPending
	}
	var out model.Conflict
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		prev, err := scanConflict(tx.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE identity = ? AND status = 'pending'`, c.Identity))
		switch {
		case err == nil:
			out = prev
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}
		if err := upsertConflict(ctx, tx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

func upsertConflict(ctx context.Context, tx *sql.Tx, c model.Conflict) error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("missing conflict id")
	}
	ids, err := encodeJSON(nonNil(c.SkillIDs))
	if err != nil {
		return err
	}
	hashes := c.SkillHashes
	if hashes == nil {
		hashes = map[string]string{}
	}
	hashesRaw, err := encodeJSON(hashes)
	if err != nil {
		return err
	}
	rec, err := encodeOptional(c.AIRecommendation)
	if err != nil {
		return err
	}
	res, err := encodeOptional(c.Resolution)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if c.CreatedAtUnixMs <= 0 {
		c.CreatedAtUnixMs = now
	}
	if c.UpdatedAtUnixMs <= 0 {
		c.UpdatedAtUnixMs = now
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO conflicts(id, type, identity, skill_ids_json, skill_hashes_json, status, recommendation_json, resolution_json, created_at_unix_ms, updated_at_unix_ms, resolved_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  skill_ids_json = excluded.skill_ids_json,
  skill_hashes_json = excluded.skill_hashes_json,
  status = excluded.status,
  recommendation_json = excluded.recommendation_json,
  resolution_json = excluded.resolution_json,
  updated_at_unix_ms = excluded.updated_at_unix_ms,
  resolved_at_unix_ms = excluded.resolved_at_unix_ms
`, c.ID, string(c.Type), c.Identity, ids, hashesRaw, string(c.Status), rec, res, c.CreatedAtUnixMs, c.UpdatedAtUnixMs, c.ResolvedAtUnixMs)
	return err
}

// AttachRecommendation stores advisory input on a pending conflict. It never touches skill status.
func (s *Store) AttachRecommendation(ctx context.Context, conflictID string, rec model.Recommendation) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}
	raw, err := encodeJSON(rec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE conflicts SET recommendation_json = ?, updated_at_unix_ms = ? WHERE id = ? AND status = 'pending'
`, raw, time.Now().UnixMilli(), strings.TrimSpace(conflictID))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewError(model.ErrCodeNotFound, fmt.Sprintf("pending conflict %s not found", conflictID), nil)
	}
	return nil
}

// ResolveOutcome is what a resolution writes besides the conflict itself.
type ResolveOutcome struct {
	Resolution model.Resolution
	Decision   *model.Decision
	// RetireSkillIDs are removed immediately.
	RetireSkillIDs []string
}

// ResolveFunc validates a resolution against the current conflict and its member skills.
type ResolveFunc func(c model.Conflict, members []model.Skill, sources []model.Source) (ResolveOutcome, error)

// ResolveConflict loads the conflict, lets decide validate it and writes the outcome in one
// transaction. A conflict that is no longer pending is rejected with InvalidResolution.
func (s *Store) ResolveConflict(ctx context.Context, conflictID string, decide ResolveFunc) (model.Conflict, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return model.Conflict{}, err
	}
	if decide == nil {
		return model.Conflict{}, errors.New("missing resolve func")
	}
	conflictID = strings.TrimSpace(conflictID)
	var out model.Conflict
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := scanConflict(tx.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, conflictID))
		if errors.Is(err, sql.ErrNoRows) {
			return model.NewError(model.ErrCodeNotFound, fmt.Sprintf("conflict %s not found", conflictID), nil)
		}
		if err != nil {
			return err
		}
		if c.Status != model.ConflictPending {
			return model.NewError(model.ErrCodeInvalidResolution, fmt.Sprintf("conflict %s is already resolved", c.ID), nil)
		}
		members, err := skillsByID(ctx, tx, c.SkillIDs)
		if err != nil {
			return err
		}
		sources, err := listSourcesTx(ctx, tx)
		if err != nil {
			return err
		}
		outcome, err := decide(c, members, sources)
		if err != nil {
			return err
		}
		now := time.Now().UnixMilli()
		res := outcome.Resolution
		c.Status = model.ConflictResolved
		c.Resolution = &res
		c.ResolvedAtUnixMs = now
		c.UpdatedAtUnixMs = now
		if err := upsertConflict(ctx, tx, c); err != nil {
			return err
		}
		if outcome.Decision != nil {
			d := *outcome.Decision
			d.ConflictID = c.ID
			d.ConflictType = c.Type
			if d.CreatedAtUnixMs <= 0 {
				d.CreatedAtUnixMs = now
			}
			if err := insertDecision(ctx, tx, d); err != nil {
				return err
			}
		}
		if err := deleteSkills(ctx, tx, outcome.RetireSkillIDs); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

func skillsByID(ctx context.Context, tx *sql.Tx, ids []string) ([]model.Skill, error) {
	out := make([]model.Skill, 0, len(ids))
	for _, id := range ids {
		sk, err := scanSkill(tx.QueryRowContext(ctx, `SELECT `+skillColumns+` FROM skills WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sk)
	}
	return out, nil
}

func listSourcesTx(ctx context.Context, tx *sql.Tx) ([]model.Source, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY priority DESC, created_at_unix_ms ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// clearConflictsTouching auto-clears pending conflicts that reference any of the removed skills.
func clearConflictsTouching(ctx context.Context, tx *sql.Tx, removed []string, now int64) error {
	if len(removed) == 0 {
		return nil
	}
	gone := make(map[string]struct{}, len(removed))
	for _, id := range removed {
		gone[id] = struct{}{}
	}
	pending, err := listConflicts(ctx, tx, `SELECT `+conflictColumns+` FROM conflicts WHERE status = 'pending'`)
	if err != nil {
		return err
	}
	for _, c := range pending {
		hit := false
		for _, id := range c.SkillIDs {
			if _, ok := gone[id]; ok {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		c.Status = model.ConflictResolved
		c.Resolution = &model.Resolution{Action: model.ActionAutoCleared}
		c.ResolvedAtUnixMs = now
		c.UpdatedAtUnixMs = now
		if err := upsertConflict(ctx, tx, c); err != nil {
			return err
		}
	}
	return nil
}

func insertDecision(ctx context.Context, tx *sql.Tx, d model.Decision) error {
	members, err := encodeJSON(nonNil(d.Members))
	if err != nil {
		return err
	}
	res, err := encodeJSON(d.Resolution)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO decisions(id, conflict_id, conflict_type, members_json, resolution_json, primary_source_id, primary_path, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
`, d.ID, d.ConflictID, string(d.ConflictType), members, res, d.PrimaryKey.SourceID, d.PrimaryKey.Path, d.CreatedAtUnixMs)
	return err
}

// ListDecisions returns replayable decisions, oldest first.
func (s *Store) ListDecisions(ctx context.Context) ([]model.Decision, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, conflict_id, conflict_type, members_json, resolution_json, primary_source_id, primary_path, created_at_unix_ms
FROM decisions
ORDER BY created_at_unix_ms ASC, id ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Decision
	for rows.Next() {
		var (
			d                  model.Decision
			typ                string
			membersRaw, resRaw string
		)
		if err := rows.Scan(&d.ID, &d.ConflictID, &typ, &membersRaw, &resRaw, &d.PrimaryKey.SourceID, &d.PrimaryKey.Path, &d.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		d.ConflictType = model.ConflictType(typ)
		if err := decodeJSON(membersRaw, &d.Members); err != nil {
			return nil, err
		}
		if err := decodeJSON(resRaw, &d.Resolution); err != nil {
			return nil, err
		}
		sort.Slice(d.Members, func(i, j int) bool { return d.Members[i].SkillID < d.Members[j].SkillID })
		out = append(out, d)
	}
	return out, rows.Err()
}

// QueuedResolution is a resolution submitted while a run was in flight.
type QueuedResolution struct {
	ID                string           `json:"id"`
	ConflictID        string           `json:"conflict_id"`
	Resolution        model.Resolution `json:"resolution"`
	SubmittedAtUnixMs int64            `json:"submitted_at_unix_ms"`
}

func (s *Store) EnqueueResolution(ctx context.Context, q QueuedResolution) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}
	raw, err := encodeJSON(q.Resolution)
	if err != nil {
		return err
	}
	if q.SubmittedAtUnixMs <= 0 {
		q.SubmittedAtUnixMs = time.Now().UnixMilli()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO resolution_queue(id, conflict_id, resolution_json, submitted_at_unix_ms) VALUES(?, ?, ?, ?)
`, q.ID, q.ConflictID, raw, q.SubmittedAtUnixMs)
	return err
}

// TakeQueuedResolutions removes and returns the queue in submission order.
func (s *Store) TakeQueuedResolutions(ctx context.Context) ([]QueuedResolution, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}
	var out []QueuedResolution
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT id, conflict_id, resolution_json, submitted_at_unix_ms FROM resolution_queue ORDER BY submitted_at_unix_ms ASC, id ASC
`)
		if err != nil {
			return err
		}
		for rows.Next() {
			var (
				q   QueuedResolution
				raw string
			)
			if err := rows.Scan(&q.ID, &q.ConflictID, &raw, &q.SubmittedAtUnixMs); err != nil {
				_ = rows.Close()
				return err
			}
			if err := decodeJSON(raw, &q.Resolution); err != nil {
				_ = rows.Close()
				return err
			}
			out = append(out, q)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		if err := rows.Close(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM resolution_queue`)
		return err
	})
	return out, err
}

func (s *Store) CountQueuedResolutions(ctx context.Context) (int, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM resolution_queue`).Scan(&n)
	return n, err
}
