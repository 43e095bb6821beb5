package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/floegence/skillhub/internal/model"
)

const skillColumns = `id, source_id, name, identity_key, path, content_hash, status, content, files_json, mirrors_json, analysis_json, created_at_unix_ms, updated_at_unix_ms`

func scanSkill(row rowScanner) (model.Skill, error) {
	var (
		s                               model.Skill
		status                          string
		filesRaw, mirrorsRaw, analysisR string
	)
	if err := row.Scan(&s.ID, &s.SourceID, &s.Name, &s.IdentityKey, &s.Path, &s.ContentHash, &status, &s.Content, &filesRaw, &mirrorsRaw, &analysisR, &s.CreatedAtUnixMs, &s.UpdatedAtUnixMs); err != nil {
		return model.Skill{}, err
	}
	s.Status = model.SkillStatus(status)
	if err := decodeJSON(filesRaw, &s.Files); err != nil {
		return model.Skill{}, err
	}
	if err := decodeJSON(mirrorsRaw, &s.Mirrors); err != nil {
		return model.Skill{}, err
	}
	a, err := decodeOptional[model.Analysis](analysisR)
	if err != nil {
		return model.Skill{}, err
	}
	s.Analysis = a
	return s, nil
}

// ListSkills returns skills ordered by identity key; an empty status lists all of them.
func (s *Store) ListSkills(ctx context.Context, status model.SkillStatus) ([]model.Skill, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}
	q := `SELECT ` + skillColumns + ` FROM skills`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY identity_key ASC, id ASC`
	return listSkills(ctx, s.db, q, args...)
}

func listSkills(ctx context.Context, q queryer, query string, args ...any) ([]model.Skill, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Skill
	for rows.Next() {
		sk, err := scanSkill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sk)
	}
	return out, rows.Err()
}

func (s *Store) GetSkill(ctx context.Context, id string) (*model.Skill, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}
	sk, err := scanSkill(s.db.QueryRowContext(ctx, `SELECT `+skillColumns+` FROM skills WHERE id = ?`, strings.TrimSpace(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sk, nil
}

// CountSkills returns the ready and blocked totals.
func (s *Store) CountSkills(ctx context.Context) (ready int, blocked int, err error) {
	ctx, err = s.ready(ctx)
	if err != nil {
		return 0, 0, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM skills GROUP BY status`)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return 0, 0, err
		}
		switch model.SkillStatus(status) {
		case model.StatusReady:
			ready = n
		case model.StatusBlocked:
			blocked = n
		}
	}
	return ready, blocked, rows.Err()
}

func upsertSkill(ctx context.Context, tx *sql.Tx, sk model.Skill) error {
	files, err := encodeJSON(nonNil(sk.Files))
	if err != nil {
		return err
	}
	mirrors, err := encodeJSON(nonNil(sk.Mirrors))
	if err != nil {
		return err
	}
	analysis, err := encodeOptional(sk.Analysis)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO skills(id, source_id, name, identity_key, path, content_hash, status, content, files_json, mirrors_json, analysis_json, created_at_unix_ms, updated_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  name = excluded.name,
  identity_key = excluded.identity_key,
  content_hash = excluded.content_hash,
  status = excluded.status,
  content = excluded.content,
  files_json = excluded.files_json,
  mirrors_json = excluded.mirrors_json,
  analysis_json = excluded.analysis_json,
  updated_at_unix_ms = excluded.updated_at_unix_ms
`, sk.ID, sk.SourceID, sk.Name, sk.IdentityKey, sk.Path, sk.ContentHash, string(sk.Status), sk.Content, files, mirrors, analysis, sk.CreatedAtUnixMs, sk.UpdatedAtUnixMs)
	return err
}

func deleteSkills(ctx context.Context, tx *sql.Tx, ids []string) error {
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM skills WHERE id = ?`, id); err != nil {
			return err
		}
	}
	return nil
}

// GetAnalyses returns cached analyses for the given content hashes.
func (s *Store) GetAnalyses(ctx context.Context, hashes []string) (map[string]*model.Analysis, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*model.Analysis, len(hashes))
	for _, h := range hashes {
		var raw string
		err := s.db.QueryRowContext(ctx, `SELECT analysis_json FROM skill_analyses WHERE content_hash = ?`, h).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		a, err := decodeOptional[model.Analysis](raw)
		if err != nil {
			return nil, err
		}
		if a != nil {
			out[h] = a
		}
	}
	return out, nil
}

func putAnalysis(ctx context.Context, tx *sql.Tx, hash string, a *model.Analysis, provider string) error {
	raw, err := encodeOptional(a)
	if err != nil || raw == "" {
		return err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO skill_analyses(content_hash, analysis_json, provider, created_at_unix_ms)
VALUES(?, ?, ?, ?)
ON CONFLICT(content_hash) DO UPDATE SET analysis_json = excluded.analysis_json, provider = excluded.provider
`, hash, raw, provider, time.Now().UnixMilli())
	return err
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
