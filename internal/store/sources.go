package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/floegence/skillhub/internal/model"
)

const sourceColumns = `id, name, url, sub_path, ref, priority, access_token, last_commit, last_sync_at_unix_ms, skill_count, created_at_unix_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (model.Source, error) {
	var s model.Source
	err := row.Scan(&s.ID, &s.Name, &s.URL, &s.SubPath, &s.Ref, &s.Priority, &s.AccessToken, &s.LastCommit, &s.LastSyncAtUnixMs, &s.SkillCount, &s.CreatedAtUnixMs)
	return s, err
}

// CreateSource inserts a new source. Names are unique.
func (s *Store) CreateSource(ctx context.Context, src model.Source) (model.Source, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return model.Source{}, err
	}
	src.ID = strings.TrimSpace(src.ID)
	src.Name = strings.TrimSpace(src.Name)
	src.URL = strings.TrimSpace(src.URL)
	if src.ID == "" || src.Name == "" || src.URL == "" {
		return model.Source{}, model.NewError(model.ErrCodeInvalidRequest, "source requires id, name and url", nil)
	}
	now := time.Now().UnixMilli()
	if src.CreatedAtUnixMs <= 0 {
		src.CreatedAtUnixMs = now
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO sources(id, name, url, sub_path, ref, priority, access_token, last_commit, last_sync_at_unix_ms, skill_count, created_at_unix_ms, updated_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, '', 0, 0, ?, ?)
`, src.ID, src.Name, src.URL, strings.TrimSpace(src.SubPath), strings.TrimSpace(src.Ref), src.Priority, strings.TrimSpace(src.AccessToken), src.CreatedAtUnixMs, now)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Source{}, model.NewError(model.ErrCodeInvalidRequest, fmt.Sprintf("source %q already exists", src.Name), nil)
		}
		return model.Source{}, err
	}
	return src, nil
}

// UpdateSource rewrites the admin-owned fields of a source.
func (s *Store) UpdateSource(ctx context.Context, src model.Source) (model.Source, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return model.Source{}, err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE sources
SET name = ?, url = ?, sub_path = ?, ref = ?, priority = ?, access_token = ?, updated_at_unix_ms = ?
WHERE id = ?
`, strings.TrimSpace(src.Name), strings.TrimSpace(src.URL), strings.TrimSpace(src.SubPath), strings.TrimSpace(src.Ref), src.Priority, strings.TrimSpace(src.AccessToken), time.Now().UnixMilli(), strings.TrimSpace(src.ID))
	if err != nil {
		if isUniqueViolation(err) {
			return model.Source{}, model.NewError(model.ErrCodeInvalidRequest, fmt.Sprintf("source %q already exists", src.Name), nil)
		}
		return model.Source{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Source{}, model.NewError(model.ErrCodeNotFound, fmt.Sprintf("source %s not found", src.ID), nil)
	}
	out, err := s.GetSource(ctx, src.ID)
	if err != nil {
		return model.Source{}, err
	}
	return *out, nil
}

// DeleteSource removes a source and the skills it owns. Pending conflicts that referenced those
// skills are auto-cleared; the surviving members are re-evaluated by the next run.
func (s *Store) DeleteSource(ctx context.Context, id string) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.NewError(model.ErrCodeNotFound, fmt.Sprintf("source %s not found", id), nil)
		}
		removed, err := queryStrings(ctx, tx, `SELECT id FROM skills WHERE source_id = ?`, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM skills WHERE source_id = ?`, id); err != nil {
			return err
		}
		return clearConflictsTouching(ctx, tx, removed, time.Now().UnixMilli())
	})
}

func (s *Store) GetSource(ctx context.Context, id string) (*model.Source, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}
	src, err := scanSource(s.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = ?`, strings.TrimSpace(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &src, nil
}

func (s *Store) GetSourceByName(ctx context.Context, name string) (*model.Source, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}
	src, err := scanSource(s.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE name = ?`, strings.TrimSpace(name)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &src, nil
}

// ListSources returns sources in priority order.
func (s *Store) ListSources(ctx context.Context) ([]model.Source, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY priority DESC, created_at_unix_ms ASC, id ASC`)
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

// SourceSync is the fetch metadata written for a source that was pulled successfully.
type SourceSync struct {
	SourceID   string
	Commit     string
	SkillCount int
	SyncedAt   int64
}

func updateSourceSync(ctx context.Context, tx *sql.Tx, u SourceSync) error {
	_, err := tx.ExecContext(ctx, `
UPDATE sources SET last_commit = ?, last_sync_at_unix_ms = ?, skill_count = ? WHERE id = ?
`, strings.TrimSpace(u.Commit), u.SyncedAt, u.SkillCount, u.SourceID)
	return err
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryStrings(ctx context.Context, q queryer, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
