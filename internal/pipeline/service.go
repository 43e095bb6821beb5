package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/floegence/skillhub/internal/model"
	"github.com/floegence/skillhub/internal/registry"
)

func (c *Controller) ListSkills(ctx context.Context, status model.SkillStatus) ([]model.Skill, error) {
	if status != "" && !status.Valid() {
		return nil, model.NewError(model.ErrCodeInvalidRequest, fmt.Sprintf("unknown skill status %q", status), nil)
	}
	return c.opts.Store.ListSkills(ctx, status)
}

func (c *Controller) GetSkill(ctx context.Context, id string) (model.Skill, error) {
	s, err := c.opts.Store.GetSkill(ctx, strings.TrimSpace(id))
	if err != nil {
		return model.Skill{}, err
	}
	if s == nil {
		return model.Skill{}, model.NewError(model.ErrCodeNotFound, fmt.Sprintf("skill %s not found", id), nil)
	}
	return *s, nil
}

func (c *Controller) ListConflicts(ctx context.Context, status model.ConflictStatus) ([]model.Conflict, error) {
	return c.opts.Conflicts.List(ctx, status)
}

func (c *Controller) GetConflict(ctx context.Context, id string) (model.Conflict, error) {
	return c.opts.Conflicts.Get(ctx, strings.TrimSpace(id))
}

func (c *Controller) History(ctx context.Context, limit int) ([]model.SyncLog, error) {
	return c.opts.Store.ListSyncLogs(ctx, limit)
}

func (c *Controller) ListSources(ctx context.Context) ([]model.Source, error) {
	return c.opts.Registry.List(ctx)
}

func (c *Controller) GetSource(ctx context.Context, id string) (model.Source, error) {
	return c.opts.Registry.Get(ctx, id)
}

// AddSource registers a source. Changes take effect on the next run.
func (c *Controller) AddSource(ctx context.Context, src model.Source) (model.Source, error) {
	return c.opts.Registry.Add(ctx, src)
}

func (c *Controller) UpdateSource(ctx context.Context, id string, patch registry.Patch) (model.Source, error) {
	return c.opts.Registry.Update(ctx, id, patch)
}

// SeedSources upserts configured sources by name.
func (c *Controller) SeedSources(ctx context.Context, seeds []model.Source) (registry.SeedResult, error) {
	return c.opts.Registry.Seed(ctx, seeds)
}

// RemoveSource deletes a source with its skills. Pending conflicts that lose a member are cleared.
func (c *Controller) RemoveSource(ctx context.Context, id string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.opts.Registry.Remove(ctx, id)
}
