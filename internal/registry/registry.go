// Package registry owns the set of configured skill sources. Edits apply to the next run.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/floegence/skillhub/internal/model"
	"github.com/floegence/skillhub/internal/store"
	"github.com/google/uuid"
)

type Options struct {
	Logger *slog.Logger
	Store  *store.Store
	Now    func() time.Time
	NewID  func() string
}

type Registry struct {
	log  *slog.Logger
	opts Options
}

func New(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Registry{log: opts.Logger, opts: opts}
}

// List returns sources in priority order.
func (r *Registry) List(ctx context.Context) ([]model.Source, error) {
	return r.opts.Store.ListSources(ctx)
}

func (r *Registry) Get(ctx context.Context, id string) (model.Source, error) {
	src, err := r.opts.Store.GetSource(ctx, strings.TrimSpace(id))
	if err != nil {
		return model.Source{}, err
	}
	if src == nil {
		return model.Source{}, model.NewError(model.ErrCodeNotFound, fmt.Sprintf("source %s not found", id), nil)
	}
	return *src, nil
}

func validate(src model.Source) error {
	if src.Name == "" || src.URL == "" {
		return model.NewError(model.ErrCodeInvalidRequest, "source name and url are required", nil)
	}
	if strings.ContainsAny(src.Name, "/\\") {
		return model.NewError(model.ErrCodeInvalidRequest, fmt.Sprintf("source name %q must not contain path separators", src.Name), nil)
	}
	return nil
}

func trimSource(src model.Source) model.Source {
	src.Name = strings.TrimSpace(src.Name)
	src.URL = strings.TrimSpace(src.URL)
	src.SubPath = strings.TrimSpace(src.SubPath)
	src.Ref = strings.TrimSpace(src.Ref)
	src.AccessToken = strings.TrimSpace(src.AccessToken)
	return src
}

func (r *Registry) Add(ctx context.Context, src model.Source) (model.Source, error) {
	src = trimSource(src)
	if err := validate(src); err != nil {
		return model.Source{}, err
	}
	if strings.TrimSpace(src.ID) == "" {
		src.ID = r.opts.NewID()
	}
	src.CreatedAtUnixMs = r.opts.Now().UnixMilli()
	out, err := r.opts.Store.CreateSource(ctx, src)
	if err != nil {
		return model.Source{}, err
	}
	r.log.Info("source added", "source_id", out.ID, "name", out.Name, "priority", out.Priority)
	return out, nil
}

// Patch holds optional source field updates.
type Patch struct {
	Name        *string `json:"name,omitempty"`
	URL         *string `json:"url,omitempty"`
	SubPath     *string `json:"sub_path,omitempty"`
	Ref         *string `json:"ref,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
	AccessToken *string `json:"access_token,omitempty"`
}

func (p Patch) apply(src model.Source) model.Source {
	if p.Name != nil {
		src.Name = *p.Name
	}
	if p.URL != nil {
		src.URL = *p.URL
	}
	if p.SubPath != nil {
		src.SubPath = *p.SubPath
	}
	if p.Ref != nil {
		src.Ref = *p.Ref
	}
	if p.Priority != nil {
		src.Priority = *p.Priority
	}
	if p.AccessToken != nil {
		src.AccessToken = *p.AccessToken
	}
	return trimSource(src)
}

func (r *Registry) Update(ctx context.Context, id string, patch Patch) (model.Source, error) {
	src, err := r.Get(ctx, id)
	if err != nil {
		return model.Source{}, err
	}
	src = patch.apply(src)
	if err := validate(src); err != nil {
		return model.Source{}, err
	}
	out, err := r.opts.Store.UpdateSource(ctx, src)
	if err != nil {
		return model.Source{}, err
	}
	r.log.Info("source updated", "source_id", out.ID, "name", out.Name, "priority", out.Priority)
	return out, nil
}

// Remove deletes a source with its skills. Callers serialize this against runs.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := r.opts.Store.DeleteSource(ctx, strings.TrimSpace(id)); err != nil {
		return err
	}
	r.log.Info("source removed", "source_id", id)
	return nil
}

// SeedResult counts what Seed changed.
type SeedResult struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

// Seed upserts sources by name. Sources missing from seeds are left alone.
func (r *Registry) Seed(ctx context.Context, seeds []model.Source) (SeedResult, error) {
	var res SeedResult
	for _, seed := range seeds {
		seed = trimSource(seed)
		if err := validate(seed); err != nil {
			return res, err
		}
		existing, err := r.opts.Store.GetSourceByName(ctx, seed.Name)
		if err != nil {
			return res, err
		}
		if existing == nil {
			if _, err := r.Add(ctx, seed); err != nil {
				return res, err
			}
			res.Created++
			continue
		}
		if sameDefinition(*existing, seed) {
			res.Unchanged++
			continue
		}
		next := *existing
		next.URL = seed.URL
		next.SubPath = seed.SubPath
		next.Ref = seed.Ref
		next.Priority = seed.Priority
		if seed.AccessToken != "" {
			next.AccessToken = seed.AccessToken
		}
		if _, err := r.opts.Store.UpdateSource(ctx, next); err != nil {
			return res, err
		}
		res.Updated++
	}
	if res.Created+res.Updated > 0 {
		r.log.Info("sources seeded from config", "created", res.Created, "updated", res.Updated, "unchanged", res.Unchanged)
	}
	return res, nil
}

func sameDefinition(a, b model.Source) bool {
	if a.URL != b.URL || a.SubPath != b.SubPath || a.Ref != b.Ref || a.Priority != b.Priority {
		return false
	}
	return b.AccessToken == "" || a.AccessToken == b.AccessToken
}
