// Package conflicts records collisions, attaches advisory recommendations and applies resolutions.
//
// A resolution never flips skill status directly. It marks the conflict resolved, stores a decision
// and removes retired skills; the next merge run is what makes the survivors ready.
package conflicts

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/floegence/skillhub/internal/model"
	"github.com/floegence/skillhub/internal/normalize"
	"github.com/floegence/skillhub/internal/store"
	"github.com/google/uuid"
)

// MergeSeparator joins member contents when no merged content is supplied.
const MergeSeparator = "\n\n---\n\n"

// Store is the persistence the service needs.
type Store interface {
	RecordConflict(ctx context.Context, c model.Conflict) (model.Conflict, error)
	AttachRecommendation(ctx context.Context, conflictID string, rec model.Recommendation) error
	ResolveConflict(ctx context.Context, conflictID string, decide store.ResolveFunc) (model.Conflict, error)
	GetConflict(ctx context.Context, id string) (*model.Conflict, error)
	ListConflicts(ctx context.Context, status model.ConflictStatus) ([]model.Conflict, error)
}

type Options struct {
	Logger *slog.Logger
}

type Service struct {
	store Store
	log   *slog.Logger
}

func NewService(st Store, opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: st, log: log}
}

func (s *Service) Record(ctx context.Context, c model.Conflict) (model.Conflict, error) {
	if strings.TrimSpace(c.ID) == "" {
		c.ID = uuid.NewString()
	}
	return s.store.RecordConflict(ctx, c)
}

// AttachRecommendation stores advisory input. A recommendation naming a skill outside the conflict
// is dropped to an empty choice rather than rejected.
func (s *Service) AttachRecommendation(ctx context.Context, conflictID string, rec model.Recommendation) error {
	c, err := s.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if c == nil {
		return model.NewError(model.ErrCodeNotFound, fmt.Sprintf("conflict %s not found", conflictID), nil)
	}
	if rec.ChosenSkillID != "" && !c.Contains(rec.ChosenSkillID) {
		s.log.Warn("recommendation names a skill outside the conflict", "conflict_id", c.ID, "skill_id", rec.ChosenSkillID)
		rec.ChosenSkillID = ""
	}
	return s.store.AttachRecommendation(ctx, conflictID, rec)
}

func (s *Service) Get(ctx context.Context, id string) (model.Conflict, error) {
	c, err := s.store.GetConflict(ctx, id)
	if err != nil {
		return model.Conflict{}, err
	}
	if c == nil {
		return model.Conflict{}, model.NewError(model.ErrCodeNotFound, fmt.Sprintf("conflict %s not found", id), nil)
	}
	return *c, nil
}

func (s *Service) List(ctx context.Context, status model.ConflictStatus) ([]model.Conflict, error) {
	if status != "" && !status.Valid() {
		return nil, model.NewError(model.ErrCodeInvalidRequest, fmt.Sprintf("unknown conflict status %q", status), nil)
	}
	return s.store.ListConflicts(ctx, status)
}

// Validate checks a user resolution against the current record without writing anything.
func (s *Service) Validate(ctx context.Context, conflictID string, res model.Resolution) (model.Conflict, error) {
	c, err := s.Get(ctx, conflictID)
	if err != nil {
		return model.Conflict{}, err
	}
	if err := model.ValidateResolution(c, res, true); err != nil {
		return model.Conflict{}, err
	}
	return c, nil
}

// Resolve applies a user resolution. Resolutions are terminal: a resolved conflict rejects further
// attempts with InvalidResolution and nothing is written.
func (s *Service) Resolve(ctx context.Context, conflictID string, res model.Resolution) (model.Conflict, error) {
	out, err := s.store.ResolveConflict(ctx, conflictID, func(c model.Conflict, members []model.Skill, sources []model.Source) (store.ResolveOutcome, error) {
		if err := model.ValidateResolution(c, res, true); err != nil {
			return store.ResolveOutcome{}, err
		}
		return buildOutcome(c, res, members, sources)
	})
	if err != nil {
		return model.Conflict{}, err
	}
	s.log.Info("conflict resolved", "conflict_id", out.ID, "type", out.Type, "action", res.Action)
	return out, nil
}

func buildOutcome(c model.Conflict, res model.Resolution, members []model.Skill, sources []model.Source) (store.ResolveOutcome, error) {
	if len(members) < 2 {
		return store.ResolveOutcome{}, model.NewError(model.ErrCodeInvalidResolution, fmt.Sprintf("conflict %s has fewer than two live skills; wait for the next run", c.ID), nil)
	}
	bySource := make(map[string]model.Source, len(sources))
	for _, src := range sources {
		bySource[src.ID] = src
	}
	ranked := append([]model.Skill(nil), members...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := bySource[ranked[i].SourceID], bySource[ranked[j].SourceID]
		if a.ID != b.ID {
			return model.SourceBefore(a, b)
		}
		return ranked[i].Path < ranked[j].Path
	})

	d := &model.Decision{ID: uuid.NewString()}
	for _, m := range ranked {
		d.Members = append(d.Members, model.DecisionMember{Key: m.Key(), SkillID: m.ID, Name: m.Name, ContentHash: m.ContentHash})
	}
	out := store.ResolveOutcome{Decision: d}

	switch res.Action {
	case model.ActionChooseOne:
		for _, m := range ranked {
			if m.ID == res.ChosenSkillID {
				d.PrimaryKey = m.Key()
				continue
			}
			out.RetireSkillIDs = append(out.RetireSkillIDs, m.ID)
		}
		res.MergedContent = ""
		res.Renames = nil

	case model.ActionMerge:
		primary := ranked[0]
		if res.ChosenSkillID != "" {
			for _, m := range ranked {
				if m.ID == res.ChosenSkillID {
					primary = m
				}
			}
		}
		content := res.MergedContent
		if strings.TrimSpace(content) == "" && c.AIRecommendation != nil {
			content = c.AIRecommendation.MergeSuggestion
		}
		if strings.TrimSpace(content) == "" {
			content = concatContents(ranked)
		}
		res.MergedContent = content
		res.ChosenSkillID = primary.ID
		res.Renames = nil
		d.PrimaryKey = primary.Key()
		for _, m := range ranked {
			if m.ID != primary.ID {
				out.RetireSkillIDs = append(out.RetireSkillIDs, m.ID)
			}
		}

	case model.ActionKeepAll:
		if c.Type == model.NameConflict {
			renames, err := planRenames(ranked, bySource, res.Renames)
			if err != nil {
				return store.ResolveOutcome{}, err
			}
			res.Renames = renames
		}
		res.ChosenSkillID = ""
		res.MergedContent = ""

	default:
		return store.ResolveOutcome{}, model.NewError(model.ErrCodeInvalidResolution, fmt.Sprintf("unsupported resolution action %q", res.Action), nil)
	}
	d.Resolution = res
	out.Resolution = res
	return out, nil
}

// concatContents joins member contents in priority order.
func concatContents(ranked []model.Skill) string {
	parts := make([]string, 0, len(ranked))
	for _, m := range ranked {
		parts = append(parts, strings.TrimRight(m.Content, "\n"))
	}
	return strings.Join(parts, MergeSeparator) + "\n"
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slug(v string) string {
	return strings.Trim(slugRe.ReplaceAllString(strings.ToLower(v), "-"), "-")
}

// planRenames fills in a rename for every member and checks that identity keys end up disjoint.
// Members without an explicit name become "<name>-<source slug>".
func planRenames(ranked []model.Skill, sources map[string]model.Source, explicit map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(ranked))
	used := map[string]string{}
	for _, m := range ranked {
		name := strings.TrimSpace(explicit[m.ID])
		if name == "" {
			suffix := slug(sources[m.SourceID].Name)
			if suffix == "" {
				suffix = slug(m.SourceID)
			}
			name = m.Name + "-" + suffix
			for i := 2; ; i++ {
				if _, taken := used[normalize.IdentityKey(name)]; !taken {
					break
				}
				name = fmt.Sprintf("%s-%s-%d", m.Name, suffix, i)
			}
		}
		key := normalize.IdentityKey(name)
		if other, taken := used[key]; taken {
			return nil, model.NewError(model.ErrCodeInvalidResolution, fmt.Sprintf("renames for %s and %s collide on %q", other, m.ID, key), nil)
		}
		used[key] = m.ID
		out[m.ID] = name
	}
	return out, nil
}
