// Package merge partitions one run's candidates into ready skills and conflicts.
//
// Merge is a pure function: it reads the previous persisted state and returns a Plan. The caller
// commits the plan in a single transaction, so an aborted run never leaves partial writes.
package merge

import (
	"reflect"
	"sort"
	"strings"

	"github.com/floegence/skillhub/internal/model"
	"github.com/floegence/skillhub/internal/normalize"
)

type Input struct {
	Sources    []model.Source
	Candidates []normalize.Normalized
	Existing   []model.Skill
	Pending    []model.Conflict
	// Decisions are replayed oldest first.
	Decisions []model.Decision
	// Analyses holds fresh analysis results by content hash.
	Analyses  map[string]*model.Analysis
	Matcher   normalize.Matcher
	NowUnixMs int64
	NewID     func() string
}

type Stats struct {
	Ready            int `json:"ready"`
	Blocked          int `json:"blocked"`
	NameConflicts    int `json:"name_conflicts"`
	SimilarConflicts int `json:"similar_conflicts"`
	NewConflicts     int `json:"new_conflicts"`
	Cleared          int `json:"cleared"`
	DecisionsApplied int `json:"decisions_applied"`
	Retired          int `json:"retired"`
	Mirrored         int `json:"mirrored"`
}

// Plan is the full post-run state.
type Plan struct {
	Skills []model.Skill
	// Deleted lists persisted skill ids absent from Skills.
	Deleted []string
	// Conflicts is every pending conflict after the run, reused or new.
	Conflicts []model.Conflict
	// NewConflictIDs are the conflicts first detected in this run.
	NewConflictIDs []string
	// Cleared are previously pending conflicts that no longer reproduce.
	Cleared []model.Conflict
	Stats   Stats
}

type entry struct {
	norm    normalize.Normalized
	source  model.Source
	name    string
	key     string
	hash    string
	content []byte
	files   []model.File
	shingle []uint64
}

func (e *entry) skillKey() model.SkillKey {
	return e.norm.Candidate.Key()
}

func (e *entry) skillID() string {
	return model.SkillID(e.skillKey())
}

type detected struct {
	typ     model.ConflictType
	members []*entry
}

// Merge runs the classification cascade: identity groups, then the similarity pass.
func Merge(in Input) Plan {
	newID := in.NewID
	if newID == nil {
		newID = func() string { return "" }
	}

	var stats Stats
	entries := collect(in)
	distinct := map[string]struct{}{}
	for _, d := range in.Decisions {
		applied, retired := applyDecision(entries, d, distinct)
		if applied {
			stats.DecisionsApplied++
			stats.Retired += retired
		}
	}

	groups := map[string][]*entry{}
	for _, e := range entries {
		groups[e.key] = append(groups[e.key], e)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		reps      []*entry
		mirrors   = map[*entry][]string{}
		blocked   = map[*entry]bool{}
		conflicts []detected
	)
	for _, k := range keys {
		members := groups[k]
		sortByRank(members)
		byHash := map[string]*entry{}
		var groupReps []*entry
		for _, e := range members {
			rep, ok := byHash[e.hash]
			if !ok {
				byHash[e.hash] = e
				groupReps = append(groupReps, e)
				continue
			}
			mirrors[rep] = append(mirrors[rep], e.source.ID)
			stats.Mirrored++
		}
		reps = append(reps, groupReps...)
		if len(groupReps) > 1 {
			for _, e := range groupReps {
				blocked[e] = true
			}
			conflicts = append(conflicts, detected{typ: model.NameConflict, members: groupReps})
		}
	}

	conflicts = append(conflicts, similarityPass(reps, blocked, distinct, in.Matcher)...)

	existing := make(map[string]model.Skill, len(in.Existing))
	for _, s := range in.Existing {
		existing[s.ID] = s
	}

	plan := Plan{}
	kept := make(map[string]struct{}, len(reps))
	for _, e := range reps {
		s := buildSkill(e, mirrors[e], blocked[e], existing, in.Analyses, in.NowUnixMs)
		kept[s.ID] = struct{}{}
		plan.Skills = append(plan.Skills, s)
		if s.Status == model.StatusReady {
			stats.Ready++
		} else {
			stats.Blocked++
		}
	}
	sort.Slice(plan.Skills, func(i, j int) bool { return plan.Skills[i].ID < plan.Skills[j].ID })
	for _, s := range in.Existing {
		if _, ok := kept[s.ID]; !ok {
			plan.Deleted = append(plan.Deleted, s.ID)
		}
	}
	sort.Strings(plan.Deleted)

	pendingByIdentity := make(map[string]model.Conflict, len(in.Pending))
	for _, c := range in.Pending {
		identity := c.Identity
		if identity == "" {
			identity = model.ConflictIdentity(c.Type, c.SkillIDs)
		}
		pendingByIdentity[identity] = c
	}
	reproduced := map[string]struct{}{}
	for _, d := range conflicts {
		c := buildConflict(d, pendingByIdentity, in.NowUnixMs, newID)
		if _, ok := pendingByIdentity[c.Identity]; ok {
			reproduced[c.Identity] = struct{}{}
		} else {
			plan.NewConflictIDs = append(plan.NewConflictIDs, c.ID)
			stats.NewConflicts++
		}
		switch d.typ {
		case model.NameConflict:
			stats.NameConflicts++
		case model.SimilarConflict:
			stats.SimilarConflicts++
		}
		plan.Conflicts = append(plan.Conflicts, c)
	}
	for _, c := range in.Pending {
		identity := c.Identity
		if identity == "" {
			identity = model.ConflictIdentity(c.Type, c.SkillIDs)
		}
		if _, ok := reproduced[identity]; ok {
			continue
		}
		c.Identity = identity
		c.Status = model.ConflictResolved
		c.Resolution = &model.Resolution{Action: model.ActionAutoCleared}
		c.ResolvedAtUnixMs = in.NowUnixMs
		c.UpdatedAtUnixMs = in.NowUnixMs
		plan.Cleared = append(plan.Cleared, c)
		stats.Cleared++
	}
	sort.Slice(plan.Cleared, func(i, j int) bool { return plan.Cleared[i].ID < plan.Cleared[j].ID })
	plan.Stats = stats
	return plan
}

// collect indexes candidates of known sources by location. A location seen twice keeps the
// lowest hash so the choice does not depend on input order.
func collect(in Input) map[model.SkillKey]*entry {
	sources := make(map[string]model.Source, len(in.Sources))
	for _, s := range in.Sources {
		sources[s.ID] = s
	}
	entries := make(map[model.SkillKey]*entry, len(in.Candidates))
	for _, n := range in.Candidates {
		src, ok := sources[n.Candidate.SourceID]
		if !ok {
			continue
		}
		e := &entry{
			norm:    n,
			source:  src,
			name:    strings.TrimSpace(n.Candidate.Name),
			key:     n.IdentityKey,
			hash:    n.ContentHash,
			content: n.Candidate.RawContent,
			files:   n.Candidate.Files,
			shingle: n.Shingles,
		}
		prev, dup := entries[e.skillKey()]
		if dup && prev.hash <= e.hash {
			continue
		}
		entries[e.skillKey()] = e
	}
	return entries
}

// Rewritten replays in.Decisions and returns the candidates whose content a merge decision
// replaces, carrying the merged content and its hash. Callers analyze these before Merge so a
// merged skill never inherits the analysis of the content it replaced.
func Rewritten(in Input) []normalize.Normalized {
	entries := collect(in)
	for _, d := range in.Decisions {
		applyDecision(entries, d, map[string]struct{}{})
	}
	var out []normalize.Normalized
	for _, e := range entries {
		if e.hash == e.norm.ContentHash {
			continue
		}
		n := e.norm
		n.Candidate.RawContent = e.content
		n.ContentHash = e.hash
		n.Shingles = e.shingle
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContentHash < out[j].ContentHash })
	return out
}

func sortByRank(entries []*entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.source.ID != b.source.ID {
			return model.SourceBefore(a.source, b.source)
		}
		return a.skillKey().Path < b.skillKey().Path
	})
}

func buildSkill(e *entry, mirrors []string, blocked bool, existing map[string]model.Skill, analyses map[string]*model.Analysis, now int64) model.Skill {
	status := model.StatusReady
	if blocked {
		status = model.StatusBlocked
	}
	key := e.skillKey()
	s := model.Skill{
		ID:              model.SkillID(key),
		SourceID:        key.SourceID,
		Name:            e.name,
		IdentityKey:     e.key,
		Path:            key.Path,
		ContentHash:     e.hash,
		Status:          status,
		Content:         string(e.content),
		Files:           e.files,
		Mirrors:         mirrors,
		CreatedAtUnixMs: now,
		UpdatedAtUnixMs: now,
	}
	if a := analyses[e.hash]; a != nil {
		s.Analysis = a
	}
	prev, ok := existing[s.ID]
	if !ok {
		return s
	}
	s.CreatedAtUnixMs = prev.CreatedAtUnixMs
	if s.Analysis == nil {
		s.Analysis = prev.Analysis
	}
	if prev.ContentHash == s.ContentHash && prev.Status == s.Status && prev.Name == s.Name &&
		prev.IdentityKey == s.IdentityKey && sameStrings(prev.Mirrors, s.Mirrors) {
		s.UpdatedAtUnixMs = prev.UpdatedAtUnixMs
	}
	return s
}

// sameStrings treats nil and empty as equal; persisted lists come back empty, fresh ones nil.
func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func buildConflict(d detected, pending map[string]model.Conflict, now int64, newID func() string) model.Conflict {
	ids := make([]string, 0, len(d.members))
	hashes := make(map[string]string, len(d.members))
	for _, e := range d.members {
		id := e.skillID()
		ids = append(ids, id)
		hashes[id] = e.hash
	}
	identity := model.ConflictIdentity(d.typ, ids)
	if prev, ok := pending[identity]; ok {
		prev.Identity = identity
		prev.SkillIDs = ids
		if !reflect.DeepEqual(prev.SkillHashes, hashes) {
			prev.SkillHashes = hashes
			prev.AIRecommendation = nil
			prev.UpdatedAtUnixMs = now
		}
		return prev
	}
	return model.Conflict{
		ID:              newID(),
		Type:            d.typ,
		Identity:        identity,
		SkillIDs:        ids,
		SkillHashes:     hashes,
		Status:          model.ConflictPending,
		CreatedAtUnixMs: now,
		UpdatedAtUnixMs: now,
	}
}

// similarityPass clusters near-duplicate representatives that are not already blocked.
func similarityPass(reps []*entry, blocked map[*entry]bool, distinct map[string]struct{}, m normalize.Matcher) []detected {
	var pool []*entry
	for _, e := range reps {
		if !blocked[e] {
			pool = append(pool, e)
		}
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].skillID() < pool[j].skillID() })

	parent := make([]int, len(pool))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	linked := false
	for i := 0; i < len(pool); i++ {
		for j := i + 1; j < len(pool); j++ {
			if _, ok := distinct[pairKey(pool[i].skillID(), pool[j].skillID())]; ok {
				continue
			}
			if !m.NearDuplicate(pool[i].shingle, pool[j].shingle) {
				continue
			}
			ri, rj := find(i), find(j)
			if ri != rj {
				if rj < ri {
					ri, rj = rj, ri
				}
				parent[rj] = ri
			}
			linked = true
		}
	}
	if !linked {
		return nil
	}

	clusters := map[int][]*entry{}
	var roots []int
	for i := range pool {
		r := find(i)
		if _, ok := clusters[r]; !ok {
			roots = append(roots, r)
		}
		clusters[r] = append(clusters[r], pool[i])
	}
	sort.Ints(roots)
	var out []detected
	for _, r := range roots {
		members := clusters[r]
		if len(members) < 2 {
			continue
		}
		sortByRank(members)
		for _, e := range members {
			blocked[e] = true
		}
		out = append(out, detected{typ: model.SimilarConflict, members: members})
	}
	return out
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}
