package merge

import (
	"sort"
	"strings"

	"github.com/floegence/skillhub/internal/model"
	"github.com/floegence/skillhub/internal/normalize"
)

// allowedDrift is how many member hashes may change before a decision stops applying.
// A merged result is only valid for the exact inputs it was built from.
func allowedDrift(a model.ResolutionAction) int {
	switch a {
	case model.ActionChooseOne, model.ActionKeepAll:
		return 1
	default:
		return 0
	}
}

// applyDecision replays a past resolution onto this run's entries. It reports whether the decision
// applied and how many entries it retired.
func applyDecision(entries map[model.SkillKey]*entry, d model.Decision, distinct map[string]struct{}) (bool, int) {
	if len(d.Members) < 2 {
		return false, 0
	}
	changed := 0
	for _, mem := range d.Members {
		e, ok := entries[mem.Key]
		if !ok {
			return false, 0
		}
		if e.hash != mem.ContentHash {
			changed++
		}
	}
	if changed > allowedDrift(d.Resolution.Action) {
		return false, 0
	}

	members := make(map[model.SkillKey]bool, len(d.Members))
	for _, mem := range d.Members {
		members[mem.Key] = true
	}

	switch d.Resolution.Action {
	case model.ActionChooseOne:
		chosen := strings.TrimSpace(d.Resolution.ChosenSkillID)
		var kept *entry
		for _, mem := range d.Members {
			if mem.SkillID == chosen {
				kept = entries[mem.Key]
			}
		}
		if kept == nil {
			return false, 0
		}
		retired := 0
		for _, mem := range d.Members {
			if mem.SkillID == chosen {
				continue
			}
			for _, k := range mirrorsOf(entries, members, mem) {
				if entries[k].hash == kept.hash {
					continue
				}
				delete(entries, k)
				retired++
			}
			delete(entries, mem.Key)
			retired++
		}
		return true, retired

	case model.ActionMerge:
		primary, ok := entries[d.PrimaryKey]
		if !ok || strings.TrimSpace(d.Resolution.MergedContent) == "" {
			return false, 0
		}
		content := []byte(d.Resolution.MergedContent)
		mergedHash := normalize.ContentHash(content)
		var superseded []model.SkillKey
		for _, mem := range d.Members {
			for _, k := range mirrorsOf(entries, members, mem) {
				if entries[k].hash != mergedHash {
					superseded = append(superseded, k)
				}
			}
		}
		primary.content = content
		primary.hash = mergedHash
		primary.shingle = normalize.Shingles(d.Resolution.MergedContent)
		retired := 0
		for _, k := range superseded {
			delete(entries, k)
			retired++
		}
		for _, mem := range d.Members {
			if mem.Key == d.PrimaryKey {
				continue
			}
			delete(entries, mem.Key)
			retired++
		}
		return true, retired

	case model.ActionKeepAll:
		if d.ConflictType == model.NameConflict {
			// Mirrors are resolved before any rename so they still share their member's identity.
			follow := make([][]model.SkillKey, len(d.Members))
			for i, mem := range d.Members {
				follow[i] = mirrorsOf(entries, members, mem)
			}
			for i, mem := range d.Members {
				name := strings.TrimSpace(d.Resolution.Renames[mem.SkillID])
				if name == "" {
					continue
				}
				for _, k := range append([]model.SkillKey{mem.Key}, follow[i]...) {
					e := entries[k]
					e.name = name
					e.key = normalize.IdentityKey(name)
				}
			}
		}
		for i := range d.Members {
			for j := i + 1; j < len(d.Members); j++ {
				distinct[pairKey(d.Members[i].SkillID, d.Members[j].SkillID)] = struct{}{}
			}
		}
		return true, 0

	default:
		return false, 0
	}
}

// mirrorsOf returns the entries outside the decision that serve mem's content under mem's identity:
// other sources the member represented when the decision was made, or that picked the content up
// since. They share the member's fate.
func mirrorsOf(entries map[model.SkillKey]*entry, members map[model.SkillKey]bool, mem model.DecisionMember) []model.SkillKey {
	e, ok := entries[mem.Key]
	if !ok {
		return nil
	}
	var out []model.SkillKey
	for k, x := range entries {
		if members[k] || x.key != e.key {
			continue
		}
		if x.hash == mem.ContentHash || x.hash == e.hash {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
