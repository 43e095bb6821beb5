package fetch

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Filter drops candidates by glob. Patterns are matched against "<source name>/<skill path>" and
// against the bare skill name. A non-empty whitelist admits only matching candidates; the blacklist
// is applied afterwards.
type Filter struct {
	whitelist []string
	blacklist []string
}

func NewFilter(whitelist []string, blacklist []string) (*Filter, error) {
	f := &Filter{}
	for _, p := range whitelist {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid whitelist pattern %q", p)
		}
		f.whitelist = append(f.whitelist, p)
	}
	for _, p := range blacklist {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid blacklist pattern %q", p)
		}
		f.blacklist = append(f.blacklist, p)
	}
	return f, nil
}

// Allow reports whether the candidate passes. A nil filter allows everything.
func (f *Filter) Allow(sourceName string, skillPath string, skillName string) bool {
	if f == nil {
		return true
	}
	subjects := []string{path.Join(sourceName, skillPath), skillName}
	if len(f.whitelist) > 0 && !matchAny(f.whitelist, subjects) {
		return false
	}
	return !matchAny(f.blacklist, subjects)
}

func matchAny(patterns []string, subjects []string) bool {
	for _, p := range patterns {
		for _, s := range subjects {
			if s == "" {
				continue
			}
			if doublestar.MatchUnvalidated(p, s) {
				return true
			}
		}
	}
	return false
}
