package model

import (
	"fmt"
	"strings"
)

// ParseResolutionAction maps user input onto the closed action set.
func ParseResolutionAction(raw string) (ResolutionAction, error) {
	switch a := ResolutionAction(strings.ToLower(strings.TrimSpace(raw))); a {
	case ActionChooseOne, ActionMerge, ActionKeepAll, ActionAutoCleared:
		return a, nil
	default:
		return "", NewError(ErrCodeInvalidResolution, fmt.Sprintf("unknown resolution action %q", raw), nil)
	}
}

// ValidateResolution checks a resolution against the conflict it targets.
// userSubmitted rejects the system-only auto_cleared action.
func ValidateResolution(c Conflict, r Resolution, userSubmitted bool) error {
	if c.Status == ConflictResolved {
		return NewError(ErrCodeInvalidResolution, fmt.Sprintf("conflict %s is already resolved", c.ID), nil)
	}
	switch r.Action {
	case ActionChooseOne:
		chosen := strings.TrimSpace(r.ChosenSkillID)
		if chosen == "" {
			return NewError(ErrCodeInvalidResolution, "choose_one requires chosen_skill_id", nil)
		}
		if !c.Contains(chosen) {
			return NewError(ErrCodeInvalidResolution, fmt.Sprintf("skill %s is not part of conflict %s", chosen, c.ID), nil)
		}
	case ActionMerge:
		if chosen := strings.TrimSpace(r.ChosenSkillID); chosen != "" && !c.Contains(chosen) {
			return NewError(ErrCodeInvalidResolution, fmt.Sprintf("skill %s is not part of conflict %s", chosen, c.ID), nil)
		}
	case ActionKeepAll:
		for id, name := range r.Renames {
			if !c.Contains(id) {
				return NewError(ErrCodeInvalidResolution, fmt.Sprintf("rename target %s is not part of conflict %s", id, c.ID), nil)
			}
			if strings.TrimSpace(name) == "" {
				return NewError(ErrCodeInvalidResolution, fmt.Sprintf("empty rename for skill %s", id), nil)
			}
		}
	case ActionAutoCleared:
		if userSubmitted {
			return NewError(ErrCodeInvalidResolution, "auto_cleared is issued by the pipeline only", nil)
		}
	default:
		return NewError(ErrCodeInvalidResolution, fmt.Sprintf("unknown resolution action %q", r.Action), nil)
	}
	return nil
}
