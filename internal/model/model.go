// Package model holds the shared types of the skill aggregation pipeline.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

type SkillStatus string

const (
	StatusReady   SkillStatus = "ready"
	StatusBlocked SkillStatus = "blocked"
)

func (s SkillStatus) Valid() bool {
	return s == StatusReady || s == StatusBlocked
}

type ConflictType string

const (
	NameConflict    ConflictType = "name_conflict"
	SimilarConflict ConflictType = "similar_conflict"
)

type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
)

func (s ConflictStatus) Valid() bool {
	return s == ConflictPending || s == ConflictResolved
}

type ResolutionAction string

const (
	ActionChooseOne   ResolutionAction = "choose_one"
	ActionMerge       ResolutionAction = "merge"
	ActionKeepAll     ResolutionAction = "keep_all"
	ActionAutoCleared ResolutionAction = "auto_cleared"
)

// SyncState is the phase reported by the sync state machine.
type SyncState string

const (
	StateIdle         SyncState = "IDLE"
	StatePulling      SyncState = "PULLING"
	StateAnalyzing    SyncState = "ANALYZING"
	StateMerging      SyncState = "MERGING"
	StateReady        SyncState = "READY"
	StatePartialReady SyncState = "PARTIAL_READY"
)

// Active reports whether a run is in flight in this state.
func (s SyncState) Active() bool {
	switch s {
	case StatePulling, StateAnalyzing, StateMerging:
		return true
	default:
		return false
	}
}

// Source is a prioritized origin of skills.
type Source struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	SubPath     string `json:"sub_path,omitempty"`
	Ref         string `json:"ref,omitempty"`
	Priority    int    `json:"priority"`
	AccessToken string `json:"-"`

	LastCommit       string `json:"last_commit,omitempty"`
	LastSyncAtUnixMs int64  `json:"last_sync_at_unix_ms,omitempty"`
	SkillCount       int    `json:"skill_count"`
	CreatedAtUnixMs  int64  `json:"created_at_unix_ms"`
}

// HasAccessToken is exposed instead of the token itself.
func (s Source) HasAccessToken() bool {
	return strings.TrimSpace(s.AccessToken) != ""
}

// SortSources orders sources by priority descending, then creation time, then id.
func SortSources(sources []Source) {
	sort.SliceStable(sources, func(i, j int) bool {
		return SourceBefore(sources[i], sources[j])
	})
}

// SourceBefore reports whether a outranks b.
func SourceBefore(a, b Source) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.CreatedAtUnixMs != b.CreatedAtUnixMs {
		return a.CreatedAtUnixMs < b.CreatedAtUnixMs
	}
	return a.ID < b.ID
}

// File is a sibling file shipped next to a SKILL.md.
type File struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

// Candidate is a just-fetched skill. It only lives for one run.
type Candidate struct {
	SourceID   string `json:"source_id"`
	Name       string `json:"name"`
	Path       string `json:"path"`
	RawContent []byte `json:"-"`
	Files      []File `json:"files,omitempty"`
}

// Key identifies the candidate within its source.
func (c Candidate) Key() SkillKey {
	return SkillKey{SourceID: c.SourceID, Path: c.Path}
}

// SkillKey is the stable location of a skill: one path inside one source.
type SkillKey struct {
	SourceID string `json:"source_id"`
	Path     string `json:"path"`
}

func (k SkillKey) String() string {
	return k.SourceID + ":" + k.Path
}

// SkillID derives the stable skill id for a location. Reappearing skills get their old id back.
func SkillID(k SkillKey) string {
	sum := sha256.Sum256([]byte(k.SourceID + "\x00" + k.Path))
	return "sk_" + hex.EncodeToString(sum[:10])
}

type Dependencies struct {
	Scripts  []string `json:"scripts"`
	External []string `json:"external"`
}

// Analysis is the advisory description produced by the analysis collaborator.
type Analysis struct {
	Summary       string       `json:"summary"`
	Description   string       `json:"description"`
	UseCases      []string     `json:"use_cases"`
	Triggers      []string     `json:"triggers"`
	Dependencies  Dependencies `json:"dependencies"`
	QualityScore  int          `json:"quality_score"`
	QualityIssues []string     `json:"quality_issues"`
	Tags          []string     `json:"tags"`
}

type Skill struct {
	ID          string      `json:"id"`
	SourceID    string      `json:"source_id"`
	Name        string      `json:"name"`
	IdentityKey string      `json:"identity_key"`
	Path        string      `json:"path"`
	ContentHash string      `json:"content_hash"`
	Status      SkillStatus `json:"status"`
	Analysis    *Analysis   `json:"analysis,omitempty"`
	Content     string      `json:"content,omitempty"`
	Files       []File      `json:"files,omitempty"`
	Mirrors     []string    `json:"mirrors,omitempty"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64 `json:"updated_at_unix_ms"`
}

func (s Skill) Key() SkillKey {
	return SkillKey{SourceID: s.SourceID, Path: s.Path}
}

// Recommendation is advisory input attached to a conflict.
type Recommendation struct {
	Action          ResolutionAction `json:"action"`
	ChosenSkillID   string           `json:"chosen_skill_id,omitempty"`
	Reason          string           `json:"reason"`
	MergeSuggestion string           `json:"merge_suggestion,omitempty"`
}

// Resolution is the closed set of conflict outcomes. Only the fields of Action are meaningful:
// choose_one uses ChosenSkillID, merge uses MergedContent, keep_all uses Renames.
type Resolution struct {
	Action        ResolutionAction  `json:"action"`
	ChosenSkillID string            `json:"chosen_skill_id,omitempty"`
	MergedContent string            `json:"merged_content,omitempty"`
	Renames       map[string]string `json:"renames,omitempty"`
}

type Conflict struct {
	ID               string            `json:"id"`
	Type             ConflictType      `json:"type"`
	Identity         string            `json:"identity"`
	SkillIDs         []string          `json:"skill_ids"`
	SkillHashes      map[string]string `json:"skill_hashes"`
	Status           ConflictStatus    `json:"status"`
	AIRecommendation *Recommendation   `json:"ai_recommendation,omitempty"`
	Resolution       *Resolution       `json:"resolution,omitempty"`

	CreatedAtUnixMs  int64 `json:"created_at_unix_ms"`
	UpdatedAtUnixMs  int64 `json:"updated_at_unix_ms"`
	ResolvedAtUnixMs int64 `json:"resolved_at_unix_ms,omitempty"`
}

// Contains reports whether skillID is a member of the conflict.
func (c Conflict) Contains(skillID string) bool {
	for _, id := range c.SkillIDs {
		if id == skillID {
			return true
		}
	}
	return false
}

// ConflictIdentity is the order-independent identity of a collision: its type plus the member set.
func ConflictIdentity(t ConflictType, skillIDs []string) string {
	ids := append([]string(nil), skillIDs...)
	sort.Strings(ids)
	ids = dedupeSorted(ids)
	return string(t) + ":" + strings.Join(ids, ",")
}

func dedupeSorted(in []string) []string {
	out := in[:0]
	for i, v := range in {
		if i > 0 && v == in[i-1] {
			continue
		}
		out = append(out, v)
	}
	return out
}

// DecisionMember pins one conflict member as it was when the decision was made.
type DecisionMember struct {
	Key         SkillKey `json:"key"`
	SkillID     string   `json:"skill_id"`
	Name        string   `json:"name"`
	ContentHash string   `json:"content_hash"`
}

// Decision is a resolved conflict turned into a directive the merge engine replays on later runs.
type Decision struct {
	ID           string           `json:"id"`
	ConflictID   string           `json:"conflict_id"`
	ConflictType ConflictType     `json:"conflict_type"`
	Members      []DecisionMember `json:"members"`
	Resolution   Resolution       `json:"resolution"`
	// PrimaryKey is the member that carries a merged result.
	PrimaryKey      SkillKey `json:"primary_key"`
	CreatedAtUnixMs int64    `json:"created_at_unix_ms"`
}

// RunStats aggregates per-item outcomes of one run.
type RunStats struct {
	SourcesTotal     int      `json:"sources_total"`
	SourcesFailed    []string `json:"sources_failed,omitempty"`
	Candidates       int      `json:"candidates"`
	Malformed        int      `json:"malformed"`
	Filtered         int      `json:"filtered"`
	Analyzed         int      `json:"analyzed"`
	AnalysisFailed   int      `json:"analysis_failed"`
	ConflictsNew     int      `json:"conflicts_new"`
	ConflictsCleared int      `json:"conflicts_cleared"`
	DecisionsApplied int      `json:"decisions_applied"`
	Retired          int      `json:"retired"`
}

// SyncLog is one audit row per finished run.
type SyncLog struct {
	ID               string    `json:"id"`
	Outcome          string    `json:"outcome"`
	State            SyncState `json:"state"`
	ReadyCount       int       `json:"ready_count"`
	BlockedCount     int       `json:"blocked_count"`
	Stats            RunStats  `json:"stats"`
	Error            string    `json:"error,omitempty"`
	StartedAtUnixMs  int64     `json:"started_at_unix_ms"`
	FinishedAtUnixMs int64     `json:"finished_at_unix_ms"`
}
