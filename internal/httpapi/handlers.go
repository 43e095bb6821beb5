package httpapi

import (
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"strings"

	"github.com/floegence/skillhub/internal/export"
	"github.com/floegence/skillhub/internal/model"
	"github.com/floegence/skillhub/internal/registry"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

func parseLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

type rootResp struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeOK(w, rootResp{Service: "skillhub", Version: s.opts.Version, GoVersion: runtime.Version()})
}

type healthResp struct {
	Status  string          `json:"status"`
	State   model.SyncState `json:"state"`
	Running bool            `json:"running"`
	Process any             `json:"process,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st, err := s.opts.Service.Status(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, apiResp{OK: false, Error: "store unavailable", Code: model.ErrCodeInternal})
		return
	}
	resp := healthResp{Status: "ok", State: st.State, Running: st.Running}
	if s.opts.Monitor != nil {
		resp.Process = s.opts.Monitor.Snapshot(r.Context())
	}
	writeOK(w, resp)
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	list, err := s.opts.Service.ListSources(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]sourceView, 0, len(list))
	for _, src := range list {
		out = append(out, newSourceView(src))
	}
	writeOK(w, out)
}

// sourceView hides the token and reports whether one is set.
type sourceView struct {
	model.Source
	HasAccessToken bool `json:"has_access_token"`
}

func newSourceView(src model.Source) sourceView {
	return sourceView{Source: src, HasAccessToken: src.HasAccessToken()}
}

type addSourceReq struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	SubPath     string `json:"sub_path"`
	Ref         string `json:"ref"`
	Priority    int    `json:"priority"`
	AccessToken string `json:"access_token"`
}

func (s *Server) handleAddSource(w http.ResponseWriter, r *http.Request) {
	var body addSourceReq
	if err := decodeJSON(w, r, &body); err != nil {
		badRequest(w, "invalid json")
		return
	}
	src, err := s.opts.Service.AddSource(r.Context(), model.Source{
		Name:        body.Name,
		URL:         body.URL,
		SubPath:     body.SubPath,
		Ref:         body.Ref,
		Priority:    body.Priority,
		AccessToken: body.AccessToken,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, apiResp{OK: true, Data: newSourceView(src)})
}

func (s *Server) handleUpdateSource(w http.ResponseWriter, r *http.Request) {
	var patch registry.Patch
	if err := decodeJSON(w, r, &patch); err != nil {
		badRequest(w, "invalid json")
		return
	}
	src, err := s.opts.Service.UpdateSource(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, newSourceView(src))
}

func (s *Server) handleRemoveSource(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Service.RemoveSource(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	st, err := s.opts.Service.TriggerRun()
	if err != nil {
		// The body still carries the in-flight status so callers can poll it.
		if e, ok := model.AsError(err); ok {
			writeJSON(w, e.HTTPStatus(), apiResp{OK: false, Error: e.Message(), Code: e.Code(), Data: st})
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, apiResp{OK: true, Data: st})
}

type cancelResp struct {
	Cancelled bool `json:"cancelled"`
}

func (s *Server) handleCancelSync(w http.ResponseWriter, r *http.Request) {
	writeOK(w, cancelResp{Cancelled: s.opts.Service.Cancel()})
}

type blockedSkillView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	SourceID string `json:"source_id"`
	Path     string `json:"path"`
}

// statusView applies status_api filters; omitted counts are dropped from the JSON.
type statusView struct {
	State             model.SyncState    `json:"state"`
	Running           bool               `json:"running"`
	RunID             string             `json:"run_id,omitempty"`
	Outcome           string             `json:"outcome,omitempty"`
	StartedAtUnixMs   int64              `json:"started_at_unix_ms,omitempty"`
	FinishedAtUnixMs  int64              `json:"finished_at_unix_ms,omitempty"`
	ReadyCount        *int               `json:"ready_count,omitempty"`
	BlockedCount      *int               `json:"blocked_count,omitempty"`
	BlockedSkills     []blockedSkillView `json:"blocked_skills,omitempty"`
	PendingConflicts  int                `json:"pending_conflicts"`
	QueuedResolutions int                `json:"queued_resolutions"`
	ExportVersion     string             `json:"export_version,omitempty"`
	Stats             model.RunStats     `json:"stats"`
	LastError         string             `json:"last_error,omitempty"`
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.opts.Service.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view := statusView{
		State:             st.State,
		Running:           st.Running,
		RunID:             st.RunID,
		Outcome:           st.Outcome,
		StartedAtUnixMs:   st.StartedAtUnixMs,
		FinishedAtUnixMs:  st.FinishedAtUnixMs,
		PendingConflicts:  st.PendingConflicts,
		QueuedResolutions: st.QueuedResolutions,
		ExportVersion:     st.ExportVersion,
		Stats:             st.Stats,
		LastError:         st.LastError,
	}
	filters := s.opts.StatusAPI
	if filters.ReadyCount() {
		n := st.ReadyCount
		view.ReadyCount = &n
	}
	if filters.BlockedCount() {
		n := st.BlockedCount
		view.BlockedCount = &n
	}
	if filters.BlockedSkills() {
		blocked, err := s.opts.Service.ListSkills(r.Context(), model.StatusBlocked)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		view.BlockedSkills = make([]blockedSkillView, 0, len(blocked))
		for _, sk := range blocked {
			view.BlockedSkills = append(view.BlockedSkills, blockedSkillView{ID: sk.ID, Name: sk.Name, SourceID: sk.SourceID, Path: sk.Path})
		}
	}
	writeOK(w, view)
}

// skillSummary is the list form of a skill, without content or files.
type skillSummary struct {
	ID           string            `json:"id"`
	SourceID     string            `json:"source_id"`
	Name         string            `json:"name"`
	Path         string            `json:"path"`
	ContentHash  string            `json:"content_hash"`
	Status       model.SkillStatus `json:"status"`
	Mirrors      []string          `json:"mirrors,omitempty"`
	Summary      string            `json:"summary,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	QualityScore int               `json:"quality_score,omitempty"`
	UpdatedAt    int64             `json:"updated_at_unix_ms"`
}

func summarize(sk model.Skill) skillSummary {
	out := skillSummary{
		ID:          sk.ID,
		SourceID:    sk.SourceID,
		Name:        sk.Name,
		Path:        sk.Path,
		ContentHash: sk.ContentHash,
		Status:      sk.Status,
		Mirrors:     sk.Mirrors,
		UpdatedAt:   sk.UpdatedAtUnixMs,
	}
	if sk.Analysis != nil {
		out.Summary = sk.Analysis.Summary
		out.Tags = sk.Analysis.Tags
		out.QualityScore = sk.Analysis.QualityScore
	}
	return out
}

func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	status := model.SkillStatus(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))))
	list, err := s.opts.Service.ListSkills(r.Context(), status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]skillSummary, 0, len(list))
	for _, sk := range list {
		out = append(out, summarize(sk))
	}
	writeOK(w, out)
}

func (s *Server) handleGetSkill(w http.ResponseWriter, r *http.Request) {
	sk, err := s.opts.Service.GetSkill(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, sk)
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	status := model.ConflictStatus(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))))
	if status != "" && !status.Valid() {
		badRequest(w, fmt.Sprintf("unknown conflict status %q", status))
		return
	}
	list, err := s.opts.Service.ListConflicts(r.Context(), status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []model.Conflict{}
	}
	writeOK(w, list)
}

// conflictDetail carries the member skills next to the conflict so a reviewer can compare them.
type conflictDetail struct {
	model.Conflict
	Members []model.Skill `json:"members"`
}

func (s *Server) handleGetConflict(w http.ResponseWriter, r *http.Request) {
	c, err := s.opts.Service.GetConflict(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	detail := conflictDetail{Conflict: c, Members: make([]model.Skill, 0, len(c.SkillIDs))}
	for _, id := range c.SkillIDs {
		sk, err := s.opts.Service.GetSkill(r.Context(), id)
		if err != nil {
			// Members of resolved conflicts may be gone.
			continue
		}
		detail.Members = append(detail.Members, sk)
	}
	writeOK(w, detail)
}

type resolveReq struct {
	Action        string            `json:"action"`
	ChosenSkillID string            `json:"chosen_skill_id"`
	MergedContent string            `json:"merged_content"`
	Renames       map[string]string `json:"renames"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var body resolveReq
	if err := decodeJSON(w, r, &body); err != nil {
		badRequest(w, "invalid json")
		return
	}
	action, err := model.ParseResolutionAction(body.Action)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.opts.Service.Resolve(r.Context(), r.PathValue("id"), model.Resolution{
		Action:        action,
		ChosenSkillID: strings.TrimSpace(body.ChosenSkillID),
		MergedContent: body.MergedContent,
		Renames:       body.Renames,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, apiResp{OK: true, Data: res})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	scope := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("scope")))
	var status model.SkillStatus
	switch scope {
	case "", "ready":
		scope = "ready"
		status = model.StatusReady
	case "all":
	default:
		badRequest(w, fmt.Sprintf("invalid scope %q", scope))
		return
	}
	skills, err := s.opts.Service.ListSkills(r.Context(), status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sources, err := s.opts.Service.ListSources(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	now := s.opts.Now().UTC()
	name := fmt.Sprintf("skills-%s-%s.tar.gz", scope, now.Format("20060102T150405Z"))
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Cache-Control", "no-store")
	if err := export.WriteArchive(w, skills, sources, now); err != nil {
		// Headers are already sent; the truncated archive fails to decompress on the client.
		s.log.Warn("archive download aborted", "scope", scope, "error", err)
	}
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	if s.opts.Exporter == nil {
		writeJSON(w, http.StatusNotFound, apiResp{OK: false, Error: "export disabled", Code: model.ErrCodeNotFound})
		return
	}
	meta, err := s.opts.Exporter.CurrentMetadata()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if meta == nil {
		writeJSON(w, http.StatusNotFound, apiResp{OK: false, Error: "nothing published yet", Code: model.ErrCodeNotFound})
		return
	}
	writeOK(w, meta)
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if s.opts.Logs == nil {
		writeOK(w, []any{})
		return
	}
	writeOK(w, s.opts.Logs.List(limit))
}

type clearResp struct {
	Cleared int `json:"cleared"`
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	if s.opts.Logs == nil {
		writeOK(w, clearResp{})
		return
	}
	n := s.opts.Logs.Len()
	s.opts.Logs.Clear()
	writeOK(w, clearResp{Cleared: n})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	logs, err := s.opts.Service.History(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if logs == nil {
		logs = []model.SyncLog{}
	}
	writeOK(w, logs)
}
