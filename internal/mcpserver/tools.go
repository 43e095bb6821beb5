// Package mcpserver exposes the sync controller as MCP tools so agents can inspect and resolve conflicts.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/floegence/skillhub/internal/model"
	"github.com/floegence/skillhub/internal/pipeline"
)

// Service is the part of the controller the tools drive.
type Service interface {
	Status(ctx context.Context) (pipeline.Status, error)
	TriggerRun() (pipeline.Status, error)
	History(ctx context.Context, limit int) ([]model.SyncLog, error)
	ListSkills(ctx context.Context, status model.SkillStatus) ([]model.Skill, error)
	GetSkill(ctx context.Context, id string) (model.Skill, error)
	ListConflicts(ctx context.Context, status model.ConflictStatus) ([]model.Conflict, error)
	GetConflict(ctx context.Context, id string) (model.Conflict, error)
	Resolve(ctx context.Context, conflictID string, res model.Resolution) (pipeline.ResolveResult, error)
}

// New builds a server with every tool registered.
func New(version string, svc Service) *server.MCPServer {
	s := server.NewMCPServer(
		"skillhub",
		version,
		server.WithToolCapabilities(true),
	)
	Register(s, svc)
	return s
}

// Serve runs s over stdin/stdout until the client disconnects.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func Register(s *server.MCPServer, svc Service) {
	s.AddTool(syncStatusTool(), syncStatusHandler(svc))
	s.AddTool(triggerSyncTool(), triggerSyncHandler(svc))
	s.AddTool(syncHistoryTool(), syncHistoryHandler(svc))
	s.AddTool(listSkillsTool(), listSkillsHandler(svc))
	s.AddTool(getSkillTool(), getSkillHandler(svc))
	s.AddTool(listConflictsTool(), listConflictsHandler(svc))
	s.AddTool(getConflictTool(), getConflictHandler(svc))
	s.AddTool(resolveConflictTool(), resolveConflictHandler(svc))
}

// --- sync_status ---

func syncStatusTool() mcp.Tool {
	return mcp.NewTool("sync_status",
		mcp.WithDescription("Report the sync state machine: current state, ready/blocked counts and pending conflicts."),
	)
}

func syncStatusHandler(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := svc.Status(ctx)
		if err != nil {
			return toolError(err)
		}
		return mcp.NewToolResultText(formatStatus(st)), nil
	}
}

func formatStatus(st pipeline.Status) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "state: %s\n", st.State)
	if st.RunID != "" {
		fmt.Fprintf(&sb, "run: %s (%s)\n", st.RunID, nonEmpty(st.Outcome, "running"))
	}
	fmt.Fprintf(&sb, "ready: %d\nblocked: %d\npending conflicts: %d\n", st.ReadyCount, st.BlockedCount, st.PendingConflicts)
	if st.QueuedResolutions > 0 {
		fmt.Fprintf(&sb, "queued resolutions: %d\n", st.QueuedResolutions)
	}
	if st.ExportVersion != "" {
		fmt.Fprintf(&sb, "export: %s\n", st.ExportVersion)
	}
	if len(st.Stats.SourcesFailed) > 0 {
		fmt.Fprintf(&sb, "failed sources: %s\n", strings.Join(st.Stats.SourcesFailed, ", "))
	}
	if st.LastError != "" {
		fmt.Fprintf(&sb, "last error: %s\n", st.LastError)
	}
	return sb.String()
}

// --- trigger_sync ---

func triggerSyncTool() mcp.Tool {
	return mcp.NewTool("trigger_sync",
		mcp.WithDescription("Start a sync run. Fails if a run is already in progress."),
	)
}

func triggerSyncHandler(svc Service) server.ToolHandlerFunc {
	return func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := svc.TriggerRun()
		if err != nil {
			return toolError(err)
		}
		return mcp.NewToolResultText(fmt.Sprintf("sync started (run %s)", st.RunID)), nil
	}
}

// --- sync_history ---

func syncHistoryTool() mcp.Tool {
	return mcp.NewTool("sync_history",
		mcp.WithDescription("List the most recent finished sync runs, newest first."),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of runs (default 10)"),
		),
	)
}

func syncHistoryHandler(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			return toolError(errors.New("limit must be positive"))
		}
		logs, err := svc.History(ctx, limit)
		if err != nil {
			return toolError(err)
		}
		return formatEntities(logs, func(l model.SyncLog) string {
			line := fmt.Sprintf("%s  %s  %s  ready=%d blocked=%d", l.ID, l.Outcome, l.State, l.ReadyCount, l.BlockedCount)
			if l.Error != "" {
				line += "  error=" + l.Error
			}
			return line
		})
	}
}

// --- list_skills ---

func listSkillsTool() mcp.Tool {
	return mcp.NewTool("list_skills",
		mcp.WithDescription("List aggregated skills with their id, source, path and status."),
		mcp.WithString("status",
			mcp.Description("Filter by status. Omit to list all."),
			mcp.Enum(string(model.StatusReady), string(model.StatusBlocked)),
		),
	)
}

func listSkillsHandler(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status := model.SkillStatus(strings.ToLower(req.GetString("status", "")))
		skills, err := svc.ListSkills(ctx, status)
		if err != nil {
			return toolError(err)
		}
		return formatEntities(skills, formatSkill)
	}
}

func formatSkill(s model.Skill) string {
	line := fmt.Sprintf("%s  %s  %s:%s  %s", s.ID, s.Name, s.SourceID, s.Path, s.Status)
	if s.Analysis != nil && s.Analysis.Summary != "" {
		line += "  " + s.Analysis.Summary
	}
	return line
}

// --- get_skill ---

func getSkillTool() mcp.Tool {
	return mcp.NewTool("get_skill",
		mcp.WithDescription("Return one skill as JSON, including its SKILL.md content and analysis."),
		mcp.WithString("id",
			mcp.Description("Skill id"),
			mcp.Required(),
		),
	)
}

func getSkillHandler(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := strings.TrimSpace(req.GetString("id", ""))
		if id == "" {
			return toolError(errors.New("id is required"))
		}
		sk, err := svc.GetSkill(ctx, id)
		if err != nil {
			return toolError(err)
		}
		// Auxiliary file bodies are large and binary-safe only as base64; drop them.
		sk.Files = nil
		return jsonResult(sk)
	}
}

// --- list_conflicts ---

func listConflictsTool() mcp.Tool {
	return mcp.NewTool("list_conflicts",
		mcp.WithDescription("List conflicts between skills. Pending conflicts block their members from export."),
		mcp.WithString("status",
			mcp.Description("Filter by status (default pending)."),
			mcp.Enum(string(model.ConflictPending), string(model.ConflictResolved)),
		),
	)
}

func listConflictsHandler(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status := model.ConflictStatus(strings.ToLower(req.GetString("status", string(model.ConflictPending))))
		if !status.Valid() {
			return toolError(fmt.Errorf("unknown conflict status %q", status))
		}
		list, err := svc.ListConflicts(ctx, status)
		if err != nil {
			return toolError(err)
		}
		return formatEntities(list, formatConflict)
	}
}

func formatConflict(c model.Conflict) string {
	line := fmt.Sprintf("%s  %s  %s  skills=%s", c.ID, c.Type, c.Status, strings.Join(c.SkillIDs, ","))
	if c.AIRecommendation != nil {
		line += fmt.Sprintf("  recommends=%s", c.AIRecommendation.Action)
	}
	return line
}

// --- get_conflict ---

func getConflictTool() mcp.Tool {
	return mcp.NewTool("get_conflict",
		mcp.WithDescription("Return one conflict as JSON with its recommendation and resolution, if any."),
		mcp.WithString("id",
			mcp.Description("Conflict id"),
			mcp.Required(),
		),
	)
}

func getConflictHandler(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := strings.TrimSpace(req.GetString("id", ""))
		if id == "" {
			return toolError(errors.New("id is required"))
		}
		c, err := svc.GetConflict(ctx, id)
		if err != nil {
			return toolError(err)
		}
		return jsonResult(c)
	}
}

// --- resolve_conflict ---

func resolveConflictTool() mcp.Tool {
	return mcp.NewTool("resolve_conflict",
		mcp.WithDescription("Resolve a pending conflict. choose_one keeps one member, merge replaces the members with merged content, keep_all keeps every member under distinct names."),
		mcp.WithString("id",
			mcp.Description("Conflict id"),
			mcp.Required(),
		),
		mcp.WithString("action",
			mcp.Description("Resolution action"),
			mcp.Required(),
			mcp.Enum(string(model.ActionChooseOne), string(model.ActionMerge), string(model.ActionKeepAll)),
		),
		mcp.WithString("chosen_skill_id",
			mcp.Description("Member to keep (choose_one) or to carry the merged content (merge)"),
		),
		mcp.WithString("merged_content",
			mcp.Description("Full SKILL.md for merge; omit to use the advisor's suggestion"),
		),
		mcp.WithObject("renames",
			mcp.Description("keep_all: map of skill id to new name; unnamed members get <name>-<source>"),
		),
	)
}

func resolveConflictHandler(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := strings.TrimSpace(req.GetString("id", ""))
		if id == "" {
			return toolError(errors.New("id is required"))
		}
		action, err := model.ParseResolutionAction(req.GetString("action", ""))
		if err != nil {
			return toolError(err)
		}
		renames, err := stringMap(req.GetArguments()["renames"])
		if err != nil {
			return toolError(err)
		}
		res, err := svc.Resolve(ctx, id, model.Resolution{
			Action:        action,
			ChosenSkillID: strings.TrimSpace(req.GetString("chosen_skill_id", "")),
			MergedContent: req.GetString("merged_content", ""),
			Renames:       renames,
		})
		if err != nil {
			return toolError(err)
		}
		if res.Queued {
			return mcp.NewToolResultText(fmt.Sprintf("conflict %s: %s queued, applied when the current run finishes", id, action)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("conflict %s resolved with %s", id, action)), nil
	}
}

func stringMap(v any) (map[string]string, error) {
	if v == nil {
		return nil, nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("renames must be an object")
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("renames[%s] must be a string", k)
		}
		out[k] = s
	}
	return out, nil
}

// --- helpers ---

func toolError(err error) (*mcp.CallToolResult, error) {
	if e, ok := model.AsError(err); ok {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", e.Code(), nonEmpty(e.Message(), err.Error()))), nil
	}
	return mcp.NewToolResultError(err.Error()), nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolError(err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

func formatEntities[T any](entities []T, format func(T) string) (*mcp.CallToolResult, error) {
	if len(entities) == 0 {
		return mcp.NewToolResultText("No results."), nil
	}
	lines := make([]string, 0, len(entities))
	for _, e := range entities {
		lines = append(lines, format(e))
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n") + "\n"), nil
}

func nonEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
