// Package advisor asks an LLM how a conflict should be resolved. Its output is advisory only.
package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/floegence/skillhub/internal/llm"
	"github.com/floegence/skillhub/internal/model"
)

const systemPrompt = "You compare competing versions of Claude Code / OpenCode skills and answer with a single JSON object and nothing else."

const comparisonFormat = `{
  "comparison": [
    {"source": "source name", "strengths": ["..."], "weaknesses": ["..."], "completeness": 0, "quality": 0}
  ],
  "recommendation": {
    "action": "choose_one | merge | keep_all",
    "chosen": "number of the recommended version when action is choose_one",
    "reason": "why (under 50 words)",
    "merge_suggestion": "when action is merge, the complete merged SKILL.md"
  }
}`

const decisionGuide = `Guidance:
- choose_one when one version is clearly more complete or of higher quality
- merge when the versions have complementary strengths
- keep_all when they do different things a user may want side by side (they will be renamed)`

const maxMemberContent = 24 << 10

// Member is one side of a conflict as shown to the provider.
type Member struct {
	Skill    model.Skill
	Source   model.Source
	FileList []string
}

type Options struct {
	Logger *slog.Logger
	// Client may be nil; every call then fails with AdvisorUnavailable.
	Client llm.Client
}

type Advisor struct {
	log    *slog.Logger
	client llm.Client
}

func New(opts Options) *Advisor {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Advisor{log: log, client: opts.Client}
}

func (a *Advisor) Available() bool {
	return a != nil && a.client != nil
}

type reply struct {
	Recommendation struct {
		Action          string          `json:"action"`
		Chosen          json.RawMessage `json:"chosen"`
		Reason          string          `json:"reason"`
		MergeSuggestion string          `json:"merge_suggestion"`
	} `json:"recommendation"`
}

// Recommend returns a recommendation for c. An unrecognized action or choice is reported as
// AdvisorUnavailable so callers keep the conflict without advice.
func (a *Advisor) Recommend(ctx context.Context, c model.Conflict, members []Member) (model.Recommendation, error) {
	if !a.Available() {
		return model.Recommendation{}, model.ErrAdvisorUnavailable
	}
	if len(members) < 2 {
		return model.Recommendation{}, model.NewError(model.ErrCodeAdvisorUnavailable, fmt.Sprintf("conflict %s has fewer than two members", c.ID), nil)
	}
	raw, err := a.client.Complete(ctx, systemPrompt, buildPrompt(c, members))
	if err != nil {
		return model.Recommendation{}, model.NewError(model.ErrCodeAdvisorUnavailable, fmt.Sprintf("advise on conflict %s", c.ID), err)
	}
	rec, err := parseReply(raw, members)
	if err != nil {
		return model.Recommendation{}, model.NewError(model.ErrCodeAdvisorUnavailable, fmt.Sprintf("advise on conflict %s", c.ID), err)
	}
	a.log.Debug("conflict recommendation", "conflict_id", c.ID, "action", rec.Action, "chosen", rec.ChosenSkillID)
	return rec, nil
}

func buildPrompt(c model.Conflict, members []Member) string {
	var b strings.Builder
	if c.Type == model.SimilarConflict {
		b.WriteString("The following skills from different sources look like near-duplicates. Compare them and recommend a resolution.\n\n")
	} else {
		b.WriteString("The following skills from different sources share the same name. Compare them and recommend a resolution.\n\n")
	}
	b.WriteString("<skills>\n")
	for i, m := range members {
		content := m.Skill.Content
		if len(content) > maxMemberContent {
			content = content[:maxMemberContent] + "\n...(truncated)"
		}
		files := "(none)"
		if len(m.FileList) > 0 {
			files = strings.Join(m.FileList, ", ")
		}
		fmt.Fprintf(&b, "## Version %d: %s (priority %d)\n\nName: %s\nPath: %s\n\nSKILL.md:\n```\n%s\n```\n\nBundled files: %s\n\n---\n\n",
			i+1, m.Source.Name, m.Source.Priority, m.Skill.Name, m.Skill.Path, content, files)
	}
	b.WriteString("</skills>\n\nRespond with JSON in exactly this shape:\n\n")
	b.WriteString(comparisonFormat)
	b.WriteString("\n\n")
	b.WriteString(decisionGuide)
	b.WriteString("\n\nOutput only the JSON object.")
	return b.String()
}

func parseReply(raw string, members []Member) (model.Recommendation, error) {
	var r reply
	if err := json.Unmarshal([]byte(llm.ExtractJSON(raw)), &r); err != nil {
		return model.Recommendation{}, fmt.Errorf("decode recommendation: %w", err)
	}
	action, err := model.ParseResolutionAction(r.Recommendation.Action)
	if err != nil || action == model.ActionAutoCleared {
		return model.Recommendation{}, fmt.Errorf("unknown recommended action %q", r.Recommendation.Action)
	}
	rec := model.Recommendation{
		Action:          action,
		Reason:          strings.TrimSpace(r.Recommendation.Reason),
		MergeSuggestion: strings.TrimSpace(r.Recommendation.MergeSuggestion),
	}
	rec.ChosenSkillID = resolveChoice(r.Recommendation.Chosen, members)
	if action == model.ActionChooseOne && rec.ChosenSkillID == "" {
		return model.Recommendation{}, fmt.Errorf("choose_one without a recognizable choice")
	}
	if action != model.ActionMerge {
		rec.MergeSuggestion = ""
	}
	return rec, nil
}

// resolveChoice maps the provider's "chosen" field to a member skill id. Accepted forms are a
// 1-based version number (as number or string), a skill id, a source name or a source id.
func resolveChoice(raw json.RawMessage, members []Member) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var v string
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		v = strconv.Itoa(n)
	} else if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(strings.ToLower(v), "version ")
	if idx, err := strconv.Atoi(v); err == nil {
		if idx >= 1 && idx <= len(members) {
			return members[idx-1].Skill.ID
		}
		return ""
	}
	for _, m := range members {
		if strings.EqualFold(v, m.Skill.ID) || strings.EqualFold(v, m.Source.Name) || strings.EqualFold(v, m.Source.ID) {
			return m.Skill.ID
		}
	}
	return ""
}
