// internal/agent/action.go
package agent

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
	"github.com/kaptinlin/jsonrepair"
)

// ActionType tags the permitted agent actions.
type ActionType string

const (
	ActionNavigate       ActionType = "navigate"
	ActionClick          ActionType = "click"
	ActionTypeText       ActionType = "type"
	ActionScroll         ActionType = "scroll"
	ActionAskHuman       ActionType = "ask_human"
	ActionDone           ActionType = "done"
	ActionError          ActionType = "error"
	ActionUseSkill       ActionType = "use_skill"
	ActionTypeSecret     ActionType = "type_secret"
	ActionTypeTestSecret ActionType = "type_test_account_secret"
	ActionRunScript      ActionType = "run_script"
)

// Action is one validated step decided by the reasoning model. Immutable once
// it leaves ParseAction.
type Action struct {
	Type      ActionType `json:"action"`
	Reasoning string     `json:"reasoning"`

	URL       string `json:"url,omitempty"`
	Selector  string `json:"selector,omitempty"`
	Text      string `json:"text,omitempty"`
	Direction string `json:"direction,omitempty"`

	// Key names the environment variable for type_secret; Field names the
	// test-account column for type_test_account_secret. Raw secret values
	// never appear in an Action.
	Key   string `json:"key,omitempty"`
	Field string `json:"field,omitempty"`

	SkillName string         `json:"skill_name,omitempty"`
	Script    string         `json:"script,omitempty"`
	Args      map[string]any `json:"args,omitempty"`

	Question string `json:"question,omitempty"`
	Message  string `json:"message,omitempty"`
}

var actionJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// jsonBlockRegex extracts a JSON object from a fenced or unfenced model
// response.
var jsonBlockRegex = regexp.MustCompile("(?s)(?:```json\\s*|)(\\{.*\\})(?:```|)")

const (
	reasoningPlaceholder = "(no reasoning provided)"
	rawSnippetLimit      = 160
)

// ParseAction turns raw model output into a validated Action. It never fails:
// residual violations come back as a structured error action describing the
// offending fields, so the loop can record them instead of crashing.
func ParseAction(raw string) Action {
	payload := extractJSON(raw)

	var fields map[string]any
	if err := actionJSON.Unmarshal([]byte(payload), &fields); err != nil {
		// Models emit trailing commas, single quotes, and worse; repair
		// before giving up. Decoder errors quote the unparsed input, so the
		// message stays fixed and only the truncated snippet carries it.
		repaired, repairErr := jsonrepair.JSONRepair(payload)
		if repairErr != nil || actionJSON.Unmarshal([]byte(repaired), &fields) != nil {
			return errorAction("response is not a JSON object", raw)
		}
	}

	fields = NormalizeActionFields(fields)

	encoded, err := actionJSON.Marshal(fields)
	if err != nil {
		return errorAction("normalized payload not encodable", raw)
	}
	var action Action
	if err := actionJSON.Unmarshal(encoded, &action); err != nil {
		return errorAction("payload shape invalid", raw)
	}

	if violations := validateAction(action); len(violations) > 0 {
		return errorAction("invalid action: "+strings.Join(violations, "; "), raw)
	}
	return action
}

// NormalizeActionFields fixes the known ways models mangle the schema. It is
// pure so the repairs stay independently testable from strict validation:
//   - {use_skill: name} becomes {action: "use_skill", skill_name: name}
//   - type_secret payloads using "text" instead of "key" are rewritten
//   - a missing reasoning string is filled with a placeholder
func NormalizeActionFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}

	if _, ok := out["action"]; !ok {
		if name, ok := out["use_skill"].(string); ok {
			out["action"] = string(ActionUseSkill)
			out["skill_name"] = name
			delete(out, "use_skill")
		}
	}

	if out["action"] == string(ActionTypeSecret) || out["action"] == string(ActionTypeTestSecret) {
		if _, hasKey := out["key"]; !hasKey {
			if text, ok := out["text"].(string); ok && out["action"] == string(ActionTypeSecret) {
				out["key"] = text
				delete(out, "text")
			}
		}
	}

	if reasoning, ok := out["reasoning"].(string); !ok || strings.TrimSpace(reasoning) == "" {
		out["reasoning"] = reasoningPlaceholder
	}

	return out
}

// validateAction runs the strict per-variant checks that remain after
// normalization.
func validateAction(a Action) []string {
	var violations []string
	missing := func(field string) {
		violations = append(violations, fmt.Sprintf("%s requires %q", a.Type, field))
	}

	switch a.Type {
	case ActionNavigate:
		if a.URL == "" {
			missing("url")
		}
	case ActionClick:
		if a.Selector == "" {
			missing("selector")
		}
	case ActionTypeText:
		if a.Selector == "" {
			missing("selector")
		}
		if a.Text == "" {
			missing("text")
		}
	case ActionScroll:
		if a.Direction != "" && a.Direction != "up" && a.Direction != "down" {
			violations = append(violations, fmt.Sprintf("scroll direction %q is not up/down", a.Direction))
		}
	case ActionUseSkill:
		if a.SkillName == "" {
			missing("skill_name")
		}
	case ActionTypeSecret:
		if a.Selector == "" {
			missing("selector")
		}
		if a.Key == "" {
			missing("key")
		}
	case ActionTypeTestSecret:
		if a.Selector == "" {
			missing("selector")
		}
		if a.Field == "" {
			missing("field")
		}
	case ActionRunScript:
		if a.SkillName == "" {
			missing("skill_name")
		}
		if a.Script == "" {
			missing("script")
		}
	case ActionAskHuman, ActionDone, ActionError:
		// Reasoning alone is enough; message/question are optional context.
	case "":
		violations = append(violations, "missing 'action' field")
	default:
		violations = append(violations, fmt.Sprintf("unknown action type %q", a.Type))
	}

	return violations
}

func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if matches := jsonBlockRegex.FindStringSubmatch(raw); len(matches) > 1 {
		return matches[1]
	}
	return raw
}

// errorAction packages a validation failure as a terminal error action with a
// truncated snippet of the offending output.
func errorAction(reason, raw string) Action {
	snippet := strings.TrimSpace(raw)
	if len(snippet) > rawSnippetLimit {
		cut := rawSnippetLimit
		// Back up to a rune boundary so the cut never splits a character.
		for cut > 0 && !utf8.RuneStart(snippet[cut]) {
			cut--
		}
		snippet = snippet[:cut] + "..."
	}
	return Action{
		Type:      ActionError,
		Reasoning: reasoningPlaceholder,
		Message:   fmt.Sprintf("%s (raw: %s)", reason, snippet),
	}
}

// Label renders the action for history and transcripts without exposing
// secret values.
func (a Action) Label() string {
	switch a.Type {
	case ActionNavigate:
		return fmt.Sprintf("navigate(%s)", a.URL)
	case ActionClick:
		return fmt.Sprintf("click(%s)", a.Selector)
	case ActionTypeText:
		return fmt.Sprintf("type(%s, %d chars)", a.Selector, len(a.Text))
	case ActionScroll:
		dir := a.Direction
		if dir == "" {
			dir = "down"
		}
		return fmt.Sprintf("scroll(%s)", dir)
	case ActionTypeSecret:
		return fmt.Sprintf("type_secret(%s, key=%s)", a.Selector, a.Key)
	case ActionTypeTestSecret:
		return fmt.Sprintf("type_test_account_secret(%s, field=%s)", a.Selector, a.Field)
	case ActionUseSkill:
		return fmt.Sprintf("use_skill(%s)", a.SkillName)
	case ActionRunScript:
		return fmt.Sprintf("run_script(%s/%s)", a.SkillName, a.Script)
	default:
		return string(a.Type)
	}
}
