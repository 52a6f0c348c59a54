// internal/llm/gemini.go
package llm

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/helmsman-ai/helmsman/internal/agent"
	"github.com/helmsman-ai/helmsman/internal/config"
)

const systemPrompt = `You are a browser automation agent. You drive a web page one step at a time toward the user's goal.

Respond with exactly one JSON object and nothing else. The object must have an "action" field and a "reasoning" field. Permitted actions:

  {"action": "navigate", "reasoning": "...", "url": "https://..."}
  {"action": "click", "reasoning": "...", "selector": "#css-selector"}
  {"action": "type", "reasoning": "...", "selector": "#css-selector", "text": "..."}
  {"action": "scroll", "reasoning": "...", "direction": "up" | "down"}
  {"action": "use_skill", "reasoning": "...", "skill_name": "..."}
  {"action": "run_script", "reasoning": "...", "skill_name": "...", "script": "...", "args": {...}}
  {"action": "type_secret", "reasoning": "...", "selector": "#css-selector", "key": "ENV_VAR_NAME"}
  {"action": "type_test_account_secret", "reasoning": "...", "selector": "#css-selector", "field": "username" | "password"}
  {"action": "ask_human", "reasoning": "...", "question": "..."}
  {"action": "done", "reasoning": "...", "message": "..."}
  {"action": "error", "reasoning": "...", "message": "..."}

Never ask for or output raw secret values; reference them by key or field name only. Use "done" the moment the goal is achieved. Use "ask_human" when you are blocked by something only a person can resolve (captcha, 2FA prompt).`

// Gemini is the production reasoner backed by the Gemini API. It satisfies
// agent.Reasoner.
type Gemini struct {
	logger *zap.Logger
	cfg    config.LLMConfig
	client *genai.Client
}

// NewGemini constructs a reasoner from the configured model and API key.
func NewGemini(ctx context.Context, logger *zap.Logger, cfg config.LLMConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm.api_key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Gemini{logger: logger, cfg: cfg, client: client}, nil
}

// NextAction asks the model for the next step. The raw text is returned
// untrusted; the agent loop parses and validates it.
func (g *Gemini) NextAction(ctx context.Context, req agent.ReasonRequest) (string, error) {
	if g.cfg.APITimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.APITimeout)
		defer cancel()
	}

	prompt := BuildPrompt(req)
	g.logger.Debug("Requesting next action",
		zap.String("model", g.cfg.Model),
		zap.Int("prompt_chars", len(prompt)))

	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}},
			Temperature:       genai.Ptr(g.cfg.Temperature),
			ResponseMIMEType:  "application/json",
		})
	if err != nil {
		return "", fmt.Errorf("gemini request failed: %w", err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("gemini returned an empty response")
	}
	return text, nil
}

// BuildPrompt renders one reasoning request as the model's user turn. Exported
// for testing; network access is not required to exercise it.
func BuildPrompt(req agent.ReasonRequest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "GOAL:\n%s\n", req.Goal)

	if len(req.AvailableSkills) > 0 {
		fmt.Fprintf(&b, "\nAVAILABLE SKILLS: %s\n", strings.Join(req.AvailableSkills, ", "))
	}
	if req.Skill != nil {
		fmt.Fprintf(&b, "\nACTIVE SKILL %q INSTRUCTIONS:\n%s\n", req.Skill.Name, req.Skill.Instructions)
	}

	if len(req.History) > 0 {
		b.WriteString("\nHISTORY:\n")
		for _, entry := range req.History {
			fmt.Fprintf(&b, "[%s] %s\n", entry.Role, entry.Content)
		}
	}

	b.WriteString("\nCURRENT PAGE:\n")
	if req.Observation.DOMSnapshot != "" {
		b.WriteString(req.Observation.DOMSnapshot)
		b.WriteString("\n")
	} else {
		b.WriteString("(no page content captured)\n")
	}
	if len(req.Observation.ConsoleErrors) > 0 {
		b.WriteString("\nCONSOLE ERRORS:\n")
		for _, line := range req.Observation.ConsoleErrors {
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}
	if req.Observation.ScreenshotPath != "" {
		fmt.Fprintf(&b, "\nScreenshot saved at: %s\n", req.Observation.ScreenshotPath)
	}

	b.WriteString("\nRespond with the single JSON object for the next action.")
	return b.String()
}
