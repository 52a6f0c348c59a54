// internal/llm/gemini_test.go
package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/helmsman-ai/helmsman/api/schemas"
	"github.com/helmsman-ai/helmsman/internal/agent"
	"github.com/helmsman-ai/helmsman/internal/config"
	"go.uber.org/zap/zaptest"
)

func TestNewGeminiRequiresAPIKey(t *testing.T) {
	_, err := NewGemini(context.Background(), zaptest.NewLogger(t), config.LLMConfig{Model: "gemini-2.0-flash"})
	assert.Error(t, err)
}

func TestBuildPromptIncludesGoalAndPage(t *testing.T) {
	prompt := BuildPrompt(agent.ReasonRequest{
		Goal: "log in to the dashboard",
		Observation: schemas.Observation{
			DOMSnapshot:   "Page: Login\n[1] <input> Username -- selector: #user",
			ConsoleErrors: []string{"TypeError: x is undefined"},
		},
		History: []agent.HistoryEntry{
			{Role: "assistant", Content: "navigate(https://example.com) — open the site"},
		},
	})

	assert.Contains(t, prompt, "log in to the dashboard")
	assert.Contains(t, prompt, "selector: #user")
	assert.Contains(t, prompt, "TypeError: x is undefined")
	assert.Contains(t, prompt, "[assistant] navigate(https://example.com)")
}

func TestBuildPromptRendersSkillContext(t *testing.T) {
	prompt := BuildPrompt(agent.ReasonRequest{
		Goal:            "check out",
		AvailableSkills: []string{"standard-login", "checkout"},
		Skill:           &agent.SkillContext{Name: "checkout", Instructions: "Click the cart icon first."},
	})

	assert.Contains(t, prompt, "AVAILABLE SKILLS: standard-login, checkout")
	assert.Contains(t, prompt, `ACTIVE SKILL "checkout"`)
	assert.Contains(t, prompt, "Click the cart icon first.")
}

func TestBuildPromptHandlesEmptyObservation(t *testing.T) {
	prompt := BuildPrompt(agent.ReasonRequest{Goal: "anything"})
	assert.Contains(t, prompt, "(no page content captured)")
}
