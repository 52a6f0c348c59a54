// -- cmd/cmd_test.go --
package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/helmsman-ai/helmsman/api/schemas"
	"github.com/helmsman-ai/helmsman/internal/agent"
	"github.com/helmsman-ai/helmsman/internal/config"
)

type noopAdapter struct{}

func (noopAdapter) HasSession(context.Context, string) bool               { return true }
func (noopAdapter) GetPage(context.Context, string, string, bool) error   { return nil }
func (noopAdapter) GetSimplifiedDOM(context.Context, string) (string, error) {
	return "Page: blank", nil
}
func (noopAdapter) GetConsoleErrors(context.Context, string) ([]string, error) { return nil, nil }
func (noopAdapter) CloseSession(context.Context, string) error                 { return nil }
func (noopAdapter) CaptureScreenshot(_ context.Context, _, dir, label string) (string, error) {
	return dir + "/" + label + ".png", nil
}
func (noopAdapter) ExecuteAction(context.Context, string, schemas.BrowserAction, bool) error {
	return nil
}

type doneReasoner struct{}

func (doneReasoner) NextAction(context.Context, agent.ReasonRequest) (string, error) {
	return `{"action": "done", "reasoning": "nothing to do", "message": "ok"}`, nil
}

func testLoop(t *testing.T) *agent.Loop {
	t.Helper()
	logger := zaptest.NewLogger(t)
	skills := agent.NewSkillRegistry(logger)
	require.NoError(t, registerBuiltinSkills(skills))
	return agent.NewLoop(logger, config.Default().Agent, noopAdapter{}, doneReasoner{}, skills, agent.NewSecrets())
}

func testRouter(t *testing.T) chi.Router {
	t.Helper()
	cfg = config.Default()
	router := chi.NewRouter()
	mountRunRoutes(router, testLoop(t), zaptest.NewLogger(t))
	return router
}

func TestRunEndpointExecutesTurn(t *testing.T) {
	router := testRouter(t)

	body := `{"sessionId": "s1", "goal": "do nothing"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"outcome":"done"`)
	assert.Contains(t, rec.Body.String(), `"message":"ok"`)
}

func TestRunEndpointRejectsIncompleteRequests(t *testing.T) {
	router := testRouter(t)

	for _, body := range []string{
		`{"goal": "missing session"}`,
		`{"sessionId": "missing goal"}`,
		`not json`,
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body: %s", body)
	}
}

func TestStopEndpointAccepts(t *testing.T) {
	router := testRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs/s1/stop", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestBuiltinSkillsRegister(t *testing.T) {
	registry := agent.NewSkillRegistry(zaptest.NewLogger(t))
	require.NoError(t, registerBuiltinSkills(registry))

	names := registry.Names()
	assert.Contains(t, names, "standard-login")
	assert.Contains(t, names, "math")

	output, err := registry.ExecuteSkillScript(context.Background(), "math", "add", map[string]any{"a": 40.0, "b": 2.0})
	require.NoError(t, err)
	assert.Equal(t, "42", output)

	_, err = registry.ExecuteSkillScript(context.Background(), "math", "add", map[string]any{"a": "x", "b": 2.0})
	assert.Error(t, err)
}

func TestToFloat(t *testing.T) {
	for _, tc := range []struct {
		in   any
		want float64
		ok   bool
	}{
		{3.5, 3.5, true},
		{int(2), 2, true},
		{int64(7), 7, true},
		{"nope", 0, false},
		{nil, 0, false},
	} {
		got, ok := toFloat(tc.in)
		assert.Equal(t, tc.ok, ok)
		if ok {
			assert.Equal(t, tc.want, got)
		}
	}
}
