// -- cmd/serve.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/helmsman-ai/helmsman/api/schemas"
	"github.com/helmsman-ai/helmsman/internal/agent"
	"github.com/helmsman-ai/helmsman/internal/browser"
	"github.com/helmsman-ai/helmsman/internal/drive"
	"github.com/helmsman-ai/helmsman/internal/llm"
	"github.com/helmsman-ai/helmsman/internal/observability"
	"github.com/helmsman-ai/helmsman/internal/remote"
)

var serveJSON = jsoniter.ConfigCompatibleWithStandardLibrary

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane: executor endpoints plus the run API.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := observability.GetLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := browser.NewManager(cfg.Browser, logger)
	manager.StartGC()
	local := drive.NewLocal(manager)

	registry := remote.NewRegistry(logger)
	remoteAdapter := remote.NewAdapter(registry, cfg.Execution.CommandTimeout, logger)

	adapter, err := drive.Select(cfg.Execution.Mode, local, remoteAdapter, logger)
	if err != nil {
		return err
	}

	reasoner, err := llm.NewGemini(ctx, logger, cfg.LLM)
	if err != nil {
		return err
	}

	skills := agent.NewSkillRegistry(logger)
	if err := registerBuiltinSkills(skills); err != nil {
		return err
	}

	loop := agent.NewLoop(logger, cfg.Agent, adapter, reasoner, skills, agent.NewSecrets())

	server := remote.NewServer(registry, remoteAdapter, cfg.Server.KeepAliveInterval, logger)
	router := server.Routes()
	mountRunRoutes(router, loop, logger)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	return manager.Shutdown(shutdownCtx)
}

// runRequest is one user turn submitted by the conversation layer.
type runRequest struct {
	SessionID string `json:"sessionId"`
	Goal      string `json:"goal"`
	TargetURL string `json:"targetUrl,omitempty"`
	Headless  *bool  `json:"headless,omitempty"`
}

type runResponse struct {
	Outcome      agent.Outcome `json:"outcome"`
	Message      string        `json:"message,omitempty"`
	ActionsTaken int           `json:"actionsTaken"`
}

// mountRunRoutes adds the conversation-facing run API next to the executor
// endpoints.
func mountRunRoutes(router chi.Router, loop *agent.Loop, logger *zap.Logger) {
	router.Post("/api/runs", func(w http.ResponseWriter, r *http.Request) {
		var req runRequest
		if err := serveJSON.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.SessionID == "" || req.Goal == "" {
			http.Error(w, "sessionId and goal are required", http.StatusBadRequest)
			return
		}

		headless := cfg.Browser.Headless
		if req.Headless != nil {
			headless = *req.Headless
		}
		session := schemas.Session{
			ID:        req.SessionID,
			TargetURL: req.TargetURL,
			Headless:  headless,
			Status:    schemas.SessionRunning,
		}

		result := loop.Run(r.Context(), session, req.Goal)

		w.Header().Set("Content-Type", "application/json")
		if err := serveJSON.NewEncoder(w).Encode(runResponse{
			Outcome:      result.Outcome,
			Message:      result.Message,
			ActionsTaken: result.ActionsTaken,
		}); err != nil {
			logger.Warn("Failed to write run response", zap.Error(err))
		}
	})

	router.Post("/api/runs/{sessionID}/stop", func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")
		if sessionID == "" {
			http.Error(w, "sessionID is required", http.StatusBadRequest)
			return
		}
		loop.RequestStop(sessionID)
		w.WriteHeader(http.StatusAccepted)
	})
}

// registerBuiltinSkills installs the skills shipped with the binary. Callers
// embedding the loop can register their own on top.
func registerBuiltinSkills(registry *agent.SkillRegistry) error {
	skills := []agent.Skill{
		{
			Name: "standard-login",
			Instructions: "Locate the username and password fields on the current page. " +
				"Fill the username with type_test_account_secret field \"username\" and the password " +
				"with field \"password\", then click the submit button. Never type credentials literally.",
		},
		{
			Name:         "math",
			Instructions: "Use the bundled scripts for arithmetic instead of computing in your head.",
			Scripts: map[string]agent.ScriptFunc{
				"add":      arithmeticScript(func(a, b float64) float64 { return a + b }),
				"multiply": arithmeticScript(func(a, b float64) float64 { return a * b }),
			},
		},
	}
	for _, skill := range skills {
		if err := registry.Register(skill); err != nil {
			return err
		}
	}
	return nil
}

func arithmeticScript(op func(a, b float64) float64) agent.ScriptFunc {
	return func(_ context.Context, args map[string]any) (string, error) {
		a, okA := toFloat(args["a"])
		b, okB := toFloat(args["b"])
		if !okA || !okB {
			return "", fmt.Errorf("args %q and %q must be numbers", "a", "b")
		}
		return fmt.Sprintf("%g", op(a, b)), nil
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
