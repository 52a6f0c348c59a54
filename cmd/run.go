// -- cmd/run.go --
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/helmsman-ai/helmsman/api/schemas"
	"github.com/helmsman-ai/helmsman/internal/agent"
	"github.com/helmsman-ai/helmsman/internal/browser"
	"github.com/helmsman-ai/helmsman/internal/drive"
	"github.com/helmsman-ai/helmsman/internal/llm"
	"github.com/helmsman-ai/helmsman/internal/observability"
)

var (
	runTargetURL string
	runSessionID string
	runHeadful   bool
)

// runCmd executes a single goal against an in-process browser and prints the
// outcome. It always uses the local adapter; hybrid runs go through serve.
var runCmd = &cobra.Command{
	Use:   "run [goal]",
	Short: "Execute one agent turn against a local browser.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runOnce,
}

func init() {
	runCmd.Flags().StringVar(&runTargetURL, "url", "", "starting URL for the session")
	runCmd.Flags().StringVar(&runSessionID, "session", "", "session id (defaults to a fresh UUID)")
	runCmd.Flags().BoolVar(&runHeadful, "headful", false, "run the browser with a visible window")
	rootCmd.AddCommand(runCmd)
}

func runOnce(cmd *cobra.Command, args []string) error {
	logger := observability.GetLogger()
	goal := strings.Join(args, " ")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := browser.NewManager(cfg.Browser, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Browser shutdown incomplete", zap.Error(err))
		}
	}()

	reasoner, err := llm.NewGemini(ctx, logger, cfg.LLM)
	if err != nil {
		return err
	}

	skills := agent.NewSkillRegistry(logger)
	if err := registerBuiltinSkills(skills); err != nil {
		return err
	}

	loop := agent.NewLoop(logger, cfg.Agent, drive.NewLocal(manager), reasoner, skills, agent.NewSecrets())

	sessionID := runSessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	session := schemas.Session{
		ID:        sessionID,
		TargetURL: runTargetURL,
		Headless:  !runHeadful,
		Status:    schemas.SessionRunning,
	}

	result := loop.Run(ctx, session, goal)

	fmt.Fprintf(cmd.OutOrStdout(), "outcome: %s\n", result.Outcome)
	if result.Message != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "message: %s\n", result.Message)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "actions: %d\n", result.ActionsTaken)

	if result.Outcome == agent.OutcomeError {
		return fmt.Errorf("run failed: %s", result.Message)
	}
	return nil
}
