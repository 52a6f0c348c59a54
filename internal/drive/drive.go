// internal/drive/drive.go
package drive

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/helmsman-ai/helmsman/api/schemas"
	"github.com/helmsman-ai/helmsman/internal/browser"
	"github.com/helmsman-ai/helmsman/internal/config"
)

// Local adapts the in-process browser manager to the execution contract. It
// is a thin pass-through; all lifecycle behavior lives in the manager.
type Local struct {
	manager *browser.Manager
}

var _ schemas.ExecutionAdapter = (*Local)(nil)

// NewLocal wraps a browser manager.
func NewLocal(manager *browser.Manager) *Local {
	return &Local{manager: manager}
}

func (l *Local) HasSession(ctx context.Context, sessionID string) bool {
	return l.manager.HasSession(ctx, sessionID)
}

func (l *Local) GetPage(ctx context.Context, sessionID, url string, headless bool) error {
	return l.manager.GetPage(ctx, sessionID, url, headless)
}

func (l *Local) CaptureScreenshot(ctx context.Context, sessionID, dir, label string) (string, error) {
	return l.manager.CaptureScreenshot(ctx, sessionID, dir, label)
}

func (l *Local) GetSimplifiedDOM(ctx context.Context, sessionID string) (string, error) {
	return l.manager.GetSimplifiedDOM(ctx, sessionID)
}

func (l *Local) GetConsoleErrors(ctx context.Context, sessionID string) ([]string, error) {
	return l.manager.GetConsoleErrors(ctx, sessionID)
}

func (l *Local) ExecuteAction(ctx context.Context, sessionID string, action schemas.BrowserAction, headless bool) error {
	if err := l.manager.GetPage(ctx, sessionID, "", headless); err != nil {
		return err
	}
	return l.manager.ExecuteAction(ctx, sessionID, browser.Action{
		Name:      string(action.Name),
		URL:       action.URL,
		Selector:  action.Selector,
		Text:      action.Text,
		Direction: action.Direction,
	})
}

func (l *Local) CloseSession(ctx context.Context, sessionID string) error {
	return l.manager.CloseSession(ctx, sessionID)
}

// Select picks the execution adapter for the configured deployment mode. A
// session uses the selected adapter for the whole duration of a loop run.
func Select(mode config.ExecutionMode, local, remote schemas.ExecutionAdapter, logger *zap.Logger) (schemas.ExecutionAdapter, error) {
	switch mode {
	case config.ModeLocal:
		logger.Info("Execution routed to in-process browser.")
		return local, nil
	case config.ModeHybrid:
		logger.Info("Execution routed to remote executor.")
		return remote, nil
	default:
		return nil, fmt.Errorf("unknown execution mode %q", mode)
	}
}
