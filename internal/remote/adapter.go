// internal/remote/adapter.go
package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helmsman-ai/helmsman/api/schemas"
)

// ErrCommandTimeout signals that a remote command went unanswered within its
// timeout window.
var ErrCommandTimeout = errors.New("remote command timed out")

// outcome is the single terminal result of one in-flight command.
type outcome struct {
	data map[string]any
	err  error
}

// pendingCommand correlates one dispatched run.next_action with its eventual
// run.action_result. Each pending is resolved, rejected, or timed out exactly
// once; ownership of resolution belongs to whoever removes it from the map.
type pendingCommand struct {
	stepID    string
	result    chan outcome
	timer     *time.Timer
	createdAt time.Time
}

// Adapter implements schemas.ExecutionAdapter by relaying every operation to
// the attached executor and awaiting the correlated result.
type Adapter struct {
	logger         *zap.Logger
	registry       *Registry
	defaultTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingCommand
	runs    map[string]string // sessionID -> active runID
	lastObs *schemas.Observation
}

var _ schemas.ExecutionAdapter = (*Adapter)(nil)

// NewAdapter creates a remote adapter on top of an executor registry.
func NewAdapter(registry *Registry, defaultTimeout time.Duration, logger *zap.Logger) *Adapter {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Adapter{
		logger:         logger.Named("remote_adapter"),
		registry:       registry,
		defaultTimeout: defaultTimeout,
		pending:        make(map[string]*pendingCommand),
		runs:           make(map[string]string),
	}
}

// AttachExecutor installs a new executor transport. Commands pending on a
// replaced transport were dispatched to a connection that can no longer
// answer them, so they are rejected immediately, mirroring the disconnect
// policy instead of waiting out their timers.
func (a *Adapter) AttachExecutor(executorID string, caps schemas.ExecutorCapabilities, transport Transport) uint64 {
	replaced := a.registry.Connected()
	generation := a.registry.Attach(executorID, caps, transport)
	if replaced {
		a.rejectOutstanding(fmt.Errorf("executor connection replaced: %w", ErrNotConnected))
	}
	return generation
}

// BeginRun allocates a run id for a session's turn and announces it to the
// executor. Best effort: an unreachable executor surfaces on the first real
// command instead.
func (a *Adapter) BeginRun(sessionID, targetURL string) string {
	a.mu.Lock()
	runID, ok := a.runs[sessionID]
	if !ok {
		runID = uuid.NewString()
		a.runs[sessionID] = runID
	}
	a.mu.Unlock()

	if !ok {
		_ = a.registry.Send(&schemas.Frame{
			Type:      schemas.MsgRunAssign,
			RunID:     runID,
			SessionID: sessionID,
			Mode:      "hybrid",
			TargetURL: targetURL,
		})
	}
	return runID
}

// FinishRun announces the turn's terminal status and releases the run id.
func (a *Adapter) FinishRun(sessionID string, status schemas.RunStatus, summary string) {
	a.mu.Lock()
	runID, ok := a.runs[sessionID]
	delete(a.runs, sessionID)
	a.mu.Unlock()

	if !ok {
		return
	}
	_ = a.registry.Send(&schemas.Frame{
		Type:    schemas.MsgRunFinalize,
		RunID:   runID,
		Status:  status,
		Summary: summary,
	})
}

// NotifyNeedsHuman tells the executor a human must take over in its browser.
func (a *Adapter) NotifyNeedsHuman(sessionID, reason, hint string) {
	_ = a.registry.Send(&schemas.Frame{
		Type:   schemas.MsgRunNeedsHuman,
		RunID:  a.runID(sessionID),
		Reason: reason,
		Hint:   hint,
	})
}

func (a *Adapter) runID(sessionID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runs[sessionID]
}

// sendCommand dispatches one command frame and blocks until its correlated
// result, its timeout, a disconnect, or caller cancellation.
func (a *Adapter) sendCommand(ctx context.Context, sessionID, action string, args map[string]any, timeout time.Duration) (map[string]any, error) {
	// Fail fast: a missing executor is a connectivity error, never a wait.
	if !a.registry.Connected() {
		return nil, ErrNotConnected
	}
	if timeout <= 0 {
		timeout = a.defaultTimeout
	}

	stepID := uuid.NewString()
	p := &pendingCommand{
		stepID:    stepID,
		result:    make(chan outcome, 1),
		createdAt: time.Now(),
	}
	p.timer = time.AfterFunc(timeout, func() {
		a.finish(stepID, outcome{err: fmt.Errorf("step %s unanswered after %s: %w", stepID, timeout, ErrCommandTimeout)})
	})

	a.mu.Lock()
	a.pending[stepID] = p
	a.mu.Unlock()

	frame := &schemas.Frame{
		Type:      schemas.MsgRunNextAction,
		RunID:     a.runID(sessionID),
		SessionID: sessionID,
		StepID:    stepID,
		Action:    action,
		Args:      args,
		TimeoutMs: timeout.Milliseconds(),
	}
	if err := a.registry.Send(frame); err != nil {
		a.finish(stepID, outcome{err: err})
		out := <-p.result
		return nil, out.err
	}

	a.logger.Debug("Remote command dispatched.",
		zap.String("session_id", sessionID),
		zap.String("step_id", stepID),
		zap.String("action", action))

	select {
	case out := <-p.result:
		return out.data, out.err
	case <-ctx.Done():
		a.finish(stepID, outcome{err: ctx.Err()})
		out := <-p.result
		return out.data, out.err
	}
}

// finish resolves a pending command exactly once. Whichever caller removes
// the entry from the map delivers the outcome; everyone else is a no-op,
// which also swallows duplicate or late results harmlessly.
func (a *Adapter) finish(stepID string, out outcome) {
	a.mu.Lock()
	p, ok := a.pending[stepID]
	if ok {
		delete(a.pending, stepID)
	}
	a.mu.Unlock()

	if !ok {
		return
	}
	p.timer.Stop()
	p.result <- out
}

// HandleResult resolves the pending command correlated with stepID. Unknown
// step ids are ignored, covering duplicate and late deliveries.
func (a *Adapter) HandleResult(stepID string, ok bool, latencyMs int64, errMsg string) {
	a.registry.MarkSeen()

	var out outcome
	if ok {
		out = outcome{data: map[string]any{"latencyMs": latencyMs}}
	} else {
		if errMsg == "" {
			errMsg = "executor reported failure"
		}
		out = outcome{err: fmt.Errorf("executor action failed: %s", errMsg)}
	}
	a.finish(stepID, out)
}

// HandleObservation replaces the single last-observation cache. Observations
// ride independently of step correlation; the sequential per-session loop is
// what keeps this cache coherent.
func (a *Adapter) HandleObservation(screenshotRef, domSnapshot string, consoleErrors []string) {
	a.registry.MarkSeen()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastObs = &schemas.Observation{
		ScreenshotPath: screenshotRef,
		DOMSnapshot:    domSnapshot,
		ConsoleErrors:  consoleErrors,
		CapturedAt:     time.Now(),
	}
}

func (a *Adapter) lastObservation() schemas.Observation {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastObs == nil {
		return schemas.Observation{}
	}
	return *a.lastObs
}

// DisconnectAll rejects every outstanding command and marks the registry
// disconnected. Called when the executor's transport is lost.
func (a *Adapter) DisconnectAll(generation uint64) {
	if !a.registry.Detach(generation) {
		// A newer connection already replaced this one; its commands are not
		// ours to reject.
		return
	}
	a.rejectOutstanding(fmt.Errorf("executor disconnected mid-command: %w", ErrNotConnected))
}

// rejectOutstanding drains the pending map and rejects every command with the
// given cause.
func (a *Adapter) rejectOutstanding(cause error) {
	a.mu.Lock()
	orphaned := make([]*pendingCommand, 0, len(a.pending))
	for id, p := range a.pending {
		orphaned = append(orphaned, p)
		delete(a.pending, id)
	}
	a.mu.Unlock()

	for _, p := range orphaned {
		p.timer.Stop()
		p.result <- outcome{err: cause}
	}

	if len(orphaned) > 0 {
		a.logger.Warn("Rejected outstanding commands.",
			zap.Int("count", len(orphaned)),
			zap.Error(cause))
	}
}

// PendingCount reports the number of in-flight commands.
func (a *Adapter) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// -- schemas.ExecutionAdapter --

// HasSession reports whether the executor link is up and a run is active for
// the session. The executor owns the actual browser state.
func (a *Adapter) HasSession(_ context.Context, sessionID string) bool {
	if !a.registry.Connected() {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.runs[sessionID]
	return ok
}

func (a *Adapter) GetPage(ctx context.Context, sessionID, url string, headless bool) error {
	a.BeginRun(sessionID, url)
	_, err := a.sendCommand(ctx, sessionID, "get_page", map[string]any{
		"url":      url,
		"headless": headless,
	}, 0)
	return err
}

func (a *Adapter) CaptureScreenshot(ctx context.Context, sessionID, dir, label string) (string, error) {
	_, err := a.sendCommand(ctx, sessionID, "screenshot", map[string]any{"label": label}, 0)
	if err != nil {
		return "", err
	}
	// The executor reports the capture through an uncorrelated observation
	// frame; the command result only signals completion.
	return a.lastObservation().ScreenshotPath, nil
}

func (a *Adapter) GetSimplifiedDOM(ctx context.Context, sessionID string) (string, error) {
	_, err := a.sendCommand(ctx, sessionID, "snapshot_dom", nil, 0)
	if err != nil {
		return "", err
	}
	return a.lastObservation().DOMSnapshot, nil
}

// GetConsoleErrors serves from the observation cache: the executor pushes
// console errors alongside every DOM or screenshot observation.
func (a *Adapter) GetConsoleErrors(_ context.Context, sessionID string) ([]string, error) {
	if !a.registry.Connected() {
		return nil, ErrNotConnected
	}
	return a.lastObservation().ConsoleErrors, nil
}

func (a *Adapter) ExecuteAction(ctx context.Context, sessionID string, action schemas.BrowserAction, headless bool) error {
	args := map[string]any{}
	if action.URL != "" {
		args["url"] = action.URL
	}
	if action.Selector != "" {
		args["selector"] = action.Selector
	}
	if action.Text != "" {
		args["text"] = action.Text
	}
	if action.Direction != "" {
		args["direction"] = action.Direction
	}
	_, err := a.sendCommand(ctx, sessionID, string(action.Name), args, 0)
	return err
}

// CloseSession sends a best-effort run.stop; no acknowledgment is awaited.
func (a *Adapter) CloseSession(_ context.Context, sessionID string) error {
	a.mu.Lock()
	runID := a.runs[sessionID]
	delete(a.runs, sessionID)
	a.mu.Unlock()

	if runID == "" {
		return nil
	}
	if err := a.registry.Send(&schemas.Frame{
		Type:   schemas.MsgRunStop,
		RunID:  runID,
		Reason: "session closed",
	}); err != nil && !errors.Is(err, ErrNotConnected) {
		a.logger.Debug("Best-effort run.stop failed.", zap.Error(err))
	}
	return nil
}
