// internal/agent/loop.go
package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/helmsman-ai/helmsman/api/schemas"
	"github.com/helmsman-ai/helmsman/internal/config"
)

// Outcome is the terminal state of one loop run.
type Outcome string

const (
	OutcomeDone            Outcome = "done"
	OutcomeAskHuman        Outcome = "ask_human"
	OutcomeError           Outcome = "error"
	OutcomeStopped         Outcome = "stopped"
	OutcomeBudgetExhausted Outcome = "budget_exhausted"
)

// Result summarizes a completed run for the conversation layer.
type Result struct {
	Outcome      Outcome
	Message      string
	ActionsTaken int
	History      []HistoryEntry
}

// HistoryEntry is one line of the run transcript.
type HistoryEntry struct {
	Role    string // "user", "assistant", "system"
	Content string
}

// SkillContext is the currently active skill for a run. At most one skill is
// active at a time; it is cleared on every terminal outcome.
type SkillContext struct {
	Name         string
	Instructions string
}

// ReasonRequest carries everything the reasoning model needs for one step.
type ReasonRequest struct {
	Goal            string
	History         []HistoryEntry
	Observation     schemas.Observation
	Skill           *SkillContext
	AvailableSkills []string
}

// Reasoner produces the next raw action for a step. Its output is parsed and
// validated by ParseAction; it is never trusted to be well-formed.
type Reasoner interface {
	NextAction(ctx context.Context, req ReasonRequest) (string, error)
}

// RunAnnouncer is the optional lifecycle surface an adapter may expose. The
// remote adapter implements it to emit run.assign, run.finalize, and
// run.needs_human frames; the local adapter does not, and the loop detects
// the difference by type assertion.
type RunAnnouncer interface {
	BeginRun(sessionID, targetURL string) string
	FinishRun(sessionID string, status schemas.RunStatus, summary string)
	NotifyNeedsHuman(sessionID, reason, hint string)
}

// skillLister is satisfied by *SkillRegistry; providers without it simply
// advertise no skills in the prompt.
type skillLister interface {
	Names() []string
}

// EventRecorder receives a typed event for every terminal condition. The
// conversation layer uses it to append outcomes to its transcript.
type EventRecorder interface {
	RecordRunEvent(sessionID string, outcome Outcome, message string)
}

// Loop runs reason→validate→act cycles per user turn against one execution
// adapter. Exactly one run per session executes at a time; distinct sessions
// proceed independently.
type Loop struct {
	logger   *zap.Logger
	cfg      config.AgentConfig
	adapter  schemas.ExecutionAdapter
	reasoner Reasoner
	skills   schemas.SkillProvider
	secrets  schemas.SecretResolver

	mu       sync.Mutex
	sessions map[string]*sessionState
	recorder EventRecorder
}

type sessionState struct {
	mu   sync.Mutex // serializes runs for the session
	stop atomic.Bool
}

// NewLoop wires a loop against its collaborators.
func NewLoop(logger *zap.Logger, cfg config.AgentConfig, adapter schemas.ExecutionAdapter, reasoner Reasoner, skills schemas.SkillProvider, secrets schemas.SecretResolver) *Loop {
	return &Loop{
		logger:   logger,
		cfg:      cfg,
		adapter:  adapter,
		reasoner: reasoner,
		skills:   skills,
		secrets:  secrets,
		sessions: make(map[string]*sessionState),
	}
}

// SetEventRecorder installs a terminal-event sink. Call before the first Run;
// a nil recorder disables event emission.
func (l *Loop) SetEventRecorder(recorder EventRecorder) {
	l.recorder = recorder
}

// RequestStop flags the session's current (or next) run for cooperative
// cancellation. The flag is observed at the loop's checkpoints, not
// mid-action.
func (l *Loop) RequestStop(sessionID string) {
	l.state(sessionID).stop.Store(true)
}

func (l *Loop) state(sessionID string) *sessionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		l.sessions[sessionID] = st
	}
	return st
}

// Run executes one user turn for the session. It always returns a Result;
// every failure mode is folded into a terminal outcome rather than escaping
// as an error.
func (l *Loop) Run(ctx context.Context, session schemas.Session, goal string) Result {
	st := l.state(session.ID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.stop.Store(false)

	logger := l.logger.With(zap.String("session_id", session.ID))
	announcer, _ := l.adapter.(RunAnnouncer)
	if announcer != nil {
		runID := announcer.BeginRun(session.ID, session.TargetURL)
		logger = logger.With(zap.String("run_id", runID))
	}

	result := l.run(ctx, logger, st, session, goal, announcer)
	result.History = append(result.History, HistoryEntry{Role: "system", Content: fmt.Sprintf("run ended: %s", result.Outcome)})

	if announcer != nil {
		if status, finalize := finalStatus(result.Outcome); finalize {
			announcer.FinishRun(session.ID, status, result.Message)
		}
	}
	if l.recorder != nil {
		l.recorder.RecordRunEvent(session.ID, result.Outcome, result.Message)
	}
	logger.Info("Run finished",
		zap.String("outcome", string(result.Outcome)),
		zap.Int("actions", result.ActionsTaken))
	return result
}

func (l *Loop) run(ctx context.Context, logger *zap.Logger, st *sessionState, session schemas.Session, goal string, announcer RunAnnouncer) Result {
	history := []HistoryEntry{{Role: "user", Content: goal}}
	terminal := func(outcome Outcome, message string) Result {
		return Result{Outcome: outcome, Message: message, History: history}
	}

	if err := l.adapter.GetPage(ctx, session.ID, session.TargetURL, session.Headless); err != nil {
		return terminal(OutcomeError, fmt.Sprintf("failed to open page: %v", err))
	}

	var skill *SkillContext
	actions := 0

	for {
		// Cheap early exit before spending on an observation.
		if st.stop.Load() || ctx.Err() != nil {
			return withCount(terminal(OutcomeStopped, ErrStopped.Error()), actions)
		}
		if actions >= l.cfg.MaxActionsPerTurn {
			return withCount(terminal(OutcomeBudgetExhausted,
				fmt.Sprintf("%s (limit %d)", ErrBudgetExhausted, l.cfg.MaxActionsPerTurn)), actions)
		}

		obs, err := l.observe(ctx, logger, session.ID)
		if err != nil {
			return withCount(terminal(OutcomeError, fmt.Sprintf("observation failed: %v", err)), actions)
		}

		raw, err := l.reasoner.NextAction(ctx, ReasonRequest{
			Goal:            goal,
			History:         history,
			Observation:     obs,
			Skill:           skill,
			AvailableSkills: l.skillNames(),
		})
		if err != nil {
			return withCount(terminal(OutcomeError, fmt.Sprintf("reasoning failed: %v", err)), actions)
		}
		action := ParseAction(raw)
		history = append(history, HistoryEntry{Role: "assistant", Content: action.Label() + " — " + action.Reasoning})

		// Reasoning cannot be pre-empted mid-flight, so check again before
		// acting on its result.
		if st.stop.Load() {
			return withCount(terminal(OutcomeStopped, ErrStopped.Error()), actions)
		}

		switch action.Type {
		case ActionDone:
			return withCount(terminal(OutcomeDone, firstNonEmpty(action.Message, action.Reasoning)), actions)

		case ActionAskHuman:
			question := firstNonEmpty(action.Question, action.Reasoning)
			if announcer != nil {
				announcer.NotifyNeedsHuman(session.ID, question, action.Message)
			}
			return withCount(terminal(OutcomeAskHuman, question), actions)

		case ActionError:
			return withCount(terminal(OutcomeError, firstNonEmpty(action.Message, action.Reasoning)), actions)

		case ActionUseSkill:
			if skill != nil && skill.Name == action.SkillName {
				// Loop-breaker: the model asked for a skill it already has.
				history = append(history, HistoryEntry{
					Role:    "system",
					Content: fmt.Sprintf("skill %q is already active; follow its instructions instead of requesting it again", action.SkillName),
				})
				actions++
				continue
			}
			next, err := l.loadSkill(ctx, action.SkillName)
			if err != nil {
				return withCount(terminal(OutcomeError, err.Error()), actions)
			}
			skill = next
			history = append(history, HistoryEntry{
				Role:    "system",
				Content: fmt.Sprintf("skill %q loaded", action.SkillName),
			})
			actions++
			continue

		case ActionRunScript:
			output, err := l.skills.ExecuteSkillScript(ctx, action.SkillName, action.Script, action.Args)
			if err != nil {
				// Script failures are information for the model, not fatal.
				history = append(history, HistoryEntry{Role: "system", Content: fmt.Sprintf("script failed: %v", err)})
			} else {
				history = append(history, HistoryEntry{Role: "system", Content: fmt.Sprintf("script output: %s", output)})
			}
			actions++
			continue

		default:
			browserAction, err := l.resolveBrowserAction(ctx, session.ID, action)
			if err != nil {
				return withCount(terminal(OutcomeError, err.Error()), actions)
			}
			if err := l.adapter.ExecuteAction(ctx, session.ID, browserAction, session.Headless); err != nil {
				return withCount(terminal(OutcomeError, fmt.Sprintf("action %s failed: %v", action.Label(), err)), actions)
			}
			actions++
		}
	}
}

// loadSkill fetches instructions and runs the skill's tripwire. A failed
// tripwire aborts before any side-effecting action runs.
func (l *Loop) loadSkill(ctx context.Context, name string) (*SkillContext, error) {
	text, ok, err := l.skills.LoadSkillInstructions(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("loading skill %q: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("skill %q is not available", name)
	}

	valid, reason, err := l.skills.ExecuteSkillValidation(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("validating skill %q: %w", name, err)
	}
	if !valid {
		return nil, fmt.Errorf("skill %q: %w: %s", name, ErrSkillValidation, reason)
	}
	return &SkillContext{Name: name, Instructions: text}, nil
}

// resolveBrowserAction converts a validated agent action into a dispatchable
// browser primitive, substituting secret values at the last moment.
func (l *Loop) resolveBrowserAction(ctx context.Context, sessionID string, action Action) (schemas.BrowserAction, error) {
	switch action.Type {
	case ActionNavigate:
		return schemas.BrowserAction{Name: schemas.BrowserNavigate, URL: action.URL}, nil
	case ActionClick:
		return schemas.BrowserAction{Name: schemas.BrowserClick, Selector: action.Selector}, nil
	case ActionTypeText:
		return schemas.BrowserAction{Name: schemas.BrowserType, Selector: action.Selector, Text: action.Text}, nil
	case ActionScroll:
		return schemas.BrowserAction{Name: schemas.BrowserScroll, Direction: action.Direction}, nil
	case ActionTypeSecret:
		value, err := l.secrets.ResolveEnvSecret(ctx, action.Key)
		if err != nil {
			return schemas.BrowserAction{}, fmt.Errorf("resolving secret: %w", err)
		}
		return schemas.BrowserAction{Name: schemas.BrowserType, Selector: action.Selector, Text: value}, nil
	case ActionTypeTestSecret:
		value, err := l.secrets.ResolveTestAccountSecret(ctx, sessionID, action.Field)
		if err != nil {
			return schemas.BrowserAction{}, fmt.Errorf("resolving test account secret: %w", err)
		}
		return schemas.BrowserAction{Name: schemas.BrowserType, Selector: action.Selector, Text: value}, nil
	default:
		return schemas.BrowserAction{}, fmt.Errorf("action %q is not a browser primitive", action.Type)
	}
}

// observe captures the current browser state. The DOM snapshot is required;
// screenshot and console capture are best-effort.
func (l *Loop) observe(ctx context.Context, logger *zap.Logger, sessionID string) (schemas.Observation, error) {
	obs := schemas.Observation{CapturedAt: time.Now()}

	if l.cfg.ScreenshotDir != "" {
		path, err := l.adapter.CaptureScreenshot(ctx, sessionID, l.cfg.ScreenshotDir, "step")
		if err != nil {
			logger.Warn("Screenshot capture failed", zap.Error(err))
		} else {
			obs.ScreenshotPath = path
		}
	}

	dom, err := l.adapter.GetSimplifiedDOM(ctx, sessionID)
	if err != nil {
		return schemas.Observation{}, err
	}
	obs.DOMSnapshot = dom

	if errors, err := l.adapter.GetConsoleErrors(ctx, sessionID); err != nil {
		logger.Warn("Console error capture failed", zap.Error(err))
	} else {
		obs.ConsoleErrors = errors
	}
	return obs, nil
}

func (l *Loop) skillNames() []string {
	if lister, ok := l.skills.(skillLister); ok {
		return lister.Names()
	}
	return nil
}

func finalStatus(outcome Outcome) (schemas.RunStatus, bool) {
	switch outcome {
	case OutcomeDone:
		return schemas.RunCompleted, true
	case OutcomeStopped:
		return schemas.RunStopped, true
	case OutcomeError, OutcomeBudgetExhausted:
		return schemas.RunFailed, true
	default:
		// ask_human leaves the run open for the executor to resume.
		return "", false
	}
}

func withCount(r Result, actions int) Result {
	r.ActionsTaken = actions
	return r
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
