package schemas

import "context"

// ExecutionAdapter is the uniform contract for driving a browser regardless of
// where it runs. The local adapter fulfils it against an in-process chromedp
// handle; the remote adapter fulfils it by relaying commands to an attached
// executor process. The agent loop is written against this interface only.
type ExecutionAdapter interface {
	// HasSession reports whether a live browser handle exists for the session.
	HasSession(ctx context.Context, sessionID string) bool

	// GetPage ensures a live page exists for the session, launching or
	// relaunching the browser as needed. url may be empty to keep the current
	// location.
	GetPage(ctx context.Context, sessionID, url string, headless bool) error

	// CaptureScreenshot writes a screenshot into dir and returns its path.
	CaptureScreenshot(ctx context.Context, sessionID, dir, label string) (string, error)

	// GetSimplifiedDOM returns a compact, interaction-oriented summary of the
	// current page suitable for a model prompt.
	GetSimplifiedDOM(ctx context.Context, sessionID string) (string, error)

	// GetConsoleErrors drains the console errors buffered since the last call.
	GetConsoleErrors(ctx context.Context, sessionID string) ([]string, error)

	// ExecuteAction performs one primitive browser operation.
	ExecuteAction(ctx context.Context, sessionID string, action BrowserAction, headless bool) error

	// CloseSession releases the browser resources held for the session.
	CloseSession(ctx context.Context, sessionID string) error
}

// SkillProvider is the collaborator contract for named workflow skills. Skills
// are registered at startup as a capability table; nothing is loaded from disk
// or evaluated dynamically at run time.
type SkillProvider interface {
	// LoadSkillInstructions returns the instruction text for a skill, or
	// ok=false when no such skill is registered.
	LoadSkillInstructions(ctx context.Context, name string) (text string, ok bool, err error)

	// ExecuteSkillValidation runs the skill's pre-execution tripwire check.
	ExecuteSkillValidation(ctx context.Context, name string) (valid bool, reason string, err error)

	// ExecuteSkillScript runs a deterministic script bundled with a skill and
	// returns its structured output.
	ExecuteSkillScript(ctx context.Context, name, script string, args map[string]any) (output string, err error)
}

// SecretResolver resolves secret field references into raw values. The
// reasoning layer only ever sees field references; resolution happens at
// dispatch time.
type SecretResolver interface {
	// ResolveEnvSecret resolves a type_secret reference by environment key.
	ResolveEnvSecret(ctx context.Context, key string) (string, error)

	// ResolveTestAccountSecret resolves a type_test_account_secret reference
	// against the session-bound test account record.
	ResolveTestAccountSecret(ctx context.Context, sessionID, field string) (string, error)
}
