package schemas

import "time"

// SessionStatus describes where a session is in its lifecycle.
type SessionStatus string

const (
	SessionIdle    SessionStatus = "IDLE"
	SessionRunning SessionStatus = "RUNNING"
	SessionStopped SessionStatus = "STOPPED"
)

// Session is the caller-owned record describing one conversation's browser
// session. The execution core references sessions by ID; it never owns them.
type Session struct {
	ID           string        `json:"id"`
	TargetURL    string        `json:"target_url,omitempty"`
	Headless     bool          `json:"headless"`
	Status       SessionStatus `json:"status"`
	LastActivity time.Time     `json:"last_activity"`
}

// BrowserActionName identifies one of the primitive browser operations every
// execution adapter must support.
type BrowserActionName string

const (
	BrowserNavigate BrowserActionName = "navigate"
	BrowserClick    BrowserActionName = "click"
	BrowserType     BrowserActionName = "type"
	BrowserScroll   BrowserActionName = "scroll"
)

// BrowserAction is a fully resolved browser primitive ready for dispatch.
// Secrets have already been substituted by the time an action reaches an
// adapter; adapters never distinguish secret text from ordinary text.
type BrowserAction struct {
	Name      BrowserActionName `json:"name"`
	URL       string            `json:"url,omitempty"`
	Selector  string            `json:"selector,omitempty"`
	Text      string            `json:"text,omitempty"`
	Direction string            `json:"direction,omitempty"`
}

// Observation is a snapshot of browser state fed back to the reasoning step.
type Observation struct {
	ScreenshotPath string    `json:"screenshot_path,omitempty"`
	DOMSnapshot    string    `json:"dom_snapshot,omitempty"`
	ConsoleErrors  []string  `json:"console_errors,omitempty"`
	CapturedAt     time.Time `json:"captured_at"`
}

// ExecutorCapabilities are the feature flags a remote executor declares when
// it attaches.
type ExecutorCapabilities struct {
	SupportsHeadful       bool `json:"supportsHeadful"`
	SupportsScreenshots   bool `json:"supportsScreenshots"`
	SupportsHumanTakeover bool `json:"supportsHumanTakeover"`
}

// ExecutorStatus reports the health of the remote executor connection.
// LastSeenAt survives a disconnect so callers can tell how stale the link is.
type ExecutorStatus struct {
	Connected    bool                 `json:"connected"`
	LastSeenAt   time.Time            `json:"lastSeenAt"`
	ExecutorID   string               `json:"executorId,omitempty"`
	Capabilities ExecutorCapabilities `json:"capabilities"`
}
