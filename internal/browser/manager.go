// internal/browser/manager.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/helmsman-ai/helmsman/internal/config"
)

// ErrSessionLost signals that the browser target backing a session has closed
// or detached. The caller may recover by requesting a fresh page; the manager
// never retries internally.
var ErrSessionLost = errors.New("browser session lost, please restart the session")

// Manager owns the in-process browser handles, one per session id. It
// launches, relaunches, and evicts them, and exposes the observation and
// action primitives of the execution contract.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	mu      sync.Mutex
	handles map[string]*handle

	// sf collapses concurrent GetPage calls for one session onto a single
	// launch, preserving the one-handle-per-session invariant.
	sf singleflight.Group

	gcOnce   sync.Once
	stopOnce sync.Once
	gcStop   chan struct{}
	gcDone   chan struct{}
}

// NewManager creates a browser manager. Browser processes launch lazily on
// the first GetPage per session.
func NewManager(cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	return &Manager{
		logger:  logger.Named("browser_manager"),
		cfg:     cfg,
		handles: make(map[string]*handle),
		gcStop:  make(chan struct{}),
		gcDone:  make(chan struct{}),
	}
}

// StartGC begins the periodic idle sweep. Call at most once.
func (m *Manager) StartGC() {
	m.gcOnce.Do(func() {
		go m.runGC()
	})
}

func (m *Manager) runGC() {
	defer close(m.gcDone)
	ticker := time.NewTicker(m.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.gcStop:
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

func (m *Manager) sweepIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, h := range m.handles {
		lastActive := h.lastActive()
		if time.Since(lastActive) < m.cfg.IdleTimeout {
			continue
		}
		m.logger.Info("Evicting idle browser session.",
			zap.String("session_id", id),
			zap.Time("last_activity", lastActive))
		h.close()
		delete(m.handles, id)
	}
}

// HasSession reports whether a live handle exists for the session.
func (m *Manager) HasSession(_ context.Context, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[sessionID]
	return ok && !h.dead()
}

// GetPage ensures a live page exists for the session. A handle whose headless
// mode differs from the request is replaced, restoring its URL; a stale
// handle is discarded and relaunched. Navigation happens only when the
// requested URL differs from the current location.
func (m *Manager) GetPage(ctx context.Context, sessionID, url string, headless bool) error {
	_, err, _ := m.sf.Do(sessionID, func() (any, error) {
		return nil, m.getPage(ctx, sessionID, url, headless)
	})
	return err
}

func (m *Manager) getPage(ctx context.Context, sessionID, url string, headless bool) error {
	m.mu.Lock()
	h := m.handles[sessionID]
	m.mu.Unlock()

	if h != nil && h.dead() {
		m.logger.Warn("Discarding stale browser handle.", zap.String("session_id", sessionID))
		m.evict(sessionID, h)
		h = nil
	}

	if h != nil && h.headless != m.effectiveHeadless(headless) {
		restoreURL := url
		if restoreURL == "" {
			if current, err := m.currentURL(ctx, h); err == nil && !isBlankURL(current) {
				restoreURL = current
			}
		}
		m.logger.Info("Headless mode changed, relaunching browser.",
			zap.String("session_id", sessionID),
			zap.Bool("headless", headless))
		m.evict(sessionID, h)
		h = nil
		url = restoreURL
	}

	if h == nil {
		launched, err := m.launch(sessionID, headless)
		if err != nil {
			return err
		}
		h = launched
	}

	h.touch()

	if url == "" {
		return nil
	}
	current, err := m.currentURL(ctx, h)
	if err != nil {
		m.evict(sessionID, h)
		return fmt.Errorf("reading current location: %w", ErrSessionLost)
	}
	if current == url {
		return nil
	}
	if err := m.navigate(ctx, h, url); err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	return nil
}

// effectiveHeadless maps a requested mode to the one a launch would actually
// produce: headful without a display surface downgrades to headless.
func (m *Manager) effectiveHeadless(headless bool) bool {
	if !headless && !displayAvailable() {
		return true
	}
	return headless
}

// launch starts a new browser process and page for the session. Launch
// failures are fatal and surfaced as-is.
func (m *Manager) launch(sessionID string, headless bool) (*handle, error) {
	effective := m.effectiveHeadless(headless)
	if effective != headless {
		m.logger.Warn("Headful mode requested but no display surface is available; falling back to headless.",
			zap.String("session_id", sessionID))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), m.allocatorOptions(effective)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	// Materialize the browser process before handing the handle out.
	launchCtx, cancel := context.WithTimeout(tabCtx, 30*time.Second)
	defer cancel()
	if err := chromedp.Run(launchCtx, chromedp.Navigate("about:blank")); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to launch browser for session %s: %w", sessionID, err)
	}

	// The handle records the effective mode so a later request for the same
	// effective mode does not force a pointless relaunch.
	h := &handle{
		allocCtx:     allocCtx,
		allocCancel:  allocCancel,
		tabCtx:       tabCtx,
		tabCancel:    tabCancel,
		headless:     effective,
		lastActivity: time.Now(),
	}
	h.attachConsoleCapture(m.logger.With(zap.String("session_id", sessionID)))

	m.mu.Lock()
	if old, ok := m.handles[sessionID]; ok {
		// Lost a race with another launch path; keep the invariant.
		old.close()
	}
	m.handles[sessionID] = h
	m.mu.Unlock()

	m.logger.Info("Browser launched.",
		zap.String("session_id", sessionID),
		zap.Bool("headless", effective))
	return h, nil
}

func (m *Manager) allocatorOptions(headless bool) []chromedp.ExecAllocatorOption {
	var opts []chromedp.ExecAllocatorOption
	for _, opt := range chromedp.DefaultExecAllocatorOptions[:] {
		opts = append(opts, opt)
	}

	opts = append(opts,
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-gpu", headless),
		chromedp.Flag("disable-extensions", true),
	)

	for _, arg := range m.cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if len(parts) == 2 {
			opts = append(opts, chromedp.Flag(name, parts[1]))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}

	if runtime.GOOS == "linux" {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
	}
	return opts
}

// CaptureScreenshot writes a full-page screenshot under dir and returns its
// path.
func (m *Manager) CaptureScreenshot(ctx context.Context, sessionID, dir, label string) (string, error) {
	h, err := m.live(sessionID)
	if err != nil {
		return "", err
	}

	var buf []byte
	if err := m.run(ctx, h, chromedp.FullScreenshot(&buf, 80)); err != nil {
		return "", m.classify(sessionID, h, fmt.Errorf("capturing screenshot: %w", err))
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating screenshot dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.png", label, time.Now().UnixMilli()))
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return "", fmt.Errorf("writing screenshot: %w", err)
	}

	h.touch()
	return path, nil
}

// GetSimplifiedDOM returns a compact text summary of the interactive elements
// on the current page.
func (m *Manager) GetSimplifiedDOM(ctx context.Context, sessionID string) (string, error) {
	h, err := m.live(sessionID)
	if err != nil {
		return "", err
	}

	var summary string
	if err := m.run(ctx, h, chromedp.Evaluate(simplifyDOMScript, &summary)); err != nil {
		return "", m.classify(sessionID, h, fmt.Errorf("capturing DOM summary: %w", err))
	}
	h.touch()
	return summary, nil
}

// GetConsoleErrors drains the console errors buffered since the last call.
func (m *Manager) GetConsoleErrors(_ context.Context, sessionID string) ([]string, error) {
	h, err := m.live(sessionID)
	if err != nil {
		return nil, err
	}
	h.touch()
	return h.drainConsoleErrors(), nil
}

// ExecuteAction performs one primitive browser operation against the
// session's page.
func (m *Manager) ExecuteAction(ctx context.Context, sessionID string, action Action) error {
	h, err := m.live(sessionID)
	if err != nil {
		return err
	}

	switch action.Name {
	case "navigate":
		err = m.navigate(ctx, h, action.URL)
	case "click":
		err = m.click(ctx, h, action.Selector)
	case "type":
		err = m.typeText(ctx, h, action.Selector, action.Text)
	case "scroll":
		err = m.scroll(ctx, h, action.Direction)
	default:
		return fmt.Errorf("unsupported browser action %q", action.Name)
	}

	if err != nil {
		return m.classify(sessionID, h, err)
	}
	h.touch()
	return nil
}

// Action is the manager-level browser primitive. The drive layer converts the
// shared schema type into this form.
type Action struct {
	Name      string
	URL       string
	Selector  string
	Text      string
	Direction string
}

// run executes chromedp actions against the handle's tab while honoring the
// caller's cancellation.
func (m *Manager) run(ctx context.Context, h *handle, actions ...chromedp.Action) error {
	opCtx, cancel := combineContext(h.tabCtx, ctx)
	defer cancel()
	return chromedp.Run(opCtx, actions...)
}

func (m *Manager) navigate(ctx context.Context, h *handle, url string) error {
	opCtx, cancel := combineContext(h.tabCtx, ctx)
	defer cancel()
	navCtx, navCancel := context.WithTimeout(opCtx, m.navigationTimeout())
	defer navCancel()

	err := chromedp.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		if navCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("navigation to %s timed out after %s: %w", url, m.navigationTimeout(), err)
		}
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

func (m *Manager) click(ctx context.Context, h *handle, selector string) error {
	opCtx, cancel := combineContext(h.tabCtx, ctx)
	defer cancel()

	err := chromedp.Run(opCtx,
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("click on %q failed: %w", selector, err)
	}

	// Short settle window so click-triggered requests land before the next
	// observation.
	if m.cfg.NetworkIdleWait > 0 {
		select {
		case <-time.After(m.cfg.NetworkIdleWait):
		case <-opCtx.Done():
			return opCtx.Err()
		}
	}
	return nil
}

func (m *Manager) typeText(ctx context.Context, h *handle, selector, text string) error {
	// Select-all and clear any existing field content before typing, the way
	// a triple-click would.
	err := m.run(ctx, h,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Focus(selector, chromedp.ByQuery),
		chromedp.Evaluate(clearFieldScript(selector), nil),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("typing into %q failed: %w", selector, err)
	}
	return nil
}

func (m *Manager) scroll(ctx context.Context, h *handle, direction string) error {
	delta := 600
	if direction == "up" {
		delta = -600
	}
	if err := m.run(ctx, h, chromedp.Evaluate(fmt.Sprintf("window.scrollBy(0, %d)", delta), nil)); err != nil {
		return fmt.Errorf("scroll %s failed: %w", direction, err)
	}
	return nil
}

// CloseSession releases the browser resources held for the session. Closing
// an unknown session is a no-op.
func (m *Manager) CloseSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	h, ok := m.handles[sessionID]
	if ok {
		delete(m.handles, sessionID)
	}
	m.mu.Unlock()

	if ok {
		h.close()
		m.logger.Info("Browser session closed.", zap.String("session_id", sessionID))
	}
	return nil
}

// Shutdown stops the idle sweeper and closes every handle.
func (m *Manager) Shutdown(ctx context.Context) error {
	// If the sweeper never started, consume the once so it cannot start late.
	m.gcOnce.Do(func() { close(m.gcDone) })
	m.stopOnce.Do(func() { close(m.gcStop) })

	select {
	case <-m.gcDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, h := range m.handles {
		h.close()
		delete(m.handles, id)
	}
	m.logger.Info("Browser manager shutdown complete.")
	return nil
}

// live fetches the session's handle, evicting it first if it has died.
func (m *Manager) live(sessionID string) (*handle, error) {
	m.mu.Lock()
	h, ok := m.handles[sessionID]
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no browser handle for session %s: %w", sessionID, ErrSessionLost)
	}
	if h.dead() {
		m.evict(sessionID, h)
		return nil, fmt.Errorf("browser handle for session %s died: %w", sessionID, ErrSessionLost)
	}
	return h, nil
}

// classify turns target-closed failures into ErrSessionLost and evicts the
// entry so later calls fail fast instead of throwing repeatedly.
func (m *Manager) classify(sessionID string, h *handle, err error) error {
	if err == nil {
		return nil
	}
	if h.dead() || isTargetClosed(err) {
		m.evict(sessionID, h)
		return fmt.Errorf("%v: %w", err, ErrSessionLost)
	}
	return err
}

func (m *Manager) evict(sessionID string, h *handle) {
	m.mu.Lock()
	if current, ok := m.handles[sessionID]; ok && current == h {
		delete(m.handles, sessionID)
	}
	m.mu.Unlock()
	h.close()
}

func (m *Manager) currentURL(ctx context.Context, h *handle) (string, error) {
	var loc string
	if err := m.run(ctx, h, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

func (m *Manager) navigationTimeout() time.Duration {
	if m.cfg.NavigationTimeout > 0 {
		return m.cfg.NavigationTimeout
	}
	return 30 * time.Second
}

// isTargetClosed matches the error shapes chromedp produces when the tab or
// browser process has gone away underneath us.
func isTargetClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{
		"target closed",
		"target detached",
		"session closed",
		"connection closed",
		"websocket url timeout",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func isBlankURL(u string) bool {
	return u == "" || u == "about:blank"
}

func displayAvailable() bool {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		return true
	}
	return os.Getenv("DISPLAY") != "" || os.Getenv("WAYLAND_DISPLAY") != ""
}
