// internal/browser/handle.go
package browser

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// consoleErrorCap bounds the buffered console errors per handle; older
// entries are dropped first.
const consoleErrorCap = 50

// handle owns one browser process and its single page for a session. Exactly
// one handle exists per session id at any instant; a headless-mode change or
// a detected death replaces the whole handle.
type handle struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc

	headless bool

	mu            sync.Mutex
	lastActivity  time.Time
	consoleErrors []string
}

// attachConsoleCapture buffers console errors and uncaught exceptions emitted
// by the page so observations can surface them to the reasoning step.
func (h *handle) attachConsoleCapture(logger *zap.Logger) {
	chromedp.ListenTarget(h.tabCtx, func(ev any) {
		switch e := ev.(type) {
		case *runtime.EventConsoleAPICalled:
			if e.Type != runtime.APITypeError {
				return
			}
			var parts []string
			for _, arg := range e.Args {
				if arg.Description != "" {
					parts = append(parts, arg.Description)
				} else if len(arg.Value) > 0 {
					parts = append(parts, string(arg.Value))
				}
			}
			if len(parts) == 0 {
				return
			}
			h.bufferConsoleError("console.error: " + strings.Join(parts, " "))
		case *runtime.EventExceptionThrown:
			if e.ExceptionDetails == nil {
				return
			}
			msg := e.ExceptionDetails.Text
			if ex := e.ExceptionDetails.Exception; ex != nil && ex.Description != "" {
				msg = ex.Description
			}
			h.bufferConsoleError("uncaught exception: " + msg)
		}
	})
	logger.Debug("Console capture attached.")
}

func (h *handle) bufferConsoleError(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.consoleErrors) >= consoleErrorCap {
		h.consoleErrors = h.consoleErrors[1:]
	}
	h.consoleErrors = append(h.consoleErrors, msg)
}

// drainConsoleErrors returns and clears the buffered errors.
func (h *handle) drainConsoleErrors() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	drained := h.consoleErrors
	h.consoleErrors = nil
	return drained
}

// dead reports whether the underlying tab context has been torn down.
func (h *handle) dead() bool {
	return h.tabCtx.Err() != nil
}

// touch records activity for idle eviction purposes. Request goroutines call
// it while the idle sweeper reads the timestamp, so it stays behind the mutex.
func (h *handle) touch() {
	h.mu.Lock()
	h.lastActivity = time.Now()
	h.mu.Unlock()
}

func (h *handle) lastActive() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActivity
}

// close tears the tab and the browser process down. Safe to call on a handle
// that already died.
func (h *handle) close() {
	h.tabCancel()
	h.allocCancel()
}

// combineContext derives a context cancelled when either input is done. The
// returned context inherits primary's values, which is what chromedp needs to
// resolve the target, while still honoring the caller's deadline.
func combineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}
