package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/helmsman-ai/helmsman/internal/config"
)

func testConfig() config.BrowserConfig {
	return config.BrowserConfig{
		Headless:          true,
		IdleTimeout:       10 * time.Minute,
		GCInterval:        time.Minute,
		NavigationTimeout: 20 * time.Second,
		NetworkIdleWait:   50 * time.Millisecond,
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(testConfig(), zaptest.NewLogger(t))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

// fakeHandle builds a handle without a real browser behind it so lifecycle
// bookkeeping can be tested in isolation.
func fakeHandle() (*handle, context.CancelFunc) {
	allocCtx, allocCancel := context.WithCancel(context.Background())
	tabCtx, tabCancel := context.WithCancel(allocCtx)
	h := &handle{
		allocCtx:     allocCtx,
		allocCancel:  allocCancel,
		tabCtx:       tabCtx,
		tabCancel:    tabCancel,
		headless:     true,
		lastActivity: time.Now(),
	}
	return h, tabCancel
}

func chromeAvailable() bool {
	for _, bin := range []string{"google-chrome", "chromium", "chromium-browser", "chrome"} {
		if _, err := exec.LookPath(bin); err == nil {
			return true
		}
	}
	return false
}

func requireChrome(t *testing.T) {
	t.Helper()
	if testing.Short() || !chromeAvailable() {
		t.Skip("no chrome binary available; skipping browser integration test")
	}
}

func TestHasSession_UnknownSession(t *testing.T) {
	m := newTestManager(t)
	assert.False(t, m.HasSession(context.Background(), "nope"))
}

func TestCloseSession_UnknownIsNoOp(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.CloseSession(context.Background(), "nope"))
}

func TestExecuteAction_WithoutHandleIsSessionLost(t *testing.T) {
	m := newTestManager(t)
	err := m.ExecuteAction(context.Background(), "ghost", Action{Name: "click", Selector: "#x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSessionLost))
}

func TestLive_EvictsDeadHandle(t *testing.T) {
	m := newTestManager(t)
	h, kill := fakeHandle()
	m.handles["s1"] = h

	kill() // simulate the tab dying underneath us

	_, err := m.live("s1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSessionLost))

	// The dead entry must be gone so later calls fail fast, not repeatedly.
	m.mu.Lock()
	_, still := m.handles["s1"]
	m.mu.Unlock()
	assert.False(t, still)
}

func TestHasSession_DeadHandleReportsFalse(t *testing.T) {
	m := newTestManager(t)
	h, kill := fakeHandle()
	m.handles["s1"] = h
	kill()
	assert.False(t, m.HasSession(context.Background(), "s1"))
}

func TestSweepIdle_EvictsOnlyExpiredSessions(t *testing.T) {
	m := newTestManager(t)

	stale, _ := fakeHandle()
	stale.lastActivity = time.Now().Add(-time.Hour)
	fresh, _ := fakeHandle()

	m.handles["stale"] = stale
	m.handles["fresh"] = fresh

	m.sweepIdle()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.handles, "stale")
	assert.Contains(t, m.handles, "fresh")
	assert.True(t, stale.dead())
	assert.False(t, fresh.dead())
}

func TestConsoleErrorBuffer_CapsAndDrains(t *testing.T) {
	h, _ := fakeHandle()

	for i := 0; i < consoleErrorCap+10; i++ {
		h.bufferConsoleError(fmt.Sprintf("err %d", i))
	}

	drained := h.drainConsoleErrors()
	require.Len(t, drained, consoleErrorCap)
	// Oldest entries were dropped first.
	assert.Equal(t, "err 10", drained[0])

	assert.Empty(t, h.drainConsoleErrors())
}

func TestIsTargetClosed(t *testing.T) {
	assert.True(t, isTargetClosed(context.Canceled))
	assert.True(t, isTargetClosed(errors.New("rpc error: target closed")))
	assert.True(t, isTargetClosed(fmt.Errorf("wrap: %w", errors.New("target detached"))))
	assert.False(t, isTargetClosed(nil))
	assert.False(t, isTargetClosed(errors.New("element not found")))
}

func TestCombineContext_CancelsWhenSecondaryDies(t *testing.T) {
	primary := context.Background()
	secondary, cancelSecondary := context.WithCancel(context.Background())

	combined, cancel := combineContext(primary, secondary)
	defer cancel()

	cancelSecondary()
	select {
	case <-combined.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("combined context did not observe secondary cancellation")
	}
}

func TestShutdown_WithoutGCStart(t *testing.T) {
	m := NewManager(testConfig(), zaptest.NewLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
}

func TestObservationPrimitives_DeadHandleIsSessionLost(t *testing.T) {
	m := newTestManager(t)

	h, kill := fakeHandle()
	m.handles["s1"] = h
	kill()

	_, err := m.CaptureScreenshot(context.Background(), "s1", t.TempDir(), "step")
	assert.True(t, errors.Is(err, ErrSessionLost))

	h2, kill2 := fakeHandle()
	m.handles["s2"] = h2
	kill2()

	_, err = m.GetSimplifiedDOM(context.Background(), "s2")
	assert.True(t, errors.Is(err, ErrSessionLost))
}

func TestTouchConcurrentWithIdleSweep(t *testing.T) {
	m := newTestManager(t)
	h, _ := fakeHandle()
	m.handles["s1"] = h

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			h.touch()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			m.sweepIdle()
		}
	}()
	wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Contains(t, m.handles, "s1", "recently touched handle must survive the sweep")
}

func TestGetPage_NoRelaunchAfterHeadfulDowngrade(t *testing.T) {
	if runtime.GOOS != "linux" || os.Getenv("DISPLAY") != "" || os.Getenv("WAYLAND_DISPLAY") != "" {
		t.Skip("requires a displayless linux environment")
	}

	m := newTestManager(t)
	h, _ := fakeHandle() // effectively headless, as a downgraded launch would be
	m.handles["s1"] = h

	// A headful request downgrades to headless here, which matches the
	// existing handle's effective mode: no relaunch, same handle.
	require.NoError(t, m.GetPage(context.Background(), "s1", "", false))

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Same(t, h, m.handles["s1"])
	assert.False(t, h.dead())
}

func TestGetPage_ReusesHandleForSameRequest(t *testing.T) {
	requireChrome(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><h1>page</h1><input id="q"/></body></html>`)
	}))
	defer srv.Close()

	m := newTestManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	require.NoError(t, m.GetPage(ctx, "s1", srv.URL+"/", true))
	require.True(t, m.HasSession(ctx, "s1"))

	m.mu.Lock()
	first := m.handles["s1"]
	m.mu.Unlock()

	// Same URL, same mode: the existing handle must be reused, not relaunched.
	require.NoError(t, m.GetPage(ctx, "s1", srv.URL+"/", true))

	m.mu.Lock()
	second := m.handles["s1"]
	m.mu.Unlock()
	assert.Same(t, first, second)
}

func TestCaptureScreenshot_WritesFile(t *testing.T) {
	requireChrome(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><h1>shot me</h1></body></html>`)
	}))
	defer srv.Close()

	m := newTestManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	require.NoError(t, m.GetPage(ctx, "s1", srv.URL+"/", true))

	path, err := m.CaptureScreenshot(ctx, "s1", t.TempDir(), "step")
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestExecuteAction_TypeReplacesFieldContent(t *testing.T) {
	requireChrome(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><input id="q" value="old text"/></body></html>`)
	}))
	defer srv.Close()

	m := newTestManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	require.NoError(t, m.GetPage(ctx, "s1", srv.URL+"/", true))
	require.NoError(t, m.ExecuteAction(ctx, "s1", Action{Name: "type", Selector: "#q", Text: "fresh"}))

	dom, err := m.GetSimplifiedDOM(ctx, "s1")
	require.NoError(t, err)
	assert.Contains(t, dom, "fresh")
	assert.NotContains(t, dom, "old text")
}
