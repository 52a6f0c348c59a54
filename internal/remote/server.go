// internal/remote/server.go
package remote

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/helmsman-ai/helmsman/api/schemas"
)

var statusJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Server exposes the collaborator-facing endpoints of the hybrid deployment:
// the executor's long-lived event stream, the result sink, and the heartbeat
// report. Frames flow to the executor as server-sent events, one JSON object
// per event; results come back as plain POSTs.
type Server struct {
	logger            *zap.Logger
	registry          *Registry
	adapter           *Adapter
	keepAliveInterval time.Duration
}

// NewServer wires the executor endpoints onto a registry/adapter pair.
func NewServer(registry *Registry, adapter *Adapter, keepAlive time.Duration, logger *zap.Logger) *Server {
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	return &Server{
		logger:            logger.Named("executor_server"),
		registry:          registry,
		adapter:           adapter,
		keepAliveInterval: keepAlive,
	}
}

// Routes mounts the executor API.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/api/executor/connect", s.handleConnect)
	r.Post("/api/executor/result", s.handleResult)
	r.Get("/api/executor/status", s.handleStatus)
	return r
}

// sseWriter serializes frame writes onto one response stream. The keep-alive
// ticker and command dispatch run on different goroutines.
type sseWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

func (sw *sseWriter) writeFrame(frame *schemas.Frame) error {
	data, err := schemas.EncodeFrame(frame)
	if err != nil {
		return err
	}
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", data); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

func (sw *sseWriter) writeComment() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := io.WriteString(sw.w, ": keep-alive\n\n"); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// handleConnect attaches the executor: it holds the response open as an SSE
// stream, greets it with executor.hello, and emits keep-alive comments until
// the client goes away.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	executorID := r.URL.Query().Get("executorId")
	if executorID == "" {
		http.Error(w, "executorId query parameter is required", http.StatusBadRequest)
		return
	}
	caps := schemas.ExecutorCapabilities{
		SupportsHeadful:       r.URL.Query().Get("headful") == "true",
		SupportsScreenshots:   r.URL.Query().Get("screenshots") != "false",
		SupportsHumanTakeover: r.URL.Query().Get("humanTakeover") == "true",
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sw := &sseWriter{w: w, flusher: flusher}
	generation := s.adapter.AttachExecutor(executorID, caps, sw.writeFrame)

	// Greet the executor with the negotiated capability flags.
	if err := sw.writeFrame(&schemas.Frame{
		Type:         schemas.MsgExecutorHello,
		ExecutorID:   executorID,
		Version:      r.URL.Query().Get("version"),
		Capabilities: &caps,
	}); err != nil {
		s.adapter.DisconnectAll(generation)
		return
	}

	ticker := time.NewTicker(s.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.adapter.DisconnectAll(generation)
			s.logger.Info("Executor stream closed.", zap.String("executor_id", executorID))
			return
		case <-ticker.C:
			if err := sw.writeComment(); err != nil {
				s.adapter.DisconnectAll(generation)
				return
			}
			s.registry.MarkSeen()
		}
	}
}

// handleResult accepts posted run.action_result and run.observation frames
// from the executor.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	frame, err := schemas.DecodeFrame(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch frame.Type {
	case schemas.MsgRunActionResult:
		s.adapter.HandleResult(frame.StepID, frame.Resolved(), frame.LatencyMs, frame.Error)
	case schemas.MsgRunObservation:
		s.adapter.HandleObservation(frame.ScreenshotRef, frame.DOMSnapshot, frame.ConsoleErrors)
	case schemas.MsgRunHumanResumed:
		s.registry.MarkSeen()
		s.logger.Info("Human takeover resumed.", zap.String("run_id", frame.RunID))
	default:
		http.Error(w, fmt.Sprintf("unexpected frame type %q", frame.Type), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// handleStatus reports {connected, lastSeenAt} for the executor link.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	data, err := statusJSON.Marshal(s.registry.Status())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}
