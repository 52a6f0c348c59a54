// internal/remote/registry.go
package remote

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/helmsman-ai/helmsman/api/schemas"
)

// ErrNotConnected signals that no executor transport is attached. Callers get
// it immediately; no timeout wait is ever incurred for a missing executor.
var ErrNotConnected = errors.New("no executor connected")

// Transport delivers one protocol frame to the attached executor.
type Transport func(frame *schemas.Frame) error

// Registry tracks whether a remote executor is attached, when it was last
// seen, and the single active transport slot. At most one executor is
// attached at a time; a newer connection replaces the prior one's transport.
type Registry struct {
	logger *zap.Logger

	mu           sync.Mutex
	connected    bool
	lastSeenAt   time.Time
	executorID   string
	capabilities schemas.ExecutorCapabilities
	transport    Transport
	generation   uint64
}

// NewRegistry creates an empty, disconnected registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{logger: logger.Named("executor_registry")}
}

// Attach installs a new executor connection and returns its generation token.
// The prior transport, if any, is silently replaced.
func (r *Registry) Attach(executorID string, caps schemas.ExecutorCapabilities, t Transport) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.generation++
	r.connected = true
	r.lastSeenAt = time.Now()
	r.executorID = executorID
	r.capabilities = caps
	r.transport = t

	r.logger.Info("Executor attached.",
		zap.String("executor_id", executorID),
		zap.Uint64("generation", r.generation))
	return r.generation
}

// Detach clears the transport slot, but only when the caller still owns the
// slot: a stale connection tearing down must not disconnect its replacement.
// lastSeenAt is preserved so callers can tell how stale the link is.
func (r *Registry) Detach(generation uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if generation != r.generation {
		return false
	}
	r.connected = false
	r.transport = nil
	r.logger.Info("Executor detached.", zap.Uint64("generation", generation))
	return true
}

// MarkSeen refreshes the last-seen timestamp on any inbound executor traffic.
func (r *Registry) MarkSeen() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connected {
		r.lastSeenAt = time.Now()
	}
}

// Connected reports whether a transport is currently attached.
func (r *Registry) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// Status reports the heartbeat view of the connection.
func (r *Registry) Status() schemas.ExecutorStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return schemas.ExecutorStatus{
		Connected:    r.connected,
		LastSeenAt:   r.lastSeenAt,
		ExecutorID:   r.executorID,
		Capabilities: r.capabilities,
	}
}

// Send delivers a frame through the active transport. Fails immediately with
// ErrNotConnected when no executor is attached.
func (r *Registry) Send(frame *schemas.Frame) error {
	r.mu.Lock()
	t := r.transport
	r.mu.Unlock()

	if t == nil {
		return ErrNotConnected
	}
	return t(frame)
}
