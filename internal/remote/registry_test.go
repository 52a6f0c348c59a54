package remote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/helmsman-ai/helmsman/api/schemas"
)

func TestRegistry_SendWithoutTransport(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	err := r.Send(&schemas.Frame{Type: schemas.MsgRunStop})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestRegistry_AttachReplacesTransport(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))

	var firstGot, secondGot int
	gen1 := r.Attach("exec-1", schemas.ExecutorCapabilities{}, func(*schemas.Frame) error {
		firstGot++
		return nil
	})
	gen2 := r.Attach("exec-2", schemas.ExecutorCapabilities{}, func(*schemas.Frame) error {
		secondGot++
		return nil
	})
	require.NotEqual(t, gen1, gen2)

	require.NoError(t, r.Send(&schemas.Frame{Type: schemas.MsgRunStop}))
	assert.Zero(t, firstGot)
	assert.Equal(t, 1, secondGot)
}

func TestRegistry_StaleDetachIsIgnored(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))

	gen1 := r.Attach("exec-1", schemas.ExecutorCapabilities{}, func(*schemas.Frame) error { return nil })
	gen2 := r.Attach("exec-2", schemas.ExecutorCapabilities{}, func(*schemas.Frame) error { return nil })

	// The replaced connection tearing down must not disconnect its successor.
	assert.False(t, r.Detach(gen1))
	assert.True(t, r.Connected())

	assert.True(t, r.Detach(gen2))
	assert.False(t, r.Connected())
}

func TestRegistry_DetachPreservesLastSeen(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	gen := r.Attach("exec-1", schemas.ExecutorCapabilities{SupportsHeadful: true}, func(*schemas.Frame) error { return nil })

	r.MarkSeen()
	before := r.Status()
	require.True(t, before.Connected)
	require.False(t, before.LastSeenAt.IsZero())

	require.True(t, r.Detach(gen))

	after := r.Status()
	assert.False(t, after.Connected)
	assert.Equal(t, before.LastSeenAt, after.LastSeenAt)
	assert.True(t, after.Capabilities.SupportsHeadful)
}

func TestRegistry_MarkSeenOnlyWhileConnected(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	gen := r.Attach("exec-1", schemas.ExecutorCapabilities{}, func(*schemas.Frame) error { return nil })
	r.MarkSeen()
	seen := r.Status().LastSeenAt

	require.True(t, r.Detach(gen))
	time.Sleep(5 * time.Millisecond)
	r.MarkSeen()

	assert.Equal(t, seen, r.Status().LastSeenAt)
}
