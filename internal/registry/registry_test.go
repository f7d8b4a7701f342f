package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodenexus/nodenexus/internal/protocol"
)

func TestRegisterReplacesAndClosesPrior(t *testing.T) {
	r := New()

	s1 := NewSession(42, "token-1", "websocket", protocol.AgentHandshake{HostID: 42}, 4)
	prev := r.Register(42, s1)
	assert.Nil(t, prev)

	s2 := NewSession(42, "token-2", "grpc", protocol.AgentHandshake{HostID: 42}, 4)
	prev = r.Register(42, s2)
	require.Same(t, s1, prev)

	got, ok := r.Lookup(42)
	require.True(t, ok)
	assert.Same(t, s2, got)

	select {
	case <-s1.Sink.Closed():
	default:
		t.Fatal("expected s1's sink to be closed after replacement")
	}

	select {
	case <-s2.Sink.Closed():
		t.Fatal("s2's sink must remain open")
	default:
	}
}

func TestDropIsNoOpForSupersededToken(t *testing.T) {
	r := New()
	s1 := NewSession(7, "token-1", "websocket", protocol.AgentHandshake{}, 4)
	r.Register(7, s1)

	s2 := NewSession(7, "token-2", "websocket", protocol.AgentHandshake{}, 4)
	r.Register(7, s2)

	ok := r.Drop(7, "token-1")
	assert.False(t, ok, "drop with a superseded token must be a no-op")

	got, found := r.Lookup(7)
	require.True(t, found)
	assert.Same(t, s2, got)

	ok = r.Drop(7, "token-2")
	assert.True(t, ok)
	_, found = r.Lookup(7)
	assert.False(t, found)
}

func TestLookupMissing(t *testing.T) {
	r := New()
	_, ok := r.Lookup(999)
	assert.False(t, ok)
}

func TestSnapshotIndependentOfMutation(t *testing.T) {
	r := New()
	r.Register(1, NewSession(1, "a", "ws", protocol.AgentHandshake{}, 2))
	r.Register(2, NewSession(2, "b", "ws", protocol.AgentHandshake{}, 2))

	snap := r.Snapshot()
	assert.Len(t, snap, 2)

	r.Register(3, NewSession(3, "c", "ws", protocol.AgentHandshake{}, 2))
	assert.Len(t, snap, 2, "snapshot must not observe later mutations")
	assert.Equal(t, 3, r.Len())
}
