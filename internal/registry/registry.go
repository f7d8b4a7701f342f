// Package registry implements the process-wide table of host-id to live
// agent session. The registry is the only shared mutable collection
// besides the live-state cache, and every mutation serializes through a
// single mutex.
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nodenexus/nodenexus/internal/protocol"
)

// Session is the in-memory record of one live agent connection.
type Session struct {
	HostID    int64
	Token     string // unique per handshake; distinguishes this session from any successor
	Sink      *OutboundSink
	Transport string // "grpc" | "websocket"
	Meta      protocol.AgentHandshake

	lastSeenUnixNano atomic.Int64

	mu     sync.RWMutex
	config protocol.EffectiveConfig
}

// NewSession constructs a Session with the given identity and sink capacity.
func NewSession(hostID int64, token, transport string, meta protocol.AgentHandshake, sinkCapacity int) *Session {
	s := &Session{
		HostID:    hostID,
		Token:     token,
		Sink:      NewOutboundSink(sinkCapacity),
		Transport: transport,
		Meta:      meta,
	}
	s.Touch()
	return s
}

// Touch records that a message (of any type) was just received from this
// session, advancing last-seen.
func (s *Session) Touch() {
	s.lastSeenUnixNano.Store(time.Now().UnixNano())
}

// LastSeen returns the last time any inbound message was observed.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeenUnixNano.Load())
}

// SetConfig stores the negotiated effective config for this session.
func (s *Session) SetConfig(cfg protocol.EffectiveConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = cfg
}

// Config returns the currently negotiated effective config.
func (s *Session) Config() protocol.EffectiveConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Registry is the host-id -> Session table.
type Registry struct {
	mu       sync.Mutex
	sessions map[int64]*Session
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{sessions: make(map[int64]*Session)}
}

// Register atomically replaces any prior session for hostID and closes the
// prior session's outbound sink. It returns the displaced session, if any,
// so the caller can finish tearing it down (e.g. cancel its reader loop).
//
// The handshake ack must only be sent on the session that is actually
// registered here — sending it before calling Register risks acking a
// session that a concurrent, newer handshake immediately displaces.
func (r *Registry) Register(hostID int64, session *Session) *Session {
	r.mu.Lock()
	prev := r.sessions[hostID]
	r.sessions[hostID] = session
	r.mu.Unlock()

	if prev != nil {
		prev.Sink.Close()
	}
	return prev
}

// Lookup returns the current session for hostID, or (nil, false). The
// returned *Session (and in particular its Sink) is a cheap shared
// reference — callers do not need to hold the registry mutex to use it.
func (r *Registry) Lookup(hostID int64) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[hostID]
	r.mu.Unlock()
	return s, ok
}

// Drop removes the entry for hostID iff its current session's token matches
// sessionToken — i.e. iff no newer session has already replaced it. Returns
// true if an entry was removed.
func (r *Registry) Drop(hostID int64, sessionToken string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[hostID]
	if !ok || cur.Token != sessionToken {
		return false
	}
	delete(r.sessions, hostID)
	return true
}

// Snapshot returns a point-in-time copy of all registered sessions, safe to
// range over without holding the registry mutex (used by the heartbeat
// sweeper).
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of currently registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
