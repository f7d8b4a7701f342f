package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/nodenexus/nodenexus/internal/protocol"
)

// ErrSinkClosed is returned by Send once the sink has been closed, either by
// the session tearing down or by a newer session replacing this one.
var ErrSinkClosed = errors.New("registry: outbound sink closed")

// OutboundMessage is one item queued on a session's outbound sink.
type OutboundMessage struct {
	Type    protocol.PayloadType
	Payload any
}

// OutboundSink is the capacity-bounded, per-session outbound channel.
// It is the sole backpressure mechanism: Send
// blocks (subject to ctx) when the channel is full rather than growing
// unbounded, so a slow peer throttles its own producers without affecting
// any other session.
type OutboundSink struct {
	ch   chan OutboundMessage
	once sync.Once
	done chan struct{}
}

// NewOutboundSink creates a sink with the given bounded capacity.
func NewOutboundSink(capacity int) *OutboundSink {
	return &OutboundSink{
		ch:   make(chan OutboundMessage, capacity),
		done: make(chan struct{}),
	}
}

// Send enqueues a message, blocking while the channel is full. It returns
// ErrSinkClosed if the sink has already been closed, and ctx.Err() if ctx is
// cancelled first.
func (s *OutboundSink) Send(ctx context.Context, typ protocol.PayloadType, payload any) error {
	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}
	select {
	case s.ch <- OutboundMessage{Type: typ, Payload: payload}:
		return nil
	case <-s.done:
		return ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outbound returns the receive-only channel the session's writer pump drains.
func (s *OutboundSink) Outbound() <-chan OutboundMessage {
	return s.ch
}

// Close closes the sink idempotently. Further Send calls fail with
// ErrSinkClosed; the writer pump observes Outbound() draining with no more
// sends and Closed() to know it can stop.
func (s *OutboundSink) Close() {
	s.once.Do(func() {
		close(s.done)
	})
}

// Closed reports whether Close has been called.
func (s *OutboundSink) Closed() <-chan struct{} {
	return s.done
}
