// Package transport abstracts the ordered, at-least-once channel that carries
// replication and presence messages for one collaboration session. Three
// adapters are provided: an in-process loopback hub, a WebSocket client that
// speaks to the relay, and a Redis pub/sub channel.
package transport

import (
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by Send after the transport has been closed.
	ErrClosed = errors.New("transport: closed")

	// ErrDisconnected is returned by Send while the transport has no live
	// connection. Callers queue and retry after the next reconnect.
	ErrDisconnected = errors.New("transport: disconnected")
)

// Transport is one session-scoped message channel. Messages from a single
// sender arrive in the order they were sent; delivery is at-least-once, so
// consumers must tolerate duplicates.
type Transport interface {
	// Send broadcasts msg to every peer on the channel, including (depending
	// on the fabric) the sender itself. Senders tag messages with an origin
	// ID and filter their own.
	Send(msg []byte) error

	// Subscribe registers a handler for incoming messages and returns its
	// deregistration handle. Multiple handlers each see every message.
	Subscribe(fn func(msg []byte)) (unsubscribe func())

	// SubscribeState registers a handler for connectivity transitions
	// (false on disconnect, true on reconnect).
	SubscribeState(fn func(connected bool)) (unsubscribe func())

	// Close releases the channel. No handlers run after Close returns.
	Close() error
}

// callbacks is a deregistration-handle subscriber list shared by the
// adapters.
type callbacks[T any] struct {
	mu   sync.Mutex
	subs []callback[T]
	next int
}

type callback[T any] struct {
	id int
	fn func(T)
}

func (c *callbacks[T]) add(fn func(T)) (remove func()) {
	c.mu.Lock()
	id := c.next
	c.next++
	c.subs = append(c.subs, callback[T]{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

func (c *callbacks[T]) emit(v T) {
	c.mu.Lock()
	subs := append([]callback[T](nil), c.subs...)
	c.mu.Unlock()
	for _, s := range subs {
		s.fn(v)
	}
}
