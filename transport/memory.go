package transport

import "sync"

// MemoryHub connects in-process Memory transports to each other. It stands in
// for the relay in tests and single-process demos: every message sent by one
// member is delivered synchronously to all connected members, sender
// included.
type MemoryHub struct {
	mu      sync.Mutex
	members []*Memory
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{}
}

// Join attaches a new connected member to the hub.
func (h *MemoryHub) Join() *Memory {
	m := &Memory{hub: h, connected: true}
	h.mu.Lock()
	h.members = append(h.members, m)
	h.mu.Unlock()
	return m
}

func (h *MemoryHub) broadcast(msg []byte) {
	h.mu.Lock()
	members := append([]*Memory(nil), h.members...)
	h.mu.Unlock()
	for _, m := range members {
		m.deliver(msg)
	}
}

func (h *MemoryHub) leave(target *Memory) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, m := range h.members {
		if m == target {
			h.members = append(h.members[:i], h.members[i+1:]...)
			return
		}
	}
}

// Memory is an in-process Transport bound to a MemoryHub. SetConnected lets
// tests simulate transport outages.
type Memory struct {
	hub    *MemoryHub
	msgs   callbacks[[]byte]
	states callbacks[bool]

	mu        sync.Mutex
	connected bool
	closed    bool
}

func (m *Memory) Send(msg []byte) error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrClosed
	case !m.connected:
		m.mu.Unlock()
		return ErrDisconnected
	}
	m.mu.Unlock()
	m.hub.broadcast(msg)
	return nil
}

func (m *Memory) Subscribe(fn func([]byte)) (unsubscribe func()) {
	return m.msgs.add(fn)
}

func (m *Memory) SubscribeState(fn func(bool)) (unsubscribe func()) {
	return m.states.add(fn)
}

// SetConnected simulates losing or regaining the connection. While
// disconnected, Send fails with ErrDisconnected and incoming messages are
// dropped, as they would be on a dead socket.
func (m *Memory) SetConnected(connected bool) {
	m.mu.Lock()
	if m.closed || m.connected == connected {
		m.mu.Unlock()
		return
	}
	m.connected = connected
	m.mu.Unlock()
	m.states.emit(connected)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.connected = false
	m.mu.Unlock()
	m.hub.leave(m)
	return nil
}

func (m *Memory) deliver(msg []byte) {
	m.mu.Lock()
	ok := m.connected && !m.closed
	m.mu.Unlock()
	if ok {
		m.msgs.emit(msg)
	}
}
