package transport

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// WS is a WebSocket Transport speaking to a relay endpoint. After a
// connection drops, it reconnects with exponential backoff and keeps
// reconnecting until Close; Send fails with ErrDisconnected in between, and
// state subscribers hear about both edges so the session layer can drive its
// disconnected indicator and the bridge can flush its retry queue.
type WS struct {
	url    string
	logger *slog.Logger
	msgs   callbacks[[]byte]
	states callbacks[bool]

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	done      chan struct{}
}

// WSOption configures a WS transport.
type WSOption func(*WS)

// WithWSLogger sets the transport's logger.
func WithWSLogger(l *slog.Logger) WSOption {
	return func(w *WS) { w.logger = l }
}

// DialWS connects to a relay WebSocket endpoint, e.g.
// ws://host:8081/ws/{session}. The initial dial is not retried; reconnects
// after a drop are.
func DialWS(url string, opts ...WSOption) (*WS, error) {
	w := &WS{
		url:    url,
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	w.conn = conn
	w.connected = true
	go w.readLoop()
	return w, nil
}

func (w *WS) Send(msg []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.closed:
		return ErrClosed
	case !w.connected:
		return ErrDisconnected
	}
	return w.conn.WriteMessage(websocket.TextMessage, msg)
}

func (w *WS) Subscribe(fn func([]byte)) (unsubscribe func()) {
	return w.msgs.add(fn)
}

func (w *WS) SubscribeState(fn func(bool)) (unsubscribe func()) {
	return w.states.add(fn)
}

func (w *WS) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.connected = false
	conn := w.conn
	close(w.done)
	w.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (w *WS) readLoop() {
	for {
		w.mu.Lock()
		conn := w.conn
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return
		}

		_, msg, err := conn.ReadMessage()
		if err == nil {
			w.msgs.emit(msg)
			continue
		}

		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return
		}
		w.connected = false
		w.mu.Unlock()
		w.logger.Warn("websocket transport disconnected", "url", w.url, "error", err)
		w.states.emit(false)

		if !w.reconnect() {
			return
		}
		w.states.emit(true)
	}
}

// reconnect dials until it succeeds or the transport is closed. Reports
// whether a new connection was established.
func (w *WS) reconnect() bool {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0 // retry until closed

	for {
		select {
		case <-w.done:
			return false
		case <-time.After(bo.NextBackOff()):
		}
		conn, _, err := websocket.DefaultDialer.Dial(w.url, nil)
		if err != nil {
			w.logger.Debug("websocket reconnect failed", "url", w.url, "error", err)
			continue
		}
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			conn.Close()
			return false
		}
		w.conn = conn
		w.connected = true
		w.mu.Unlock()
		w.logger.Info("websocket transport reconnected", "url", w.url)
		return true
	}
}
