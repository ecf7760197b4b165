// Package relay implements the standalone fan-out relay that carries a
// collaboration session's traffic between clients. Every frame a client sends
// is delivered to every client of the same session, the sender included;
// clients filter their own frames by origin. With a Redis client configured,
// frames are bridged through pub/sub so clients of different relay instances
// share a session.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

// Options configures a Relay.
type Options struct {
	// Redis, when set, bridges session frames across relay instances.
	Redis *redis.Client
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Relay serves WebSocket session endpoints and a presence summary. Create
// with New and mount Router on an HTTP server.
type Relay struct {
	logger   *slog.Logger
	rdb      *redis.Client
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
}

// New creates a relay.
func New(opts Options) *Relay {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		logger: logger,
		rdb:    opts.Redis,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms: make(map[string]*room),
	}
}

// Router returns the relay's HTTP routes: GET /ws/{session} upgrades to the
// session's WebSocket channel, GET /sessions returns the summary.
func (r *Relay) Router() *mux.Router {
	m := mux.NewRouter()
	m.HandleFunc("/ws/{session}", r.handleWS)
	m.HandleFunc("/sessions", r.handleSessions).Methods(http.MethodGet)
	return m
}

// SessionInfo is one session's entry in the relay summary.
type SessionInfo struct {
	Name         string    `json:"name"`
	Clients      int       `json:"clients"`
	LastActivity time.Time `json:"lastActivity"`
}

func (r *Relay) handleWS(w http.ResponseWriter, req *http.Request) {
	name := mux.Vars(req)["session"]
	if name == "" {
		http.Error(w, "missing session", http.StatusBadRequest)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 256)}
	rm := r.join(name, c)
	go c.writePump()
	go c.readPump(rm)
}

// join registers c with the session's room, retrying if the room it found is
// being reaped concurrently.
func (r *Relay) join(name string, c *client) *room {
	for {
		rm := r.room(name)
		if rm.add(c) {
			return rm
		}
	}
}

func (r *Relay) handleSessions(w http.ResponseWriter, _ *http.Request) {
	r.mu.Lock()
	infos := make([]SessionInfo, 0, len(r.rooms))
	for name, rm := range r.rooms {
		info := SessionInfo{Name: name, Clients: int(rm.count.Load())}
		if ns := rm.lastActive.Load(); ns > 0 {
			info.LastActivity = time.Unix(0, ns)
		}
		infos = append(infos, info)
	}
	r.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(infos); err != nil {
		r.logger.Error("encoding session summary", "error", err)
	}
}

// room returns the session's room, creating it on first use. A room lives
// until its last client leaves.
func (r *Relay) room(name string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[name]
	if !ok {
		rm = &room{
			name:       name,
			logger:     r.logger,
			rdb:        r.rdb,
			register:   make(chan *client),
			unregister: make(chan *client),
			inbound:    make(chan []byte),
			fanout:     make(chan []byte),
			done:       make(chan struct{}),
			clients:    make(map[*client]bool),
		}
		rm.onEmpty = func() {
			r.mu.Lock()
			if r.rooms[name] == rm {
				delete(r.rooms, name)
			}
			r.mu.Unlock()
		}
		r.rooms[name] = rm
		if rm.rdb != nil {
			rm.pubsub = rm.rdb.Subscribe(context.Background(), rm.channel())
			go rm.bridge()
		}
		go rm.run()
	}
	return rm
}

// room is one session's set of connected clients, driven by a single
// goroutine. When the last client leaves, the room removes itself from the
// relay and stops.
type room struct {
	name   string
	logger *slog.Logger
	rdb    *redis.Client
	pubsub *redis.PubSub

	register   chan *client
	unregister chan *client
	inbound    chan []byte
	fanout     chan []byte
	done       chan struct{}
	onEmpty    func()

	clients map[*client]bool

	count      atomic.Int64
	lastActive atomic.Int64
}

// add registers c, reporting false if the room stopped first.
func (rm *room) add(c *client) bool {
	select {
	case rm.register <- c:
		return true
	case <-rm.done:
		return false
	}
}

func (rm *room) run() {
	for {
		select {
		case c := <-rm.register:
			rm.clients[c] = true
			rm.count.Store(int64(len(rm.clients)))
			rm.logger.Info("client joined", "session", rm.name, "clients", len(rm.clients))
		case c := <-rm.unregister:
			if _, ok := rm.clients[c]; ok {
				delete(rm.clients, c)
				close(c.send)
				rm.count.Store(int64(len(rm.clients)))
				rm.logger.Info("client left", "session", rm.name, "clients", len(rm.clients))
			}
			// Also reached by clients dropped earlier as slow consumers.
			if len(rm.clients) == 0 {
				rm.stop()
				return
			}
		case msg := <-rm.inbound:
			rm.lastActive.Store(time.Now().UnixNano())
			if rm.rdb != nil {
				// The pub/sub subscription echoes the frame back and deliver
				// runs from the fanout arm, on this instance and every other.
				if err := rm.rdb.Publish(context.Background(), rm.channel(), msg).Err(); err != nil {
					rm.logger.Error("publishing frame", "session", rm.name, "error", err)
				}
				continue
			}
			rm.deliver(msg)
		case msg := <-rm.fanout:
			rm.deliver(msg)
		}
	}
}

func (rm *room) deliver(msg []byte) {
	for c := range rm.clients {
		select {
		case c.send <- msg:
		default:
			// A consumer this far behind would stall the session; drop it and
			// let it reconnect.
			delete(rm.clients, c)
			close(c.send)
			rm.count.Store(int64(len(rm.clients)))
			rm.logger.Warn("dropping slow client", "session", rm.name)
		}
	}
}

func (rm *room) channel() string { return "relay:" + rm.name }

// stop deregisters the room from the relay before releasing its resources, so
// a concurrent join finds a fresh room instead of this one.
func (rm *room) stop() {
	rm.onEmpty()
	close(rm.done)
	if rm.pubsub != nil {
		rm.pubsub.Close()
	}
	rm.logger.Info("session closed", "session", rm.name)
}

// bridge pipes frames published by other relay instances into the room.
func (rm *room) bridge() {
	for msg := range rm.pubsub.Channel() {
		select {
		case rm.fanout <- []byte(msg.Payload):
		case <-rm.done:
			return
		}
	}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func (c *client) readPump(rm *room) {
	defer func() {
		select {
		case rm.unregister <- c:
		case <-rm.done:
		}
		c.conn.Close()
	}()
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case rm.inbound <- msg:
		case <-rm.done:
			return
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
