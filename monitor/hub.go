// Package monitor streams engine events to websocket clients.
package monitor

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/user/gaia-engine/engine"
	"github.com/user/gaia-engine/logger"
)

const (
	sendBuffer = 64
	writeWait  = time.Second
)

// Hub is an engine.Observer that fans events out to websocket clients.
// A client that cannot keep up loses events rather than stalling the engine.
type Hub struct {
	upgrader websocket.Upgrader
	snapshot func() *structpb.Struct

	mu      sync.Mutex
	clients map[*client]struct{}
	dropped uint64
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

var _ engine.Observer = (*Hub)(nil)

// NewHub creates a hub; snapshot, if set, backs the /snapshot endpoint
func NewHub(snapshot func() *structpb.Struct) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		snapshot: snapshot,
		clients:  make(map[*client]struct{}),
	}
}

// Handler serves /events (websocket) and /snapshot (JSON)
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", h.serveEvents)
	mux.HandleFunc("/snapshot", h.serveSnapshot)
	return mux
}

// OnEngineEvent runs on the engine's dispatch goroutine
func (h *Hub) OnEngineEvent(ev engine.Event) {
	data, err := json.Marshal(newMessage(ev))
	if err != nil {
		logger.Warn("monitor", "encoding %s event: %v", ev.Type, err)
		return
	}
	h.broadcast(data)
}

func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			n := atomic.AddUint64(&h.dropped, 1)
			logger.Debug("monitor", "client too slow, dropped event (%d so far)", n)
		}
	}
}

// Clients returns the number of connected websocket clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many events were skipped for slow clients
func (h *Hub) Dropped() uint64 {
	return atomic.LoadUint64(&h.dropped)
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
}

func (h *Hub) serveEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("monitor", "upgrade from %s: %v", r.RemoteAddr, err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	logger.Info("monitor", "client %s connected", r.RemoteAddr)

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop discards client messages and notices when the client goes away
func (h *Hub) readLoop(c *client) {
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			h.remove(c)
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logger.Debug("monitor", "write to %s: %v", c.conn.RemoteAddr(), err)
			h.remove(c)
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.mu.Unlock()
	c.conn.Close()
}

func (h *Hub) serveSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.snapshot == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	data, err := protojson.Marshal(h.snapshot())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
