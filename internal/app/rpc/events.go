package rpc

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/paychan/pkg/logger"
)

// eventFrame is one message on the /events feed.
type eventFrame struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
	At      time.Time   `json:"at"`
}

// Hub fans engine events out to local websocket subscribers. Delivery is
// best-effort: a slow subscriber is dropped rather than allowed to block the
// engine.
type Hub struct {
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]chan eventFrame
	done  bool
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewDefault("events")
	}
	return &Hub{
		log:   log,
		conns: make(map[*websocket.Conn]chan eventFrame),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// ServeHTTP upgrades the connection and streams events until the subscriber
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	ch := make(chan eventFrame, 64)
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.conns[conn] = ch
	h.mu.Unlock()

	// Reader goroutine only to observe the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.drop(conn)
				return
			}
		}
	}()

	go func() {
		for frame := range ch {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(frame); err != nil {
				h.drop(conn)
				return
			}
		}
		conn.Close()
	}()
}

// Broadcast sends an event to every subscriber without blocking.
func (h *Hub) Broadcast(event string, payload interface{}) {
	frame := eventFrame{Event: event, Payload: payload, At: time.Now().UTC()}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.conns {
		select {
		case ch <- frame:
		default:
			// Subscriber is not keeping up.
			delete(h.conns, conn)
			close(ch)
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.conns[conn]; ok {
		delete(h.conns, conn)
		close(ch)
	}
	conn.Close()
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.done = true
	for conn, ch := range h.conns {
		close(ch)
		conn.Close()
	}
	h.conns = make(map[*websocket.Conn]chan eventFrame)
}
