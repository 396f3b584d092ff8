package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/jbelanger/exitbook-sub013/internal/events"
)

const (
	streamWriteTimeout = 5 * time.Second
	streamQueueDepth   = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origin policy is enforced by the router's CORS middleware
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans the pipeline event stream out to websocket subscribers of
// /api/v1/stream. Events are serialized once and pushed to every client;
// the stream is best-effort and never allowed to stall the pipeline.
type Hub struct {
	clients map[*websocket.Conn]bool
	queue   chan []byte
	mu      sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		queue:   make(chan []byte, streamQueueDepth),
		clients: make(map[*websocket.Conn]bool),
	}
}

// Broadcast queues one pipeline event for delivery. It never blocks: when
// the queue is full the event is dropped.
func (h *Hub) Broadcast(ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[Stream] dropping unencodable %s event: %v", ev.Type, err)
		return
	}
	select {
	case h.queue <- payload:
	default:
	}
}

// Run delivers queued events until the queue is closed. A subscriber that
// misses the write deadline is dropped rather than holding up the rest.
func (h *Hub) Run() {
	for payload := range h.queue {
		h.mu.Lock()
		for conn := range h.clients {
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Printf("[Stream] subscriber write failed, dropping: %v", err)
				conn.Close()
				delete(h.clients, conn)
			}
		}
		h.mu.Unlock()
	}
}

// Subscribe upgrades the request and registers the connection. The stream is
// push-only; the read loop exists to notice disconnects.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Stream] upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	active := len(h.clients)
	h.mu.Unlock()
	log.Printf("[Stream] subscriber connected (%d active)", active)

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			active := len(h.clients)
			h.mu.Unlock()
			conn.Close()
			log.Printf("[Stream] subscriber disconnected (%d active)", active)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
