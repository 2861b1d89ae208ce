package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds how long a slow client can hold up a broadcast.
const writeWait = 100 * time.Millisecond

// WebSocketEvent is the envelope sent to UI clients.
type WebSocketEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Hub tracks connected UI clients and broadcasts events to them.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]*sync.Mutex // per-connection write lock
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]*sync.Mutex)}
}

// Add registers conn, sends it the greeting event and starts a reader
// that drops the client when it goes away.
func (h *Hub) Add(conn *websocket.Conn, greeting WebSocketEvent) {
	wmu := &sync.Mutex{}
	h.mu.Lock()
	h.clients[conn] = wmu
	h.mu.Unlock()

	if err := h.write(conn, wmu, greeting); err != nil {
		h.Remove(conn)
		return
	}
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.Remove(conn)
				return
			}
		}
	}()
}

func (h *Hub) Remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// Len reports the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) write(conn *websocket.Conn, wmu *sync.Mutex, ev WebSocketEvent) error {
	wmu.Lock()
	defer wmu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}

// Broadcast sends ev to every client concurrently and drops the ones that
// fail.
func (h *Hub) Broadcast(ev WebSocketEvent) {
	h.mu.Lock()
	type client struct {
		conn *websocket.Conn
		wmu  *sync.Mutex
	}
	clients := make([]client, 0, len(h.clients))
	for conn, wmu := range h.clients {
		clients = append(clients, client{conn, wmu})
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	var failed []*websocket.Conn
	for _, c := range clients {
		wg.Add(1)
		go func(c client) {
			defer wg.Done()
			if err := h.write(c.conn, c.wmu, ev); err != nil {
				failedMu.Lock()
				failed = append(failed, c.conn)
				failedMu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	for _, conn := range failed {
		slog.Debug("[HTTP] dropping websocket client", "remote", conn.RemoteAddr())
		h.Remove(conn)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		delete(h.clients, conn)
		conn.Close()
	}
}
