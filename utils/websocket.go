package utils

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const broadcastWriteTimeout = 100 * time.Millisecond

// WebSocketHub fans events out to every connected client
type WebSocketHub struct {
	clients map[*websocket.Conn]*sync.Mutex
	mu      sync.Mutex
	log     *zap.Logger
}

func NewWebSocketHub(log *zap.Logger) *WebSocketHub {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebSocketHub{
		clients: make(map[*websocket.Conn]*sync.Mutex),
		log:     log,
	}
}

func (h *WebSocketHub) AddClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = &sync.Mutex{}
	h.log.Debug("client added", zap.String("remote", conn.RemoteAddr().String()), zap.Int("clients", len(h.clients)))
}

func (h *WebSocketHub) RemoveClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
		h.log.Debug("client removed", zap.Int("clients", len(h.clients)))
	}
}

func (h *WebSocketHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// WriteJSON writes to one client, serialized with broadcasts to it
func (h *WebSocketHub) WriteJSON(conn *websocket.Conn, v interface{}) error {
	h.mu.Lock()
	lock, ok := h.clients[conn]
	h.mu.Unlock()
	if !ok {
		return websocket.ErrCloseSent
	}
	lock.Lock()
	defer lock.Unlock()
	conn.SetWriteDeadline(time.Now().Add(broadcastWriteTimeout))
	return conn.WriteJSON(v)
}

// WriteControl sends a ping or close frame to one client
func (h *WebSocketHub) WriteControl(conn *websocket.Conn, messageType int, deadline time.Time) error {
	h.mu.Lock()
	lock, ok := h.clients[conn]
	h.mu.Unlock()
	if !ok {
		return websocket.ErrCloseSent
	}
	lock.Lock()
	defer lock.Unlock()
	return conn.WriteControl(messageType, nil, deadline)
}

func (h *WebSocketHub) Broadcast(event WebSocketEvent) {
	h.mu.Lock()
	// Snapshot of current clients
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	var failedClients []*websocket.Conn
	var failedMu sync.Mutex

	for _, conn := range clients {
		wg.Add(1)
		go func(c *websocket.Conn) {
			defer wg.Done()
			if err := h.WriteJSON(c, event); err != nil {
				failedMu.Lock()
				failedClients = append(failedClients, c)
				failedMu.Unlock()
			}
		}(conn)
	}
	wg.Wait()

	for _, conn := range failedClients {
		h.log.Debug("dropping client after failed write", zap.String("event", event.Type))
		h.RemoveClient(conn)
	}
}
