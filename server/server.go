package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/perusworld/BleComm/bluetooth"
	"github.com/perusworld/BleComm/utils"
	"go.uber.org/zap"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	maxBodySize  = 64 * 1024
)

// Sender is the part of a session the relay drives
type Sender interface {
	SendBytes(payload []byte) bool
	Ping() bool
	Status() bluetooth.Status
}

// Server relays between HTTP/websocket clients and one BLE session
type Server struct {
	session  Sender
	wsHub    *utils.WebSocketHub
	upgrader websocket.Upgrader
	server   *http.Server
	log      *zap.Logger
}

func NewServer(session Sender, wsHub *utils.WebSocketHub, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		session: session,
		wsHub:   wsHub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: log,
	}
}

// Handler returns the full route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.methodHandler(http.MethodGet, s.handleStatus))
	mux.HandleFunc("/api/send", s.methodHandler(http.MethodPost, s.handleSend))
	mux.HandleFunc("/api/ping", s.methodHandler(http.MethodPost, s.handlePing))

	handler := loggingMiddleware(s.log, corsMiddleware(mux))

	// websocket upgrades bypass the middleware, the recorder cannot hijack
	mainMux := http.NewServeMux()
	mainMux.HandleFunc("/ws", s.handleWebSocket)
	mainMux.Handle("/", handler)
	return mainMux
}

// Start listens on addr until Stop is called
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.log.Info("starting HTTP server", zap.String("addr", addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"timestamp":  time.Now().Unix(),
		"connection": s.session.Status(),
		"clients":    s.wsHub.ClientCount(),
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req utils.SendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid send request", err)
		return
	}
	if req.Message == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "Message must not be empty", nil)
		return
	}

	if !s.session.SendBytes([]byte(req.Message)) {
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "Peripheral not ready", nil)
		return
	}
	writeJSONResponse(w, http.StatusOK, utils.SendResponse{Sent: true})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if !s.session.Ping() {
		s.writeErrorResponse(w, http.StatusConflict, "Ping requires a framed connection", nil)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "sent",
		"timestamp": time.Now().Unix(),
	})
}

// handleWebSocket registers the client for broadcasts and forwards every
// inbound data frame to the peripheral
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.log.Info("websocket connected", zap.String("remote", r.RemoteAddr))

	s.wsHub.AddClient(conn)
	defer func() {
		s.log.Info("websocket closed", zap.String("remote", r.RemoteAddr))
		s.wsHub.RemoveClient(conn)
	}()

	conn.SetReadLimit(maxBodySize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go s.keepAlive(conn, done)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		sent := len(data) > 0 && s.session.SendBytes(data)
		event := utils.WebSocketEvent{Type: utils.EventSent, Payload: utils.SendResponse{Sent: sent}}
		if err := s.wsHub.WriteJSON(conn, event); err != nil {
			s.log.Debug("websocket reply failed", zap.Error(err))
			return
		}
	}
}

func (s *Server) keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.wsHub.WriteControl(conn, websocket.PingMessage, time.Now().Add(time.Second)); err != nil {
				s.log.Debug("websocket ping failed", zap.Error(err))
				return
			}
		}
	}
}

// methodHandler creates a handler that only accepts one HTTP method
func (s *Server) methodHandler(method string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			s.writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
			return
		}
		handler(w, r)
	}
}

func writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]interface{}{
		"error":     message,
		"timestamp": time.Now().Unix(),
	}
	if err != nil {
		response["details"] = err.Error()
		s.log.Debug("api error", zap.String("error", message), zap.Error(err))
	}
	writeJSONResponse(w, statusCode, response)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.statusCode),
			zap.Duration("duration", time.Since(start)))
	})
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *responseRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// SessionListener broadcasts session events to every websocket client
func SessionListener(wsHub *utils.WebSocketHub, log *zap.Logger) bluetooth.Listener {
	if log == nil {
		log = zap.NewNop()
	}
	state := func(eventType string) func() {
		return func() {
			log.Info("session event", zap.String("type", eventType))
			wsHub.Broadcast(utils.WebSocketEvent{
				Type:    eventType,
				Payload: utils.StatePayload{Timestamp: time.Now().Unix()},
			})
		}
	}
	return bluetooth.Listener{
		OnConnected:    state(utils.EventConnected),
		OnReady:        state(utils.EventReady),
		OnDisconnected: state(utils.EventDisconnected),
		OnMessage: func(msg []byte) {
			wsHub.Broadcast(utils.WebSocketEvent{
				Type: utils.EventMessage,
				Payload: utils.MessagePayload{
					Text:      strings.ToValidUTF8(string(msg), "\uFFFD"),
					Bytes:     len(msg),
					Timestamp: time.Now().Unix(),
				},
			})
		},
		OnError: func(err error) {
			log.Warn("session error", zap.Error(err))
			wsHub.Broadcast(utils.WebSocketEvent{
				Type:    utils.EventError,
				Payload: utils.ErrorPayload{Error: err.Error(), Timestamp: time.Now().Unix()},
			})
		},
	}
}
