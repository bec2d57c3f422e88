package utils

// WebSocket
type WebSocketEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Event types broadcast to websocket clients
const (
	EventConnected    = "ble/connected"
	EventReady        = "ble/ready"
	EventDisconnected = "ble/disconnected"
	EventMessage      = "ble/message"
	EventError        = "ble/error"
	EventSent         = "ble/sent"
)

type MessagePayload struct {
	Text      string `json:"text"`
	Bytes     int    `json:"bytes"`
	Timestamp int64  `json:"timestamp"`
}

type ErrorPayload struct {
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

type StatePayload struct {
	Timestamp int64 `json:"timestamp"`
}

// Requests
type SendRequest struct {
	Message string `json:"message"`
}

type SendResponse struct {
	Sent bool `json:"sent"`
}
