package bluetooth

import "context"

// Transport is one connected peripheral as seen by the protocol layer
type Transport interface {
	// Write sends one physical write. len(p) never exceeds MaxWriteSize.
	Write(ctx context.Context, p []byte) error
	// MaxWriteSize is the largest single write the link accepts
	MaxWriteSize() int
	// ReadFeatures reads the raw feature descriptor value. An absent
	// descriptor returns "" and no error.
	ReadFeatures(ctx context.Context) (string, error)
}

// LinkEvents is implemented by the session and driven by a Link
type LinkEvents interface {
	// Connected hands over the transport of a new physical connection
	Connected(t Transport)
	// Ready fires once both characteristics are confirmed usable
	Ready()
	// Received delivers one notification value
	Received(p []byte)
	// Disconnected ends the current connection; err is nil for a requested disconnect
	Disconnected(err error)
}

// Link owns the BLE connection lifecycle: discovery, connect and teardown
type Link interface {
	Connect(ctx context.Context, events LinkEvents) error
	Disconnect() error
}
