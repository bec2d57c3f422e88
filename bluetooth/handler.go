package bluetooth

import (
	"fmt"

	"go.uber.org/zap"
)

// Inbox receives what a handler decodes
type Inbox interface {
	Message(msg []byte)
	Ready()
}

// Handler is the per-connection wire protocol, bound once after feature negotiation
type Handler interface {
	Variant() Variant
	// Send queues one logical message
	Send(payload []byte) error
	// Receive consumes one notification value
	Receive(data []byte)
	// ConnectionFinalized is called on every link-ready event
	ConnectionFinalized()
	// Pending reports buffered bytes of an unfinished inbound message
	Pending() int
}

// NewHandler binds the handler variant selected by features
func NewHandler(features Features, out Outbox, in Inbox, maxFrameSize, maxWriteSize int, log *zap.Logger) Handler {
	if SelectVariant(features) == VariantFramed {
		return NewFramedHandler(out, in, maxFrameSize, maxWriteSize, log)
	}
	return NewRawHandler(out, in, maxWriteSize, log)
}

// RawHandler passes bytes through untouched
type RawHandler struct {
	out      Outbox
	in       Inbox
	maxWrite int
	log      *zap.Logger
}

func NewRawHandler(out Outbox, in Inbox, maxWriteSize int, log *zap.Logger) *RawHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &RawHandler{out: out, in: in, maxWrite: maxWriteSize, log: log}
}

func (h *RawHandler) Variant() Variant { return VariantRaw }

// Send slices payload into writes of at most the transport write size
func (h *RawHandler) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	limit := h.maxWrite
	if limit <= 0 || len(payload) <= limit {
		h.out.Enqueue(cloneBytes(payload))
		return nil
	}

	writes := make([][]byte, 0, (len(payload)+limit-1)/limit)
	for offset := 0; offset < len(payload); offset += limit {
		end := offset + limit
		if end > len(payload) {
			end = len(payload)
		}
		writes = append(writes, cloneBytes(payload[offset:end]))
	}
	h.out.Enqueue(writes...)
	return nil
}

func (h *RawHandler) Receive(data []byte) {
	h.in.Message(cloneBytes(data))
}

func (h *RawHandler) ConnectionFinalized() {}

func (h *RawHandler) Pending() int { return 0 }

// FramedHandler speaks the tagged frame protocol
type FramedHandler struct {
	out       Outbox
	in        Inbox
	frameSize int
	rx        Reassembler
	// inSync is reserved for gating traffic until the first ping round trip
	inSync bool
	log    *zap.Logger
}

func NewFramedHandler(out Outbox, in Inbox, maxFrameSize, maxWriteSize int, log *zap.Logger) *FramedHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &FramedHandler{
		out:       out,
		in:        in,
		frameSize: FrameSize(maxFrameSize, maxWriteSize),
		log:       log,
	}
}

func (h *FramedHandler) Variant() Variant { return VariantFramed }

// FrameSize is the frame size used for outbound chunking
func (h *FramedHandler) FrameSize() int { return h.frameSize }

func (h *FramedHandler) Send(payload []byte) error {
	frames, err := SplitForTransport(TagSingle, payload, h.frameSize)
	if err != nil {
		return fmt.Errorf("frame message: %w", err)
	}
	writes := make([][]byte, len(frames))
	for i, f := range frames {
		writes[i] = f.Bytes()
	}
	h.out.Enqueue(writes...)
	if len(frames) > 1 {
		h.log.Debug("chunked message", zap.Int("bytes", len(payload)), zap.Int("frames", len(frames)))
	}
	return nil
}

// Ping asks the peripheral for a ping response
func (h *FramedHandler) Ping() {
	h.out.Enqueue(Encode(TagPingRequest, nil))
}

func (h *FramedHandler) Receive(data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		h.log.Debug("dropping malformed frame", zap.Error(err), zap.Binary("data", data))
		return
	}

	switch frame.Tag {
	case TagPingRequest:
		h.pingIn()
		return
	case TagPingResponse:
		return
	}

	msg, complete, err := h.rx.Feed(frame.Tag, frame.Payload)
	if err != nil {
		h.log.Warn("dropping frame", zap.Error(err), zap.Stringer("tag", frame.Tag))
		return
	}
	if complete {
		h.in.Message(msg)
	}
}

func (h *FramedHandler) pingIn() {
	h.out.Enqueue(cloneBytes(PingResponseFrame))
	h.in.Ready()
}

func (h *FramedHandler) ConnectionFinalized() {
	h.inSync = false
}

// Synced reports the reserved sync flag
func (h *FramedHandler) Synced() bool { return h.inSync }

func (h *FramedHandler) Pending() int { return h.rx.Pending() }
