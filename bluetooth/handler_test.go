package bluetooth

import (
	"bytes"
	"testing"

	"go.uber.org/zap/zaptest"
)

type recordingOutbox struct {
	writes [][]byte
	calls  int
}

func (o *recordingOutbox) Enqueue(writes ...[]byte) {
	o.calls++
	o.writes = append(o.writes, writes...)
}

type recordingInbox struct {
	messages [][]byte
	ready    int
}

func (i *recordingInbox) Message(msg []byte) { i.messages = append(i.messages, msg) }
func (i *recordingInbox) Ready() { i.ready++ }

func TestFramedHandlerPingRequest(t *testing.T) {
	out := &recordingOutbox{}
	in := &recordingInbox{}
	h := NewFramedHandler(out, in, DefaultMaxFrameSize, DefaultMaxWriteSize, zaptest.NewLogger(t))

	h.Receive([]byte{0xCC, 0xFE, 0xFF})

	if len(out.writes) != 1 {
		t.Fatalf("Expected exactly one write, got %d", len(out.writes))
	}
	if !bytes.Equal(out.writes[0], []byte{0xDD, 0xFE, 0xFF}) {
		t.Errorf("Expected ping response DD FE FF, got % X", out.writes[0])
	}
	if in.ready != 1 {
		t.Errorf("Expected one ready notification, got %d", in.ready)
	}
	if len(in.messages) != 0 {
		t.Errorf("Expected no messages, got %d", len(in.messages))
	}
}

func TestFramedHandlerIgnoresPingResponseAndGarbage(t *testing.T) {
	out := &recordingOutbox{}
	in := &recordingInbox{}
	h := NewFramedHandler(out, in, DefaultMaxFrameSize, DefaultMaxWriteSize, zaptest.NewLogger(t))

	h.Receive(PingResponseFrame)
	h.Receive([]byte{0xEE})
	h.Receive([]byte{0xEE, 'x', 0x00, 0x00})
	h.Receive([]byte{0x42, 'x', 0xFE, 0xFF})
	h.Receive([]byte{0xEC, 'x', 0xFE, 0xFF})

	if len(out.writes) != 0 || in.ready != 0 || len(in.messages) != 0 {
		t.Errorf("Expected no effects, got writes=%d ready=%d messages=%d", len(out.writes), in.ready, len(in.messages))
	}

	// the handler keeps working after bad frames
	h.Receive([]byte{0xEE, 'o', 'k', 0xFE, 0xFF})
	if len(in.messages) != 1 || string(in.messages[0]) != "ok" {
		t.Errorf("Expected message ok, got %q", in.messages)
	}
}

func TestFramedHandlerSendChunksAtomically(t *testing.T) {
	out := &recordingOutbox{}
	in := &recordingInbox{}
	h := NewFramedHandler(out, in, 10, DefaultMaxWriteSize, zaptest.NewLogger(t))

	if err := h.Send(bytes.Repeat([]byte{'A'}, 15)); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	if out.calls != 1 {
		t.Errorf("Expected one enqueue call per message, got %d", out.calls)
	}
	if len(out.writes) != 3 {
		t.Fatalf("Expected 3 writes, got %d", len(out.writes))
	}
	tags := []byte{0xEB, 0xEC, 0xED}
	for i, w := range out.writes {
		if w[0] != tags[i] {
			t.Errorf("write %d: expected tag %02X, got %02X", i, tags[i], w[0])
		}
	}
}

func TestFramedHandlerUsesSmallerWriteSize(t *testing.T) {
	out := &recordingOutbox{}
	h := NewFramedHandler(out, &recordingInbox{}, DefaultMaxFrameSize, 20, zaptest.NewLogger(t))
	if h.FrameSize() != 20 {
		t.Fatalf("Expected frame size 20, got %d", h.FrameSize())
	}
	if err := h.Send(make([]byte, 100)); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	for i, w := range out.writes {
		if len(w) > 20 {
			t.Errorf("write %d is %d bytes", i, len(w))
		}
	}
}

func TestFramedHandlerReassembles(t *testing.T) {
	in := &recordingInbox{}
	h := NewFramedHandler(&recordingOutbox{}, in, DefaultMaxFrameSize, DefaultMaxWriteSize, zaptest.NewLogger(t))

	h.Receive(Encode(TagChunkStart, []byte("hello ")))
	h.Receive(Encode(TagChunkMiddle, []byte("big ")))
	if h.Pending() != len("hello big ") {
		t.Errorf("Expected %d pending bytes, got %d", len("hello big "), h.Pending())
	}
	h.Receive(Encode(TagChunkEnd, []byte("world")))

	if len(in.messages) != 1 || string(in.messages[0]) != "hello big world" {
		t.Errorf("Expected reassembled message, got %q", in.messages)
	}
}

func TestFramedHandlerSyncFlag(t *testing.T) {
	h := NewFramedHandler(&recordingOutbox{}, &recordingInbox{}, DefaultMaxFrameSize, DefaultMaxWriteSize, nil)
	h.inSync = true
	h.ConnectionFinalized()
	if h.Synced() {
		t.Error("Expected sync flag cleared on connection finalized")
	}
}

func TestRawHandlerPassThrough(t *testing.T) {
	out := &recordingOutbox{}
	in := &recordingInbox{}
	h := NewRawHandler(out, in, 8, zaptest.NewLogger(t))

	if err := h.Send([]byte("0123456789abcdefXYZ")); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	want := []string{"01234567", "89abcdef", "XYZ"}
	if len(out.writes) != len(want) {
		t.Fatalf("Expected %d writes, got %d", len(want), len(out.writes))
	}
	for i := range want {
		if string(out.writes[i]) != want[i] {
			t.Errorf("write %d: expected %q, got %q", i, want[i], out.writes[i])
		}
	}

	data := []byte{0xEE, 'r', 'a', 'w'}
	h.Receive(data)
	if len(in.messages) != 1 || !bytes.Equal(in.messages[0], data) {
		t.Errorf("Expected verbatim delivery, got % X", in.messages)
	}

	h.Receive([]byte{})
	if len(in.messages) != 2 || len(in.messages[1]) != 0 {
		t.Errorf("Expected an empty value delivered as an empty message, got %d messages", len(in.messages))
	}
}

func TestNewHandlerSelectsVariant(t *testing.T) {
	out := &recordingOutbox{}
	in := &recordingInbox{}

	if v := NewHandler(ParseFeatures("protocol,foo"), out, in, 100, 512, nil).Variant(); v != VariantFramed {
		t.Errorf("Expected framed, got %s", v)
	}
	if v := NewHandler(ParseFeatures(""), out, in, 100, 512, nil).Variant(); v != VariantRaw {
		t.Errorf("Expected raw, got %s", v)
	}
}
