package bluetooth

import (
	"errors"
	"fmt"
)

// Tag is the first byte of every frame
type Tag byte

const (
	TagPingRequest  Tag = 0xCC
	TagPingResponse Tag = 0xDD
	TagSingle       Tag = 0xEE
	TagChunkStart   Tag = 0xEB
	TagChunkMiddle  Tag = 0xEC
	TagChunkEnd     Tag = 0xED
)

// Frame terminator. Payloads are not escaped, so a payload ending in these two
// bytes cannot be told apart from a shorter frame by a byte-stream reader. Each
// frame here is one physical write, so decoding only ever inspects the tail.
const (
	EOMFirst  byte = 0xFE
	EOMSecond byte = 0xFF
)

const (
	FrameOverhead = 3 // tag + terminator
	MinFrameSize  = FrameOverhead + 1
)

var (
	ErrFrameTooShort     = errors.New("frame too short")
	ErrBadTerminator     = errors.New("bad frame terminator")
	ErrUnknownTag        = errors.New("unknown frame tag")
	ErrInvalidTag        = errors.New("tag cannot start a message")
	ErrNoChunkStart      = errors.New("chunk without chunk start")
	ErrFrameSizeTooSmall = errors.New("frame size too small")
	ErrPayloadTooLarge   = errors.New("payload too large for one frame")
)

// PingResponseFrame is the fixed reply to a ping request
var PingResponseFrame = []byte{byte(TagPingResponse), EOMFirst, EOMSecond}

func (t Tag) String() string {
	switch t {
	case TagPingRequest:
		return "PingRequest"
	case TagPingResponse:
		return "PingResponse"
	case TagSingle:
		return "SingleMessage"
	case TagChunkStart:
		return "ChunkStart"
	case TagChunkMiddle:
		return "ChunkMiddle"
	case TagChunkEnd:
		return "ChunkEnd"
	default:
		return fmt.Sprintf("Tag(0x%02X)", byte(t))
	}
}

// IsControl reports whether t is a fixed-size ping tag
func (t Tag) IsControl() bool {
	return t == TagPingRequest || t == TagPingResponse
}

// Frame is one physical unit on the link
type Frame struct {
	Tag     Tag
	Payload []byte
}

// Bytes encodes the frame for the wire
func (f Frame) Bytes() []byte {
	return Encode(f.Tag, f.Payload)
}

// Encode produces [tag] + payload + terminator
func Encode(tag Tag, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+FrameOverhead)
	out = append(out, byte(tag))
	out = append(out, payload...)
	return append(out, EOMFirst, EOMSecond)
}

// PayloadBudget returns how many payload bytes fit in one frame
func PayloadBudget(maxFrameSize int) int {
	return maxFrameSize - FrameOverhead
}

// FrameSize picks the frame size for a transport: the protocol maximum unless
// the transport advertises a smaller write limit
func FrameSize(maxFrameSize, maxWriteSize int) int {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if maxWriteSize > 0 && maxWriteSize < maxFrameSize {
		return maxWriteSize
	}
	return maxFrameSize
}

// SplitForTransport segments a logical message into frames no longer than
// maxFrameSize. Control tags always produce exactly one frame.
func SplitForTransport(tag Tag, payload []byte, maxFrameSize int) ([]Frame, error) {
	if maxFrameSize < MinFrameSize {
		return nil, fmt.Errorf("%w: %d", ErrFrameSizeTooSmall, maxFrameSize)
	}
	budget := PayloadBudget(maxFrameSize)

	switch {
	case tag.IsControl():
		if len(payload) > budget {
			return nil, fmt.Errorf("%w: %s with %d bytes", ErrPayloadTooLarge, tag, len(payload))
		}
		return []Frame{{Tag: tag, Payload: payload}}, nil
	case tag != TagSingle:
		return nil, fmt.Errorf("%w: %s", ErrInvalidTag, tag)
	}

	if len(payload) <= budget {
		return []Frame{{Tag: TagSingle, Payload: payload}}, nil
	}

	count := (len(payload) + budget - 1) / budget
	frames := make([]Frame, 0, count)
	for offset := 0; offset < len(payload); offset += budget {
		end := offset + budget
		if end > len(payload) {
			end = len(payload)
		}
		chunkTag := TagChunkMiddle
		switch {
		case offset == 0:
			chunkTag = TagChunkStart
		case end == len(payload):
			chunkTag = TagChunkEnd
		}
		frames = append(frames, Frame{Tag: chunkTag, Payload: payload[offset:end]})
	}
	return frames, nil
}

// DecodeFrame parses one physical write. The returned payload aliases data.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < FrameOverhead {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(data))
	}
	n := len(data)
	if data[n-2] != EOMFirst || data[n-1] != EOMSecond {
		return Frame{}, fmt.Errorf("%w: % X", ErrBadTerminator, data[n-2:])
	}
	return Frame{Tag: Tag(data[0]), Payload: data[1 : n-2]}, nil
}
