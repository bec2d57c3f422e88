package bluetooth

import "fmt"

// Reassembler rebuilds chunked messages for one connection. At most one
// chunked message is in flight; a new ChunkStart discards any partial buffer.
// It is not safe for concurrent use.
type Reassembler struct {
	buf     []byte
	started bool
}

// Feed applies one decoded frame. It returns the completed message when the
// frame finishes one. Errors are diagnostics only: the frame is dropped and the
// reassembler stays usable.
func (r *Reassembler) Feed(tag Tag, payload []byte) ([]byte, bool, error) {
	switch tag {
	case TagSingle:
		return cloneBytes(payload), true, nil
	case TagChunkStart:
		r.buf = append(make([]byte, 0, len(payload)*2), payload...)
		r.started = true
		return nil, false, nil
	case TagChunkMiddle:
		if !r.started {
			return nil, false, fmt.Errorf("%w: %s", ErrNoChunkStart, tag)
		}
		r.buf = append(r.buf, payload...)
		return nil, false, nil
	case TagChunkEnd:
		if !r.started {
			return nil, false, fmt.Errorf("%w: %s", ErrNoChunkStart, tag)
		}
		msg := append(r.buf, payload...)
		r.buf = nil
		r.started = false
		return msg, true, nil
	case TagPingRequest, TagPingResponse:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownTag, tag)
	}
}

// Pending returns the number of buffered bytes of an unfinished message
func (r *Reassembler) Pending() int {
	return len(r.buf)
}

// Reset drops any partial message
func (r *Reassembler) Reset() {
	r.buf = nil
	r.started = false
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
