package encoder

import (
	"encoding/binary"
	"fmt"
)

// Header is the decoded header of either message type. Chunk-only fields are
// zero for init messages.
type Header struct {
	Type        byte
	Timecode    int64
	ChunkIndex  int
	FinalIndex  int
	Duration    int64
	PayloadSize int
}

// DecodeHeader parses the header at the start of b and returns it together
// with the offset of the payload.
func DecodeHeader(b []byte) (Header, int, error) {
	if len(b) == 0 {
		return Header{}, 0, ErrShortMessage
	}

	var h Header
	h.Type = b[0]
	switch h.Type {
	case TypeInitSegment:
		if len(b) < InitHeaderSize {
			return Header{}, 0, fmt.Errorf("%w: %d bytes for init header", ErrShortMessage, len(b))
		}
		h.Timecode = int64(binary.BigEndian.Uint64(b[1:9]))
		h.PayloadSize = int(binary.BigEndian.Uint32(b[9:13]))
		if len(b)-InitHeaderSize < h.PayloadSize {
			return Header{}, 0, fmt.Errorf("%w: payload %d of %d bytes", ErrShortMessage, len(b)-InitHeaderSize, h.PayloadSize)
		}
		return h, InitHeaderSize, nil
	case TypeChunk:
		if len(b) < ChunkHeaderSize {
			return Header{}, 0, fmt.Errorf("%w: %d bytes for chunk header", ErrShortMessage, len(b))
		}
		h.Timecode = int64(binary.BigEndian.Uint64(b[1:9]))
		h.ChunkIndex = int(binary.BigEndian.Uint16(b[9:11]))
		h.FinalIndex = int(binary.BigEndian.Uint16(b[11:13]))
		h.Duration = int64(int32(binary.BigEndian.Uint32(b[13:17])))
		h.PayloadSize = int(binary.BigEndian.Uint16(b[17:19]))
		if len(b)-ChunkHeaderSize < h.PayloadSize {
			return Header{}, 0, fmt.Errorf("%w: payload %d of %d bytes", ErrShortMessage, len(b)-ChunkHeaderSize, h.PayloadSize)
		}
		return h, ChunkHeaderSize, nil
	default:
		return Header{}, 0, fmt.Errorf("%w: 0x%02x", ErrUnknownType, h.Type)
	}
}
