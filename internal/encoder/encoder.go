// Package encoder defines the wire format of push/pull messages and the
// capacity limits that bound them.
//
// Every message starts with a one-byte type followed by a fixed big-endian
// header and the payload:
//
//	init:  type(1) timecode(8) payloadSize(4) payload
//	chunk: type(1) timecode(8) chunkIndex(2) finalIndex(2) duration(4) payloadSize(2) payload
package encoder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	TypeInitSegment byte = 0x01
	TypeChunk       byte = 0x02

	InitHeaderSize  = 1 + 8 + 4
	ChunkHeaderSize = 1 + 8 + 2 + 2 + 4 + 2

	DefaultMaxMessageSize      = 16384
	DefaultMaxInitMessageSize  = 65536
	DefaultMaxChunksPerMessage = 1024

	// UnknownDuration is written when a media segment's duration is not known.
	UnknownDuration = -1
)

var (
	// ErrInvalidCapacity is returned by New when a capacity cannot be encoded.
	ErrInvalidCapacity = errors.New("invalid encoder capacity")

	// ErrShortMessage is returned by DecodeHeader when the buffer is smaller
	// than the header it announces.
	ErrShortMessage = errors.New("message too short")

	// ErrUnknownType is returned by DecodeHeader for an unrecognized type byte.
	ErrUnknownType = errors.New("unknown message type")
)

// Capacity bounds the messages an Encoder produces. Zero fields take the
// package defaults.
type Capacity struct {
	MaxMessageSize      int
	MaxInitMessageSize  int
	MaxChunksPerMessage int
}

// Encoder allocates messages within a fixed Capacity.
type Encoder struct {
	capacity Capacity
}

// InitHeader describes an initialization segment message.
type InitHeader struct {
	Timecode    int64
	PayloadSize int
}

// ChunkHeader describes one chunk of a media segment.
type ChunkHeader struct {
	Timecode    int64
	ChunkIndex  int
	FinalIndex  int
	Duration    int64
	PayloadSize int
}

// Message is an encoded message whose payload region starts at Start.
type Message struct {
	Data  []byte
	Start int
}

// Payload returns the writable payload region of m.
func (m Message) Payload() []byte {
	return m.Data[m.Start:]
}

// New returns an Encoder for c, filling zero fields with defaults.
func New(c Capacity) (*Encoder, error) {
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.MaxInitMessageSize == 0 {
		c.MaxInitMessageSize = DefaultMaxInitMessageSize
	}
	if c.MaxChunksPerMessage == 0 {
		c.MaxChunksPerMessage = DefaultMaxChunksPerMessage
	}

	switch {
	case c.MaxMessageSize <= ChunkHeaderSize || c.MaxMessageSize-ChunkHeaderSize > math.MaxUint16:
		return nil, fmt.Errorf("%w: max message size %d", ErrInvalidCapacity, c.MaxMessageSize)
	case c.MaxInitMessageSize <= InitHeaderSize || int64(c.MaxInitMessageSize-InitHeaderSize) > math.MaxUint32:
		return nil, fmt.Errorf("%w: max init message size %d", ErrInvalidCapacity, c.MaxInitMessageSize)
	case c.MaxChunksPerMessage < 1 || c.MaxChunksPerMessage > math.MaxUint16+1:
		return nil, fmt.Errorf("%w: max chunks per message %d", ErrInvalidCapacity, c.MaxChunksPerMessage)
	}
	return &Encoder{capacity: c}, nil
}

// Default returns an Encoder with the default capacity.
func Default() *Encoder {
	e, _ := New(Capacity{})
	return e
}

// Capacity returns the resolved capacity of e.
func (e *Encoder) Capacity() Capacity {
	return e.capacity
}

// MaxInitSegPayload is the largest initialization segment a single message holds.
func (e *Encoder) MaxInitSegPayload() int {
	return e.capacity.MaxInitMessageSize - InitHeaderSize
}

// MaxChunkPayload is the largest slice of a cluster carried by one chunk.
func (e *Encoder) MaxChunkPayload() int {
	return e.capacity.MaxMessageSize - ChunkHeaderSize
}

// MaxChunksPerMessage is the largest number of chunks one media segment may span.
func (e *Encoder) MaxChunksPerMessage() int {
	return e.capacity.MaxChunksPerMessage
}

// MaxChunkSize is the upper bound of a chunk message on the wire.
func (e *Encoder) MaxChunkSize() int {
	return e.capacity.MaxMessageSize
}

// EmptyInitSegMessage allocates an init message with a zeroed payload of
// h.PayloadSize bytes. The caller is responsible for staying within
// MaxInitSegPayload.
func (e *Encoder) EmptyInitSegMessage(h InitHeader) Message {
	data := make([]byte, InitHeaderSize+h.PayloadSize)
	data[0] = TypeInitSegment
	binary.BigEndian.PutUint64(data[1:9], uint64(h.Timecode))
	binary.BigEndian.PutUint32(data[9:13], uint32(h.PayloadSize))
	return Message{Data: data, Start: InitHeaderSize}
}

// EmptyChunkMessage allocates a chunk message with a zeroed payload of
// h.PayloadSize bytes. The caller is responsible for staying within
// MaxChunkPayload and MaxChunksPerMessage.
func (e *Encoder) EmptyChunkMessage(h ChunkHeader) Message {
	data := make([]byte, ChunkHeaderSize+h.PayloadSize)
	data[0] = TypeChunk
	binary.BigEndian.PutUint64(data[1:9], uint64(h.Timecode))
	binary.BigEndian.PutUint16(data[9:11], uint16(h.ChunkIndex))
	binary.BigEndian.PutUint16(data[11:13], uint16(h.FinalIndex))
	binary.BigEndian.PutUint32(data[13:17], uint32(clampDuration(h.Duration)))
	binary.BigEndian.PutUint16(data[17:19], uint16(h.PayloadSize))
	return Message{Data: data, Start: ChunkHeaderSize}
}

// clampDuration maps negative durations to UnknownDuration and saturates
// values that do not fit the 32-bit field.
func clampDuration(d int64) int32 {
	switch {
	case d < 0:
		return UnknownDuration
	case d > math.MaxInt32:
		return math.MaxInt32
	}
	return int32(d)
}
