package encoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	e, err := New(Capacity{})
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxMessageSize, e.MaxChunkSize())
	assert.Equal(t, DefaultMaxMessageSize-ChunkHeaderSize, e.MaxChunkPayload())
	assert.Equal(t, DefaultMaxInitMessageSize-InitHeaderSize, e.MaxInitSegPayload())
	assert.Equal(t, DefaultMaxChunksPerMessage, e.MaxChunksPerMessage())
}

func TestNew_InvalidCapacity(t *testing.T) {
	tests := []struct {
		name string
		cap  Capacity
	}{
		{"message smaller than header", Capacity{MaxMessageSize: ChunkHeaderSize}},
		{"payload beyond uint16", Capacity{MaxMessageSize: ChunkHeaderSize + 70000}},
		{"init smaller than header", Capacity{MaxInitMessageSize: InitHeaderSize}},
		{"negative chunks", Capacity{MaxChunksPerMessage: -1}},
		{"chunks beyond index range", Capacity{MaxChunksPerMessage: 70000}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := New(tt.cap)
			assert.ErrorIs(t, err, ErrInvalidCapacity)
			assert.Nil(t, e)
		})
	}
}

func TestEmptyChunkMessage_RoundTripHeader(t *testing.T) {
	e := Default()
	msg := e.EmptyChunkMessage(ChunkHeader{
		Timecode:    1700000000123,
		ChunkIndex:  2,
		FinalIndex:  4,
		Duration:    40,
		PayloadSize: 500,
	})

	require.Len(t, msg.Data, ChunkHeaderSize+500)
	assert.Equal(t, ChunkHeaderSize, msg.Start)
	assert.Len(t, msg.Payload(), 500)

	h, start, err := DecodeHeader(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, ChunkHeaderSize, start)
	assert.Equal(t, Header{
		Type:        TypeChunk,
		Timecode:    1700000000123,
		ChunkIndex:  2,
		FinalIndex:  4,
		Duration:    40,
		PayloadSize: 500,
	}, h)
}

func TestEmptyChunkMessage_UnknownDuration(t *testing.T) {
	msg := Default().EmptyChunkMessage(ChunkHeader{Duration: -7, PayloadSize: 1})

	h, _, err := DecodeHeader(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, int64(UnknownDuration), h.Duration)
}

func TestEmptyInitSegMessage(t *testing.T) {
	msg := Default().EmptyInitSegMessage(InitHeader{Timecode: 42, PayloadSize: 3})
	copy(msg.Payload(), []byte{0x1a, 0x45, 0xdf})

	h, start, err := DecodeHeader(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, TypeInitSegment, h.Type)
	assert.Equal(t, int64(42), h.Timecode)
	assert.Equal(t, 3, h.PayloadSize)
	assert.Equal(t, []byte{0x1a, 0x45, 0xdf}, msg.Data[start:])
}

func TestDecodeHeader_Errors(t *testing.T) {
	_, _, err := DecodeHeader(nil)
	assert.ErrorIs(t, err, ErrShortMessage)

	_, _, err = DecodeHeader([]byte{0x7f, 0, 0})
	assert.ErrorIs(t, err, ErrUnknownType)

	msg := Default().EmptyChunkMessage(ChunkHeader{PayloadSize: 10})
	_, _, err = DecodeHeader(msg.Data[:ChunkHeaderSize+4])
	assert.ErrorIs(t, err, ErrShortMessage)
}
