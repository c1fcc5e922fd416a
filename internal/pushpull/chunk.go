package pushpull

import (
	"fmt"

	"webm-relay/internal/encoder"
	"webm-relay/internal/webm"
)

// Encoder allocates wire messages and publishes the capacity limits the
// chunk builder must respect.
type Encoder interface {
	MaxInitSegPayload() int
	MaxChunkPayload() int
	MaxChunksPerMessage() int
	MaxChunkSize() int
	EmptyInitSegMessage(h encoder.InitHeader) encoder.Message
	EmptyChunkMessage(h encoder.ChunkHeader) encoder.Message
}

// Chunk is one bounded-size message carrying a slice of a cluster.
type Chunk struct {
	Timecode   int64
	Index      int
	FinalIndex int
	Duration   int64
	Message    encoder.Message
}

// Payload returns the cluster bytes carried by c.
func (c *Chunk) Payload() []byte {
	return c.Message.Payload()
}

// buildInit copies data into a single init message.
func buildInit(enc Encoder, data []byte, timecode int64) (encoder.Message, error) {
	if limit := enc.MaxInitSegPayload(); len(data) > limit {
		return encoder.Message{}, fmt.Errorf("%w: %d bytes, max %d", ErrInitSegmentTooLarge, len(data), limit)
	}
	msg := enc.EmptyInitSegMessage(encoder.InitHeader{
		Timecode:    timecode,
		PayloadSize: len(data),
	})
	copy(msg.Payload(), data)
	return msg, nil
}

// chunkCount is ceil(size / maxPayload).
func chunkCount(size, maxPayload int) int {
	return (size + maxPayload - 1) / maxPayload
}

// buildChunks splits seg.Cluster into chunks of at most MaxChunkPayload
// bytes. Every chunk carries the index of the last one so a receiver can
// tell when a segment is complete.
func buildChunks(enc Encoder, seg webm.MediaSegment, timecode int64) ([]*Chunk, error) {
	maxPayload := enc.MaxChunkPayload()
	numChunks := chunkCount(len(seg.Cluster), maxPayload)
	if limit := enc.MaxChunksPerMessage(); numChunks > limit {
		return nil, fmt.Errorf("%w: %d chunks greater than max %d", ErrMediaSegmentTooLarge, numChunks, limit)
	}

	chunks := make([]*Chunk, 0, numChunks)
	finalIndex := numChunks - 1
	start := 0
	for i := 0; i < numChunks; i++ {
		size := len(seg.Cluster) - start
		if size > maxPayload {
			size = maxPayload
		}
		msg := enc.EmptyChunkMessage(encoder.ChunkHeader{
			Timecode:    timecode,
			ChunkIndex:  i,
			FinalIndex:  finalIndex,
			Duration:    seg.Duration,
			PayloadSize: size,
		})
		copy(msg.Payload(), seg.Cluster[start:start+size])
		start += size

		chunks = append(chunks, &Chunk{
			Timecode:   timecode,
			Index:      i,
			FinalIndex: finalIndex,
			Duration:   seg.Duration,
			Message:    msg,
		})
	}
	return chunks, nil
}
