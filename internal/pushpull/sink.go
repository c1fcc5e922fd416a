package pushpull

import "webm-relay/internal/encoder"

// Sink receives what a Window emits. Calls are serialized and never happen
// after Close returns. Implementations must not block: the pacer calls
// MediaSegmentChunk from its tick.
type Sink interface {
	// InitializationSegment is called once per stream start, unpaced.
	InitializationSegment(msg encoder.Message)
	// MediaSegmentChunk is called for each chunk the pacer dequeues.
	MediaSegmentChunk(c *Chunk)
}

// SinkFuncs adapts a pair of functions to Sink. Nil fields are skipped.
type SinkFuncs struct {
	Init  func(msg encoder.Message)
	Chunk func(c *Chunk)
}

func (f SinkFuncs) InitializationSegment(msg encoder.Message) {
	if f.Init != nil {
		f.Init(msg)
	}
}

func (f SinkFuncs) MediaSegmentChunk(c *Chunk) {
	if f.Chunk != nil {
		f.Chunk(c)
	}
}

// Recorder observes Window activity, typically for metrics.
type Recorder interface {
	SegmentPushed(kind string, chunks int)
	ChunkDispatched()
	ChunksDropped(n int)
	ChunkPulled(found bool)
	FatalError(kind string)
}

// Segment kinds passed to Recorder. KindFraming is only used with
// FatalError, for input the parser rejected.
const (
	KindInit    = "init"
	KindMedia   = "media"
	KindFraming = "framing"
)

type nopRecorder struct{}

func (nopRecorder) SegmentPushed(string, int) {}
func (nopRecorder) ChunkDispatched()          {}
func (nopRecorder) ChunksDropped(int)         {}
func (nopRecorder) ChunkPulled(bool)          {}
func (nopRecorder) FatalError(string)         {}
