// Package pushpull re-packages a WebM byte stream into bounded-size chunk
// messages, paces them out at a fixed bitrate and keeps the two most recent
// media segments around so a receiver can pull a chunk it missed.
//
// Bytes written to a Window are framed by the webm parser. The
// initialization segment goes straight to the Sink. Each media segment is
// split into chunks that are appended both to the dispatch queue and to the
// retransmission window; the pacer moves one queued chunk to the Sink per
// tick. PullChunk answers from the window and bypasses the queue.
package pushpull

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"webm-relay/internal/encoder"
	"webm-relay/internal/webm"
)

// Option customizes a Window.
type Option func(*Window)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(w *Window) {
		if l != nil {
			w.log = l
		}
	}
}

// WithRecorder sets the activity recorder.
func WithRecorder(r Recorder) Option {
	return func(w *Window) {
		if r != nil {
			w.rec = r
		}
	}
}

// WithClock replaces time.Now as the source of segment timecodes.
func WithClock(now func() time.Time) Option {
	return func(w *Window) {
		if now != nil {
			w.now = now
		}
	}
}

// Stats is a point-in-time view of a Window.
type Stats struct {
	QueueDepth int           `json:"queue_depth"`
	Timecodes  []int64       `json:"window_timecodes"`
	Segments   uint64        `json:"segments"`
	Dispatched uint64        `json:"dispatched"`
	Dropped    uint64        `json:"dropped"`
	Interval   time.Duration `json:"interval_ns"`
}

// Window chunks, paces and retains one stream. Ingestion and the pacer share
// the dispatch queue and the retransmission window under a single lock, so a
// tick never observes part of a segment.
type Window struct {
	cfg      Config
	enc      Encoder
	sink     Sink
	log      *slog.Logger
	rec      Recorder
	now      func() time.Time
	interval time.Duration

	writeMu sync.Mutex
	parser  *webm.Parser

	mu           sync.Mutex
	queue        *dispatchQueue
	window       segmentWindow
	lastTimecode int64
	haveMedia    bool
	err          error
	segments     uint64
	dispatched   uint64
	dropped      uint64

	emitMu sync.Mutex
	closed atomic.Bool
	pacer  *pacer
}

// New validates cfg and returns a Window emitting to sink. The pacer does not
// run until Start.
func New(cfg Config, enc Encoder, sink Sink, opts ...Option) (*Window, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if enc == nil {
		return nil, errors.New("pushpull: encoder is required")
	}
	if err := cfg.ValidateFor(enc.MaxChunkSize()); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = SinkFuncs{}
	}

	w := &Window{
		cfg:   cfg,
		enc:   enc,
		sink:  sink,
		log:   slog.New(slog.DiscardHandler),
		rec:   nopRecorder{},
		now:   time.Now,
		queue: newDispatchQueue(cfg.QueueLimit),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.lastTimecode = w.now().UnixMilli()
	w.interval = Interval(cfg.Bitrate, enc.MaxChunkSize())
	w.parser = webm.NewParser(segmentHandler{w}, cfg.Durations)
	w.pacer = newPacer(w.interval, func() { w.dispatch() })
	return w, nil
}

// Start runs the pacer. It is a no-op after the first call or after Close.
func (w *Window) Start() {
	if !w.pacer.start() {
		return
	}
	w.log.Info("pacer started",
		slog.Float64("messages_per_sec", MessagesPerSecond(w.cfg.Bitrate, w.enc.MaxChunkSize())),
		slog.Duration("interval", w.interval),
	)
}

// Close stops the pacer. No Sink method runs after Close returns.
func (w *Window) Close() error {
	w.closed.Store(true)
	// Wait out an emission that passed the closed check.
	w.emitMu.Lock()
	w.emitMu.Unlock()
	w.pacer.halt()
	return nil
}

// Write feeds container bytes to the parser. Segments completed by p are
// chunked before Write returns. A capacity or framing error is fatal: it is
// returned now and from every later call.
func (w *Window) Write(p []byte) (int, error) {
	if w.closed.Load() {
		return 0, ErrClosed
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	n, err := w.parser.Write(p)
	if err != nil {
		w.failFraming(err)
	}
	return n, err
}

// Flush pushes a cluster the parser is still holding back, for use when the
// source has ended.
func (w *Window) Flush() error {
	if w.closed.Load() {
		return ErrClosed
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	err := w.parser.Flush()
	if err != nil {
		w.failFraming(err)
	}
	return err
}

// failFraming records a parser error as the fatal error unless a capacity
// error got there first.
func (w *Window) failFraming(err error) {
	w.mu.Lock()
	first := w.err == nil
	if first {
		w.err = err
	}
	w.mu.Unlock()
	if first {
		w.log.Error("stream rejected", slog.String("error", err.Error()))
		w.rec.FatalError(KindFraming)
	}
}

// Err returns the fatal error that stopped ingestion, if any.
func (w *Window) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Interval is the pacer period.
func (w *Window) Interval() time.Duration {
	return w.interval
}

// PushInitSegment wraps data in one init message and hands it to the Sink
// directly. Init segments are neither queued nor kept for retransmission.
func (w *Window) PushInitSegment(data []byte) error {
	if w.closed.Load() {
		return ErrClosed
	}

	w.mu.Lock()
	if w.err != nil {
		err := w.err
		w.mu.Unlock()
		return err
	}
	timecode := w.lastTimecode
	msg, err := buildInit(w.enc, data, timecode)
	if err != nil {
		w.err = err
	}
	w.mu.Unlock()

	if err != nil {
		w.log.Error("initialization segment rejected", slog.Int("bytes", len(data)), slog.String("error", err.Error()))
		w.rec.FatalError(KindInit)
		return err
	}

	w.log.Debug("pushing initialization segment", slog.Int("bytes", len(data)), slog.Int64("timecode", timecode))
	w.rec.SegmentPushed(KindInit, 1)
	w.emit(func() { w.sink.InitializationSegment(msg) })
	return nil
}

// PushMediaSegment stamps seg with the arrival time, splits it into chunks
// and appends them to the dispatch queue and the retransmission window in
// one step. A segment that needs too many chunks changes nothing.
func (w *Window) PushMediaSegment(seg webm.MediaSegment) error {
	if w.closed.Load() {
		return ErrClosed
	}

	w.mu.Lock()
	if w.err != nil {
		err := w.err
		w.mu.Unlock()
		return err
	}
	timecode := w.nextTimecodeLocked()
	chunks, err := buildChunks(w.enc, seg, timecode)
	if err != nil {
		w.err = err
		w.mu.Unlock()
		w.log.Error("media segment rejected",
			slog.Int64("timecode", timecode),
			slog.Int("bytes", len(seg.Cluster)),
			slog.String("error", err.Error()))
		w.rec.FatalError(KindMedia)
		return err
	}
	w.window.insert(timecode, chunks)
	dropped := w.queue.push(chunks...)
	w.segments++
	w.dropped += uint64(dropped)
	w.mu.Unlock()

	w.log.Debug("pushing media segment",
		slog.Int64("timecode", timecode),
		slog.String("duration", formatDuration(seg.Duration)),
		slog.Int("chunks", len(chunks)))
	w.rec.SegmentPushed(KindMedia, len(chunks))
	if dropped > 0 {
		w.log.Warn("dispatch queue full, dropped oldest chunks", slog.Int("dropped", dropped))
		w.rec.ChunksDropped(dropped)
	}
	return nil
}

// PullChunk returns a chunk of one of the two most recent media segments.
// It reports false when the timecode has been evicted or never existed, and
// when index is out of range.
func (w *Window) PullChunk(timecode int64, index int) (*Chunk, bool) {
	w.mu.Lock()
	c, ok := w.window.lookup(timecode, index)
	w.mu.Unlock()
	w.rec.ChunkPulled(ok)
	return c, ok
}

// Stats returns current counters and the timecodes held in the window.
func (w *Window) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		QueueDepth: w.queue.len(),
		Timecodes:  w.window.timecodes(),
		Segments:   w.segments,
		Dispatched: w.dispatched,
		Dropped:    w.dropped,
		Interval:   w.interval,
	}
}

// dispatch moves the head of the queue to the Sink. It reports whether a
// chunk was delivered; a chunk dequeued while Close runs is not.
func (w *Window) dispatch() bool {
	w.mu.Lock()
	c, ok := w.queue.pop()
	w.mu.Unlock()
	if !ok {
		return false
	}

	if !w.emit(func() { w.sink.MediaSegmentChunk(c) }) {
		return false
	}
	w.mu.Lock()
	w.dispatched++
	w.mu.Unlock()
	w.rec.ChunkDispatched()
	return true
}

// emit runs fn unless the Window is closed and reports whether it ran.
func (w *Window) emit(fn func()) bool {
	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	if w.closed.Load() {
		return false
	}
	fn()
	return true
}

// nextTimecodeLocked returns the wall-clock arrival time in milliseconds,
// bumped past the previous media timecode so window keys stay unique.
func (w *Window) nextTimecodeLocked() int64 {
	t := w.now().UnixMilli()
	if w.haveMedia && t <= w.lastTimecode {
		t = w.lastTimecode + 1
	}
	w.lastTimecode = t
	w.haveMedia = true
	return t
}

func formatDuration(ms int64) string {
	if ms < 0 {
		return "unknown"
	}
	return fmt.Sprintf("%dms", ms)
}

// segmentHandler routes parser events into the chunk builder.
type segmentHandler struct {
	w *Window
}

func (h segmentHandler) InitSegment(data []byte) error {
	return h.w.PushInitSegment(data)
}

func (h segmentHandler) MediaSegment(seg webm.MediaSegment) error {
	return h.w.PushMediaSegment(seg)
}

var _ Encoder = (*encoder.Encoder)(nil)
