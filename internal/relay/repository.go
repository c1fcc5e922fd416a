package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"webm-relay/internal/pushpull"
)

// Repository defines the concurrency-safe contract for accessing and mutating
// in-memory stream state.
type Repository interface {
	// BeginIngest returns the stream, creating it with a started window if it
	// does not exist, and marks it as being ingested. Only one ingest per
	// stream may run at a time.
	BeginIngest(id StreamID) (StreamState, error)

	// FinishIngest clears the mark set by BeginIngest.
	FinishIngest(id StreamID)

	// GetStream returns a snapshot of the stream. The ok return is false if
	// the stream does not exist.
	GetStream(id StreamID) (st StreamState, ok bool)

	// EndStream flushes and closes the stream's window and detaches its
	// subscribers. Later ingests are rejected with ErrStreamEnded.
	EndStream(id StreamID) error

	// ActiveStreamCount returns the number of streams that are not ended.
	// Used for metrics.
	ActiveStreamCount() int

	// QueueDepth sums the dispatch queue length of every active stream.
	QueueDepth() int

	// PruneEnded forgets streams that ended before the given time. Their
	// window can no longer be pulled from.
	PruneEnded(before time.Time) []StreamID

	// Close ends every stream.
	Close() error
}

var (
	// ErrStreamEnded is returned when ingesting into a stream that has
	// already been ended.
	ErrStreamEnded = errors.New("stream has ended")

	// ErrStreamBusy is returned when a second ingest is started for a stream
	// that is already receiving data.
	ErrStreamBusy = errors.New("stream is already being ingested")

	// ErrStreamNotFound is returned for operations on an unknown stream.
	ErrStreamNotFound = errors.New("stream not found")
)

// StreamFactory builds the window and hub of a newly opened stream. The
// window must emit to the returned hub.
type StreamFactory func(id StreamID) (*pushpull.Window, *Hub, error)

// InMemoryRepository is a concurrency-safe in-memory implementation of Repository.
// It uses a Store for persistence; by default that is an InMemoryStore.
type InMemoryRepository struct {
	mu      sync.RWMutex
	store   Store
	factory StreamFactory
	now     func() time.Time
}

// NewInMemoryRepository constructs a new repository with a default in-memory store.
func NewInMemoryRepository(factory StreamFactory) *InMemoryRepository {
	return NewInMemoryRepositoryWithStore(NewInMemoryStore(), factory)
}

// NewInMemoryRepositoryWithStore constructs a repository that uses the given Store.
func NewInMemoryRepositoryWithStore(store Store, factory StreamFactory) *InMemoryRepository {
	return &InMemoryRepository{store: store, factory: factory, now: time.Now}
}

// BeginIngest implements Repository.BeginIngest.
func (r *InMemoryRepository) BeginIngest(id StreamID) (StreamState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stream, err := r.getOrCreateStreamLocked(id)
	if err != nil {
		return StreamState{}, err
	}
	if stream.Ended {
		return StreamState{}, ErrStreamEnded
	}
	if stream.Ingesting {
		return StreamState{}, ErrStreamBusy
	}
	stream.Ingesting = true
	return *stream, nil
}

// FinishIngest implements Repository.FinishIngest.
func (r *InMemoryRepository) FinishIngest(id StreamID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if stream, ok := r.store.GetStream(id); ok {
		stream.Ingesting = false
	}
}

// GetStream implements Repository.GetStream.
func (r *InMemoryRepository) GetStream(id StreamID) (StreamState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stream, ok := r.store.GetStream(id)
	if !ok {
		return StreamState{}, false
	}
	return *stream, true
}

// EndStream implements Repository.EndStream.
func (r *InMemoryRepository) EndStream(id StreamID) error {
	r.mu.Lock()
	stream, exists := r.store.GetStream(id)
	if !exists {
		r.mu.Unlock()
		return ErrStreamNotFound
	}
	if stream.Ended {
		// Ending twice is a no-op for idempotency.
		r.mu.Unlock()
		return nil
	}
	stream.Ended = true
	stream.EndedAt = r.now().UTC()
	r.mu.Unlock()

	return shutdown(stream)
}

// ActiveStreamCount implements Repository.ActiveStreamCount.
func (r *InMemoryRepository) ActiveStreamCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, id := range r.store.ListStreamIDs() {
		if st, ok := r.store.GetStream(id); ok && !st.Ended {
			n++
		}
	}
	return n
}

// QueueDepth implements Repository.QueueDepth.
func (r *InMemoryRepository) QueueDepth() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, id := range r.store.ListStreamIDs() {
		if st, ok := r.store.GetStream(id); ok && !st.Ended {
			n += st.Window.Stats().QueueDepth
		}
	}
	return n
}

// PruneEnded implements Repository.PruneEnded.
func (r *InMemoryRepository) PruneEnded(before time.Time) []StreamID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pruned []StreamID
	for _, id := range r.store.ListStreamIDs() {
		st, ok := r.store.GetStream(id)
		if !ok || !st.Ended || !st.EndedAt.Before(before) {
			continue
		}
		if r.store.DeleteStream(id) {
			pruned = append(pruned, id)
		}
	}
	return pruned
}

// Close implements Repository.Close.
func (r *InMemoryRepository) Close() error {
	r.mu.Lock()
	now := r.now().UTC()
	var open []*StreamState
	for _, id := range r.store.ListStreamIDs() {
		if st, ok := r.store.GetStream(id); ok && !st.Ended {
			st.Ended = true
			st.EndedAt = now
			open = append(open, st)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, st := range open {
		if err := shutdown(st); err != nil {
			errs = append(errs, fmt.Errorf("stream %s: %w", st.ID, err))
		}
	}
	return errors.Join(errs...)
}

// getOrCreateStreamLocked returns an existing stream or creates a new one.
// Caller must hold r.mu in write mode.
func (r *InMemoryRepository) getOrCreateStreamLocked(id StreamID) (*StreamState, error) {
	if stream, ok := r.store.GetStream(id); ok {
		return stream, nil
	}

	window, hub, err := r.factory(id)
	if err != nil {
		return nil, fmt.Errorf("open stream %s: %w", id, err)
	}
	window.Start()

	stream := &StreamState{
		ID:        id,
		Window:    window,
		Hub:       hub,
		CreatedAt: r.now().UTC(),
	}
	r.store.SetStream(stream)
	return stream, nil
}

// shutdown pushes out a cluster the parser still holds, then stops pacing
// and disconnects subscribers. Chunks still queued are not sent, but remain
// pullable from the window.
func shutdown(st *StreamState) error {
	err := st.Window.Flush()
	if errors.Is(err, pushpull.ErrClosed) || st.Window.Err() != nil {
		// A stream that failed has nothing left to flush.
		err = nil
	}
	if cerr := st.Window.Close(); cerr != nil && err == nil {
		err = cerr
	}
	st.Hub.Close()
	return err
}

// WindowFactory returns a StreamFactory opening every stream with the same
// window configuration, each logging with its stream_id.
func WindowFactory(cfg pushpull.Config, enc pushpull.Encoder, log *slog.Logger, rec pushpull.Recorder, subscriberBuffer int) StreamFactory {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return func(id StreamID) (*pushpull.Window, *Hub, error) {
		streamLog := log.With(slog.String("stream_id", string(id)))
		hub := NewHub(streamLog, subscriberBuffer)
		w, err := pushpull.New(cfg, enc, hub,
			pushpull.WithLogger(streamLog),
			pushpull.WithRecorder(rec),
		)
		if err != nil {
			return nil, nil, err
		}
		return w, hub, nil
	}
}
