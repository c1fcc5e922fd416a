package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"webm-relay/internal/pushpull"
)

const ingestBufferSize = 32 << 10

var (
	// ErrChunkNotFound is returned when a pulled chunk is no longer, or was
	// never, in the retransmission window.
	ErrChunkNotFound = errors.New("chunk not found")

	// ErrRejected wraps the fatal error of a stream whose input could not be
	// framed or did not fit in a message.
	ErrRejected = errors.New("stream rejected")
)

// PullLimit bounds how often a single subscriber may request
// retransmissions.
type PullLimit struct {
	PerSecond float64
	Burst     int
}

// Service applies stream lifecycle rules and delegates storage to Repository.
type Service struct {
	repo  Repository
	log   *slog.Logger
	limit PullLimit
}

// NewService returns a Service backed by repo. A zero PerSecond disables
// pull rate limiting.
func NewService(repo Repository, log *slog.Logger, limit PullLimit) *Service {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Service{repo: repo, log: log, limit: limit}
}

// Ingest copies body into the stream's window until EOF, creating the stream
// on first use. Segments are pushed as soon as they are complete, so
// subscribers see them while the upload is still running.
func (s *Service) Ingest(ctx context.Context, id StreamID, body io.Reader) (int64, error) {
	st, err := s.repo.BeginIngest(id)
	if err != nil {
		return 0, err
	}
	defer s.repo.FinishIngest(id)

	s.log.Info("ingest started", slog.String("stream_id", string(id)))

	buf := make([]byte, ingestBufferSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := st.Window.Write(buf[:n]); werr != nil {
				return total, s.ingestError(id, werr)
			}
			total += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			s.log.Info("ingest finished", slog.String("stream_id", string(id)), slog.Int64("bytes", total))
			return total, nil
		}
		if rerr != nil {
			return total, fmt.Errorf("read ingest body: %w", rerr)
		}
	}
}

func (s *Service) ingestError(id StreamID, err error) error {
	if errors.Is(err, pushpull.ErrClosed) {
		return ErrStreamEnded
	}
	s.log.Warn("ingest rejected", slog.String("stream_id", string(id)), slog.String("error", err.Error()))
	return fmt.Errorf("%w: %w", ErrRejected, err)
}

// PullChunk returns a chunk of one of the stream's two most recent media
// segments.
func (s *Service) PullChunk(id StreamID, timecode int64, index int) (*pushpull.Chunk, error) {
	st, ok := s.repo.GetStream(id)
	if !ok {
		return nil, ErrStreamNotFound
	}
	c, ok := st.Window.PullChunk(timecode, index)
	if !ok {
		return nil, ErrChunkNotFound
	}
	return c, nil
}

// Subscribe attaches to the stream's paced output.
func (s *Service) Subscribe(id StreamID) (*Subscription, error) {
	st, ok := s.repo.GetStream(id)
	if !ok {
		return nil, ErrStreamNotFound
	}
	if st.Ended {
		return nil, ErrStreamEnded
	}
	sub, err := st.Hub.Subscribe()
	if errors.Is(err, ErrHubClosed) {
		return nil, ErrStreamEnded
	}
	return sub, err
}

// NewPullLimiter returns a limiter for one subscriber's pull requests.
func (s *Service) NewPullLimiter() *rate.Limiter {
	if s.limit.PerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := s.limit.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(s.limit.PerSecond), burst)
}

// Stats returns the stream's counters and window contents.
func (s *Service) Stats(id StreamID) (StreamStats, error) {
	st, ok := s.repo.GetStream(id)
	if !ok {
		return StreamStats{}, ErrStreamNotFound
	}
	stats := StreamStats{
		ID:          st.ID,
		Ended:       st.Ended,
		Ingesting:   st.Ingesting,
		CreatedAt:   st.CreatedAt,
		EndedAt:     st.EndedAt,
		Subscribers: st.Hub.SubscriberCount(),
		Stats:       st.Window.Stats(),
	}
	if err := st.Window.Err(); err != nil {
		stats.Error = err.Error()
	}
	return stats, nil
}

// EndStream flushes and closes the stream; later ingests are rejected.
func (s *Service) EndStream(id StreamID) error {
	return s.repo.EndStream(id)
}

// ActiveStreamCount is the number of streams not yet ended.
func (s *Service) ActiveStreamCount() int {
	return s.repo.ActiveStreamCount()
}

// QueueDepth is the number of chunks waiting across all active streams.
func (s *Service) QueueDepth() int {
	return s.repo.QueueDepth()
}

// PruneEnded forgets streams that ended more than retention ago, so a stream
// id can be reused.
func (s *Service) PruneEnded(retention time.Duration) int {
	pruned := s.repo.PruneEnded(time.Now().Add(-retention))
	for _, id := range pruned {
		s.log.Debug("stream pruned", slog.String("stream_id", string(id)))
	}
	return len(pruned)
}
