package relay

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"webm-relay/internal/encoder"
	"webm-relay/internal/pushpull"
)

// DefaultSubscriberBuffer is the number of messages a subscriber may fall
// behind before the hub starts dropping for it.
const DefaultSubscriberBuffer = 256

// ErrHubClosed is returned when subscribing to a stream that has ended.
var ErrHubClosed = errors.New("hub closed")

// Hub fans the messages a Window emits out to any number of subscribers. It
// never blocks the pacer: a subscriber whose buffer is full misses the
// message and can pull it back while it is still in the window.
type Hub struct {
	log    *slog.Logger
	buffer int

	mu     sync.Mutex
	init   []byte
	subs   map[*Subscription]struct{}
	closed bool
}

// NewHub returns a Hub whose subscribers buffer up to buffer messages. A
// buffer <= 0 uses DefaultSubscriberBuffer.
func NewHub(log *slog.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Hub{log: log, buffer: buffer, subs: make(map[*Subscription]struct{})}
}

// Subscription receives encoded messages on C until it is closed or the hub
// shuts down, at which point C is closed.
type Subscription struct {
	C <-chan []byte

	hub     *Hub
	ch      chan []byte
	dropped atomic.Uint64
}

// Dropped is the number of messages this subscriber missed.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}

// Subscribe registers a new subscriber. The cached initialization segment,
// if any, is its first message.
func (h *Hub) Subscribe() (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}

	ch := make(chan []byte, h.buffer)
	if h.init != nil {
		ch <- h.init
	}
	s := &Subscription{C: ch, hub: h, ch: ch}
	h.subs[s] = struct{}{}
	return s, nil
}

// SubscriberCount returns the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close detaches every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		delete(h.subs, s)
		close(s.ch)
	}
}

// InitializationSegment caches msg for late subscribers and forwards it.
func (h *Hub) InitializationSegment(msg encoder.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.init = msg.Data
	h.broadcastLocked(msg.Data)
}

// MediaSegmentChunk forwards one paced chunk.
func (h *Hub) MediaSegmentChunk(c *pushpull.Chunk) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastLocked(c.Message.Data)
}

func (h *Hub) broadcastLocked(data []byte) {
	for s := range h.subs {
		select {
		case s.ch <- data:
		default:
			if s.dropped.Add(1) == 1 {
				h.log.Warn("subscriber too slow, dropping messages")
			}
		}
	}
}

var _ pushpull.Sink = (*Hub)(nil)
