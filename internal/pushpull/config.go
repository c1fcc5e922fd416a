package pushpull

import (
	"fmt"
	"math"
)

// Config holds the construction parameters of a Window.
type Config struct {
	// Durations attaches cluster durations to media chunks. The parser then
	// holds every cluster until the next one arrives.
	Durations bool

	// Bitrate is the pacing rate in kilobytes per second. Must be at least 1.
	Bitrate float64

	// QueueLimit bounds the dispatch queue. When full, the oldest queued chunk
	// is dropped; it stays pullable while its segment is in the window.
	// Zero leaves the queue unbounded.
	QueueLimit int
}

// Validate reports the first invalid field of c.
func (c Config) Validate() error {
	if math.IsNaN(c.Bitrate) || math.IsInf(c.Bitrate, 0) || c.Bitrate < 1 {
		return fmt.Errorf("%w (%v)", ErrInvalidBitrate, c.Bitrate)
	}
	if c.QueueLimit < 0 {
		return fmt.Errorf("%w (%d)", ErrInvalidQueueLimit, c.QueueLimit)
	}
	return nil
}

// ValidateFor is Validate plus a check that the pacer interval for messages
// of maxChunkSize bytes does not round down to zero.
func (c Config) ValidateFor(maxChunkSize int) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if Interval(c.Bitrate, maxChunkSize) <= 0 {
		return fmt.Errorf("%w (%v): interval rounds to zero for %d byte messages", ErrInvalidBitrate, c.Bitrate, maxChunkSize)
	}
	return nil
}
