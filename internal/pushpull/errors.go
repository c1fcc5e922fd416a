package pushpull

import "errors"

var (
	// ErrInvalidBitrate is returned when Config.Bitrate is not a number >= 1.
	ErrInvalidBitrate = errors.New("bitrate must be a positive number")

	// ErrInvalidQueueLimit is returned for a negative Config.QueueLimit.
	ErrInvalidQueueLimit = errors.New("queue limit must not be negative")

	// ErrInitSegmentTooLarge means the encoder cannot carry the stream's
	// initialization segment in one message.
	ErrInitSegmentTooLarge = errors.New("initialization segment is too large")

	// ErrMediaSegmentTooLarge means a cluster needs more chunks than the
	// encoder allows per media segment.
	ErrMediaSegmentTooLarge = errors.New("media segment is too large")

	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("window closed")
)
