package pushpull

import (
	"sync"
	"time"
)

// MessagesPerSecond is the pacing rate for bitrate (KB/s) when every message
// is counted at the encoder's maximum chunk size.
func MessagesPerSecond(bitrate float64, maxChunkSize int) float64 {
	return bitrate * 1024 / float64(maxChunkSize)
}

// Interval is the pacer period, 1000/MessagesPerSecond milliseconds.
func Interval(bitrate float64, maxChunkSize int) time.Duration {
	return time.Duration(float64(time.Second) * float64(maxChunkSize) / (bitrate * 1024))
}

// pacer calls tick once per interval on its own goroutine. Idle ticks are
// not made up for later.
type pacer struct {
	interval time.Duration
	tick     func()

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

func newPacer(interval time.Duration, tick func()) *pacer {
	return &pacer{
		interval: interval,
		tick:     tick,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// start launches the ticker goroutine and reports whether it did. Calls
// after the first, or after halt, do nothing.
func (p *pacer) start() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return false
	}
	p.started = true
	go p.run()
	return true
}

func (p *pacer) run() {
	defer close(p.done)
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-t.C:
			// stop wins over a tick that is ready at the same time.
			select {
			case <-p.stop:
				return
			default:
			}
			p.tick()
		}
	}
}

// halt stops the ticker and waits for an in-flight tick to return.
func (p *pacer) halt() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.stop)
	}
	started := p.started
	p.mu.Unlock()

	if started {
		<-p.done
	}
}
