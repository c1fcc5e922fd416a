package pushpull

// windowSize is the number of media segments kept for retransmission: the
// current one and the one before it.
const windowSize = 2

type windowEntry struct {
	timecode int64
	chunks   []*Chunk
}

// segmentWindow is a fixed ring of the most recent media segments in arrival
// order. It is not safe for concurrent use; Window guards it.
type segmentWindow struct {
	entries [windowSize]windowEntry
	head    int // oldest entry
	n       int
}

// insert appends a segment, evicting the oldest one when the ring is full.
// It returns the evicted entry, if any.
func (w *segmentWindow) insert(timecode int64, chunks []*Chunk) (evicted windowEntry, ok bool) {
	if w.n == windowSize {
		evicted = w.entries[w.head]
		w.entries[w.head] = windowEntry{}
		w.head = (w.head + 1) % windowSize
		w.n--
		ok = true
	}
	w.entries[(w.head+w.n)%windowSize] = windowEntry{timecode: timecode, chunks: chunks}
	w.n++
	return evicted, ok
}

// lookup returns the chunk at index of the segment stamped timecode.
func (w *segmentWindow) lookup(timecode int64, index int) (*Chunk, bool) {
	for i := 0; i < w.n; i++ {
		e := &w.entries[(w.head+i)%windowSize]
		if e.timecode != timecode {
			continue
		}
		if index < 0 || index >= len(e.chunks) {
			return nil, false
		}
		return e.chunks[index], true
	}
	return nil, false
}

// timecodes lists the held timecodes, oldest first.
func (w *segmentWindow) timecodes() []int64 {
	out := make([]int64, 0, w.n)
	for i := 0; i < w.n; i++ {
		out = append(out, w.entries[(w.head+i)%windowSize].timecode)
	}
	return out
}
