package pushpull

// dispatchQueue is the FIFO of chunks waiting for the pacer. With a positive
// limit it drops from the head to make room. Not safe for concurrent use.
type dispatchQueue struct {
	items []*Chunk
	limit int
}

func newDispatchQueue(limit int) *dispatchQueue {
	return &dispatchQueue{limit: limit}
}

// push appends chunks in order and returns how many old chunks were dropped.
func (q *dispatchQueue) push(chunks ...*Chunk) int {
	q.items = append(q.items, chunks...)
	if q.limit <= 0 || len(q.items) <= q.limit {
		return 0
	}
	dropped := len(q.items) - q.limit
	for i := 0; i < dropped; i++ {
		q.items[i] = nil
	}
	q.items = q.items[dropped:]
	return dropped
}

// pop removes and returns the head of the queue.
func (q *dispatchQueue) pop() (*Chunk, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	c := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return c, true
}

func (q *dispatchQueue) len() int {
	return len(q.items)
}
