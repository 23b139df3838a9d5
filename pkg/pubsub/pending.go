package pubsub

// pendingQueue holds frames read while waiting for a response. Frames leave
// in arrival order, each exactly once.
type pendingQueue struct {
	frames [][]byte
	head   int
}

func (q *pendingQueue) push(frame []byte) {
	q.frames = append(q.frames, frame)
}

func (q *pendingQueue) pop() ([]byte, bool) {
	if q.head == len(q.frames) {
		return nil, false
	}
	f := q.frames[q.head]
	q.frames[q.head] = nil
	q.head++
	if q.head == len(q.frames) {
		q.frames = q.frames[:0]
		q.head = 0
	}
	return f, true
}

func (q *pendingQueue) len() int { return len(q.frames) - q.head }
