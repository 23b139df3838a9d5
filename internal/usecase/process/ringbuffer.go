package process

import (
	"bytes"
	"sync"
)

// ringBuffer is a bounded, goroutine-safe byte buffer that keeps the most
// recent output of a child process.
type ringBuffer struct {
	mu      sync.Mutex
	data    []byte
	max     int
	written int64 // total bytes ever written, dropped ones included
}

func newRingBuffer(maxBytes int) *ringBuffer {
	return &ringBuffer{
		data: make([]byte, 0, min(maxBytes, 4096)),
		max:  maxBytes,
	}
}

func (rb *ringBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.data = append(rb.data, p...)
	rb.written += int64(len(p))
	if over := len(rb.data) - rb.max; over > 0 {
		rb.data = append(rb.data[:0], rb.data[over:]...)
	}
	return len(p), nil
}

func (rb *ringBuffer) String() string {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return string(rb.data)
}

func (rb *ringBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.data)
}

// TotalWritten counts every byte ever written.
func (rb *ringBuffer) TotalWritten() int64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.written
}

// ReadFrom returns what was written at or after the absolute offset. An
// offset inside dropped data reads from the oldest retained byte.
func (rb *ringBuffer) ReadFrom(offset int64) string {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	local := max(offset-(rb.written-int64(len(rb.data))), 0)
	if local >= int64(len(rb.data)) {
		return ""
	}
	return string(rb.data[local:])
}

// Tail returns at most the last n lines, without a trailing newline.
func (rb *ringBuffer) Tail(n int) string {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	data := bytes.TrimRight(rb.data, "\n")
	if n <= 0 || len(data) == 0 {
		return ""
	}
	i := len(data)
	for ; n > 0; n-- {
		j := bytes.LastIndexByte(data[:i], '\n')
		if j < 0 {
			return string(data)
		}
		i = j
	}
	return string(data[i+1:])
}
