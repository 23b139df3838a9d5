package pubsub

import "time"

// Observer receives instrumentation callbacks from a session. Calls happen
// on the goroutine driving the session.
type Observer interface {
	FrameRead(size int)
	FrameWritten(size int)
	RequestDone(method string, elapsed time.Duration, err error)
	NotificationDelivered(topic string)
	// NotificationBuffered reports the pending queue length after a
	// notification was queued during a request.
	NotificationBuffered(depth int)
}

type nopObserver struct{}

func (nopObserver) FrameRead(int)                            {}
func (nopObserver) FrameWritten(int)                         {}
func (nopObserver) RequestDone(string, time.Duration, error) {}
func (nopObserver) NotificationDelivered(string)             {}
func (nopObserver) NotificationBuffered(int)                 {}
