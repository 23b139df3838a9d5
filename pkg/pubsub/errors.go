package pubsub

import (
	"errors"
	"fmt"
)

var (
	// ErrBrokenConnection is returned when the transport closes while a
	// request is waiting for its response.
	ErrBrokenConnection = errors.New("pubsub: connection closed before response")
	// ErrInvalidUTF8 is returned in delimited mode for a frame that is not text.
	ErrInvalidUTF8 = errors.New("pubsub: frame is not valid utf-8")
	// ErrFrameTooLarge is returned when more than the configured maximum
	// is buffered without completing a frame.
	ErrFrameTooLarge = errors.New("pubsub: frame exceeds maximum size")
	// ErrUnknownSubscription is returned by the feed for a notification whose
	// subscription id is not registered. It ends the feed.
	ErrUnknownSubscription = errors.New("pubsub: notification for unknown subscription")
	// ErrMalformedNotification is returned by the feed for a frame that is not
	// a notification envelope. It ends the feed.
	ErrMalformedNotification = errors.New("pubsub: malformed notification")
	// ErrDecode is returned by the feed when a payload does not decode into the
	// handle's type. The feed continues with the next notification.
	ErrDecode = errors.New("pubsub: payload decode failed")

	ErrClientConsumed      = errors.New("pubsub: client was converted into a subscription handle")
	ErrHandleReleased      = errors.New("pubsub: handle was released")
	ErrActiveSubscriptions = errors.New("pubsub: handle still has active subscriptions")
	// ErrPlainClient is returned when a Client obtained from UnsubscribeAll
	// or IntoClient is used to subscribe again.
	ErrPlainClient = errors.New("pubsub: client from a released handle cannot subscribe")
	// ErrDuplicateSubscription is returned when the remote hands out an id
	// that is already held by another topic.
	ErrDuplicateSubscription = errors.New("pubsub: subscription id already in use")
)

// RPCError is a JSON-RPC error object returned by the remote peer.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s: %v", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// OpError describes a failed subscribe or unsubscribe.
type OpError struct {
	Op    string
	Topic string
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("pubsub: %s %q: %v", e.Op, e.Topic, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }
