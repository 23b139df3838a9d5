package pubsub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
)

// Event is one notification delivered by a Handle.
type Event[T any] struct {
	Topic          string
	SubscriptionID string
	Payload        T
}

// Handle is a subscription session decoding every notification payload as T.
type Handle[T any] struct {
	s        *session
	registry *registry
	pending  pendingQueue
	done     bool
}

// Subscribe converts c into a Handle subscribed to topic.
//
// The returned Handle is non-nil whenever c was usable, even if err is not
// nil, so a rejected topic can be retried on the same connection.
func Subscribe[T any](ctx context.Context, c *Client, topic string) (*Handle[T], error) {
	return SubscribeList[T](ctx, c, topic)
}

// SubscribeList converts c into a Handle and subscribes to each topic in
// order. A failure stops at the failing topic; topics before it stay
// subscribed and the Handle is returned along with the error.
func SubscribeList[T any](ctx context.Context, c *Client, topics ...string) (*Handle[T], error) {
	s, err := c.take()
	if err != nil {
		return nil, err
	}
	h := &Handle[T]{s: s, registry: newRegistry()}
	for _, topic := range topics {
		if err := h.Subscribe(ctx, topic); err != nil {
			return h, err
		}
	}
	return h, nil
}

// Subscribe adds topic to the session. It is a no-op for an active topic.
func (h *Handle[T]) Subscribe(ctx context.Context, topic string) error {
	if h.s == nil {
		return ErrHandleReleased
	}
	if _, ok := h.registry.id(topic); ok {
		return nil
	}

	result, err := h.s.roundTrip(ctx, methodSubscribe, []string{topic}, h.buffer)
	if err != nil {
		return &OpError{Op: methodSubscribe, Topic: topic, Err: err}
	}
	id := idString(result)
	if held, ok := h.registry.topic(id); ok {
		return &OpError{Op: methodSubscribe, Topic: topic, Err: fmt.Errorf("%w: %s held by %q", ErrDuplicateSubscription, id, held)}
	}
	h.registry.add(id, topic)
	h.s.logger.Debug("subscribed", "topic", topic, "subscription", id)
	return nil
}

// Unsubscribe removes topic from the session. Unknown topics are a no-op.
// If the remote rejects the request the topic stays registered.
func (h *Handle[T]) Unsubscribe(ctx context.Context, topic string) error {
	if h.s == nil {
		return ErrHandleReleased
	}
	id, ok := h.registry.id(topic)
	if !ok {
		return nil
	}

	if _, err := h.s.roundTrip(ctx, methodUnsubscribe, []string{id}, h.buffer); err != nil {
		return &OpError{Op: methodUnsubscribe, Topic: topic, Err: err}
	}
	h.registry.removeTopic(topic)
	h.s.logger.Debug("unsubscribed", "topic", topic, "subscription", id)
	return nil
}

// UnsubscribeAll unsubscribes every topic and returns the connection as a
// plain Client. The Handle is released on success. On failure the Handle
// keeps whatever topics are still registered.
func (h *Handle[T]) UnsubscribeAll(ctx context.Context) (*Client, error) {
	if h.s == nil {
		return nil, ErrHandleReleased
	}
	for _, topic := range h.registry.topics() {
		if err := h.Unsubscribe(ctx, topic); err != nil {
			return nil, err
		}
	}
	return h.IntoClient()
}

// IntoClient releases the Handle and returns a plain Client on the same
// connection. The Client can only Call; subscribing on it returns
// ErrPlainClient. It fails while any topic is still subscribed. Queued
// notifications are discarded.
func (h *Handle[T]) IntoClient() (*Client, error) {
	if h.s == nil {
		return nil, ErrHandleReleased
	}
	if h.registry.len() > 0 {
		return nil, fmt.Errorf("%w: %v", ErrActiveSubscriptions, h.registry.topics())
	}
	if n := h.pending.len(); n > 0 {
		h.s.logger.Debug("discarding queued notifications", "count", n)
	}
	c := &Client{s: h.s, plain: true}
	h.s = nil
	h.pending = pendingQueue{}
	return c, nil
}

// IDs returns the active subscription ids.
func (h *Handle[T]) IDs() []string { return h.registry.ids() }

// Topics returns the active topics.
func (h *Handle[T]) Topics() []string { return h.registry.topics() }

// Pending returns the number of queued notifications not yet read from the feed.
func (h *Handle[T]) Pending() int { return h.pending.len() }

// Next returns the next notification. Notifications queued during Subscribe
// and Unsubscribe come first, in arrival order.
//
// Next returns io.EOF once the transport is closed. Transport and
// correlation errors are returned once and end the feed. Errors wrapping
// ErrDecode concern a single notification; the feed may be read further.
// Cancelling ctx while Next blocks breaks the connection.
func (h *Handle[T]) Next(ctx context.Context) (Event[T], error) {
	var zero Event[T]
	if h.s == nil {
		return zero, ErrHandleReleased
	}
	if h.done {
		return zero, io.EOF
	}

	frame, ok := h.pending.pop()
	if !ok {
		var err error
		frame, err = h.s.fc.readFrame(ctx)
		if err != nil {
			h.done = true
			return zero, err
		}
	}

	ev, err := h.dispatch(frame)
	if err != nil && !errors.Is(err, ErrDecode) {
		h.done = true
	}
	return ev, err
}

// All ranges over the feed until it ends. Per notification errors are
// yielded and iteration continues; a terminal error is yielded last.
func (h *Handle[T]) All(ctx context.Context) iter.Seq2[Event[T], error] {
	return func(yield func(Event[T], error) bool) {
		for {
			ev, err := h.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(ev, err) {
				return
			}
			if err != nil && !errors.Is(err, ErrDecode) {
				return
			}
		}
	}
}

// Close closes the transport, abandoning every subscription.
func (h *Handle[T]) Close() error {
	if h.s == nil {
		return nil
	}
	h.done = true
	return h.s.fc.close()
}

func (h *Handle[T]) buffer(frame []byte) {
	h.pending.push(frame)
	h.s.observer.NotificationBuffered(h.pending.len())
}

func (h *Handle[T]) dispatch(frame []byte) (Event[T], error) {
	var ev Event[T]
	env, err := parseEnvelope(frame)
	if err != nil {
		return ev, fmt.Errorf("%w: %w", ErrMalformedNotification, err)
	}
	params, err := env.notification()
	if err != nil {
		return ev, err
	}

	ev.SubscriptionID = idString(params.Subscription)
	topic, ok := h.registry.topic(ev.SubscriptionID)
	if !ok {
		return ev, fmt.Errorf("%w: %s", ErrUnknownSubscription, ev.SubscriptionID)
	}
	ev.Topic = topic

	payload, err := decodePayload[T](params.Result)
	if err != nil {
		return ev, fmt.Errorf("%w: topic %s: %w", ErrDecode, topic, err)
	}
	ev.Payload = payload
	h.s.observer.NotificationDelivered(topic)
	return ev, nil
}
