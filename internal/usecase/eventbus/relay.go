package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chainharness/internal/domain"
	"chainharness/pkg/pubsub"
)

// Relay publishes every notification read from h on bus until the feed
// ends or ctx is cancelled. Undecodable notifications become
// EventFeedError events and the feed continues. The terminal error, if
// any, is published and returned; a clean end publishes EventFeedClosed.
func Relay[T any](ctx context.Context, h *pubsub.Handle[T], bus domain.EventBus, source string) error {
	for ev, err := range h.All(ctx) {
		if err != nil {
			bus.Publish(ctx, feedError(source, err))
			if errors.Is(err, pubsub.ErrDecode) {
				continue
			}
			return err
		}
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			bus.Publish(ctx, feedError(source, fmt.Errorf("%w: re-encode %s payload: %w", pubsub.ErrDecode, ev.Topic, err)))
			continue
		}
		bus.Publish(ctx, domain.Event{
			Type:      domain.EventNotification,
			Timestamp: time.Now(),
			Source:    source,
			Topic:     ev.Topic,
			Payload:   payload,
		})
	}
	bus.Publish(ctx, domain.Event{Type: domain.EventFeedClosed, Timestamp: time.Now(), Source: source})
	return nil
}

func feedError(source string, err error) domain.Event {
	msg, _ := json.Marshal(map[string]string{"error": err.Error()})
	return domain.Event{
		Type:      domain.EventFeedError,
		Timestamp: time.Now(),
		Source:    source,
		Payload:   msg,
	}
}
