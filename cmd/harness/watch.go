package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"chainharness/internal/adapter/journal"
	"chainharness/internal/domain"
	"chainharness/internal/infra/logger"
	"chainharness/internal/infra/metrics"
	"chainharness/internal/usecase/eventbus"
	"chainharness/pkg/pubsub"
)

type watchFlags struct {
	addr   string
	wsURL  string
	topics []string
}

func watchCmd(a *app) *cobra.Command {
	var f watchFlags

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a node's subscription feed",
		Long: `Subscribe to one or more topics on a node's subscription port and print
every notification as "<topic>\t<payload>". Notifications are journaled
when the journal is enabled.

Examples:
  harness watch --addr 127.0.0.1:18114 --topic new_tip_header
  harness watch --ws ws://127.0.0.1:28114 --topic new_transaction --topic rejected_transaction`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), a, f, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&f.addr, "addr", "", "tcp subscription address (default from config)")
	cmd.Flags().StringVar(&f.wsURL, "ws", "", "websocket subscription url, used instead of --addr")
	cmd.Flags().StringArrayVarP(&f.topics, "topic", "t", nil, "topic to subscribe to (repeatable)")

	return cmd
}

func runWatch(ctx context.Context, a *app, f watchFlags, out io.Writer) error {
	sc := a.cfg.Subscribe
	addr := firstNonEmpty(f.addr, sc.Addr)
	wsURL := firstNonEmpty(f.wsURL, sc.WebSocketURL)
	topics := f.topics
	if len(topics) == 0 {
		topics = sc.Topics
	}
	if len(topics) == 0 {
		return fmt.Errorf("watch: %w: no topics", domain.ErrInvalidInput)
	}

	m, err := a.startMetrics(ctx)
	if err != nil {
		return err
	}

	// The store outlives the bus so queued notifications are still written.
	var store *journal.Store
	if a.cfg.Journal.Enabled {
		store, err = journal.Open(a.cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		defer store.Close()
	}

	bus := eventbus.New(logger.Component(a.logger, "eventbus"))
	defer bus.Close()

	if store != nil {
		store.Subscribe(bus, journalRecorder(m), logger.Component(a.logger, "journal"))
	}

	bus.Subscribe(domain.EventNotification, func(_ context.Context, e domain.Event) {
		fmt.Fprintf(out, "%s\t%s\n", e.Topic, e.Payload)
	})
	bus.Subscribe(domain.EventFeedError, func(_ context.Context, e domain.Event) {
		a.logger.Warn("feed error", "source", e.Source, "detail", string(e.Payload))
	})

	source := addr
	var h *pubsub.Handle[json.RawMessage]
	if wsURL != "" {
		source = wsURL
		h, err = dialWebSocket(ctx, wsURL, topics, a.pubsubOptions(m))
	} else {
		h, err = pubsub.DialAndSubscribe[json.RawMessage](ctx, addr, topics, a.pubsubOptions(m)...)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", source, err)
	}
	defer h.Close()
	a.logger.Info("watching", "source", source, "topics", h.Topics())

	err = eventbus.Relay(ctx, h, bus, source)
	if ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
		return nil
	}
	return err
}

func dialWebSocket(ctx context.Context, url string, topics []string, opts []pubsub.Option) (*pubsub.Handle[json.RawMessage], error) {
	c, err := pubsub.DialWebSocket(ctx, url, opts...)
	if err != nil {
		return nil, err
	}
	h, err := pubsub.SubscribeList[json.RawMessage](ctx, c, topics...)
	if err != nil {
		if h != nil {
			_ = h.Close()
		} else {
			_ = c.Close()
		}
		return nil, err
	}
	return h, nil
}

// journalRecorder avoids handing a typed nil to the journal.
func journalRecorder(m *metrics.Metrics) journal.Recorder {
	if m == nil {
		return nil
	}
	return m
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
