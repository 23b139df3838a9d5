package pubsub

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "chainharness/pubsub"

type options struct {
	logger   *slog.Logger
	incoming Separator
	outgoing Separator
	maxFrame int
	tracer   trace.Tracer
	observer Observer
}

func defaultOptions() options {
	return options{
		logger:   slog.Default(),
		incoming: NoSeparator,
		outgoing: DefaultSeparator,
		maxFrame: DefaultMaxFrameSize,
		observer: nopObserver{},
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	return o
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithSeparators sets the incoming and outgoing framing. The default reads
// self-describing frames and writes line-feed terminated ones.
func WithSeparators(incoming, outgoing Separator) Option {
	return func(o *options) {
		o.incoming = incoming
		o.outgoing = outgoing
	}
}

// WithMaxFrameSize bounds the bytes buffered for a single incomplete frame.
func WithMaxFrameSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxFrame = n
		}
	}
}

// WithTracer sets the tracer used for request spans. Defaults to the global
// OpenTelemetry provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithObserver installs hooks for frame, request and notification metrics.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}
