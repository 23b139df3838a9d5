package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// session owns the transport and the request id counter. It is shared by a
// Client and the Handle it turns into, never by both at once.
type session struct {
	fc       *framedConn
	nextID   uint64
	logger   *slog.Logger
	tracer   trace.Tracer
	observer Observer
}

// roundTrip sends one request and reads frames until the matching response
// arrives. Every other frame goes to other.
func (s *session) roundTrip(ctx context.Context, method string, params any, other func([]byte)) (json.RawMessage, error) {
	id := s.nextID
	s.nextID++

	ctx, span := s.tracer.Start(ctx, "pubsub."+method, trace.WithAttributes(
		attribute.String("rpc.method", method),
		attribute.Int64("rpc.id", int64(id)),
	))
	defer span.End()

	start := time.Now()
	result, err := s.exchange(ctx, id, method, params, other)
	s.observer.RequestDone(method, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (s *session) exchange(ctx context.Context, id uint64, method string, params any, other func([]byte)) (json.RawMessage, error) {
	msg, err := json.Marshal(request{ID: id, JSONRPC: jsonrpcVersion, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("pubsub: encode %s request: %w", method, err)
	}
	if err := s.fc.writeFrame(ctx, msg); err != nil {
		return nil, brokenConnection(err)
	}

	for {
		frame, err := s.fc.readFrame(ctx)
		if err != nil {
			return nil, brokenConnection(err)
		}
		env, err := parseEnvelope(frame)
		if err != nil || !env.isResponse() {
			other(frame)
			continue
		}
		if !env.answers(id) {
			s.logger.Warn("dropping response for another request", "want_id", id, "got_id", string(env.ID))
			continue
		}
		if env.Error != nil {
			return nil, env.Error
		}
		return env.Result, nil
	}
}

// brokenConnection maps a transport that closed, cleanly, partway through
// a frame or by a peer reset, to ErrBrokenConnection.
func brokenConnection(err error) error {
	switch {
	case err == io.EOF:
		return ErrBrokenConnection
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNRESET):
		return fmt.Errorf("%w: %w", ErrBrokenConnection, err)
	default:
		return err
	}
}

// Client is a plain request/response client on a subscription connection.
// Subscribe and SubscribeList turn it into a Handle, unless the client came
// from a released Handle.
type Client struct {
	s     *session
	plain bool
}

// New wraps an established transport. The client owns conn from now on.
func New(conn io.ReadWriteCloser, opts ...Option) *Client {
	o := buildOptions(opts)
	codec := NewCodec(o.incoming, o.outgoing)
	codec.logger = o.logger
	return &Client{s: &session{
		fc:       newFramedConn(conn, codec, o.maxFrame, o.observer),
		logger:   o.logger,
		tracer:   o.tracer,
		observer: o.observer,
	}}
}

// Call sends method with params and decodes the result into result, which
// may be nil. Notifications read while waiting are discarded.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	if c.s == nil {
		return ErrClientConsumed
	}
	if params == nil {
		params = []any{}
	}
	raw, err := c.s.roundTrip(ctx, method, params, func(frame []byte) {
		c.s.logger.Debug("discarding frame on plain client", "bytes", len(frame))
	})
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("pubsub: decode %s result: %w", method, err)
	}
	return nil
}

// Close closes the transport.
func (c *Client) Close() error {
	if c.s == nil {
		return nil
	}
	return c.s.fc.close()
}

func (c *Client) take() (*session, error) {
	if c.s == nil {
		return nil, ErrClientConsumed
	}
	if c.plain {
		return nil, ErrPlainClient
	}
	s := c.s
	c.s = nil
	return s, nil
}
