package pubsub

import (
	"context"
	"fmt"
	"net"

	"nhooyr.io/websocket"
)

// Dial connects to a subscription port over TCP.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pubsub: dial %s: %w", addr, err)
	}
	return New(conn, opts...), nil
}

// DialWebSocket connects to a websocket subscription endpoint. Text messages
// are treated as one continuous byte stream and framed like a TCP stream.
func DialWebSocket(ctx context.Context, url string, opts ...Option) (*Client, error) {
	o := buildOptions(opts)
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("pubsub: dial %s: %w", url, err)
	}
	ws.SetReadLimit(int64(o.maxFrame))
	conn := websocket.NetConn(context.Background(), ws, websocket.MessageText)
	return New(conn, opts...), nil
}

// DialAndSubscribe dials addr and subscribes to topics. On any failure the
// connection is closed.
func DialAndSubscribe[T any](ctx context.Context, addr string, topics []string, opts ...Option) (*Handle[T], error) {
	c, err := Dial(ctx, addr, opts...)
	if err != nil {
		return nil, err
	}
	h, err := SubscribeList[T](ctx, c, topics...)
	if err != nil {
		if h != nil {
			_ = h.Close()
		}
		return nil, err
	}
	return h, nil
}
