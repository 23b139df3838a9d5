package pubsub_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainharness/pkg/pubsub"
	"chainharness/pkg/pubsub/pubsubtest"
)

type header struct {
	Number string `json:"number"`
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// countingConn counts bytes written by the client.
type countingConn struct {
	net.Conn
	written atomic.Int64
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.written.Add(int64(n))
	return n, err
}

func startServer(t *testing.T, srv *pubsubtest.Server) string {
	t.Helper()
	addr, err := srv.Listen()
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return addr
}

func dial(t *testing.T, srv *pubsubtest.Server) (*pubsub.Client, *countingConn) {
	t.Helper()
	addr := startServer(t, srv)
	raw, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	conn := &countingConn{Conn: raw}
	return pubsub.New(conn, pubsub.WithLogger(testLogger())), conn
}

func TestNewTipHeaderScenario(t *testing.T) {
	ctx := testContext(t)
	srv := pubsubtest.NewServer("new_tip_header")
	srv.AssignIDs("0x2a")
	c, _ := dial(t, srv)

	h, err := pubsub.Subscribe[header](ctx, c, "new_tip_header")
	require.NoError(t, err)
	assert.Equal(t, []string{"0x2a"}, h.IDs())
	assert.Equal(t, []string{"new_tip_header"}, h.Topics())

	for i := 1; i <= 3; i++ {
		require.NoError(t, srv.Notify("0x2a", header{Number: fmt.Sprintf("0x%x", i)}))
	}
	for i := 1; i <= 3; i++ {
		ev, err := h.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, "new_tip_header", ev.Topic)
		assert.Equal(t, "0x2a", ev.SubscriptionID)
		assert.Equal(t, fmt.Sprintf("0x%x", i), ev.Payload.Number)
	}

	require.NoError(t, h.Unsubscribe(ctx, "new_tip_header"))
	assert.Empty(t, h.Topics())
	assert.Empty(t, srv.Subscriptions())

	srv.Close()
	_, err = h.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSubscribeTwiceIsOneRoundTrip(t *testing.T) {
	ctx := testContext(t)
	srv := pubsubtest.NewServer("new_tip_block")
	c, conn := dial(t, srv)

	h, err := pubsub.Subscribe[json.RawMessage](ctx, c, "new_tip_block")
	require.NoError(t, err)
	written := conn.written.Load()

	require.NoError(t, h.Subscribe(ctx, "new_tip_block"))
	assert.Equal(t, written, conn.written.Load())
	assert.Len(t, srv.Requests(), 1)
}

func TestUnsubscribeUnknownTopicSendsNothing(t *testing.T) {
	ctx := testContext(t)
	srv := pubsubtest.NewServer("new_tip_block")
	c, conn := dial(t, srv)

	h, err := pubsub.Subscribe[json.RawMessage](ctx, c, "new_tip_block")
	require.NoError(t, err)
	written := conn.written.Load()

	require.NoError(t, h.Unsubscribe(ctx, "new_transaction"))
	assert.Equal(t, written, conn.written.Load())
	assert.Equal(t, []string{"new_tip_block"}, h.Topics())
}

func TestNotificationsDuringSubscribeKeepArrivalOrder(t *testing.T) {
	ctx := testContext(t)
	srv := pubsubtest.NewServer("a", "b")
	srv.AssignIDs("0xa", "0xb")
	srv.OnRequest(func(conn *pubsubtest.Conn, req pubsubtest.Request) {
		if req.Method == "subscribe" && len(req.Params) == 1 && string(req.Params[0]) == `"b"` {
			_ = conn.Notify("0xa", header{Number: "0x1"})
			_ = conn.Notify("0xa", header{Number: "0x2"})
		}
	})
	c, _ := dial(t, srv)

	h, err := pubsub.SubscribeList[header](ctx, c, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, 2, h.Pending())

	require.NoError(t, srv.Notify("0xb", header{Number: "0x3"}))

	var got []string
	for range 3 {
		ev, err := h.Next(ctx)
		require.NoError(t, err)
		got = append(got, ev.Topic+":"+ev.Payload.Number)
	}
	assert.Equal(t, []string{"a:0x1", "a:0x2", "b:0x3"}, got)
	assert.Zero(t, h.Pending())
}

func TestSubscribeUnknownTopicThenRetry(t *testing.T) {
	ctx := testContext(t)
	srv := pubsubtest.NewServer("new_tip_header")
	c, _ := dial(t, srv)

	h, err := pubsub.Subscribe[header](ctx, c, "new_tip_headr")
	require.Error(t, err)
	require.NotNil(t, h)

	var rpcErr *pubsub.RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -32602, rpcErr.Code)
	var opErr *pubsub.OpError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "subscribe", opErr.Op)
	assert.Empty(t, h.Topics())

	require.NoError(t, h.Subscribe(ctx, "new_tip_header"))
	assert.Equal(t, []string{"new_tip_header"}, h.Topics())

	reqs := srv.Requests()
	require.Len(t, reqs, 2)
	assert.NotEqual(t, string(reqs[0].ID), string(reqs[1].ID))
}

func TestSubscribeListKeepsEarlierTopics(t *testing.T) {
	ctx := testContext(t)
	srv := pubsubtest.NewServer("a", "b")
	c, _ := dial(t, srv)

	h, err := pubsub.SubscribeList[json.RawMessage](ctx, c, "a", "nope", "b")
	require.Error(t, err)
	assert.Equal(t, []string{"a"}, h.Topics())
	assert.Len(t, srv.Requests(), 2)
}

func TestUnsubscribeAllDowngrades(t *testing.T) {
	ctx := testContext(t)
	srv := pubsubtest.NewServer("a", "b")
	srv.HandleMethod("ping", func([]json.RawMessage) (any, error) { return "pong", nil })
	c, _ := dial(t, srv)

	h, err := pubsub.SubscribeList[json.RawMessage](ctx, c, "a", "b")
	require.NoError(t, err)

	_, err = pubsub.Subscribe[json.RawMessage](ctx, c, "a")
	assert.ErrorIs(t, err, pubsub.ErrClientConsumed)

	plain, err := h.UnsubscribeAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, srv.Subscriptions())

	assert.ErrorIs(t, h.Subscribe(ctx, "a"), pubsub.ErrHandleReleased)
	_, err = h.Next(ctx)
	assert.ErrorIs(t, err, pubsub.ErrHandleReleased)

	sent := len(srv.Requests())
	again, err := pubsub.Subscribe[json.RawMessage](ctx, plain, "a")
	assert.ErrorIs(t, err, pubsub.ErrPlainClient)
	assert.Nil(t, again)
	assert.Len(t, srv.Requests(), sent)
	assert.Empty(t, srv.Subscriptions())

	var pong string
	require.NoError(t, plain.Call(ctx, "ping", nil, &pong))
	assert.Equal(t, "pong", pong)
	require.NoError(t, plain.Close())
}

func TestUnsubscribeAllFailureKeepsHandle(t *testing.T) {
	ctx := testContext(t)
	srv := pubsubtest.NewServer("a", "b")
	srv.AssignIDs("0x1")
	c, _ := dial(t, srv)

	h, err := pubsub.Subscribe[header](ctx, c, "a")
	require.NoError(t, err)

	srv.Reject("unsubscribe", &pubsub.RPCError{Code: -32000, Message: "busy"})
	_, err = h.UnsubscribeAll(ctx)
	var rpcErr *pubsub.RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, "busy", rpcErr.Message)
	assert.Equal(t, []string{"a"}, h.Topics())

	srv.Reject("unsubscribe", nil)
	require.NoError(t, srv.Notify("0x1", header{Number: "0x7"}))
	ev, err := h.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0x7", ev.Payload.Number)

	_, err = h.UnsubscribeAll(ctx)
	require.NoError(t, err)
}

func TestIntoClientRequiresEmptyRegistry(t *testing.T) {
	ctx := testContext(t)
	srv := pubsubtest.NewServer("a")
	c, _ := dial(t, srv)

	h, err := pubsub.Subscribe[json.RawMessage](ctx, c, "a")
	require.NoError(t, err)

	_, err = h.IntoClient()
	assert.ErrorIs(t, err, pubsub.ErrActiveSubscriptions)

	require.NoError(t, h.Unsubscribe(ctx, "a"))
	plain, err := h.IntoClient()
	require.NoError(t, err)
	require.NotNil(t, plain)

	_, err = pubsub.SubscribeList[json.RawMessage](ctx, plain, "a")
	assert.ErrorIs(t, err, pubsub.ErrPlainClient)
	assert.Empty(t, srv.Subscriptions())
}

func TestNotificationsDuringUnsubscribeKeepArrivalOrder(t *testing.T) {
	ctx := testContext(t)
	srv := pubsubtest.NewServer("a", "b")
	srv.AssignIDs("0xa", "0xb")
	srv.OnRequest(func(conn *pubsubtest.Conn, req pubsubtest.Request) {
		if req.Method == "unsubscribe" && len(req.Params) == 1 && string(req.Params[0]) == `"0xb"` {
			_ = conn.Notify("0xa", header{Number: "0x1"})
			_ = conn.Notify("0xa", header{Number: "0x2"})
		}
	})
	c, _ := dial(t, srv)

	h, err := pubsub.SubscribeList[header](ctx, c, "a", "b")
	require.NoError(t, err)
	require.Zero(t, h.Pending())

	require.NoError(t, h.Unsubscribe(ctx, "b"))
	assert.Equal(t, 2, h.Pending())
	assert.Equal(t, []string{"a"}, h.Topics())

	require.NoError(t, srv.Notify("0xa", header{Number: "0x3"}))

	var got []string
	for range 3 {
		ev, err := h.Next(ctx)
		require.NoError(t, err)
		got = append(got, ev.Topic+":"+ev.Payload.Number)
	}
	assert.Equal(t, []string{"a:0x1", "a:0x2", "a:0x3"}, got)
	assert.Zero(t, h.Pending())
}

func TestNotificationsDuringUnsubscribeAllAreDiscarded(t *testing.T) {
	ctx := testContext(t)
	srv := pubsubtest.NewServer("a", "b")
	srv.AssignIDs("0xa", "0xb")
	srv.OnRequest(func(conn *pubsubtest.Conn, req pubsubtest.Request) {
		if req.Method == "unsubscribe" && len(req.Params) == 1 && string(req.Params[0]) == `"0xa"` {
			_ = conn.Notify("0xb", header{Number: "0x1"})
			_ = conn.Notify("0xb", header{Number: "0x2"})
		}
	})
	srv.HandleMethod("ping", func([]json.RawMessage) (any, error) { return "pong", nil })
	c, _ := dial(t, srv)

	h, err := pubsub.SubscribeList[header](ctx, c, "a", "b")
	require.NoError(t, err)

	plain, err := h.UnsubscribeAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, h.Pending())

	// The frames queued while draining must not leak into plain calls.
	var pong string
	require.NoError(t, plain.Call(ctx, "ping", nil, &pong))
	assert.Equal(t, "pong", pong)
}

func TestDuplicateSubscriptionIDRejected(t *testing.T) {
	ctx := testContext(t)
	srv := pubsubtest.NewServer("a", "b")
	srv.AssignIDs("0x1", "0x1")
	c, _ := dial(t, srv)

	h, err := pubsub.SubscribeList[header](ctx, c, "a", "b")
	require.ErrorIs(t, err, pubsub.ErrDuplicateSubscription)
	var opErr *pubsub.OpError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "b", opErr.Topic)
	assert.Equal(t, []string{"a"}, h.Topics())
	assert.Equal(t, []string{"0x1"}, h.IDs())

	require.NoError(t, srv.Notify("0x1", header{Number: "0x5"}))
	ev, err := h.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", ev.Topic)
}

func TestUnknownSubscriptionEndsFeed(t *testing.T) {
	ctx := testContext(t)
	conns := make(chan *pubsubtest.Conn, 1)
	srv := pubsubtest.NewServer("a")
	srv.OnRequest(func(conn *pubsubtest.Conn, _ pubsubtest.Request) {
		select {
		case conns <- conn:
		default:
		}
	})
	c, _ := dial(t, srv)

	h, err := pubsub.Subscribe[json.RawMessage](ctx, c, "a")
	require.NoError(t, err)

	conn := <-conns
	require.NoError(t, conn.Notify("0xdead", map[string]int{"n": 1}))

	_, err = h.Next(ctx)
	assert.ErrorIs(t, err, pubsub.ErrUnknownSubscription)
	_, err = h.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeErrorDoesNotEndFeed(t *testing.T) {
	ctx := testContext(t)
	srv := pubsubtest.NewServer("a")
	srv.AssignIDs("0x1")
	c, _ := dial(t, srv)

	h, err := pubsub.Subscribe[header](ctx, c, "a")
	require.NoError(t, err)

	require.NoError(t, srv.Notify("0x1", map[string]int{"number": 5}))
	require.NoError(t, srv.Notify("0x1", header{Number: "0x5"}))

	ev, err := h.Next(ctx)
	assert.ErrorIs(t, err, pubsub.ErrDecode)
	assert.Equal(t, "a", ev.Topic)

	ev, err = h.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0x5", ev.Payload.Number)
}

func TestRawValuePayload(t *testing.T) {
	ctx := testContext(t)
	conns := make(chan *pubsubtest.Conn, 1)
	srv := pubsubtest.NewServer("a")
	srv.AssignIDs("0x1")
	srv.OnRequest(func(conn *pubsubtest.Conn, _ pubsubtest.Request) { conns <- conn })
	c, _ := dial(t, srv)

	h, err := pubsub.Subscribe[header](ctx, c, "a")
	require.NoError(t, err)

	conn := <-conns
	require.NoError(t, conn.Send([]byte(`{"jsonrpc":"2.0","method":"subscribe","params":{"result":{"number":"0x9"},"subscription":"0x1"}}`)))

	ev, err := h.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0x9", ev.Payload.Number)
}

func TestBrokenConnectionDuringSubscribe(t *testing.T) {
	ctx := testContext(t)
	srv := pubsubtest.NewServer("a")
	srv.OnRequest(func(conn *pubsubtest.Conn, _ pubsubtest.Request) { _ = conn.Close() })
	c, _ := dial(t, srv)

	_, err := pubsub.Subscribe[json.RawMessage](ctx, c, "a")
	assert.ErrorIs(t, err, pubsub.ErrBrokenConnection)
}

func TestPartialResponseIsBrokenConnection(t *testing.T) {
	ctx := testContext(t)
	client, server := net.Pipe()
	go func() {
		defer server.Close()
		buf := make([]byte, 512)
		if _, err := server.Read(buf); err != nil {
			return
		}
		_, _ = server.Write([]byte(`{"jsonrpc":"2.0","res`))
	}()

	c := pubsub.New(client, pubsub.WithLogger(testLogger()))
	_, err := pubsub.Subscribe[json.RawMessage](ctx, c, "new_tip_header")
	require.ErrorIs(t, err, pubsub.ErrBrokenConnection)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestAllStopsAtClose(t *testing.T) {
	ctx := testContext(t)
	srv := pubsubtest.NewServer("a")
	srv.AssignIDs("0x1")
	c, _ := dial(t, srv)

	h, err := pubsub.Subscribe[header](ctx, c, "a")
	require.NoError(t, err)
	for _, n := range []string{"0x1", "0x2"} {
		require.NoError(t, srv.Notify("0x1", header{Number: n}))
	}

	var got []string
	for ev, err := range h.All(ctx) {
		require.NoError(t, err)
		got = append(got, ev.Payload.Number)
		if len(got) == 2 {
			srv.Close()
		}
	}
	assert.Equal(t, []string{"0x1", "0x2"}, got)
}

func TestNextHonoursContext(t *testing.T) {
	srv := pubsubtest.NewServer("a")
	c, _ := dial(t, srv)

	h, err := pubsub.Subscribe[json.RawMessage](testContext(t), c, "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = h.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = h.Next(testContext(t))
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameTooLarge(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := pubsub.New(client, pubsub.WithLogger(testLogger()), pubsub.WithMaxFrameSize(64))
	defer c.Close()

	go func() {
		_, _ = server.Write([]byte(`{"jsonrpc":"2.0","result":"` + strings.Repeat("x", 128)))
	}()

	// The request write needs a reader on the other end.
	go func() {
		buf := make([]byte, 512)
		_, _ = server.Read(buf)
	}()

	err := c.Call(testContext(t), "ping", nil, nil)
	assert.ErrorIs(t, err, pubsub.ErrFrameTooLarge)
}

func TestWebSocketTransport(t *testing.T) {
	ctx := testContext(t)
	srv := pubsubtest.NewServer("new_tip_header")
	srv.AssignIDs("0x2a")
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)

	c, err := pubsub.DialWebSocket(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), pubsub.WithLogger(testLogger()))
	require.NoError(t, err)

	h, err := pubsub.Subscribe[header](ctx, c, "new_tip_header")
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, srv.Notify("0x2a", header{Number: "0x10"}))
	ev, err := h.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0x10", ev.Payload.Number)
}

func TestDialAndSubscribe(t *testing.T) {
	ctx := testContext(t)
	srv := pubsubtest.NewServer("a")
	addr := startServer(t, srv)

	h, err := pubsub.DialAndSubscribe[json.RawMessage](ctx, addr, []string{"a"}, pubsub.WithLogger(testLogger()))
	require.NoError(t, err)
	defer h.Close()
	assert.Equal(t, []string{"a"}, h.Topics())

	_, err = pubsub.DialAndSubscribe[json.RawMessage](ctx, addr, []string{"missing"}, pubsub.WithLogger(testLogger()))
	assert.Error(t, err)
}
