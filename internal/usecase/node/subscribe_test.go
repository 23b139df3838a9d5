package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainharness/internal/domain"
	"chainharness/pkg/pubsub/pubsubtest"
)

func attachWithSubscribe(t *testing.T, addr string) *Node {
	t.Helper()
	_, srv := newFakeChain(t, newFakeNet(), "a")
	n, err := Attach(context.Background(), "a", addr, rpcConfig(srv.URL), nil, nil, discardLogger())
	require.NoError(t, err)
	return n
}

func TestSubscribeNewTipHeader(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := pubsubtest.NewServer(domain.Topics...)
	srv.AssignIDs("0x0")
	addr, err := srv.Listen()
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	n := attachWithSubscribe(t, addr)
	h, err := n.SubscribeNewTipHeader(ctx)
	require.NoError(t, err)
	defer h.Close()
	assert.Equal(t, []string{domain.TopicNewTipHeader}, h.Topics())

	require.NoError(t, srv.Notify("0x0", domain.Header{Number: 12, Hash: "0xabc"}))
	ev, err := h.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Uint64(12), ev.Payload.Number)
	assert.Equal(t, "0xabc", ev.Payload.Hash)
}

func TestSubscribeRejectedTransactionDecodesPair(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := pubsubtest.NewServer(domain.Topics...)
	srv.AssignIDs("0x4")
	addr, err := srv.Listen()
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	n := attachWithSubscribe(t, addr)
	h, err := n.SubscribeRejectedTransaction(ctx)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, srv.Notify("0x4", domain.RejectedTransaction{
		Entry:  domain.PoolTransactionEntry{Fee: 1},
		Reason: domain.PoolTransactionReject{Type: "Full", Description: "pool is full"},
	}))
	ev, err := h.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Full", ev.Payload.Reason.Type)
	assert.Equal(t, domain.Uint64(1), ev.Payload.Entry.Fee)
}

func TestSubscribeToNonSubscribePort(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// a listener that hangs up on every connection
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	n := attachWithSubscribe(t, ln.Addr().String())
	_, err = n.SubscribeNewTipBlock(ctx)
	require.ErrorIs(t, err, domain.ErrNotSubscribePort)
	assert.Contains(t, err.Error(), "tcp_listen_address")
}

func TestSubscribeWithoutAddress(t *testing.T) {
	n := attachWithSubscribe(t, "")
	_, err := n.SubscribeNewTransaction(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSubscribeOtherTopics(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := pubsubtest.NewServer(domain.Topics...)
	addr, err := srv.Listen()
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	n := attachWithSubscribe(t, addr)

	tx, err := n.SubscribeNewTransaction(ctx)
	require.NoError(t, err)
	defer tx.Close()
	proposed, err := n.SubscribeProposedTransaction(ctx)
	require.NoError(t, err)
	defer proposed.Close()

	assert.Equal(t, []string{domain.TopicNewTransaction}, tx.Topics())
	assert.Equal(t, []string{domain.TopicProposedTransaction}, proposed.Topics())
	assert.Len(t, srv.Subscriptions(), 2)
}
