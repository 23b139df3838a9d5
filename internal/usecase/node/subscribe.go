package node

import (
	"context"
	"fmt"

	"chainharness/internal/domain"
	"chainharness/pkg/pubsub"
)

// subscribe dials the node's TCP subscription address and subscribes to topic.
// A refused subscribe request is reported as domain.ErrNotSubscribePort.
func subscribe[T any](ctx context.Context, n *Node, topic string) (*pubsub.Handle[T], error) {
	const op = "Node.Subscribe"
	if n.subscribeAddr == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "node "+n.Name()+" has no subscription address")
	}
	c, err := pubsub.Dial(ctx, n.subscribeAddr, n.opts.SubscribeOptions...)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	h, err := pubsub.SubscribeList[T](ctx, c, topic)
	if err != nil {
		if h != nil {
			_ = h.Close()
		} else {
			_ = c.Close()
		}
		return nil, domain.WrapOp(op, fmt.Errorf("%w: %w", domain.ErrNotSubscribePort, err))
	}
	return h, nil
}

// SubscribeNewTipHeader streams the header of each new chain tip. It fails
// with domain.ErrNotSubscribePort when the node rejects the subscription.
func (n *Node) SubscribeNewTipHeader(ctx context.Context) (*pubsub.Handle[domain.Header], error) {
	return subscribe[domain.Header](ctx, n, domain.TopicNewTipHeader)
}

// SubscribeNewTipBlock streams each new tip block. It fails with
// domain.ErrNotSubscribePort when the node rejects the subscription.
func (n *Node) SubscribeNewTipBlock(ctx context.Context) (*pubsub.Handle[domain.Block], error) {
	return subscribe[domain.Block](ctx, n, domain.TopicNewTipBlock)
}

// SubscribeNewTransaction streams transactions entering the pool. It fails
// with domain.ErrNotSubscribePort when the node rejects the subscription.
func (n *Node) SubscribeNewTransaction(ctx context.Context) (*pubsub.Handle[domain.PoolTransactionEntry], error) {
	return subscribe[domain.PoolTransactionEntry](ctx, n, domain.TopicNewTransaction)
}

// SubscribeProposedTransaction streams pool transactions as they are
// proposed. It fails with domain.ErrNotSubscribePort when the node rejects
// the subscription.
func (n *Node) SubscribeProposedTransaction(ctx context.Context) (*pubsub.Handle[domain.PoolTransactionEntry], error) {
	return subscribe[domain.PoolTransactionEntry](ctx, n, domain.TopicProposedTransaction)
}

// SubscribeRejectedTransaction streams transactions the pool rejects along
// with the reason. It fails with domain.ErrNotSubscribePort when the node
// rejects the subscription.
func (n *Node) SubscribeRejectedTransaction(ctx context.Context) (*pubsub.Handle[domain.RejectedTransaction], error) {
	return subscribe[domain.RejectedTransaction](ctx, n, domain.TopicRejectedTransaction)
}
