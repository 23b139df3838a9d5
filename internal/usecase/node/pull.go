package node

import (
	"context"
	"fmt"

	"chainharness/internal/domain"
)

// PullNode copies the blocks source has beyond the last block both chains
// share. n must not be ahead of source.
func (n *Node) PullNode(ctx context.Context, source *Node) error {
	const op = "Node.PullNode"
	minTip, err := n.GetTipBlockNumber(ctx)
	if err != nil {
		return err
	}
	maxTip, err := source.GetTipBlockNumber(ctx)
	if err != nil {
		return err
	}
	if minTip > maxTip {
		return domain.NewDomainError(op, domain.ErrInvalidInput,
			fmt.Sprintf("%s tip %d is ahead of %s tip %d", n.Name(), minTip, source.Name(), maxTip))
	}

	fixed, err := commonAncestor(ctx, n, source, minTip)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	for number := fixed + 1; number <= maxTip; number++ {
		block, err := source.GetBlockByNumber(ctx, number)
		if err != nil {
			return domain.WrapOp(op, err)
		}
		if _, err := n.rpc.SubmitBlock(ctx, domain.Uint64(number).String(), *block); err != nil {
			return domain.WrapOp(op, fmt.Errorf("submit block %d: %w", number, err))
		}
	}
	return nil
}

// commonAncestor returns the highest block number at or below from where
// both nodes hold the same block.
func commonAncestor(ctx context.Context, a, b *Node, from uint64) (uint64, error) {
	for number := from; ; number-- {
		ha, err := a.rpc.GetBlockHash(ctx, number)
		if err != nil {
			return 0, err
		}
		hb, err := b.rpc.GetBlockHash(ctx, number)
		if err != nil {
			return 0, err
		}
		if ha == hb || number == 0 {
			return number, nil
		}
	}
}
