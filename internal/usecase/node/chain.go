package node

import (
	"context"
	"fmt"
	"time"

	"chainharness/internal/domain"
)

const txPoolSettle = 10 * time.Second

// Mine produces n blocks from fresh templates and waits for the pool to
// follow each one.
func (n *Node) Mine(ctx context.Context, blocks uint64) error {
	for range blocks {
		tmpl, err := n.rpc.GetBlockTemplate(ctx)
		if err != nil {
			return domain.WrapOp("Node.Mine", err)
		}
		hash, err := n.rpc.GenerateBlockWithTemplate(ctx, tmpl)
		if err != nil {
			return domain.WrapOp("Node.Mine", err)
		}
		if err := n.WaitForTxPool(ctx); err != nil {
			return err
		}
		n.publish(ctx, domain.EventBlockMined, map[string]any{
			"number": tmpl.Number,
			"hash":   hash,
		})
	}
	return nil
}

// MineTo mines until the tip reaches height. A higher tip is left alone.
func (n *Node) MineTo(ctx context.Context, height uint64) error {
	tip, err := n.GetTipBlockNumber(ctx)
	if err != nil {
		return err
	}
	if tip >= height {
		return nil
	}
	return n.Mine(ctx, height-tip)
}

// SubmitBlock submits block and waits for the pool to catch up.
func (n *Node) SubmitBlock(ctx context.Context, block domain.Block) (string, error) {
	hash, err := n.rpc.SubmitBlock(ctx, "", block)
	if err != nil {
		return "", domain.WrapOp("Node.SubmitBlock", err)
	}
	if err := n.WaitForTxPool(ctx); err != nil {
		return hash, err
	}
	return hash, nil
}

// SubmitTransaction sends tx to the pool and returns its hash.
func (n *Node) SubmitTransaction(ctx context.Context, tx domain.Transaction) (string, error) {
	hash, err := n.rpc.SendTransaction(ctx, tx)
	return hash, domain.WrapOp("Node.SubmitTransaction", err)
}

func (n *Node) GetTipBlockNumber(ctx context.Context) (uint64, error) {
	tip, err := n.rpc.GetTipBlockNumber(ctx)
	if err != nil {
		return 0, domain.WrapOp("Node.GetTipBlockNumber", err)
	}
	n.logger.Debug("tip block number", "number", tip)
	return tip, nil
}

func (n *Node) GetTipBlock(ctx context.Context) (*domain.Block, error) {
	tip, err := n.GetTipBlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	return n.GetBlockByNumber(ctx, tip)
}

func (n *Node) GetBlockByNumber(ctx context.Context, number uint64) (*domain.Block, error) {
	b, err := n.rpc.GetBlockByNumber(ctx, number)
	return b, domain.WrapOp("Node.GetBlockByNumber", err)
}

func (n *Node) GetHeaderByNumber(ctx context.Context, number uint64) (*domain.Header, error) {
	h, err := n.rpc.GetHeaderByNumber(ctx, number)
	return h, domain.WrapOp("Node.GetHeaderByNumber", err)
}

// WaitForTxPool blocks until the transaction pool has caught up with the
// chain tip. The chain and the pool update asynchronously. The timeout is
// restarted whenever the pool makes progress.
func (n *Node) WaitForTxPool(ctx context.Context) error {
	const op = "Node.WaitForTxPool"
	chainTip, err := n.rpc.GetTipHeader(ctx)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	poolTip, err := n.rpc.TxPoolInfo(ctx)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	if chainTip.Hash == poolTip.TipHash {
		return nil
	}

	deadline := time.Now().Add(txPoolSettle)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return domain.WrapOp(op, ctx.Err())
		case <-time.After(pollInterval):
		}
		if chainTip, err = n.rpc.GetTipHeader(ctx); err != nil {
			return domain.WrapOp(op, err)
		}
		prev := poolTip
		if poolTip, err = n.rpc.TxPoolInfo(ctx); err != nil {
			return domain.WrapOp(op, err)
		}
		if chainTip.Hash == poolTip.TipHash {
			return nil
		}
		if prev.TipHash != poolTip.TipHash && poolTip.TipNumber < chainTip.Number {
			deadline = time.Now().Add(txPoolSettle)
		}
	}
	return domain.NewDomainError(op, domain.ErrTimeout, fmt.Sprintf(
		"chain tip %d %s, tx-pool tip %d %s",
		uint64(chainTip.Number), chainTip.Hash, uint64(poolTip.TipNumber), poolTip.TipHash))
}

// GetTipTxPoolInfo returns pool info once the pool has reached the chain tip.
func (n *Node) GetTipTxPoolInfo(ctx context.Context) (*domain.TxPoolInfo, error) {
	const op = "Node.GetTipTxPoolInfo"
	tip, err := n.rpc.GetTipHeader(ctx)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	var info *domain.TxPoolInfo
	err = WaitUntil(ctx, txPoolSettle, func(ctx context.Context) bool {
		got, err := n.rpc.TxPoolInfo(ctx)
		if err != nil {
			return false
		}
		info = got
		return got.TipHash == tip.Hash
	})
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	return info, nil
}
