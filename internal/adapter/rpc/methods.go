package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chainharness/internal/domain"
)

// sendTxSettle bounds how long SendTransaction waits for the pool to
// acknowledge a transaction it accepted.
const sendTxSettle = 20 * time.Second

func (c *Client) LocalNodeInfo(ctx context.Context) (*domain.LocalNode, error) {
	var out domain.LocalNode
	if err := c.Call(ctx, "local_node_info", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetTipBlockNumber(ctx context.Context) (uint64, error) {
	var out domain.Uint64
	if err := c.Call(ctx, "get_tip_block_number", nil, &out); err != nil {
		return 0, err
	}
	return uint64(out), nil
}

func (c *Client) GetTipHeader(ctx context.Context) (*domain.Header, error) {
	var out domain.Header
	if err := c.Call(ctx, "get_tip_header", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// optional decodes a nullable result; a null result yields ErrNotFound.
func optional[T any](ctx context.Context, c *Client, method string, params []any, what string) (*T, error) {
	var out *T
	if err := c.Call(ctx, method, params, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, domain.NewDomainError("rpc."+method, domain.ErrNotFound, what)
	}
	return out, nil
}

func (c *Client) GetBlock(ctx context.Context, hash string) (*domain.Block, error) {
	return optional[domain.Block](ctx, c, "get_block", []any{hash}, hash)
}

func (c *Client) GetBlockByNumber(ctx context.Context, number uint64) (*domain.Block, error) {
	return optional[domain.Block](ctx, c, "get_block_by_number", []any{domain.Uint64(number)}, domain.Uint64(number).String())
}

func (c *Client) GetHeader(ctx context.Context, hash string) (*domain.Header, error) {
	return optional[domain.Header](ctx, c, "get_header", []any{hash}, hash)
}

func (c *Client) GetHeaderByNumber(ctx context.Context, number uint64) (*domain.Header, error) {
	return optional[domain.Header](ctx, c, "get_header_by_number", []any{domain.Uint64(number)}, domain.Uint64(number).String())
}

func (c *Client) GetBlockHash(ctx context.Context, number uint64) (string, error) {
	h, err := optional[string](ctx, c, "get_block_hash", []any{domain.Uint64(number)}, domain.Uint64(number).String())
	if err != nil {
		return "", err
	}
	return *h, nil
}

func (c *Client) GetTransaction(ctx context.Context, hash string) (*domain.TransactionWithStatus, error) {
	return optional[domain.TransactionWithStatus](ctx, c, "get_transaction", []any{hash}, hash)
}

// GetConsensus returns the chain parameters undecoded.
func (c *Client) GetConsensus(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.Call(ctx, "get_consensus", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetPeers(ctx context.Context) ([]domain.RemoteNode, error) {
	var out []domain.RemoteNode
	if err := c.Call(ctx, "get_peers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) AddNode(ctx context.Context, peerID, address string) error {
	return c.Call(ctx, "add_node", []any{peerID, address}, nil)
}

func (c *Client) RemoveNode(ctx context.Context, peerID string) error {
	return c.Call(ctx, "remove_node", []any{peerID}, nil)
}

func (c *Client) TxPoolInfo(ctx context.Context) (*domain.TxPoolInfo, error) {
	var out domain.TxPoolInfo
	if err := c.Call(ctx, "tx_pool_info", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetBlockTemplate(ctx context.Context) (*domain.BlockTemplate, error) {
	var out domain.BlockTemplate
	if err := c.Call(ctx, "get_block_template", []any{nil, nil, nil}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateBlockWithTemplate asks the node to seal and process tmpl.
// It returns the new block hash.
func (c *Client) GenerateBlockWithTemplate(ctx context.Context, tmpl *domain.BlockTemplate) (string, error) {
	var hash string
	if err := c.Call(ctx, "generate_block_with_template", []any{tmpl}, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// CalculateDaoField recomputes the dao field of a modified template.
func (c *Client) CalculateDaoField(ctx context.Context, tmpl *domain.BlockTemplate) (string, error) {
	var dao string
	if err := c.Call(ctx, "calculate_dao_field", []any{tmpl}, &dao); err != nil {
		return "", err
	}
	return dao, nil
}

func (c *Client) SubmitBlock(ctx context.Context, workID string, block domain.Block) (string, error) {
	var hash string
	if err := c.Call(ctx, "submit_block", []any{workID, block.ForSubmission()}, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// SendTransaction submits tx without output validation and waits until the
// pool reports a status other than unknown, so a following get_transaction
// observes it.
func (c *Client) SendTransaction(ctx context.Context, tx domain.Transaction) (string, error) {
	tx.Hash = ""
	var hash string
	if err := c.Call(ctx, "send_transaction", []any{tx, "passthrough"}, &hash); err != nil {
		return "", err
	}

	deadline := time.Now().Add(sendTxSettle)
	for time.Now().Before(deadline) {
		st, err := c.GetTransaction(ctx, hash)
		if err == nil && st.TxStatus.Status != domain.TxStatusUnknown {
			return hash, nil
		}
		if ctx.Err() != nil {
			return hash, ctx.Err()
		}
		select {
		case <-ctx.Done():
			return hash, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return hash, fmt.Errorf("send_transaction %s: %w: status still unknown", hash, domain.ErrTimeout)
}

// Truncate rolls the chain back to targetTipHash.
func (c *Client) Truncate(ctx context.Context, targetTipHash string) error {
	return c.Call(ctx, "truncate", []any{targetTipHash}, nil)
}
