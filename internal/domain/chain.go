package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Subscription topics served by the node.
const (
	TopicNewTipHeader        = "new_tip_header"
	TopicNewTipBlock         = "new_tip_block"
	TopicNewTransaction      = "new_transaction"
	TopicProposedTransaction = "proposed_transaction"
	TopicRejectedTransaction = "rejected_transaction"
)

// Topics lists every topic the node publishes.
var Topics = []string{
	TopicNewTipHeader,
	TopicNewTipBlock,
	TopicNewTransaction,
	TopicProposedTransaction,
	TopicRejectedTransaction,
}

// Uint64 is a quantity encoded on the wire as a 0x-prefixed hex string
// without leading zeros.
type Uint64 uint64

func (u Uint64) String() string {
	return "0x" + strconv.FormatUint(uint64(u), 16)
}

func (u Uint64) MarshalJSON() ([]byte, error) {
	return []byte(`"` + u.String() + `"`), nil
}

func (u *Uint64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("hex quantity: %w", err)
	}
	v, err := ParseUint64(s)
	if err != nil {
		return err
	}
	*u = v
	return nil
}

// ParseUint64 parses a 0x-prefixed hex quantity.
func ParseUint64(s string) (Uint64, error) {
	digits, ok := strings.CutPrefix(s, "0x")
	if !ok || digits == "" {
		return 0, fmt.Errorf("hex quantity %q: missing 0x prefix or digits", s)
	}
	if len(digits) > 1 && digits[0] == '0' {
		return 0, fmt.Errorf("hex quantity %q: redundant leading zeros", s)
	}
	v, err := strconv.ParseUint(digits, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("hex quantity %q: %w", s, err)
	}
	return Uint64(v), nil
}

// Header is a block header as returned by the RPC.
type Header struct {
	Version          Uint64 `json:"version"`
	CompactTarget    Uint64 `json:"compact_target"`
	Timestamp        Uint64 `json:"timestamp"`
	Number           Uint64 `json:"number"`
	Epoch            Uint64 `json:"epoch"`
	ParentHash       string `json:"parent_hash"`
	TransactionsRoot string `json:"transactions_root"`
	ProposalsHash    string `json:"proposals_hash"`
	ExtraHash        string `json:"extra_hash"`
	Dao              string `json:"dao"`
	Nonce            string `json:"nonce"`
	Hash             string `json:"hash,omitempty"`
}

// Transaction keeps cell level detail opaque.
type Transaction struct {
	Version     Uint64          `json:"version"`
	CellDeps    json.RawMessage `json:"cell_deps"`
	HeaderDeps  []string        `json:"header_deps"`
	Inputs      json.RawMessage `json:"inputs"`
	Outputs     json.RawMessage `json:"outputs"`
	OutputsData []string        `json:"outputs_data"`
	Witnesses   []string        `json:"witnesses"`
	Hash        string          `json:"hash,omitempty"`
}

// ProposalShortID returns the first ten bytes of the transaction hash, the
// identifier used in block proposals.
func (t Transaction) ProposalShortID() (string, error) {
	h := strings.TrimPrefix(t.Hash, "0x")
	if len(h) < 20 {
		return "", fmt.Errorf("transaction hash %q too short", t.Hash)
	}
	return "0x" + h[:20], nil
}

// Block is a block as returned by the RPC.
type Block struct {
	Header       Header          `json:"header"`
	Uncles       []UncleBlock    `json:"uncles"`
	Transactions []Transaction   `json:"transactions"`
	Proposals    []string        `json:"proposals"`
	Extension    json.RawMessage `json:"extension,omitempty"`
}

// UncleBlock is an uncle as carried inside a block.
type UncleBlock struct {
	Header    Header   `json:"header"`
	Proposals []string `json:"proposals"`
}

// ForSubmission returns a copy of b without the computed hashes, the shape
// submit_block accepts.
func (b Block) ForSubmission() Block {
	out := b
	out.Header.Hash = ""
	out.Uncles = make([]UncleBlock, len(b.Uncles))
	for i, u := range b.Uncles {
		u.Header.Hash = ""
		out.Uncles[i] = u
	}
	out.Transactions = make([]Transaction, len(b.Transactions))
	for i, tx := range b.Transactions {
		tx.Hash = ""
		out.Transactions[i] = tx
	}
	return out
}

// Transaction pool status values reported by get_transaction.
const (
	TxStatusPending   = "pending"
	TxStatusProposed  = "proposed"
	TxStatusCommitted = "committed"
	TxStatusUnknown   = "unknown"
	TxStatusRejected  = "rejected"
)

// TransactionWithStatus is the result of get_transaction.
type TransactionWithStatus struct {
	Transaction *Transaction `json:"transaction"`
	TxStatus    struct {
		Status    string  `json:"status"`
		BlockHash *string `json:"block_hash"`
		Reason    *string `json:"reason,omitempty"`
	} `json:"tx_status"`
}

// TransactionTemplate is a transaction entry of a block template.
type TransactionTemplate struct {
	Hash     string      `json:"hash"`
	Required bool        `json:"required"`
	Cycles   *Uint64     `json:"cycles,omitempty"`
	Depends  []Uint64    `json:"depends,omitempty"`
	Data     Transaction `json:"data"`
}

// BlockTemplate is the block assembly input returned by get_block_template.
type BlockTemplate struct {
	Version          Uint64                `json:"version"`
	CompactTarget    Uint64                `json:"compact_target"`
	CurrentTime      Uint64                `json:"current_time"`
	Number           Uint64                `json:"number"`
	Epoch            Uint64                `json:"epoch"`
	ParentHash       string                `json:"parent_hash"`
	CyclesLimit      Uint64                `json:"cycles_limit"`
	BytesLimit       Uint64                `json:"bytes_limit"`
	UnclesCountLimit Uint64                `json:"uncles_count_limit"`
	Uncles           json.RawMessage       `json:"uncles"`
	Transactions     []TransactionTemplate `json:"transactions"`
	Proposals        []string              `json:"proposals"`
	Cellbase         json.RawMessage       `json:"cellbase"`
	WorkID           Uint64                `json:"work_id"`
	Dao              string                `json:"dao"`
	Extension        json.RawMessage       `json:"extension,omitempty"`
}

// HasTransaction reports whether the template already commits hash.
func (t *BlockTemplate) HasTransaction(hash string) bool {
	for _, tx := range t.Transactions {
		if tx.Hash == hash {
			return true
		}
	}
	return false
}

// HasProposal reports whether the template already proposes id.
func (t *BlockTemplate) HasProposal(id string) bool {
	for _, p := range t.Proposals {
		if p == id {
			return true
		}
	}
	return false
}

// TxPoolInfo summarises the transaction pool.
type TxPoolInfo struct {
	TipHash          string `json:"tip_hash"`
	TipNumber        Uint64 `json:"tip_number"`
	Pending          Uint64 `json:"pending"`
	Proposed         Uint64 `json:"proposed"`
	Orphan           Uint64 `json:"orphan"`
	TotalTxSize      Uint64 `json:"total_tx_size"`
	TotalTxCycles    Uint64 `json:"total_tx_cycles"`
	MinFeeRate       Uint64 `json:"min_fee_rate"`
	LastTxsUpdatedAt Uint64 `json:"last_txs_updated_at"`
}

// NodeAddress is a p2p listen address.
type NodeAddress struct {
	Address string `json:"address"`
	Score   Uint64 `json:"score"`
}

// LocalNode is the result of local_node_info.
type LocalNode struct {
	Version     string        `json:"version"`
	NodeID      string        `json:"node_id"`
	Active      bool          `json:"active"`
	Addresses   []NodeAddress `json:"addresses"`
	Connections Uint64        `json:"connections"`
}

// RemoteNode is a connected peer as returned by get_peers.
type RemoteNode struct {
	Version           string        `json:"version"`
	NodeID            string        `json:"node_id"`
	Addresses         []NodeAddress `json:"addresses"`
	IsOutbound        bool          `json:"is_outbound"`
	ConnectedDuration Uint64        `json:"connected_duration"`
}

// PoolTransactionEntry is the payload of new_transaction and
// proposed_transaction notifications.
type PoolTransactionEntry struct {
	Transaction Transaction `json:"transaction"`
	Cycles      Uint64      `json:"cycles"`
	Size        Uint64      `json:"size"`
	Fee         Uint64      `json:"fee"`
	Timestamp   Uint64      `json:"timestamp"`
}

// PoolTransactionReject explains why the pool rejected a transaction.
type PoolTransactionReject struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// RejectedTransaction is the payload of rejected_transaction notifications,
// encoded on the wire as a two element array.
type RejectedTransaction struct {
	Entry  PoolTransactionEntry
	Reason PoolTransactionReject
}

func (r RejectedTransaction) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{r.Entry, r.Reason})
}

func (r *RejectedTransaction) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("rejected transaction: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("rejected transaction: want 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &r.Entry); err != nil {
		return fmt.Errorf("rejected transaction entry: %w", err)
	}
	if err := json.Unmarshal(pair[1], &r.Reason); err != nil {
		return fmt.Errorf("rejected transaction reason: %w", err)
	}
	return nil
}
