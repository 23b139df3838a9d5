package node

import (
	"context"
	"encoding/json"
	"fmt"

	"chainharness/internal/domain"
)

// InstructionKind selects what a build Instruction does to its template.
type InstructionKind int

const (
	// InstructionSendTransaction sends a transaction to the pool before the
	// block is produced.
	InstructionSendTransaction InstructionKind = iota
	// InstructionPropose adds a proposal short id to the template.
	InstructionPropose
	// InstructionCommit adds a transaction to the template.
	InstructionCommit
	// InstructionHeaderTimestamp overrides the template time.
	InstructionHeaderTimestamp
)

func (k InstructionKind) String() string {
	switch k {
	case InstructionSendTransaction:
		return "send_transaction"
	case InstructionPropose:
		return "propose"
	case InstructionCommit:
		return "commit"
	case InstructionHeaderTimestamp:
		return "header_timestamp"
	default:
		return fmt.Sprintf("instruction(%d)", int(k))
	}
}

// Instruction changes the block built from the template with number
// TemplateNumber.
type Instruction struct {
	Kind           InstructionKind
	TemplateNumber uint64
	Transaction    domain.Transaction
	ProposalID     string
	Timestamp      uint64
}

func SendTransaction(templateNumber uint64, tx domain.Transaction) Instruction {
	return Instruction{Kind: InstructionSendTransaction, TemplateNumber: templateNumber, Transaction: tx}
}

func Propose(templateNumber uint64, proposalID string) Instruction {
	return Instruction{Kind: InstructionPropose, TemplateNumber: templateNumber, ProposalID: proposalID}
}

func Commit(templateNumber uint64, tx domain.Transaction) Instruction {
	return Instruction{Kind: InstructionCommit, TemplateNumber: templateNumber, Transaction: tx}
}

func HeaderTimestamp(templateNumber, timestamp uint64) Instruction {
	return Instruction{Kind: InstructionHeaderTimestamp, TemplateNumber: templateNumber, Timestamp: timestamp}
}

func (i Instruction) String() string {
	return fmt.Sprintf("%s@%d", i.Kind, i.TemplateNumber)
}

// BuildAccordingToInstructions extends the chain up to target, applying
// each instruction to the template of its block number. Every instruction
// must target a block above the current tip and not above target. The
// chain must run with permanent difficulty.
func (n *Node) BuildAccordingToInstructions(ctx context.Context, target uint64, instructions []Instruction) error {
	const op = "Node.BuildAccordingToInstructions"
	if err := n.requireDummyDifficulty(ctx); err != nil {
		return domain.WrapOp(op, err)
	}
	tip, err := n.GetTipBlockNumber(ctx)
	if err != nil {
		return err
	}
	byNumber := make(map[uint64][]Instruction)
	for _, ins := range instructions {
		if ins.TemplateNumber <= tip || ins.TemplateNumber > target {
			return domain.NewDomainError(op, domain.ErrInvalidInput, fmt.Sprintf(
				"%s outside (%d, %d]", ins, tip, target))
		}
		byNumber[ins.TemplateNumber] = append(byNumber[ins.TemplateNumber], ins)
	}

	next := tip + 1
	for {
		if err := ctx.Err(); err != nil {
			return domain.WrapOp(op, err)
		}
		tmpl, err := n.rpc.GetBlockTemplate(ctx)
		if err != nil {
			return domain.WrapOp(op, err)
		}
		number := uint64(tmpl.Number)
		if number > target {
			return nil
		}
		// The pool refreshes its template asynchronously; skip stale ones.
		if number != next {
			continue
		}
		next++

		if pending, ok := byNumber[number]; ok {
			delete(byNumber, number)
			if err := n.applyInstructions(ctx, tmpl, pending); err != nil {
				return domain.WrapOp(op, err)
			}
			dao, err := n.rpc.CalculateDaoField(ctx, tmpl)
			if err != nil {
				return domain.WrapOp(op, fmt.Errorf("calculate dao field of block %d: %w", number, err))
			}
			tmpl.Dao = dao
		}
		if _, err := n.rpc.GenerateBlockWithTemplate(ctx, tmpl); err != nil {
			return domain.WrapOp(op, fmt.Errorf("block %d: %w", number, err))
		}
		if err := n.WaitForTxPool(ctx); err != nil {
			return err
		}
	}
}

func (n *Node) applyInstructions(ctx context.Context, tmpl *domain.BlockTemplate, instructions []Instruction) error {
	for _, ins := range instructions {
		switch ins.Kind {
		case InstructionSendTransaction:
			if _, err := n.rpc.SendTransaction(ctx, ins.Transaction); err != nil {
				return fmt.Errorf("execute %s: %w", ins, err)
			}
		case InstructionPropose:
			if !tmpl.HasProposal(ins.ProposalID) {
				tmpl.Proposals = append(tmpl.Proposals, ins.ProposalID)
			}
		case InstructionCommit:
			if !tmpl.HasTransaction(ins.Transaction.Hash) {
				tmpl.Transactions = append(tmpl.Transactions, domain.TransactionTemplate{
					Hash: ins.Transaction.Hash,
					Data: ins.Transaction,
				})
			}
		case InstructionHeaderTimestamp:
			tmpl.CurrentTime = domain.Uint64(ins.Timestamp)
		default:
			return domain.NewDomainError("Node.applyInstructions", domain.ErrInvalidInput, ins.String())
		}
	}
	return nil
}

func (n *Node) requireDummyDifficulty(ctx context.Context) error {
	raw := n.Consensus()
	if raw == nil {
		var err error
		if raw, err = n.rpc.GetConsensus(ctx); err != nil {
			return err
		}
	}
	var c struct {
		PermanentDifficultyInDummy bool `json:"permanent_difficulty_in_dummy"`
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("decode consensus: %w", err)
	}
	if !c.PermanentDifficultyInDummy {
		return domain.NewDomainError("Node.requireDummyDifficulty", domain.ErrInvalidInput,
			"chain must run with permanent_difficulty_in_dummy")
	}
	return nil
}
