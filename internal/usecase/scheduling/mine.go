package scheduling

import (
	"context"
	"fmt"
)

// Miner produces blocks on a node.
type Miner interface {
	Name() string
	Mine(ctx context.Context, blocks uint64) error
}

// BlockObserver is told about every successful mine run.
type BlockObserver interface {
	BlockMined(node string, n int)
}

// MineAction returns the handler for ActionMine. lookup resolves the task's
// node by name; obs may be nil.
func MineAction(lookup func(name string) (Miner, error), obs BlockObserver) ActionFunc {
	return func(ctx context.Context, task ScheduledTask) error {
		m, err := lookup(task.Node)
		if err != nil {
			return fmt.Errorf("mine: %w", err)
		}
		blocks := max(task.Blocks, 1)
		if err := m.Mine(ctx, blocks); err != nil {
			return fmt.Errorf("mine %d on %s: %w", blocks, m.Name(), err)
		}
		if obs != nil {
			obs.BlockMined(m.Name(), int(blocks))
		}
		return nil
	}
}
