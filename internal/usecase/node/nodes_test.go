package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainharness/internal/domain"
)

func TestGetFixedHeaderFindsForkPoint(t *testing.T) {
	ctx := context.Background()
	netw := newFakeNet()
	fa, a := attachFake(t, netw, "a")
	fb, b := attachFake(t, netw, "b")
	fb.mu.Lock()
	fb.skew = 7
	fb.mu.Unlock()

	// a and b share block 1, then fork
	require.NoError(t, a.Mine(ctx, 1))
	shared, err := a.GetBlockByNumber(ctx, 1)
	require.NoError(t, err)
	_, err = b.SubmitBlock(ctx, *shared)
	require.NoError(t, err)
	require.NoError(t, a.Mine(ctx, 3))
	require.NoError(t, b.Mine(ctx, 2))
	assert.Equal(t, uint64(4), fa.height())
	assert.Equal(t, uint64(3), fb.height())

	h, err := NewNodes(a, b).GetFixedHeader(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Uint64(1), h.Number)
	assert.Equal(t, shared.Header.Hash, h.Hash)
}

func TestWaitingForSyncReportsTips(t *testing.T) {
	ctx := context.Background()
	netw := newFakeNet()
	_, a := attachFake(t, netw, "a")
	_, b := attachFake(t, netw, "b")
	require.NoError(t, a.Mine(ctx, 1))

	prev := syncTimeout
	syncTimeout = 50 * time.Millisecond
	t.Cleanup(func() { syncTimeout = prev })

	err := NewNodes(a, b).WaitingForSync(ctx)
	require.ErrorIs(t, err, domain.ErrNotSynced)
	assert.Contains(t, err.Error(), "a: 1 ")
	assert.Contains(t, err.Error(), "b: 0 ")
}

func TestWaitingForSyncHonoursCancel(t *testing.T) {
	netw := newFakeNet()
	_, a := attachFake(t, netw, "a")
	_, b := attachFake(t, netw, "b")
	require.NoError(t, a.Mine(context.Background(), 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewNodes(a, b).WaitingForSync(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitingForSyncAfterPull(t *testing.T) {
	ctx := context.Background()
	netw := newFakeNet()
	_, a := attachFake(t, netw, "a")
	_, b := attachFake(t, netw, "b")
	require.NoError(t, a.Mine(ctx, 3))

	require.NoError(t, b.PullNode(ctx, a))
	require.NoError(t, NewNodes(a, b).WaitingForSync(ctx))
}

func TestPullNodeReplacesForkedBlocks(t *testing.T) {
	ctx := context.Background()
	netw := newFakeNet()
	fa, a := attachFake(t, netw, "a")
	fb, b := attachFake(t, netw, "b")
	fb.mu.Lock()
	fb.skew = 7
	fb.mu.Unlock()
	require.NoError(t, a.Mine(ctx, 3))
	require.NoError(t, b.Mine(ctx, 1))

	// b's block 1 differs, so pulling starts above genesis and fails on the
	// conflicting height
	err := b.PullNode(ctx, a)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "submit block 1")

	fb.mu.Lock()
	fb.blocks = fb.blocks[:1]
	fb.mu.Unlock()
	require.NoError(t, b.PullNode(ctx, a))
	assert.Equal(t, fa.height(), fb.height())

	fb.mu.Lock()
	assert.Equal(t, []string{"0x1", "0x2", "0x3"}, fb.workIDs[len(fb.workIDs)-3:])
	fb.mu.Unlock()

	err = a.PullNode(ctx, b)
	require.NoError(t, err, "equal tips pull nothing")
}

func TestPullNodeRejectsNodeAhead(t *testing.T) {
	ctx := context.Background()
	netw := newFakeNet()
	_, a := attachFake(t, netw, "a")
	_, b := attachFake(t, netw, "b")
	require.NoError(t, a.Mine(ctx, 2))

	err := a.PullNode(ctx, b)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
