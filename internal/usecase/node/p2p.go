package node

import (
	"context"
	"fmt"
	"slices"
	"time"

	"chainharness/internal/domain"
)

const (
	connectTimeout    = 20 * time.Second
	disconnectTimeout = 5 * time.Second
)

// IsP2PConnected reports whether other is among n's peers.
func (n *Node) IsP2PConnected(ctx context.Context, other *Node) (bool, error) {
	return hasPeer(ctx, n, other.NodeID())
}

func hasPeer(ctx context.Context, n *Node, nodeID string) (bool, error) {
	peers, err := n.rpc.GetPeers(ctx)
	if err != nil {
		return false, domain.WrapOp("Node.GetPeers", err)
	}
	return slices.ContainsFunc(peers, func(p domain.RemoteNode) bool { return p.NodeID == nodeID }), nil
}

// P2PConnect dials other and waits until it shows up as a peer.
func (n *Node) P2PConnect(ctx context.Context, other *Node) error {
	const op = "Node.P2PConnect"
	if err := n.P2PConnectUnchecked(ctx, other); err != nil {
		return err
	}
	err := WaitUntil(ctx, connectTimeout, func(ctx context.Context) bool {
		ok, _ := n.IsP2PConnected(ctx, other)
		return ok
	})
	if err != nil {
		if ctx.Err() != nil {
			return domain.WrapOp(op, err)
		}
		return domain.NewDomainError(op, domain.ErrNotConnected, fmt.Sprintf(
			"self %s at %s, other %s at %s", n.Name(), n.P2PAddress(), other.Name(), other.P2PAddress()))
	}
	return nil
}

// P2PConnectUnchecked asks n to dial other without waiting for the result.
func (n *Node) P2PConnectUnchecked(ctx context.Context, other *Node) error {
	return domain.WrapOp("Node.P2PConnect", n.rpc.AddNode(ctx, other.NodeID(), other.P2PAddress()))
}

// P2PDisconnect drops other and waits until neither side lists the other.
func (n *Node) P2PDisconnect(ctx context.Context, other *Node) error {
	const op = "Node.P2PDisconnect"
	if err := n.rpc.RemoveNode(ctx, other.NodeID()); err != nil {
		return domain.WrapOp(op, err)
	}
	err := WaitUntil(ctx, disconnectTimeout, func(ctx context.Context) bool {
		a, errA := hasPeer(ctx, n, other.NodeID())
		b, errB := hasPeer(ctx, other, n.NodeID())
		return errA == nil && errB == nil && !a && !b
	})
	if err != nil {
		if ctx.Err() != nil {
			return domain.WrapOp(op, err)
		}
		return domain.NewDomainError(op, domain.ErrTimeout, fmt.Sprintf(
			"self %s (%s), other %s (%s) still connected", n.Name(), n.NodeID(), other.Name(), other.NodeID()))
	}
	return nil
}
