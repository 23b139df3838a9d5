package node

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"chainharness/internal/domain"
)

// syncTimeout is generous enough for slow CI machines.
var syncTimeout = 60 * time.Second

// Nodes is a named group of nodes driven together.
type Nodes struct {
	byName map[string]*Node
	names  []string
}

// NewNodes groups nodes by name. Later nodes replace earlier ones with the
// same name.
func NewNodes(nodes ...*Node) *Nodes {
	g := &Nodes{byName: make(map[string]*Node, len(nodes))}
	for _, n := range nodes {
		if _, ok := g.byName[n.Name()]; !ok {
			g.names = append(g.names, n.Name())
		}
		g.byName[n.Name()] = n
	}
	slices.Sort(g.names)
	return g
}

// Get returns the node called name.
func (g *Nodes) Get(name string) (*Node, error) {
	n, ok := g.byName[name]
	if !ok {
		return nil, domain.NewDomainError("Nodes.Get", domain.ErrNotFound, name)
	}
	return n, nil
}

// Names returns node names in sorted order.
func (g *Nodes) Names() []string { return slices.Clone(g.names) }

// All returns the nodes ordered by name.
func (g *Nodes) All() []*Node {
	out := make([]*Node, len(g.names))
	for i, name := range g.names {
		out[i] = g.byName[name]
	}
	return out
}

// P2PConnect connects every pair of nodes that are not yet connected. The
// lower node dials the higher one since a node in initial block download
// does not request headers from inbound peers.
func (g *Nodes) P2PConnect(ctx context.Context) error {
	for _, a := range g.All() {
		for _, b := range g.All() {
			if a.P2PAddress() == b.P2PAddress() {
				continue
			}
			connected, err := a.IsP2PConnected(ctx, b)
			if err != nil {
				return err
			}
			if connected {
				continue
			}
			tipA, err := a.GetTipBlockNumber(ctx)
			if err != nil {
				return err
			}
			tipB, err := b.GetTipBlockNumber(ctx)
			if err != nil {
				return err
			}
			if tipA < tipB {
				err = a.P2PConnect(ctx, b)
			} else {
				err = b.P2PConnect(ctx, a)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// P2PDisconnect drops every connection inside the group.
func (g *Nodes) P2PDisconnect(ctx context.Context) error {
	for _, a := range g.All() {
		for _, b := range g.All() {
			if a.P2PAddress() == b.P2PAddress() {
				continue
			}
			connected, err := a.IsP2PConnected(ctx, b)
			if err != nil {
				return err
			}
			if connected {
				if err := a.P2PDisconnect(ctx, b); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// WaitingForSync waits until every node knows the highest tip blocks seen
// across the group, then waits for each pool to follow. The error lists
// every node's tip when the group does not converge.
func (g *Nodes) WaitingForSync(ctx context.Context) error {
	const op = "Nodes.WaitingForSync"
	nodes := g.All()
	if len(nodes) == 0 {
		return nil
	}

	var highest uint64
	hashes := make(map[string]struct{})
	for _, n := range nodes {
		tip, err := n.rpc.GetTipHeader(ctx)
		if err != nil {
			return domain.WrapOp(op, err)
		}
		switch number := uint64(tip.Number); {
		case number > highest:
			highest = number
			clear(hashes)
			hashes[tip.Hash] = struct{}{}
		case number == highest:
			hashes[tip.Hash] = struct{}{}
		}
	}

	err := WaitUntil(ctx, syncTimeout, func(ctx context.Context) bool {
		for hash := range hashes {
			for _, n := range nodes {
				if _, err := n.rpc.GetHeader(ctx, hash); err != nil {
					return false
				}
			}
		}
		return true
	})
	if err != nil {
		if ctx.Err() != nil {
			return domain.WrapOp(op, err)
		}
		return domain.NewDomainError(op, domain.ErrNotSynced, g.describeTips(context.WithoutCancel(ctx)))
	}
	for _, n := range nodes {
		if err := n.WaitForTxPool(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (g *Nodes) describeTips(ctx context.Context) string {
	parts := make([]string, 0, len(g.names))
	for _, n := range g.All() {
		tip, err := n.rpc.GetTipHeader(ctx)
		if err != nil {
			parts = append(parts, fmt.Sprintf("%s: %v", n.Name(), err))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %d %s", n.Name(), uint64(tip.Number), tip.Hash))
	}
	return strings.Join(parts, ", ")
}

// GetFixedHeader returns the highest header every node agrees on.
func (g *Nodes) GetFixedHeader(ctx context.Context) (*domain.Header, error) {
	const op = "Nodes.GetFixedHeader"
	nodes := g.All()
	if len(nodes) == 0 {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "empty group")
	}
	lowest := uint64(0)
	for i, n := range nodes {
		tip, err := n.GetTipBlockNumber(ctx)
		if err != nil {
			return nil, domain.WrapOp(op, err)
		}
		if i == 0 || tip < lowest {
			lowest = tip
		}
	}
	for number := lowest; ; number-- {
		var first *domain.Header
		agreed := true
		for _, n := range nodes {
			h, err := n.GetHeaderByNumber(ctx, number)
			if err != nil {
				return nil, domain.WrapOp(op, err)
			}
			if first == nil {
				first = h
			} else if h.Hash != first.Hash {
				agreed = false
				break
			}
		}
		if agreed {
			return first, nil
		}
		if number == 0 {
			return nil, domain.NewDomainError(op, domain.ErrNotFound, "nodes disagree on genesis")
		}
	}
}
