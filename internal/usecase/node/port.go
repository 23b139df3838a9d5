package node

import (
	"fmt"
	"net"
	"strconv"
	"sync/atomic"

	"chainharness/internal/domain"
)

const portAttempts = 2000

// PortAllocator hands out loopback ports that were free when checked. Ports
// are never handed out twice by the same allocator.
type PortAllocator struct {
	next atomic.Uint32
}

// NewPortAllocator returns an allocator that starts probing at base.
func NewPortAllocator(base int) *PortAllocator {
	a := &PortAllocator{}
	a.next.Store(uint32(base))
	return a
}

// Next returns the next free port.
func (a *PortAllocator) Next() (int, error) {
	for range portAttempts {
		port := int(a.next.Add(1) - 1)
		if port <= 0 || port > 65535 {
			break
		}
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			continue
		}
		ln.Close()
		return port, nil
	}
	return 0, domain.NewDomainError("PortAllocator.Next", domain.ErrUnavailable,
		fmt.Sprintf("no free port after %d attempts", portAttempts))
}

var defaultPorts = NewPortAllocator(9000)

// FindAvailablePort returns a free loopback port from the process wide
// allocator.
func FindAvailablePort() (int, error) {
	return defaultPorts.Next()
}

// Ports are the listen ports written into a node's ckb.toml.
type Ports struct {
	RPC       int
	P2P       int
	Subscribe int
}

func allocatePorts(a *PortAllocator) (Ports, error) {
	var p Ports
	var err error
	if p.RPC, err = a.Next(); err != nil {
		return p, err
	}
	if p.P2P, err = a.Next(); err != nil {
		return p, err
	}
	if p.Subscribe, err = a.Next(); err != nil {
		return p, err
	}
	return p, nil
}
