package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"chainharness/internal/adapter/rpc"
	"chainharness/internal/domain"
	"chainharness/internal/usecase/process"
	"chainharness/pkg/pubsub"
)

// Defaults for node lifecycle.
const (
	DefaultStartTimeout = 60 * time.Second
	startPingTimeout    = time.Second
	exitTailLines       = 20
)

// Options describe a node to prepare and launch.
type Options struct {
	Name        string
	Binary      string
	TemplateDir string // copied into the working dir, must hold ckb.toml
	TmpDir      string // parent of working dirs, "" = os.TempDir
	// StartTimeout bounds how long Start waits for the RPC to answer.
	StartTimeout time.Duration
	ExtraArgs    []string
	// RPC carries client settings; the URL is derived from the allocated port.
	RPC rpc.Config
	// SubscribeOptions are passed to every subscription dial.
	SubscribeOptions []pubsub.Option
	// Ports overrides the process wide port allocator.
	Ports *PortAllocator
}

// Node is a chain node under test: either launched from a template by
// Init and Start, or attached to a running endpoint by Attach.
type Node struct {
	opts          Options
	dir           string
	ports         Ports
	rpcURL        string
	subscribeAddr string
	rpc           *rpc.Client
	procs         *process.Manager
	bus           domain.EventBus
	logger        *slog.Logger

	mu         sync.RWMutex
	sessionID  string
	nodeID     string
	p2pAddress string
	consensus  json.RawMessage
	genesis    *domain.Block
}

// Init allocates ports and prepares the working directory for a node. The
// node is not started. bus may be nil.
func Init(caseName string, opts Options, procs *process.Manager, bus domain.EventBus, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "node"
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = DefaultStartTimeout
	}
	alloc := opts.Ports
	if alloc == nil {
		alloc = defaultPorts
	}
	ports, err := allocatePorts(alloc)
	if err != nil {
		return nil, domain.WrapOp("Node.Init", err)
	}
	dir, err := prepareWorkingDir(opts.TmpDir, caseName, opts.Name, opts.TemplateDir, ports)
	if err != nil {
		return nil, err
	}

	rpcCfg := opts.RPC
	rpcCfg.URL = "http://" + loopback(ports.RPC) + "/"
	n := &Node{
		opts:          opts,
		dir:           dir,
		ports:         ports,
		rpcURL:        rpcCfg.URL,
		subscribeAddr: loopback(ports.Subscribe),
		procs:         procs,
		bus:           bus,
		logger:        logger.With("node", opts.Name),
	}
	n.rpc = rpc.New(rpcCfg, n.logger)
	n.logger.Debug("node initialized", "dir", dir, "rpc_port", ports.RPC, "p2p_port", ports.P2P, "subscribe_port", ports.Subscribe)
	return n, nil
}

// Attach wraps an already running node reachable at cfg.URL. The p2p
// address reported by the node has its unspecified host replaced by the
// RPC host. subscribeAddr may be empty when subscriptions are not used.
func Attach(ctx context.Context, name, subscribeAddr string, cfg rpc.Config, opts []pubsub.Option, bus domain.EventBus, logger *slog.Logger) (*Node, error) {
	const op = "Node.Attach"
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Hostname() == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "rpc url "+cfg.URL)
	}
	if name == "" {
		name = cfg.URL
	}
	n := &Node{
		opts:          Options{Name: name, RPC: cfg, SubscribeOptions: opts},
		rpcURL:        cfg.URL,
		subscribeAddr: subscribeAddr,
		bus:           bus,
		logger:        logger.With("node", name),
	}
	n.rpc = rpc.New(cfg, n.logger)

	info, err := n.rpc.LocalNodeInfo(ctx)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	if err := n.loadChainInfo(ctx, info); err != nil {
		return nil, domain.WrapOp(op, err)
	}
	n.mu.Lock()
	n.p2pAddress = strings.Replace(n.p2pAddress, "0.0.0.0", u.Hostname(), 1)
	n.mu.Unlock()
	n.logger.Info("node attached", "rpc", cfg.URL, "node_id", info.NodeID, "p2p_address", n.P2PAddress())
	return n, nil
}

func loopback(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

// Start launches the node binary and blocks until its RPC answers. It fails
// early with ErrNodeExited when the process dies first.
func (n *Node) Start(ctx context.Context) error {
	const op = "Node.Start"
	if n.procs == nil {
		return domain.NewDomainError(op, domain.ErrInvalidInput, "node "+n.Name()+" has no process manager")
	}
	if n.running() {
		return nil
	}

	args := append([]string{"-C", n.dir, "run", "--ba-advanced", "--overwrite-spec"}, n.opts.ExtraArgs...)
	session, err := n.procs.Start(ctx, process.Spec{
		Command: n.opts.Binary,
		Args:    args,
		Env:     []string{"RUST_BACKTRACE=full"},
		Owner:   n.Name(),
	})
	if err != nil {
		return domain.WrapOp(op, err)
	}
	exited, err := n.procs.Exited(session.ID)
	if err != nil {
		return domain.WrapOp(op, err)
	}

	info, err := n.waitForNodeUp(ctx, session.ID, exited)
	if err != nil {
		_ = n.procs.Remove(context.WithoutCancel(ctx), session.ID)
		return err
	}
	n.mu.Lock()
	n.sessionID = session.ID
	n.mu.Unlock()

	if err := n.loadChainInfo(ctx, info); err != nil {
		_ = n.Stop(context.WithoutCancel(ctx))
		return domain.WrapOp(op, err)
	}
	n.logger.Info("node started",
		"node_id", info.NodeID,
		"p2p_address", n.P2PAddress(),
		"log_path", n.LogPath(),
	)
	n.publish(ctx, domain.EventNodeStarted, map[string]any{
		"node_id": info.NodeID,
		"rpc":     n.rpcURL,
		"dir":     n.dir,
	})
	return nil
}

func (n *Node) waitForNodeUp(ctx context.Context, sessionID string, exited <-chan struct{}) (*domain.LocalNode, error) {
	const op = "Node.Start"
	// A node that is still booting refuses connections; keep those from
	// opening the circuit of the long lived client.
	ping := rpc.New(rpc.Config{
		URL:             n.rpcURL,
		Timeout:         startPingTimeout,
		BreakerFailures: math.MaxUint32,
	}, n.logger)
	defer ping.CloseIdleConnections()

	var info *domain.LocalNode
	var crashed bool
	err := WaitUntil(ctx, n.opts.StartTimeout, func(ctx context.Context) bool {
		select {
		case <-exited:
			crashed = true
			return true
		default:
		}
		got, err := ping.LocalNodeInfo(ctx)
		if err != nil {
			return false
		}
		// Touch the pool so it is initialised before the first test call.
		_, _ = ping.TxPoolInfo(ctx)
		info = got
		return true
	})
	if crashed {
		tail, _ := n.procs.Tail(sessionID, exitTailLines)
		detail := fmt.Sprintf("%s, log_path: %s", n.Name(), n.LogPath())
		if s, err := n.procs.Get(sessionID); err == nil && s.ExitCode >= 0 {
			detail = fmt.Sprintf("%s, exit code %d", detail, s.ExitCode)
		}
		if tail != "" {
			detail += "\n" + tail
		}
		n.logger.Error("node crashed", "log_path", n.LogPath())
		return nil, domain.NewDomainError(op, domain.ErrNodeExited, detail)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.WrapOp(op, err)
		}
		return nil, domain.NewDomainError(op, domain.ErrNodeNotReady,
			fmt.Sprintf("%s did not answer within %s", n.Name(), n.opts.StartTimeout))
	}
	return info, nil
}

func (n *Node) loadChainInfo(ctx context.Context, info *domain.LocalNode) error {
	if len(info.Addresses) == 0 {
		return domain.NewDomainError("Node.loadChainInfo", domain.ErrInvalidInput, "node reports no listen address")
	}
	consensus, err := n.rpc.GetConsensus(ctx)
	if err != nil {
		return err
	}
	genesis, err := n.rpc.GetBlockByNumber(ctx, 0)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodeID = info.NodeID
	n.p2pAddress = info.Addresses[0].Address
	n.consensus = consensus
	n.genesis = genesis
	return nil
}

// Stop terminates the node process. Stopping a node that is not running is
// a no-op.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	id := n.sessionID
	n.sessionID = ""
	n.mu.Unlock()
	if id == "" || n.procs == nil {
		return nil
	}
	n.logger.Info("node stopping", "log_path", n.LogPath())
	if err := n.procs.Remove(ctx, id); err != nil {
		return domain.WrapOp("Node.Stop", err)
	}
	n.publish(ctx, domain.EventNodeStopped, map[string]any{"node_id": n.NodeID()})
	return nil
}

func (n *Node) running() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.sessionID != ""
}

func (n *Node) publish(ctx context.Context, typ domain.EventType, payload map[string]any) {
	if n.bus == nil {
		return
	}
	payload["node"] = n.Name()
	data, _ := json.Marshal(payload)
	n.bus.Publish(ctx, domain.Event{
		Type:      typ,
		Timestamp: time.Now(),
		Source:    n.Name(),
		Payload:   data,
	})
}

// Name is the node's label in logs, events and errors.
func (n *Node) Name() string { return n.opts.Name }

// Dir is the node's working directory, empty for an attached node.
func (n *Node) Dir() string { return n.dir }

// Ports are the ports the node was configured with.
func (n *Node) Ports() Ports { return n.ports }

// RPC is the long lived JSON-RPC client for the node.
func (n *Node) RPC() *rpc.Client { return n.rpc }

// RPCURL is the node's HTTP JSON-RPC endpoint.
func (n *Node) RPCURL() string { return n.rpcURL }

// SubscribeAddr is the TCP subscription address, empty when the node
// exposes none.
func (n *Node) SubscribeAddr() string { return n.subscribeAddr }

// LogPath is where the node writes its run log.
func (n *Node) LogPath() string {
	if n.dir == "" {
		return ""
	}
	return filepath.Join(n.dir, "data", "logs", "run.log")
}

// NodeID is the peer id reported by the node once started.
func (n *Node) NodeID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nodeID
}

// P2PAddress is the listen address without the peer id, e.g.
// "/ip4/0.0.0.0/tcp/9003".
func (n *Node) P2PAddress() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.p2pAddress
}

// P2PAddressWithNodeID appends the peer id to P2PAddress.
func (n *Node) P2PAddressWithNodeID() string {
	return n.P2PAddress() + "/p2p/" + n.NodeID()
}

// Consensus returns the chain parameters fetched at start.
func (n *Node) Consensus() json.RawMessage {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.consensus
}

// GenesisBlock returns block 0 fetched at start.
func (n *Node) GenesisBlock() *domain.Block {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.genesis
}
