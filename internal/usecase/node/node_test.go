package node

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainharness/internal/domain"
	"chainharness/internal/usecase/process"
)

// fakeBinary writes an executable shell script standing in for the node.
func fakeBinary(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	path := filepath.Join(t.TempDir(), "ckb")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

func newProcs(t *testing.T) *process.Manager {
	t.Helper()
	pm := process.NewManager(process.ManagerConfig{StopGrace: time.Second}, nil, discardLogger())
	t.Cleanup(func() { pm.Stop(context.Background()) })
	return pm
}

func initNode(t *testing.T, binary string, procs *process.Manager) *Node {
	t.Helper()
	n, err := Init("startup", Options{
		Name:         "node0",
		Binary:       binary,
		TemplateDir:  writeTemplate(t),
		TmpDir:       t.TempDir(),
		StartTimeout: 5 * time.Second,
	}, procs, nil, discardLogger())
	require.NoError(t, err)
	return n
}

func TestInitAllocatesDistinctPorts(t *testing.T) {
	n := initNode(t, "ckb", nil)
	p := n.Ports()
	assert.NotEqual(t, p.RPC, p.P2P)
	assert.NotEqual(t, p.P2P, p.Subscribe)
	assert.Equal(t, fmt.Sprintf("http://127.0.0.1:%d/", p.RPC), n.RPCURL())
	assert.Equal(t, fmt.Sprintf("127.0.0.1:%d", p.Subscribe), n.SubscribeAddr())
	assert.Equal(t, filepath.Join(n.Dir(), "data", "logs", "run.log"), n.LogPath())
}

func TestStartWithoutProcessManager(t *testing.T) {
	n := initNode(t, "ckb", nil)
	err := n.Start(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestStartFailsWhenProcessExits(t *testing.T) {
	bin := fakeBinary(t, `echo "panicked at genesis mismatch" >&2; exit 3`)
	n := initNode(t, bin, newProcs(t))

	err := n.Start(context.Background())
	require.ErrorIs(t, err, domain.ErrNodeExited)
	assert.Contains(t, err.Error(), "panicked at genesis mismatch")
	assert.Contains(t, err.Error(), "exit code 3")
}

func TestStartWaitsForRPCThenStops(t *testing.T) {
	ctx := context.Background()
	bin := fakeBinary(t, `echo "$@" > "$2/args"; echo "$RUST_BACKTRACE" > "$2/backtrace"; exec sleep 30`)
	procs := newProcs(t)
	n := initNode(t, bin, procs)

	// serve the fake chain on the port the node was given
	fake := &fakeChain{id: "started", p2p: "/ip4/0.0.0.0/tcp/1", net: newFakeNet(), peers: map[string]bool{}, dummy: true, calls: map[string]int{}}
	genesis := domain.Header{Timestamp: 1}
	genesis.Hash = headerHash(genesis)
	fake.blocks = []domain.Block{{Header: genesis}}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", n.Ports().RPC))
	require.NoError(t, err)
	srv := httptest.NewUnstartedServer(fake)
	srv.Listener.Close()
	srv.Listener = ln
	var closed atomic.Int32
	srv.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateClosed {
			closed.Add(1)
		}
	}
	srv.Start()
	t.Cleanup(srv.Close)

	require.NoError(t, n.Start(ctx))
	// the readiness client drops its keep-alive connections once the wait ends
	require.Eventually(t, func() bool { return closed.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "started", n.NodeID())
	assert.Equal(t, "/ip4/0.0.0.0/tcp/1", n.P2PAddress())
	require.Len(t, procs.List("node0"), 1)

	args, err := os.ReadFile(filepath.Join(n.Dir(), "args"))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("-C %s run --ba-advanced --overwrite-spec\n", n.Dir()), string(args))
	bt, err := os.ReadFile(filepath.Join(n.Dir(), "backtrace"))
	require.NoError(t, err)
	assert.Equal(t, "full\n", string(bt))

	// a second Start on a running node is a no-op
	require.NoError(t, n.Start(ctx))
	require.Len(t, procs.List("node0"), 1)

	require.NoError(t, n.Stop(ctx))
	assert.Empty(t, procs.List("node0"))
	require.NoError(t, n.Stop(ctx))
}

func TestStartTimesOut(t *testing.T) {
	bin := fakeBinary(t, `exec sleep 30`)
	procs := newProcs(t)
	n, err := Init("startup", Options{
		Name:         "slow",
		Binary:       bin,
		TemplateDir:  writeTemplate(t),
		TmpDir:       t.TempDir(),
		StartTimeout: 100 * time.Millisecond,
	}, procs, nil, discardLogger())
	require.NoError(t, err)

	err = n.Start(context.Background())
	require.ErrorIs(t, err, domain.ErrNodeNotReady)
	assert.Empty(t, procs.List("slow"), "the process is reaped after a failed start")
}
