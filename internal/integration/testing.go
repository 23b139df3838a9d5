package integration

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"chainharness/internal/usecase/node"
	"chainharness/internal/usecase/process"
)

// Config holds integration test configuration from environment
type Config struct {
	Binary      string // CHAINHARNESS_IT_BINARY, the node executable
	TemplateDir string // CHAINHARNESS_IT_TEMPLATE, holds ckb.toml and specs
	TestTimeout time.Duration
	SkipSlow    bool
}

// LoadConfig loads integration test configuration from environment
func LoadConfig() *Config {
	return &Config{
		Binary:      os.Getenv("CHAINHARNESS_IT_BINARY"),
		TemplateDir: os.Getenv("CHAINHARNESS_IT_TEMPLATE"),
		TestTimeout: 3 * time.Minute,
		SkipSlow:    os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
}

// SkipIfNoNode skips the test unless a node binary and template are set.
func SkipIfNoNode(t *testing.T, cfg *Config) {
	t.Helper()
	if cfg.Binary == "" || cfg.TemplateDir == "" {
		t.Skip("Skipping node integration test: CHAINHARNESS_IT_BINARY or CHAINHARNESS_IT_TEMPLATE not set")
	}
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// StartNode launches a node from cfg and stops it when the test ends.
func StartNode(t *testing.T, ctx context.Context, cfg *Config, caseName, name string, procs *process.Manager) *node.Node {
	t.Helper()
	n, err := node.Init(caseName, node.Options{
		Name:        name,
		Binary:      cfg.Binary,
		TemplateDir: cfg.TemplateDir,
		TmpDir:      t.TempDir(),
	}, procs, nil, slog.Default())
	if err != nil {
		t.Fatalf("init %s: %v", name, err)
	}
	if err := n.Start(ctx); err != nil {
		t.Fatalf("start %s: %v", name, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = n.Stop(ctx)
	})
	return n
}

// NewProcs returns a process manager stopped when the test ends.
func NewProcs(t *testing.T) *process.Manager {
	t.Helper()
	pm := process.NewManager(process.ManagerConfig{}, nil, slog.Default())
	t.Cleanup(func() { pm.Stop(context.Background()) })
	return pm
}
