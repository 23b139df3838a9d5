package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, 9000, cfg.Node.PortBase)
	assert.Equal(t, 60*time.Second, cfg.Node.StartTimeout)
	assert.Equal(t, 30*time.Second, cfg.RPC.Timeout)
	assert.Equal(t, "none", cfg.Subscribe.Separator)
	assert.Equal(t, 16<<20, cfg.Subscribe.MaxFrameSize)
	require.NoError(t, Validate(cfg))
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults().Node, cfg.Node)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "config.yaml", `
node:
  name: "miner-a"
  binary: "/usr/local/bin/ckb"
  template_dir: "./fixtures/dev"
  start_timeout: 90s
rpc:
  url: "http://127.0.0.1:9001"
subscribe:
  addr: "127.0.0.1:9003"
  topics: ["new_tip_header", "rejected_transaction"]
miner:
  enabled: true
  schedule: "@every 2s"
  blocks: 3
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "miner-a", cfg.Node.Name)
	assert.Equal(t, 90*time.Second, cfg.Node.StartTimeout)
	assert.Equal(t, "http://127.0.0.1:9001", cfg.RPC.URL)
	assert.Equal(t, []string{"new_tip_header", "rejected_transaction"}, cfg.Subscribe.Topics)
	assert.Equal(t, uint64(3), cfg.Miner.Blocks)
	// untouched sections keep defaults
	assert.Equal(t, 30*time.Second, cfg.RPC.Timeout)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "config.yaml", "node: [unclosed")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoadInvalidValues(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "config.yaml", `
rpc:
  url: "ftp://nowhere"
`)
	_, err := Load(path)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 1)
}

func TestLoadInsecurePermissions(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "config.yaml", "logger:\n  level: debug\n")
	require.NoError(t, os.Chmod(path, 0o666))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure permissions")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHAINHARNESS_LOGGER_LEVEL", "debug")
	t.Setenv("CHAINHARNESS_TRACER_ENABLED", "true")
	t.Setenv("CHAINHARNESS_RPC_URL", "http://10.0.0.1:8114")
	t.Setenv("CHAINHARNESS_RPC_TIMEOUT", "5s")
	t.Setenv("CHAINHARNESS_SUBSCRIBE_TOPICS", "new_tip_block, new_transaction ,")
	t.Setenv("CHAINHARNESS_NODE_PORT_BASE", "12000")
	t.Setenv("CHAINHARNESS_METRICS_ENABLED", "true")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.True(t, cfg.Tracer.Enabled)
	assert.Equal(t, "http://10.0.0.1:8114", cfg.RPC.URL)
	assert.Equal(t, 5*time.Second, cfg.RPC.Timeout)
	assert.Equal(t, []string{"new_tip_block", "new_transaction"}, cfg.Subscribe.Topics)
	assert.Equal(t, 12000, cfg.Node.PortBase)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestEnvOverridesTmpDirPrecedence(t *testing.T) {
	t.Setenv("CKB_INTEGRATION_TEST_TMP", "/tmp/legacy")
	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	assert.Equal(t, "/tmp/legacy", cfg.Node.TmpDir)

	t.Setenv("CHAINHARNESS_NODE_TMP_DIR", "/tmp/harness")
	cfg = Defaults()
	ApplyEnvOverrides(cfg)
	assert.Equal(t, "/tmp/harness", cfg.Node.TmpDir)
}

func TestEnvOverridesIgnoreMalformedNumbers(t *testing.T) {
	t.Setenv("CHAINHARNESS_NODE_PORT_BASE", "lots")
	t.Setenv("CHAINHARNESS_RPC_TIMEOUT", "soon")
	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	assert.Equal(t, 9000, cfg.Node.PortBase)
	assert.Equal(t, 30*time.Second, cfg.RPC.Timeout)
}
