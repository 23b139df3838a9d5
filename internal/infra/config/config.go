package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level harness configuration.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Node      NodeConfig      `yaml:"node"`
	RPC       RPCConfig       `yaml:"rpc"`
	Subscribe SubscribeConfig `yaml:"subscribe"`
	Process   ProcessConfig   `yaml:"process"`
	Miner     MinerConfig     `yaml:"miner"`
	Journal   JournalConfig   `yaml:"journal"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Includes  []string        `yaml:"includes,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// NodeConfig describes how a local node is prepared and launched.
type NodeConfig struct {
	Name         string        `yaml:"name"`
	Binary       string        `yaml:"binary"`
	TemplateDir  string        `yaml:"template_dir"` // ckb.toml, specs, optional db
	TmpDir       string        `yaml:"tmp_dir"`      // root for working dirs, "" = os.TempDir
	PortBase     int           `yaml:"port_base"`
	StartTimeout time.Duration `yaml:"start_timeout"`
	ExtraArgs    []string      `yaml:"extra_args,omitempty"`
}

// RPCConfig configures the HTTP JSON-RPC client.
type RPCConfig struct {
	URL             string        `yaml:"url"`
	Timeout         time.Duration `yaml:"timeout"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// SubscribeConfig configures the notification feed.
type SubscribeConfig struct {
	Addr         string   `yaml:"addr"`          // host:port of the tcp subscription port
	WebSocketURL string   `yaml:"websocket_url"` // used instead of Addr when set
	Topics       []string `yaml:"topics"`
	MaxFrameSize int      `yaml:"max_frame_size"`
	Separator    string   `yaml:"separator"` // incoming framing: "none" or a single character
}

// ProcessConfig bounds the child process supervisor.
type ProcessConfig struct {
	MaxSessions     int           `yaml:"max_sessions"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
	OutputBufferMax int           `yaml:"output_buffer_max"`
}

// MinerConfig controls background block production.
type MinerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // cron expression or duration string
	Blocks   uint64 `yaml:"blocks"`   // blocks per run
}

// JournalConfig controls the notification journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// defaultDataDir returns $HOME/.chainharness, falling back to "./data".
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".chainharness")
}

// Defaults returns a Config populated with working defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Node: NodeConfig{
			Name:         "node",
			Binary:       "ckb",
			PortBase:     9000,
			StartTimeout: 60 * time.Second,
		},
		RPC: RPCConfig{
			URL:             "http://127.0.0.1:8114",
			Timeout:         30 * time.Second,
			BreakerFailures: 5,
			BreakerCooldown: 10 * time.Second,
		},
		Subscribe: SubscribeConfig{
			Addr:         "127.0.0.1:18114",
			Topics:       []string{"new_tip_header"},
			MaxFrameSize: 16 << 20,
			Separator:    "none",
		},
		Process: ProcessConfig{
			MaxSessions:     16,
			SessionTTL:      30 * time.Minute,
			OutputBufferMax: 1 << 20,
		},
		Miner: MinerConfig{
			Enabled:  false,
			Schedule: "5s",
			Blocks:   1,
		},
		Journal: JournalConfig{
			Enabled: false,
			Path:    filepath.Join(dataDir, "journal.db"),
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Addr:      ":9464",
			Namespace: "chainharness",
		},
	}
}

// Load reads a YAML config file, merges includes and applies env var overrides.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}
		// Main file wins over its includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps CHAINHARNESS_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHAINHARNESS_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CHAINHARNESS_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CHAINHARNESS_TRACER_ENABLED"); v != "" {
		cfg.Tracer.Enabled = v == "true"
	}
	if v := os.Getenv("CHAINHARNESS_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("CHAINHARNESS_NODE_BINARY"); v != "" {
		cfg.Node.Binary = v
	}
	if v := os.Getenv("CHAINHARNESS_NODE_TEMPLATE_DIR"); v != "" {
		cfg.Node.TemplateDir = v
	}
	// Same variable the integration suite has always honoured.
	if v := os.Getenv("CKB_INTEGRATION_TEST_TMP"); v != "" {
		cfg.Node.TmpDir = v
	}
	if v := os.Getenv("CHAINHARNESS_NODE_TMP_DIR"); v != "" {
		cfg.Node.TmpDir = v
	}
	if v := os.Getenv("CHAINHARNESS_NODE_PORT_BASE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Node.PortBase = n
		}
	}
	if v := os.Getenv("CHAINHARNESS_RPC_URL"); v != "" {
		cfg.RPC.URL = v
	}
	if v := os.Getenv("CHAINHARNESS_RPC_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RPC.Timeout = d
		}
	}
	if v := os.Getenv("CHAINHARNESS_SUBSCRIBE_ADDR"); v != "" {
		cfg.Subscribe.Addr = v
	}
	if v := os.Getenv("CHAINHARNESS_SUBSCRIBE_WEBSOCKET_URL"); v != "" {
		cfg.Subscribe.WebSocketURL = v
	}
	if v := os.Getenv("CHAINHARNESS_SUBSCRIBE_TOPICS"); v != "" {
		cfg.Subscribe.Topics = splitAndTrim(v, ",")
	}
	if v := os.Getenv("CHAINHARNESS_MINER_ENABLED"); v != "" {
		cfg.Miner.Enabled = v == "true"
	}
	if v := os.Getenv("CHAINHARNESS_MINER_SCHEDULE"); v != "" {
		cfg.Miner.Schedule = v
	}
	if v := os.Getenv("CHAINHARNESS_JOURNAL_ENABLED"); v != "" {
		cfg.Journal.Enabled = v == "true"
	}
	if v := os.Getenv("CHAINHARNESS_JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
	}
	if v := os.Getenv("CHAINHARNESS_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true"
	}
	if v := os.Getenv("CHAINHARNESS_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
}

func splitAndTrim(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// 0600 and 0644 are fine, group/other write is not.
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
