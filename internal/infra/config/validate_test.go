package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidateDefaultsPass(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestValidateRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"logger format", func(c *Config) { c.Logger.Format = "xml" }, "logger.format"},
		{"node binary", func(c *Config) { c.Node.Binary = "" }, "node.binary"},
		{"node port base", func(c *Config) { c.Node.PortBase = 70000 }, "node.port_base"},
		{"node start timeout", func(c *Config) { c.Node.StartTimeout = 0 }, "node.start_timeout"},
		{"rpc url", func(c *Config) { c.RPC.URL = "127.0.0.1:8114" }, "rpc.url"},
		{"rpc timeout", func(c *Config) { c.RPC.Timeout = -time.Second }, "rpc.timeout"},
		{"subscribe addr", func(c *Config) { c.Subscribe.Addr = "no-port" }, "subscribe.addr"},
		{"subscribe ws url", func(c *Config) { c.Subscribe.WebSocketURL = "http://x" }, "subscribe.websocket_url"},
		{"subscribe separator", func(c *Config) { c.Subscribe.Separator = "ab" }, "subscribe.separator"},
		{"subscribe duplicate topic", func(c *Config) { c.Subscribe.Topics = []string{"a", "a"} }, "duplicated"},
		{"subscribe empty topic", func(c *Config) { c.Subscribe.Topics = []string{""} }, "is empty"},
		{"miner schedule", func(c *Config) { c.Miner.Enabled = true; c.Miner.Schedule = "" }, "miner.schedule"},
		{"miner negative duration", func(c *Config) { c.Miner.Enabled = true; c.Miner.Schedule = "-1s" }, "positive duration"},
		{"miner blocks", func(c *Config) { c.Miner.Enabled = true; c.Miner.Blocks = 0 }, "miner.blocks"},
		{"journal path", func(c *Config) { c.Journal.Enabled = true; c.Journal.Path = "" }, "journal.path"},
		{"metrics addr", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Addr = "nope" }, "metrics.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Node.Binary = ""
	cfg.RPC.Timeout = 0
	cfg.Journal.Enabled = true
	cfg.Journal.Path = ""

	err := Validate(cfg)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) != 3 {
		t.Errorf("got %d errors, want 3: %v", len(ve.Errors), ve.Errors)
	}
}

func TestValidationErrorFormat(t *testing.T) {
	ve := &ValidationError{}
	ve.Add("first %d", 1)
	ve.Add("second")
	want := "config validation failed:\n  - first 1\n  - second"
	if ve.Error() != want {
		t.Errorf("Error() = %q, want %q", ve.Error(), want)
	}
}
