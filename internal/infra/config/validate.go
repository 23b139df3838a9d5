package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateNode(cfg, ve)
	validateRPC(cfg, ve)
	validateSubscribe(cfg, ve)
	validateProcess(cfg, ve)
	validateMiner(cfg, ve)
	validateJournal(cfg, ve)
	validateMetrics(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format must be text or json, got %q", cfg.Logger.Format)
	}
}

func validateNode(cfg *Config, ve *ValidationError) {
	if cfg.Node.Binary == "" {
		ve.Add("node.binary is required")
	}
	if cfg.Node.PortBase <= 0 || cfg.Node.PortBase > 65535 {
		ve.Add("node.port_base must be in 1..65535")
	}
	if cfg.Node.StartTimeout <= 0 {
		ve.Add("node.start_timeout must be > 0")
	}
}

func validateRPC(cfg *Config, ve *ValidationError) {
	if cfg.RPC.URL != "" {
		u, err := url.Parse(cfg.RPC.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			ve.Add("rpc.url must be an http(s) URL, got %q", cfg.RPC.URL)
		}
	}
	if cfg.RPC.Timeout <= 0 {
		ve.Add("rpc.timeout must be > 0")
	}
}

func validateSubscribe(cfg *Config, ve *ValidationError) {
	s := cfg.Subscribe
	if s.WebSocketURL != "" {
		u, err := url.Parse(s.WebSocketURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			ve.Add("subscribe.websocket_url must be a ws(s) URL, got %q", s.WebSocketURL)
		}
	} else if s.Addr != "" {
		if _, _, err := net.SplitHostPort(s.Addr); err != nil {
			ve.Add("subscribe.addr %q: %v", s.Addr, err)
		}
	}
	if s.MaxFrameSize < 0 {
		ve.Add("subscribe.max_frame_size must be >= 0")
	}
	if s.Separator != "" && s.Separator != "none" && utf8.RuneCountInString(s.Separator) != 1 {
		ve.Add("subscribe.separator must be \"none\" or a single character, got %q", s.Separator)
	}
	seen := make(map[string]bool, len(s.Topics))
	for i, t := range s.Topics {
		if t == "" {
			ve.Add("subscribe.topics[%d] is empty", i)
		}
		if seen[t] {
			ve.Add("subscribe.topics[%d] %q is duplicated", i, t)
		}
		seen[t] = true
	}
}

func validateProcess(cfg *Config, ve *ValidationError) {
	if cfg.Process.MaxSessions < 0 {
		ve.Add("process.max_sessions must be >= 0")
	}
	if cfg.Process.OutputBufferMax < 0 {
		ve.Add("process.output_buffer_max must be >= 0")
	}
}

func validateMiner(cfg *Config, ve *ValidationError) {
	if !cfg.Miner.Enabled {
		return
	}
	if cfg.Miner.Schedule == "" {
		ve.Add("miner.schedule is required when the miner is enabled")
	} else if d, err := time.ParseDuration(cfg.Miner.Schedule); err == nil && d <= 0 {
		ve.Add("miner.schedule must be a positive duration")
	}
	if cfg.Miner.Blocks == 0 {
		ve.Add("miner.blocks must be > 0")
	}
}

func validateJournal(cfg *Config, ve *ValidationError) {
	if cfg.Journal.Enabled && cfg.Journal.Path == "" {
		ve.Add("journal.path is required when the journal is enabled")
	}
}

func validateMetrics(cfg *Config, ve *ValidationError) {
	if !cfg.Metrics.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Metrics.Addr); err != nil {
		ve.Add("metrics.addr %q: %v", cfg.Metrics.Addr, err)
	}
}
