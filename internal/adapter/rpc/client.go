package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"chainharness/internal/domain"
	"chainharness/internal/infra/tracer"
	"chainharness/pkg/pubsub"
)

// Default client settings.
const (
	DefaultTimeout                       = 30 * time.Second
	defaultBreakerFailures uint32        = 5
	defaultBreakerCooldown time.Duration = 10 * time.Second
	maxResponseSize                      = 64 << 20
)

// Config configures a Client.
type Config struct {
	URL     string
	Timeout time.Duration
	// BreakerFailures is the number of consecutive transport failures that
	// open the circuit.
	BreakerFailures uint32
	// BreakerCooldown is how long the circuit stays open before a trial call.
	BreakerCooldown time.Duration
	// HTTPClient overrides the pooled default.
	HTTPClient *http.Client
}

// Client is a JSON-RPC 2.0 client for a node's HTTP endpoint. Transport
// failures trip a circuit breaker; error responses from the node do not.
type Client struct {
	url     string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[json.RawMessage]
	nextID  atomic.Uint64
	logger  *slog.Logger
}

// New creates a Client for cfg.URL.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: newTransport(timeout), Timeout: timeout}
	}

	c := &Client{url: cfg.URL, http: httpClient, logger: logger}
	c.breaker = gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        "rpc:" + cfg.URL,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// Node errors and caller cancellation say nothing about node health.
			var rpcErr *pubsub.RPCError
			return err == nil || errors.As(err, &rpcErr) || errors.Is(err, context.Canceled)
		},
	})
	return c
}

// newTransport pools connections to the single node endpoint.
func newTransport(timeout time.Duration) *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          8,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
}

// URL returns the endpoint the client talks to.
func (c *Client) URL() string { return c.url }

// State returns the current circuit breaker state.
func (c *Client) State() gobreaker.State { return c.breaker.State() }

// CloseIdleConnections closes pooled keep-alive connections. The client
// stays usable and dials again on the next call.
func (c *Client) CloseIdleConnections() { c.http.CloseIdleConnections() }

type request struct {
	ID      uint64 `json:"id"`
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type response struct {
	ID     json.RawMessage  `json:"id"`
	Result json.RawMessage  `json:"result"`
	Error  *pubsub.RPCError `json:"error"`
}

// Call invokes method with positional params and decodes the result into
// result when it is non-nil. A JSON-RPC error is returned as *pubsub.RPCError.
func (c *Client) Call(ctx context.Context, method string, params []any, result any) error {
	ctx, span := tracer.StartSpan(ctx, "rpc."+method)
	raw, err := c.breaker.Execute(func() (json.RawMessage, error) {
		return c.roundTrip(ctx, method, params)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%s: %w: %w", c.url, domain.ErrCircuitOpen, err)
		}
		err = domain.WrapOp("rpc."+method, err)
		tracer.End(span, err)
		return err
	}
	tracer.End(span, nil)

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return domain.WrapOp("rpc."+method, fmt.Errorf("decode result: %w", err))
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	id := c.nextID.Add(1)
	body, err := json.Marshal(request{ID: id, JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("rpc call", "method", method, "id", id, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: http status %d: %s", domain.ErrRemoteFailure, resp.StatusCode, bytes.TrimSpace(data))
	}

	var out response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", domain.ErrRemoteFailure, err)
	}
	if out.Error != nil {
		return nil, out.Error
	}
	return out.Result, nil
}
