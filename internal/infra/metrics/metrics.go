package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chainharness/pkg/pubsub"
)

var _ pubsub.Observer = (*Metrics)(nil)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "chainharness").
	Namespace string

	// ConstLabels are added to every metric.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for request latency.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry receives the collectors and backs Handler.
	// Default: a fresh prometheus.Registry.
	Registry *prometheus.Registry
}

// Option configures Metrics.
type Option func(*Config)

func WithNamespace(ns string) Option {
	return func(c *Config) { c.Namespace = ns }
}

func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) { c.ConstLabels = labels }
}

func WithBuckets(buckets []float64) Option {
	return func(c *Config) { c.Buckets = buckets }
}

func WithRegistry(r *prometheus.Registry) Option {
	return func(c *Config) { c.Registry = r }
}

// Metrics is a Prometheus backed pubsub.Observer plus harness counters.
type Metrics struct {
	registry *prometheus.Registry

	framesRead      prometheus.Counter
	framesWritten   prometheus.Counter
	frameBytes      *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	notifications   *prometheus.CounterVec
	buffered        prometheus.Gauge
	blocksMined     *prometheus.CounterVec
	journaled       *prometheus.CounterVec
}

// New registers the collectors and returns them.
func New(opts ...Option) *Metrics {
	cfg := Config{
		Namespace: "chainharness",
		Buckets:   prometheus.DefBuckets,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	f := promauto.With(cfg.Registry)
	ns, cl := cfg.Namespace, cfg.ConstLabels

	return &Metrics{
		registry: cfg.Registry,
		framesRead: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "pubsub", Name: "frames_read_total",
			Help: "Frames decoded from the subscription transport", ConstLabels: cl,
		}),
		framesWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "pubsub", Name: "frames_written_total",
			Help: "Frames written to the subscription transport", ConstLabels: cl,
		}),
		frameBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "pubsub", Name: "frame_bytes_total",
			Help: "Frame payload bytes by direction", ConstLabels: cl,
		}, []string{"direction"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "pubsub", Name: "requests_total",
			Help: "Subscription requests by method and outcome", ConstLabels: cl,
		}, []string{"method", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "pubsub", Name: "request_duration_seconds",
			Help: "Round trip latency of subscription requests", ConstLabels: cl,
			Buckets: cfg.Buckets,
		}, []string{"method"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "pubsub", Name: "notifications_total",
			Help: "Notifications delivered to the consumer by topic", ConstLabels: cl,
		}, []string{"topic"}),
		buffered: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "pubsub", Name: "notifications_buffered",
			Help: "Notifications queued while a request was in flight", ConstLabels: cl,
		}),
		blocksMined: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "node", Name: "blocks_mined_total",
			Help: "Blocks submitted by the harness miner", ConstLabels: cl,
		}, []string{"node"}),
		journaled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "journal", Name: "records_total",
			Help: "Journal writes by outcome", ConstLabels: cl,
		}, []string{"status"}),
	}
}

func (m *Metrics) FrameRead(size int) {
	m.framesRead.Inc()
	m.frameBytes.WithLabelValues("in").Add(float64(size))
}

func (m *Metrics) FrameWritten(size int) {
	m.framesWritten.Inc()
	m.frameBytes.WithLabelValues("out").Add(float64(size))
}

func (m *Metrics) RequestDone(method string, elapsed time.Duration, err error) {
	m.requests.WithLabelValues(method, statusLabel(err)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) NotificationDelivered(topic string) {
	m.notifications.WithLabelValues(topic).Inc()
}

func (m *Metrics) NotificationBuffered(depth int) {
	m.buffered.Set(float64(depth))
}

// BlockMined counts n blocks produced on node.
func (m *Metrics) BlockMined(node string, n int) {
	m.blocksMined.WithLabelValues(node).Add(float64(n))
}

// Journaled counts a journal write; duplicate marks an ignored repeat.
func (m *Metrics) Journaled(duplicate bool, err error) {
	switch {
	case err != nil:
		m.journaled.WithLabelValues("error").Inc()
	case duplicate:
		m.journaled.WithLabelValues("duplicate").Inc()
	default:
		m.journaled.WithLabelValues("stored").Inc()
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func statusLabel(err error) string {
	var rpcErr *pubsub.RPCError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &rpcErr):
		return "rpc_error"
	default:
		return "error"
	}
}
