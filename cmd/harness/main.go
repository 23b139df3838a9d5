package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"chainharness/internal/domain"
	"chainharness/internal/infra/config"
	"chainharness/internal/infra/logger"
	"chainharness/internal/infra/metrics"
	"chainharness/internal/infra/middleware"
	"chainharness/internal/infra/tracer"
	"chainharness/pkg/pubsub"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root, a := newRootCmd()
	err := root.ExecuteContext(ctx)
	a.close()
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "harness: [%s] %v\n", domain.ErrorCodeOf(err), err)
		os.Exit(1)
	}
}

// app holds what every subcommand shares once the config is loaded.
type app struct {
	cfgPath string
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{}
	root := &cobra.Command{
		Use:   "harness",
		Short: "Drive chain nodes and watch their notification feeds",
		Long: `harness launches and attaches to chain nodes, mines blocks on demand or
on a schedule, and follows the streaming subscription port of a node.

Configuration is read from a YAML file; CHAINHARNESS_* environment
variables override it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "config.yaml", "path to the config file")

	root.AddCommand(
		watchCmd(a),
		nodeCmd(a),
		mineCmd(a),
		journalCmd(a),
		versionCmd(),
	)
	return root, a
}

// setup loads config, logger and tracer.
func (a *app) setup(ctx context.Context) error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	a.cfg = cfg

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	a.logger = log
	a.onClose(func() { _ = logCloser() })

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	a.onClose(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = tracerShutdown(ctx)
	})
	return nil
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// close runs the registered closers in reverse order.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// startMetrics serves the Prometheus endpoint when enabled. The returned
// Metrics is nil otherwise.
func (a *app) startMetrics(ctx context.Context) (*metrics.Metrics, error) {
	mc := a.cfg.Metrics
	if !mc.Enabled {
		return nil, nil
	}
	m := metrics.New(metrics.WithNamespace(mc.Namespace))
	log := logger.Component(a.logger, "metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Handler: middleware.Chain(mux,
			middleware.AccessLog(log),
			middleware.RateLimit(ctx, 600, 60),
			middleware.Headers,
		),
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", mc.Addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", "error", err)
		}
	}()
	log.Info("metrics listening", "addr", ln.Addr().String())

	a.onClose(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return m, nil
}

// pubsubOptions builds the subscription client options from config. m may
// be nil.
func (a *app) pubsubOptions(m *metrics.Metrics) []pubsub.Option {
	sc := a.cfg.Subscribe
	opts := []pubsub.Option{
		pubsub.WithLogger(logger.Component(a.logger, "pubsub")),
		pubsub.WithMaxFrameSize(sc.MaxFrameSize),
		pubsub.WithTracer(tracer.Tracer()),
		pubsub.WithSeparators(incomingSeparator(sc.Separator), pubsub.DefaultSeparator),
	}
	if m != nil {
		opts = append(opts, pubsub.WithObserver(m))
	}
	return opts
}

// incomingSeparator maps the config value to a Separator. Validation has
// already rejected anything but "none", "" or a single character.
func incomingSeparator(s string) pubsub.Separator {
	if s == "" || s == "none" {
		return pubsub.NoSeparator
	}
	r, _ := utf8.DecodeRuneInString(s)
	return pubsub.ByteSeparator(byte(r))
}
