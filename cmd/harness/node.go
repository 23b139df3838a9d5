package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"chainharness/internal/adapter/rpc"
	"chainharness/internal/domain"
	"chainharness/internal/infra/logger"
	"chainharness/internal/infra/metrics"
	"chainharness/internal/usecase/eventbus"
	"chainharness/internal/usecase/node"
	"chainharness/internal/usecase/process"
	"chainharness/internal/usecase/scheduling"
)

func nodeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Manage local nodes",
	}
	cmd.AddCommand(nodeRunCmd(a))
	return cmd
}

func nodeRunCmd(a *app) *cobra.Command {
	var (
		caseName string
		mine     bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Launch a node from the configured template and keep it running",
		Long: `Prepare a working directory from node.template_dir, start the node binary
and wait until its RPC answers. With the miner enabled a block is produced
on every tick of miner.schedule. The node is stopped on interrupt.

Examples:
  harness node run --config harness.yaml
  harness node run --mine`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if mine {
				a.cfg.Miner.Enabled = true
			}
			return runNode(cmd.Context(), a, caseName, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&caseName, "case", "run", "name used in the working directory")
	cmd.Flags().BoolVar(&mine, "mine", false, "enable the scheduled miner")

	return cmd
}

func runNode(ctx context.Context, a *app, caseName string, out io.Writer) error {
	m, err := a.startMetrics(ctx)
	if err != nil {
		return err
	}

	bus := eventbus.New(logger.Component(a.logger, "eventbus"))
	defer bus.Close()
	bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		a.logger.Debug("event", "type", e.Type, "payload", string(e.Payload))
	})

	pc := a.cfg.Process
	procs := process.NewManager(process.ManagerConfig{
		MaxSessions:     pc.MaxSessions,
		SessionTTL:      pc.SessionTTL,
		OutputBufferMax: pc.OutputBufferMax,
	}, bus, logger.Component(a.logger, "process"))
	defer procs.Stop(context.WithoutCancel(ctx))

	nc := a.cfg.Node
	n, err := node.Init(caseName, node.Options{
		Name:         nc.Name,
		Binary:       nc.Binary,
		TemplateDir:  nc.TemplateDir,
		TmpDir:       nc.TmpDir,
		StartTimeout: nc.StartTimeout,
		ExtraArgs:    nc.ExtraArgs,
		RPC: rpc.Config{
			Timeout:         a.cfg.RPC.Timeout,
			BreakerFailures: a.cfg.RPC.BreakerFailures,
			BreakerCooldown: a.cfg.RPC.BreakerCooldown,
		},
		SubscribeOptions: a.pubsubOptions(m),
		Ports:            node.NewPortAllocator(nc.PortBase),
	}, procs, bus, logger.Component(a.logger, "node"))
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := n.Stop(ctx); err != nil {
			a.logger.Warn("node stop failed", "node", n.Name(), "error", err)
		}
	}()

	fmt.Fprintf(out, "node %s running\n  rpc:       %s\n  subscribe: %s\n  p2p:       %s\n  dir:       %s\n",
		n.Name(), n.RPCURL(), n.SubscribeAddr(), n.P2PAddressWithNodeID(), n.Dir())

	if a.cfg.Miner.Enabled {
		sched, err := startMiner(ctx, a, n, m)
		if err != nil {
			return err
		}
		defer sched.Stop()
	}

	<-ctx.Done()
	return nil
}

// startMiner schedules block production on n.
func startMiner(ctx context.Context, a *app, n *node.Node, m *metrics.Metrics) (*scheduling.Scheduler, error) {
	mc := a.cfg.Miner
	sched := scheduling.NewScheduler(logger.Component(a.logger, "scheduler"))
	sched.RegisterAction(scheduling.ActionMine, scheduling.MineAction(singleMiner(n), blockObserver(m)))
	if err := sched.AddTask(scheduling.ScheduledTask{
		Name:     "mine-" + n.Name(),
		Schedule: mc.Schedule,
		Action:   scheduling.ActionMine,
		Node:     n.Name(),
		Blocks:   mc.Blocks,
	}); err != nil {
		return nil, fmt.Errorf("miner: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return nil, fmt.Errorf("miner: %w", err)
	}
	return sched, nil
}

func singleMiner(n *node.Node) func(string) (scheduling.Miner, error) {
	return func(name string) (scheduling.Miner, error) {
		if name != n.Name() {
			return nil, domain.NewDomainError("miner.lookup", domain.ErrNotFound, name)
		}
		return n, nil
	}
}

func blockObserver(m *metrics.Metrics) scheduling.BlockObserver {
	if m == nil {
		return nil
	}
	return m
}
