package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"chainharness/internal/adapter/rpc"
	"chainharness/internal/infra/logger"
	"chainharness/internal/usecase/node"
)

func mineCmd(a *app) *cobra.Command {
	var (
		rpcURL string
		blocks uint64
	)

	cmd := &cobra.Command{
		Use:   "mine",
		Short: "Mine blocks on a running node",
		Long: `Attach to a running node and produce blocks from its block template.

Examples:
  harness mine --rpc http://127.0.0.1:8114 -n 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMine(cmd.Context(), a, firstNonEmpty(rpcURL, a.cfg.RPC.URL), blocks, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&rpcURL, "rpc", "", "node RPC url (default from config)")
	cmd.Flags().Uint64VarP(&blocks, "blocks", "n", 1, "number of blocks to mine")

	return cmd
}

func runMine(ctx context.Context, a *app, rpcURL string, blocks uint64, out io.Writer) error {
	rc := a.cfg.RPC
	n, err := node.Attach(ctx, "", "", rpc.Config{
		URL:             rpcURL,
		Timeout:         rc.Timeout,
		BreakerFailures: rc.BreakerFailures,
		BreakerCooldown: rc.BreakerCooldown,
	}, nil, nil, logger.Component(a.logger, "node"))
	if err != nil {
		return err
	}
	if err := n.Mine(ctx, blocks); err != nil {
		return err
	}
	tip, err := n.GetTipBlockNumber(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "mined %d block(s), tip %d\n", blocks, tip)
	return nil
}
