package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"chainharness/internal/adapter/journal"
)

func journalCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect journaled notifications",
	}
	cmd.AddCommand(journalListCmd(a), journalCountCmd(a))
	return cmd
}

func journalListCmd(a *app) *cobra.Command {
	var (
		topic string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the newest journaled notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournalList(cmd.Context(), a, topic, limit, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&topic, "topic", "t", "", "only this topic")
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "maximum entries")

	return cmd
}

func journalCountCmd(a *app) *cobra.Command {
	var topic string

	cmd := &cobra.Command{
		Use:   "count",
		Short: "Count journaled notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := journal.Open(a.cfg.Journal.Path)
			if err != nil {
				return fmt.Errorf("journal: %w", err)
			}
			defer store.Close()
			n, err := store.Count(cmd.Context(), topic)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}

	cmd.Flags().StringVarP(&topic, "topic", "t", "", "only this topic")

	return cmd
}

func runJournalList(ctx context.Context, a *app, topic string, limit int, out io.Writer) error {
	store, err := journal.Open(a.cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	defer store.Close()

	entries, err := store.List(ctx, topic, limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RECEIVED\tSOURCE\tTOPIC\tPAYLOAD")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ReceivedAt.Format(time.RFC3339), e.Source, e.Topic, e.Payload)
	}
	return w.Flush()
}
