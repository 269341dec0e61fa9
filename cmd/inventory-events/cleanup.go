package main

import (
	"fmt"

	"github.com/mmdatafocus/inventory_events/models"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var hundred = decimal.NewFromInt(100)

func newCleanupCommand(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "cleanup-idempotency-keys",
		Short: "Delete idempotency keys whose TTL has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			report, err := a.pipeline.Keys.CleanupExpired(cmd.Context(), dryRun)
			if err != nil {
				return err
			}

			t := newTable(out, "STATUS", "BEFORE", "AFTER")
			for _, st := range models.AllIdempotencyStatuses {
				t.row(st, report.Before[st], report.After[st])
			}
			t.row("total", report.Before.Total(), report.After.Total())
			if err := t.flush(); err != nil {
				return err
			}

			if dryRun {
				fmt.Fprintf(out, "\ndry run: %d expired key(s) would be removed\n", report.Removed)
			} else {
				fmt.Fprintf(out, "\nremoved %d expired key(s)\n", report.Removed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be removed without deleting")
	return cmd
}
