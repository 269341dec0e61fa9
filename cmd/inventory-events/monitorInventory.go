package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmdatafocus/inventory_events/models"
	"github.com/mmdatafocus/inventory_events/workflow"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var inventoryChecks = map[string][]models.ThresholdType{
	"all":        models.AllThresholdTypes,
	"low-stock":  {models.ThresholdTypeLowStock},
	"high-stock": {models.ThresholdTypeHighStock},
	"expiring":   {models.ThresholdTypeExpiringSoon},
}

func newMonitorInventoryCommand(a *app) *cobra.Command {
	var check string
	cmd := &cobra.Command{
		Use:   "monitor-inventory",
		Short: "Raise or resolve stock threshold alerts",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return oneOf("check", check, "all", "low-stock", "high-stock", "expiring")
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runThresholdScan(cmd, a, inventoryChecks[check])
		},
	}
	cmd.Flags().StringVar(&check, "check", "all", "thresholds to check (all|low-stock|high-stock|expiring)")
	return cmd
}

func runThresholdScan(cmd *cobra.Command, a *app, kinds []models.ThresholdType) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	before, err := activeAlertCounts(ctx, a.db)
	if err != nil {
		return err
	}
	reports := a.pipeline.Inventory.ScanThresholds(ctx, kinds...)
	after, err := activeAlertCounts(ctx, a.db)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Threshold alerts")
	t := newTable(out, "TYPE", "ACTIVE_BEFORE", "SCANNED", "RAISED", "CRITICAL", "RESOLVED", "ACTIVE_AFTER")
	var errs error
	for _, r := range reports {
		t.row(r.Kind, before[r.Kind], r.Scanned, r.Raised, r.Critical, r.Resolved, after[r.Kind])
		errs = errors.Join(errs, r.Err)
	}
	if err := t.flush(); err != nil {
		return err
	}
	return errs
}

func activeAlertCounts(ctx context.Context, db *gorm.DB) (map[models.ThresholdType]int, error) {
	alerts, err := workflow.ActiveAlerts(ctx, db)
	if err != nil {
		return nil, err
	}
	counts := map[models.ThresholdType]int{}
	for _, al := range alerts {
		counts[al.ThresholdType]++
	}
	return counts, nil
}
