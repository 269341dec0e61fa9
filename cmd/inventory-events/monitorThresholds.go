package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMonitorThresholdsCommand(a *app) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "monitor-thresholds",
		Short: "Check inventory thresholds and warehouse capacity",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return oneOf("type", kind, "all", "inventory", "capacity")
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if kind == "all" || kind == "inventory" {
				if err := runThresholdScan(cmd, a, nil); err != nil {
					return err
				}
				fmt.Fprintln(out)
			}
			if kind == "all" || kind == "capacity" {
				r := a.pipeline.Inventory.CheckCapacity(cmd.Context())
				fmt.Fprintln(out, "Warehouse capacity")
				t := newTable(out, "WAREHOUSE", "USED", "CAPACITY", "UTILISATION", "ALERT")
				for _, w := range r.Warehouses {
					alert := "-"
					if w.Severity != "" {
						alert = string(w.Severity)
					}
					t.row(w.Name, w.Used, w.Capacity, w.Ratio.Mul(hundred).StringFixed(1)+"%", alert)
				}
				if err := t.flush(); err != nil {
					return err
				}
				return r.Err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "type", "all", "threshold family (all|inventory|capacity)")
	return cmd
}
