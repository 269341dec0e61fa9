package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newMonitorEventsCommand(a *app) *cobra.Command {
	var check string
	cmd := &cobra.Command{
		Use:   "monitor-events",
		Short: "Check event throughput, error rate and backlog age",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return oneOf("check", check, "all", "performance", "backlog")
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			monitor := a.pipeline.Events
			var errs []string

			if check == "all" || check == "performance" {
				r := monitor.MonitorPerformance(ctx)
				fmt.Fprintf(out, "Event performance (last %s)\n", r.Window)
				t := newTable(out, "METRIC", "VALUE")
				t.row("events", r.Total)
				t.row("successes", r.Successes)
				t.row("errors", r.Errors)
				t.row("success_rate", fmt.Sprintf("%.2f%%", r.SuccessRate*100))
				t.row("avg_latency", r.AvgLatency.Round(time.Millisecond))
				t.row("degraded", r.Degraded)
				if r.Degraded {
					t.row("severity", r.Severity)
					t.row("reasons", strings.Join(r.Reasons, "; "))
				}
				if err := t.flush(); err != nil {
					return err
				}
				if r.Err != nil {
					errs = append(errs, r.Err.Error())
				}
				fmt.Fprintln(out)
			}

			if check == "all" || check == "backlog" {
				r := monitor.CheckBacklog(ctx)
				fmt.Fprintf(out, "Event backlog (max age %s)\n", r.MaxAge)
				t := newTable(out, "QUEUE", "DEPTH", "OLDEST_AGE", "ALERT")
				for _, q := range r.Queues {
					alert := "-"
					if q.Alerted {
						alert = string(q.Severity)
					}
					t.row(q.Queue, q.Depth, q.OldestAge.Round(time.Second), alert)
				}
				if err := t.flush(); err != nil {
					return err
				}
				if r.Err != nil {
					errs = append(errs, r.Err.Error())
				}
			}

			if len(errs) > 0 {
				return fmt.Errorf("monitor-events: %s", strings.Join(errs, "; "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&check, "check", "all", "checks to run (all|performance|backlog)")
	return cmd
}
