package main

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/inventory_events/models"
	"github.com/mmdatafocus/inventory_events/workflow"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func newReplayCommand(a *app) *cobra.Command {
	var (
		queue string
		ids   []int
	)
	cmd := &cobra.Command{
		Use:   "replay-dead-letters",
		Short: "Move dead-lettered deliveries back to the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if queue == "" {
				queue = a.settings.Queue.Name
			}

			before, err := queueStatusCounts(ctx, a.db, queue)
			if err != nil {
				return err
			}
			n, err := workflow.ReplayDead(ctx, a.db, queue, ids)
			if err != nil {
				return err
			}
			after, err := queueStatusCounts(ctx, a.db, queue)
			if err != nil {
				return err
			}

			t := newTable(out, "STATUS", "BEFORE", "AFTER")
			for _, st := range []string{
				models.QueuedEventStatusPending,
				models.QueuedEventStatusProcessing,
				models.QueuedEventStatusSucceeded,
				models.QueuedEventStatusDead,
			} {
				t.row(st, before[st], after[st])
			}
			if err := t.flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\nreplayed %d delivery(ies) on %s\n", n, queue)
			return nil
		},
	}
	cmd.Flags().StringVar(&queue, "queue", "", "queue name (defaults to QUEUE_NAME)")
	cmd.Flags().IntSliceVar(&ids, "id", nil, "replay only these record ids")
	return cmd
}

func queueStatusCounts(ctx context.Context, db *gorm.DB, queue string) (map[string]int64, error) {
	var rows []struct {
		Status string
		Total  int64
	}
	err := db.WithContext(ctx).Model(&models.QueuedEvent{}).
		Select("status, count(*) as total").
		Where("queue = ?", queue).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := map[string]int64{}
	for _, r := range rows {
		counts[r.Status] = r.Total
	}
	return counts, nil
}
