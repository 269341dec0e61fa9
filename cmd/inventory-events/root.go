package main

import (
	"context"
	"io"

	"github.com/mmdatafocus/inventory_events/config"
	"github.com/mmdatafocus/inventory_events/models"
	"github.com/mmdatafocus/inventory_events/workflow"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// app carries the dependencies shared by every subcommand. Fields already
// set (tests) are kept; the rest are built from the environment.
type app struct {
	settings *config.Settings
	logger   *logrus.Logger
	db       *gorm.DB
	pipeline *workflow.Pipeline
}

// annotationSettingsOnly marks commands that never touch the database.
const annotationSettingsOnly = "settings-only"

func (a *app) init(ctx context.Context, logOut io.Writer, settingsOnly bool) error {
	if a.settings == nil {
		s, err := config.LoadSettings()
		if err != nil {
			return err
		}
		a.settings = s
	}
	if a.logger == nil {
		// Logs go to stderr so the tables stay readable.
		a.logger = config.NewLoggerWithOutput(a.settings.LogLevel, logOut)
	}
	if settingsOnly {
		return nil
	}
	if a.db == nil {
		db, err := config.ConnectDatabase(ctx, a.settings.Database, a.logger)
		if err != nil {
			return err
		}
		if !config.SkipMigrations() {
			if err := models.MigrateTable(db); err != nil {
				return err
			}
		}
		a.db = db
	}
	if a.pipeline == nil {
		notifier := workflow.LogNotifier{Logger: a.logger}
		a.pipeline = workflow.NewPipeline(a.db, a.settings, notifier, a.logger, nil)
	}
	return nil
}

func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "inventory-events",
		Short:         "Operate the inventory event pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd.Context(), cmd.ErrOrStderr(), cmd.Annotations[annotationSettingsOnly] == "true")
		},
	}

	cmd.AddCommand(newMonitorEventsCommand(a))
	cmd.AddCommand(newMonitorInventoryCommand(a))
	cmd.AddCommand(newMonitorThresholdsCommand(a))
	cmd.AddCommand(newCleanupCommand(a))
	cmd.AddCommand(newReplayCommand(a))
	cmd.AddCommand(newIssueTokenCommand(a))
	return cmd
}
