package main

import (
	"fmt"
	"time"

	"github.com/mmdatafocus/inventory_events/config"
	"github.com/mmdatafocus/inventory_events/utils"
	"github.com/spf13/cobra"
)

func newIssueTokenCommand(a *app) *cobra.Command {
	var (
		userID int
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:         "issue-ops-token",
		Short:       "Print a bearer token for the event worker's ops endpoints",
		Annotations: map[string]string{annotationSettingsOnly: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.settings.APISecret == "" {
				return &config.ConfigurationError{Setting: "APISecret", Reason: "required to sign tokens"}
			}
			token, err := utils.JwtGenerate(a.settings.APISecret, userID, utils.RoleOpsAdmin, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().IntVar(&userID, "user-id", 0, "operator id recorded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
