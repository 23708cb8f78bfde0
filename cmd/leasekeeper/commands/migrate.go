package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Long: `Apply every pending schema migration to the configured SQLite database.

Run this once after installing or upgrading leasekeeper. Applying migrations
to an up-to-date database is a no-op.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.store.Migrate(ctx); err != nil {
					return err
				}
				a.tel.Logger.WithField("path", a.cfg.Store.Path).Info("database schema is up to date")
				return nil
			})
		},
	}
}

func newPruneCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete expired deployment history",
		Long: `Delete finished deployment records whose retention window has passed.

Records still in progress are never removed. Blueprint and target health
counters are unaffected.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				removed, err := a.store.PruneDeploymentHistory(ctx, a.clock.Now())
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), map[string]int64{"removed": removed})
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d deployment records\n", removed)
				return err
			})
		},
	}
}
