package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leasekeeper/leasekeeper/pkg/config"
	"github.com/leasekeeper/leasekeeper/pkg/stores"
)

func newBlueprintCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "blueprint",
		Aliases: []string{"bp"},
		Short:   "Manage blueprints and their deployment targets",
	}
	cmd.AddCommand(newBlueprintCreateCommand())
	cmd.AddCommand(newBlueprintListCommand())
	cmd.AddCommand(newBlueprintGetCommand())
	cmd.AddCommand(newBlueprintDeleteCommand())
	return cmd
}

func newBlueprintCreateCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:     "create",
		Short:   "Register a blueprint from a YAML definition",
		Example: `  leasekeeper blueprint create -f web-sandbox.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := config.LoadBlueprintFile(file)
			if err != nil {
				return err
			}
			bp, targets := def.Records()

			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.store.CreateBlueprint(ctx, bp, targets...); err != nil {
					return err
				}
				a.tel.Logger.WithBlueprint(bp.ID, "").WithField("targets", len(targets)).Info("blueprint created")
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), bp)
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "created blueprint %s with %d targets\n", bp.ID, len(targets))
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "blueprint definition file")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newBlueprintListCommand() *cobra.Command {
	var page stores.PageRequest

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List blueprints with their deployment health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				result, err := a.store.ListBlueprints(ctx, page)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), result)
				}

				w := newTable(cmd.OutOrStdout())
				fmt.Fprintf(w, "ID\tNAME\tVERSION\tDEPLOYMENTS\tSUCCESS\tFAILING\n")
				for _, bp := range result.Items {
					fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.0f%%\t%d\n",
						bp.ID, bp.Name, bp.Version, bp.Health.DeploymentCount,
						bp.Health.SuccessRate()*100, bp.Health.ConsecutiveFailures)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				if result.NextCursor != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "\nnext page: --cursor %s\n", result.NextCursor)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&page.Limit, "limit", 50, "blueprints per page")
	cmd.Flags().StringVar(&page.Cursor, "cursor", "", "continue from a previous page")

	return cmd
}

func newBlueprintGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <blueprint-id>",
		Short: "Show a blueprint and its targets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				bp, err := a.store.GetBlueprint(ctx, args[0])
				if err != nil {
					return err
				}
				targets, err := a.store.ListDeploymentTargets(ctx, bp.ID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), struct {
						*stores.Blueprint
						Targets []*stores.DeploymentTarget `json:"targets"`
					}{bp, targets})
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s (%s) v%d\n", bp.ID, bp.Name, bp.Version)
				if bp.Description != "" {
					fmt.Fprintf(out, "  %s\n", bp.Description)
				}
				fmt.Fprintf(out, "  deployments: %d, success rate %.0f%%, average %s\n\n",
					bp.Health.DeploymentCount, bp.Health.SuccessRate()*100, bp.Health.AverageDuration())

				w := newTable(out)
				fmt.Fprintf(w, "TARGET\tTEMPLATE\tREGIONS\tDEPLOYMENTS\tFAILING\n")
				for _, t := range targets {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n",
						t.ID, t.TemplateRef, strings.Join(t.Regions, ","),
						t.Health.DeploymentCount, t.Health.ConsecutiveFailures)
				}
				return w.Flush()
			})
		},
	}
}

func newBlueprintDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <blueprint-id>",
		Short: "Delete a blueprint and its targets",
		Long: `Delete a blueprint and its targets. Deployment history is kept until
its retention window passes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.store.DeleteBlueprint(ctx, args[0]); err != nil {
					return err
				}
				a.tel.Logger.WithBlueprint(args[0], "").Info("blueprint deleted")
				return nil
			})
		},
	}
}
