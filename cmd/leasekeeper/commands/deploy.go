package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/leasekeeper/leasekeeper/pkg/deploy"
	"github.com/leasekeeper/leasekeeper/pkg/policy"
	"github.com/leasekeeper/leasekeeper/pkg/provisioning"
	"github.com/leasekeeper/leasekeeper/pkg/stores"
)

func newDeployCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Run blueprint deployment steps and inspect their history",
	}
	cmd.AddCommand(newDeployHandleCommand())
	cmd.AddCommand(newDeployGetCommand())
	cmd.AddCommand(newDeployHistoryCommand())
	return cmd
}

func newDeployHandleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "handle [file]",
		Short: "Execute one deployment action",
		Long: `Execute one deployment action read as JSON from file, or from stdin when
file is omitted or "-".

The action field selects the step:
  CREATE          start a rollout of a blueprint target into an account
  CHECK_STATUS    poll a running rollout and settle it when done
  PUBLISH_RESULT  announce the final outcome of a rollout

The result is printed as JSON. Retryable failures exit non-zero so the
calling workflow can retry the step.`,
		Example: `  # Start a rollout
  echo '{"action":"CREATE","blueprintId":"web","targetId":"default","leaseId":"dev@example.com/1234","accountId":"123456789012"}' \
    | leasekeeper deploy handle

  # Poll it
  leasekeeper deploy handle check.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			action, err := deploy.DecodeAction(data)
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				api, err := provisioning.LoadStackSetClient(ctx, a.cfg.AWS.Region, a.tel,
					provisioning.WithCallAs(a.cfg.AWS.CallAs))
				if err != nil {
					return err
				}

				guard, err := policy.NewEngine(ctx, a.cfg.Policy, a.tel)
				if err != nil {
					return err
				}

				pub, closePub, err := a.publisher(ctx)
				if err != nil {
					return err
				}
				defer closePub()

				orch := deploy.NewOrchestrator(a.cfg.Deployment.Config, a.store, api, pub, a.retryExecutor(),
					deploy.WithGuard(guard),
					deploy.WithClock(a.clock),
					deploy.WithTelemetry(a.tel),
				)

				result, err := orch.Handle(ctx, action)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

func newDeployGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <operation-id>",
		Short: "Show one deployment record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				record, err := a.store.GetDeploymentRecord(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), record)
			})
		},
	}
}

func newDeployHistoryCommand() *cobra.Command {
	var page stores.PageRequest

	cmd := &cobra.Command{
		Use:   "history <blueprint-id>",
		Short: "List deployments of a blueprint, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				result, err := a.store.ListDeploymentRecords(ctx, args[0], page)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), result)
				}

				w := newTable(cmd.OutOrStdout())
				fmt.Fprintf(w, "OPERATION\tTARGET\tACCOUNT\tSTATUS\tSTARTED\tCOMPLETED\tERROR\n")
				for _, r := range result.Items {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						r.OperationID, r.TargetID, r.AccountID, r.Status,
						formatTime(&r.StartedAt), formatTime(r.CompletedAt), r.ErrorType)
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

	cmd.Flags().IntVar(&page.Limit, "limit", 20, "records per page")
	cmd.Flags().StringVar(&page.Cursor, "cursor", "", "continue from a previous page")

	return cmd
}

// readInput reads the single file argument, or stdin when it is absent or "-".
func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	return data, nil
}
