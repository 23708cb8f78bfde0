package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leasekeeper/leasekeeper/pkg/leases"
	"github.com/leasekeeper/leasekeeper/pkg/stores"
)

func newLeaseCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Grant, inspect and change account leases",
	}
	cmd.AddCommand(newLeaseCreateCommand())
	cmd.AddCommand(newLeaseListCommand())
	cmd.AddCommand(newLeaseGetCommand())
	cmd.AddCommand(newLeaseTransitionCommand("freeze", "Freeze an active lease",
		func(ctx context.Context, svc *leases.Service, key stores.LeaseKey) (*stores.Lease, error) {
			return svc.Freeze(ctx, key)
		}))
	cmd.AddCommand(newLeaseTransitionCommand("unfreeze", "Return a frozen lease to service",
		func(ctx context.Context, svc *leases.Service, key stores.LeaseKey) (*stores.Lease, error) {
			return svc.Unfreeze(ctx, key)
		}))
	cmd.AddCommand(newLeaseTransitionCommand("expire", "End a lease now",
		func(ctx context.Context, svc *leases.Service, key stores.LeaseKey) (*stores.Lease, error) {
			return svc.Expire(ctx, key, stores.ExpiryReasonManual)
		}))
	return cmd
}

func newLeaseCreateCommand() *cobra.Command {
	var (
		req                leases.NewLease
		maxSpend, hours    float64
		budgetThresholds   []string
		durationThresholds []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Grant a lease on an account",
		Example: `  leasekeeper lease create --email dev@example.com --account 123456789012 \
    --max-spend 100 --hours 72 \
    --budget-threshold 50:ALERT --budget-threshold 80:FREEZE \
    --duration-threshold 24:ALERT`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("max-spend") {
				req.MaxSpend = &maxSpend
			}
			if cmd.Flags().Changed("hours") {
				req.DurationHours = &hours
			}
			for _, raw := range budgetThresholds {
				amount, action, err := parseThreshold(raw)
				if err != nil {
					return err
				}
				req.BudgetThresholds = append(req.BudgetThresholds, stores.BudgetThreshold{DollarsSpent: amount, Action: action})
			}
			for _, raw := range durationThresholds {
				left, action, err := parseThreshold(raw)
				if err != nil {
					return err
				}
				req.DurationThresholds = append(req.DurationThresholds, stores.DurationThreshold{HoursRemaining: left, Action: action})
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				lease, err := a.leaseService().Create(ctx, req)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), lease)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), lease.LeaseKey.String())
				return err
			})
		},
	}

	cmd.Flags().StringVar(&req.UserEmail, "email", "", "lease holder email")
	cmd.Flags().StringVar(&req.AccountID, "account", "", "12-digit account id")
	cmd.Flags().StringVar(&req.TemplateName, "template", "", "lease template name")
	cmd.Flags().StringVar(&req.ApprovedBy, "approved-by", "", "approver email")
	cmd.Flags().Float64Var(&maxSpend, "max-spend", 0, "budget in dollars")
	cmd.Flags().Float64Var(&hours, "hours", 0, "lease duration in hours")
	cmd.Flags().StringArrayVar(&budgetThresholds, "budget-threshold", nil, "DOLLARS:ACTION, ACTION is ALERT or FREEZE (repeatable)")
	cmd.Flags().StringArrayVar(&durationThresholds, "duration-threshold", nil, "HOURS_LEFT:ACTION, ACTION is ALERT or FREEZE (repeatable)")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}

func newLeaseListCommand() *cobra.Command {
	var (
		statuses []string
		page     stores.PageRequest
	)

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List leases",
		Example: `  leasekeeper lease list --status Active --status Frozen`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter stores.LeaseFilter
			for _, s := range statuses {
				filter.Statuses = append(filter.Statuses, stores.LeaseStatus(s))
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				result, err := a.store.ListLeases(ctx, filter, page)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), result)
				}

				w := newTable(cmd.OutOrStdout())
				fmt.Fprintf(w, "LEASE\tACCOUNT\tSTATUS\tSPEND\tBUDGET\tEXPIRES\tCHECKED\n")
				for _, l := range result.Items {
					budget := "-"
					if l.MaxSpend != nil {
						budget = fmt.Sprintf("%.2f", *l.MaxSpend)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\t%s\t%s\n",
						l.LeaseKey, l.AWSAccountID, l.Status, l.TotalCostAccrued, budget,
						formatTime(l.ExpirationDate), formatTime(l.LastCheckedDate))
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

	cmd.Flags().StringArrayVar(&statuses, "status", nil, "only leases in this status (repeatable)")
	cmd.Flags().IntVar(&page.Limit, "limit", 50, "leases per page")
	cmd.Flags().StringVar(&page.Cursor, "cursor", "", "continue from a previous page")

	return cmd
}

func newLeaseGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <email/uuid>",
		Short: "Show one lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseLeaseKey(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				lease, err := a.store.GetLease(ctx, key)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), lease)
			})
		},
	}
}

type transitionFunc func(ctx context.Context, svc *leases.Service, key stores.LeaseKey) (*stores.Lease, error)

func newLeaseTransitionCommand(use, short string, apply transitionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <email/uuid>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseLeaseKey(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				lease, err := apply(ctx, a.leaseService(), key)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), lease)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s is %s\n", lease.LeaseKey, lease.Status)
				return err
			})
		},
	}
}

// parseLeaseKey splits "email/uuid". The uuid never contains a slash.
func parseLeaseKey(s string) (stores.LeaseKey, error) {
	i := strings.LastIndex(s, "/")
	if i <= 0 || i == len(s)-1 {
		return stores.LeaseKey{}, fmt.Errorf("invalid lease id %q, want email/uuid", s)
	}
	return stores.LeaseKey{UserEmail: s[:i], UUID: s[i+1:]}, nil
}

// parseThreshold splits "NUMBER:ACTION".
func parseThreshold(s string) (float64, stores.ThresholdAction, error) {
	num, action, ok := strings.Cut(s, ":")
	if !ok {
		return 0, "", fmt.Errorf("invalid threshold %q, want NUMBER:ACTION", s)
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid threshold %q: %w", s, err)
	}
	return v, stores.ThresholdAction(strings.ToUpper(action)), nil
}
