package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/leasekeeper/leasekeeper/pkg/config"
	"github.com/leasekeeper/leasekeeper/pkg/cost"
	"github.com/leasekeeper/leasekeeper/pkg/monitor"
)

func newMonitorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Check leases for spend and expiry",
	}
	cmd.AddCommand(newMonitorRunCommand())
	return cmd
}

func newMonitorRunCommand() *cobra.Command {
	var (
		every       time.Duration
		once        bool
		metricsAddr string
		staticCosts map[string]string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the monitoring cycle",
		Long: `Run the monitoring cycle over every Active and Frozen lease.

Each cycle fetches spend for all leases in one batch, publishes budget and
duration alerts, freezes or expires leases that crossed their limits and
records the new spend. Without --once the cycle repeats on a schedule
until interrupted.`,
		Example: `  # Single pass
  leasekeeper monitor run --once

  # Every 30 minutes with a metrics endpoint
  leasekeeper monitor run --every 30m --metrics-addr :9090

  # Local run with fixed spend instead of Cost Explorer
  leasekeeper monitor run --once --static-cost 123456789012=42.50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			adjust := func(cfg *config.Config) {
				if metricsAddr != "" {
					cfg.Telemetry.Metrics.ListenAddress = metricsAddr
				}
			}
			return withConfiguredApp(cmd, adjust, func(ctx context.Context, a *app) error {
				if !once {
					if err := a.tel.StartMetricsServer(); err != nil {
						return err
					}
				}

				reporter, err := costReporter(ctx, a, staticCosts)
				if err != nil {
					return err
				}

				pub, closePub, err := a.publisher(ctx)
				if err != nil {
					return err
				}
				defer closePub()

				cycle := monitor.NewCycle(a.cfg.Monitoring.Config, a.store, reporter, pub, a.retryExecutor(), a.clock, a.tel)

				if once {
					report, err := cycle.Run(ctx)
					if err != nil {
						return err
					}
					return printReport(cmd, report)
				}

				interval := every
				if interval == 0 {
					interval = a.cfg.Monitoring.Interval
				}
				a.tel.Logger.WithField("every", interval.String()).Info("monitoring started")
				return cycle.RunEvery(ctx, interval)
			})
		},
	}

	cmd.Flags().DurationVar(&every, "every", 0, "time between cycles (default from config)")
	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "metrics listen address (overrides config)")
	cmd.Flags().StringToStringVar(&staticCosts, "static-cost", nil, "fixed spend per account (account=amount), bypasses Cost Explorer")

	return cmd
}

func costReporter(ctx context.Context, a *app, static map[string]string) (cost.Reporter, error) {
	if len(static) == 0 {
		reporter, err := cost.LoadExplorerReporter(ctx, a.cfg.AWS.CostRegion, a.cfg.AWS.CostMetric, a.tel)
		if err != nil {
			return nil, err
		}
		return reporter, nil
	}

	costs := make(map[string]float64, len(static))
	for account, amount := range static {
		v, err := strconv.ParseFloat(amount, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid static cost for %s: %w", account, err)
		}
		costs[account] = v
	}
	return cost.NewStaticReporter(costs), nil
}

func printReport(cmd *cobra.Command, report *monitor.Report) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), report)
	}
	w := newTable(cmd.OutOrStdout())
	fmt.Fprintf(w, "STARTED\tDURATION\tSCANNED\tSKIPPED\tEVENTS\tPERSISTED\tFAILED\n")
	fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
		report.StartedAt.UTC().Format(time.RFC3339), report.Duration.Round(time.Millisecond),
		report.Scanned, report.Skipped, report.Events, report.Persisted, report.Failed)
	return w.Flush()
}
