package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/coder/quartz"
	"github.com/spf13/cobra"

	"github.com/leasekeeper/leasekeeper/pkg/config"
	"github.com/leasekeeper/leasekeeper/pkg/events"
	"github.com/leasekeeper/leasekeeper/pkg/leases"
	"github.com/leasekeeper/leasekeeper/pkg/provisioning"
	"github.com/leasekeeper/leasekeeper/pkg/retry"
	"github.com/leasekeeper/leasekeeper/pkg/stores"
	"github.com/leasekeeper/leasekeeper/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "leasekeeper",
		Short: "Leasekeeper - sandbox account lease monitoring and blueprint deployment",
		Long: `Leasekeeper watches leased sandbox accounts and deploys blueprints into them.

Features:
  - Periodic cost and expiry checks with threshold alerts
  - Automatic freeze and expiry of leases that run over budget or time
  - Multi-region blueprint rollouts through CloudFormation StackSets
  - Rollout policy checks via OPA/rego
  - Deployment history with per-blueprint health metrics`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newMonitorCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newBlueprintCommand())
	rootCmd.AddCommand(newLeaseCommand())
	rootCmd.AddCommand(newPruneCommand())

	return rootCmd
}

// app holds what every command needs once configuration is loaded.
type app struct {
	cfg   *config.Config
	tel   *telemetry.Telemetry
	store *stores.SQLiteStore
	clock quartz.Clock
}

// openApp loads configuration, applies adjust, sets up telemetry and opens
// the store.
func openApp(ctx context.Context, adjust func(*config.Config)) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if adjust != nil {
		adjust(cfg)
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	clock := quartz.NewReal()
	store, err := stores.NewSQLiteStore(cfg.Store.SQLite(clock))
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}

	return &app{cfg: cfg, tel: tel, store: store, clock: clock}, nil
}

// Close releases the store and flushes telemetry.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(a.store.Close(), a.tel.Shutdown(ctx))
}

// withApp runs fn with an open app and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	return withConfiguredApp(cmd, nil, fn)
}

func withConfiguredApp(cmd *cobra.Command, adjust func(*config.Config), fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, adjust)
	if err != nil {
		return err
	}
	ctx = a.tel.WithContext(ctx)

	runErr := fn(ctx, a)
	if err := a.Close(); err != nil {
		a.tel.Logger.WithError(err).Warn("shutdown incomplete")
	}
	return runErr
}

func (a *app) retryExecutor() *retry.Executor {
	return retry.New(a.cfg.Deployment.Backoff, provisioning.IsRetryable,
		retry.WithClock(a.clock), retry.WithTelemetry(a.tel))
}

// publisher builds the event bus with the configured sink and the lease
// lifecycle subscriber attached.
func (a *app) publisher(ctx context.Context) (*events.Publisher, func(), error) {
	var (
		sink    events.Sink
		closeFn = func() {}
	)
	switch a.cfg.Events.Sink {
	case config.SinkRedis:
		redisSink, err := events.DialRedisStreamSink(ctx, a.cfg.Events.Redis)
		if err != nil {
			return nil, nil, err
		}
		sink = redisSink
		closeFn = func() { _ = redisSink.Close() }
	default:
		sink = events.NewLogSink(a.tel.Logger)
	}

	pub := events.NewPublisher(a.cfg.Events.Publisher("leasekeeper"), a.tel, a.clock, sink)
	a.leaseService().Register(pub)

	return pub, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := pub.Shutdown(shutdownCtx); err != nil {
			a.tel.Logger.WithError(err).Warn("event publisher did not drain")
		}
		closeFn()
	}, nil
}

func (a *app) leaseService() *leases.Service {
	return leases.NewService(a.store, a.clock, a.tel)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
