package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"

	"github.com/leasekeeper/leasekeeper/pkg/cost"
	"github.com/leasekeeper/leasekeeper/pkg/events"
	"github.com/leasekeeper/leasekeeper/pkg/retry"
	"github.com/leasekeeper/leasekeeper/pkg/stores"
	"github.com/leasekeeper/leasekeeper/pkg/telemetry"
)

// DefaultPageSize is how many leases are loaded per store query.
const DefaultPageSize = 100

// monitoredStatuses are the lease states a cycle looks at.
var monitoredStatuses = []stores.LeaseStatus{
	stores.LeaseStatusActive,
	stores.LeaseStatusFrozen,
}

// Config configures a Cycle.
type Config struct {
	PageSize int `mapstructure:"page_size" validate:"min=0,max=500"`
}

// Report summarizes one cycle.
type Report struct {
	StartedAt time.Time
	Duration  time.Duration

	// Scanned counts leases loaded from the store.
	Scanned int
	// Skipped counts leases that could not be evaluated.
	Skipped int
	// Events counts events published.
	Events int
	// Persisted counts leases whose cost and check time were written.
	Persisted int
	// Failed counts leases whose events or state could not be written.
	Failed int
}

// Cycle is one monitoring pass over every Active and Frozen lease.
type Cycle struct {
	store    stores.Store
	costs    cost.Reporter
	bus      events.Bus
	retry    *retry.Executor
	clock    quartz.Clock
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	pageSize int
}

// NewCycle wires a monitoring cycle. tel and clock may be nil.
func NewCycle(cfg Config, store stores.Store, costs cost.Reporter, bus events.Bus, exec *retry.Executor, clock quartz.Clock, tel *telemetry.Telemetry) *Cycle {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Cycle{
		store:    store,
		costs:    costs,
		bus:      bus,
		retry:    exec,
		clock:    clock,
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("monitor"),
		pageSize: pageSize,
	}
}

type evaluation struct {
	lease    *stores.Lease
	cost     float64
	payloads []events.Payload
	failed   bool
}

// publish delivers payload before returning. A bus that can queue events is
// asked for synchronous delivery so a sink failure reaches the cycle.
func (c *Cycle) publish(ctx context.Context, payload events.Payload) error {
	if sb, ok := c.bus.(events.SyncBus); ok {
		return sb.PublishSync(ctx, payload)
	}
	return c.bus.Publish(ctx, payload)
}

// Run executes one cycle.
//
// Every event of the cycle is published before any lease is written, so a
// crash in between can only repeat an event, never lose one. A lease whose
// events could not be published keeps its previous state and is re-evaluated
// next cycle. Failures on one lease never stop the others; only a failed cost
// lookup aborts the cycle, before anything is published or written.
//
// A lease without an account cannot be priced. It is counted as skipped and
// only its check time is recorded, with its accrued cost left as it was.
func (c *Cycle) Run(ctx context.Context) (report *Report, err error) {
	ctx, span := c.tel.Tracer.StartCycleSpan(ctx)
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}()

	now := c.clock.Now().UTC()
	report = &Report{StartedAt: now}
	defer func() {
		report.Duration = c.clock.Since(now)
		result := "success"
		switch {
		case err != nil:
			result = "error"
		case report.Failed > 0 || report.Skipped > 0:
			result = "partial"
		}
		c.tel.Metrics.RecordCycle(result, report.Scanned, report.Duration)
	}()

	leases, err := c.loadLeases(ctx)
	if err != nil {
		return report, err
	}
	report.Scanned = len(leases)
	span.SetAttributes(telemetry.AttrLeaseCount.Int(len(leases)))

	var evals, priced []*evaluation
	var windows []cost.AccountWindow
	for _, lease := range leases {
		ev := &evaluation{lease: lease}
		evals = append(evals, ev)
		if lease.AWSAccountID == "" {
			ev.cost = lease.TotalCostAccrued
			report.Skipped++
			c.tel.Metrics.RecordLeaseFailure("evaluate")
			c.logger.WithLease(lease.LeaseKey.String(), "").Warn("skipping lease without an account")
			continue
		}
		priced = append(priced, ev)
		windows = append(windows, costWindow(lease))
	}
	if len(evals) == 0 {
		return report, nil
	}

	if len(priced) > 0 {
		costReport, err := retry.Do(ctx, c.retry, "GetCostForLeases", func(ctx context.Context) (cost.Report, error) {
			return c.costs.GetCostForLeases(ctx, windows, now)
		})
		if err != nil {
			c.logger.WithError(err).Error("cost lookup failed, aborting cycle")
			return report, fmt.Errorf("failed to get lease costs: %w", err)
		}

		for i, ev := range priced {
			ev.cost = costReport.Cost(windows[i])
			ev.payloads = Evaluate(ev.lease, ev.cost, now)
		}
	}

	for _, ev := range evals {
		for _, payload := range ev.payloads {
			if err := c.publish(ctx, payload); err != nil {
				ev.failed = true
				c.tel.Metrics.RecordLeaseFailure("publish")
				c.logger.WithLease(ev.lease.LeaseKey.String(), ev.lease.AWSAccountID).
					WithError(err).
					WithField("event_type", string(payload.EventType())).
					Error("failed to publish lease event")
				continue
			}
			report.Events++
			c.tel.Metrics.RecordLeaseEvent(string(payload.EventType()))
		}
	}
	span.SetAttributes(telemetry.AttrEventCount.Int(report.Events))

	for _, ev := range evals {
		if ev.failed {
			report.Failed++
			continue
		}
		if err := c.store.RecordLeaseCheck(ctx, ev.lease.LeaseKey, ev.cost, now); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return report, ctxErr
			}
			report.Failed++
			c.tel.Metrics.RecordLeaseFailure("persist")
			c.logger.WithLease(ev.lease.LeaseKey.String(), ev.lease.AWSAccountID).
				WithError(err).
				Error("failed to record lease check")
			continue
		}
		report.Persisted++
	}

	c.logger.WithFields(map[string]interface{}{
		"scanned":   report.Scanned,
		"events":    report.Events,
		"persisted": report.Persisted,
		"failed":    report.Failed,
		"skipped":   report.Skipped,
	}).Info("monitoring cycle finished")

	return report, nil
}

func (c *Cycle) loadLeases(ctx context.Context) ([]*stores.Lease, error) {
	var leases []*stores.Lease
	page := stores.PageRequest{Limit: c.pageSize}
	for {
		result, err := c.store.ListLeases(ctx, stores.LeaseFilter{Statuses: monitoredStatuses}, page)
		if err != nil {
			return nil, fmt.Errorf("failed to list leases: %w", err)
		}
		leases = append(leases, result.Items...)
		if result.NextCursor == "" {
			return leases, nil
		}
		page.Cursor = result.NextCursor
	}
}

// costWindow asks for spend since the lease started, falling back to its
// creation time.
func costWindow(lease *stores.Lease) cost.AccountWindow {
	start := lease.CreatedAt
	if lease.StartDate != nil {
		start = *lease.StartDate
	}
	return cost.AccountWindow{AccountID: lease.AWSAccountID, StartDate: start}
}

// RunEvery runs a cycle immediately and then on every tick until ctx is done.
// A failed cycle is logged and the schedule continues.
func (c *Cycle) RunEvery(ctx context.Context, every time.Duration) error {
	run := func() error {
		if _, err := c.Run(ctx); err != nil && ctx.Err() == nil {
			c.logger.WithError(err).Error("monitoring cycle failed")
		}
		return nil
	}

	_ = run()
	err := c.clock.TickerFunc(ctx, every, run, "monitor").Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
