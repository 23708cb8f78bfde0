// Package cost looks up cumulative account spend for leases.
package cost

import (
	"context"
	"sync"
	"time"
)

const dateLayout = "2006-01-02"

// AccountWindow asks for the spend of one account since a lease started.
type AccountWindow struct {
	AccountID string
	StartDate time.Time
}

// Key identifies the window by account and UTC start day.
func (w AccountWindow) Key() string {
	return w.AccountID + "@" + w.StartDate.UTC().Format(dateLayout)
}

// Report holds cumulative cost per window key.
type Report map[string]float64

// Cost returns the spend recorded for w, zero when the account had none.
func (r Report) Cost(w AccountWindow) float64 {
	return r[w.Key()]
}

// Reporter answers cost queries for a batch of leases in one call.
type Reporter interface {
	GetCostForLeases(ctx context.Context, windows []AccountWindow, asOf time.Time) (Report, error)
}

// StaticReporter serves a fixed per-account table. It is used for local runs
// and tests.
type StaticReporter struct {
	mu    sync.Mutex
	costs map[string]float64
	err   error
	calls int
}

// NewStaticReporter creates a reporter with the given account costs.
func NewStaticReporter(costs map[string]float64) *StaticReporter {
	r := &StaticReporter{costs: make(map[string]float64)}
	for k, v := range costs {
		r.costs[k] = v
	}
	return r
}

// Set updates an account's cost.
func (r *StaticReporter) Set(accountID string, cost float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.costs[accountID] = cost
}

// FailWith makes every following call return err. A nil err clears it.
func (r *StaticReporter) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Calls returns the number of GetCostForLeases calls.
func (r *StaticReporter) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// GetCostForLeases implements Reporter.
func (r *StaticReporter) GetCostForLeases(ctx context.Context, windows []AccountWindow, _ time.Time) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, r.err
	}
	report := make(Report, len(windows))
	for _, w := range windows {
		report[w.Key()] = r.costs[w.AccountID]
	}
	return report, nil
}
