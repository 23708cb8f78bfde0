package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leasekeeper/leasekeeper/pkg/events"
	"github.com/leasekeeper/leasekeeper/pkg/stores"
)

var (
	start      = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	expiration = start.Add(48 * time.Hour)
)

func ptr[T any](v T) *T { return &v }

func alert(amount float64) stores.BudgetThreshold {
	return stores.BudgetThreshold{DollarsSpent: amount, Action: stores.ThresholdActionAlert}
}

func freeze(amount float64) stores.BudgetThreshold {
	return stores.BudgetThreshold{DollarsSpent: amount, Action: stores.ThresholdActionFreeze}
}

func hoursLeft(hours float64, action stores.ThresholdAction) stores.DurationThreshold {
	return stores.DurationThreshold{HoursRemaining: hours, Action: action}
}

func newLease(prevCost float64, budget ...stores.BudgetThreshold) *stores.Lease {
	return &stores.Lease{
		LeaseKey:         stores.LeaseKey{UserEmail: "dev@example.com", UUID: "lease-1"},
		Status:           stores.LeaseStatusActive,
		AWSAccountID:     "111111111111",
		BudgetThresholds: budget,
		TotalCostAccrued: prevCost,
		StartDate:        ptr(start),
	}
}

func TestEvaluateFreezeSuppressesAlert(t *testing.T) {
	lease := newLease(40, alert(50), freeze(90))
	lease.MaxSpend = ptr(100.0)

	got := Evaluate(lease, 95, start.Add(time.Hour))

	require.Len(t, got, 1)
	assert.Equal(t, events.LeaseFreezeRequested{
		Lease:     events.LeaseRef{UserEmail: "dev@example.com", UUID: "lease-1", AccountID: "111111111111"},
		Reason:    events.FreezeReasonBudgetExceeded,
		Threshold: 90,
	}, got[0])
}

func TestEvaluateReportsLargestBudgetThreshold(t *testing.T) {
	lease := newLease(10, alert(20), alert(60))

	got := Evaluate(lease, 70, start.Add(time.Hour))

	require.Len(t, got, 1)
	breach, ok := got[0].(events.LeaseBudgetThresholdBreached)
	require.True(t, ok)
	assert.Equal(t, 60.0, breach.DollarsSpent)
	assert.Equal(t, 70.0, breach.TotalCost)
}

func TestEvaluateBudgetExceededStopsEvaluation(t *testing.T) {
	lease := newLease(10, alert(20), freeze(90))
	lease.MaxSpend = ptr(100.0)
	lease.ExpirationDate = ptr(start.Add(time.Hour))

	got := Evaluate(lease, 100, start.Add(2*time.Hour))
	assert.Equal(t, []events.Payload{events.LeaseBudgetExceeded{
		Lease:     events.LeaseRef{UserEmail: "dev@example.com", UUID: "lease-1", AccountID: "111111111111"},
		TotalCost: 100,
		MaxSpend:  100,
	}}, got)
}

func TestEvaluateExpired(t *testing.T) {
	lease := newLease(0, alert(20))
	lease.ExpirationDate = ptr(expiration)

	assert.Empty(t, Evaluate(lease, 0, expiration), "expiration itself is not past")

	got := Evaluate(lease, 30, expiration.Add(time.Second))
	require.Len(t, got, 1)
	assert.IsType(t, events.LeaseExpired{}, got[0])
}

func TestEvaluateThresholdBoundaries(t *testing.T) {
	lease := newLease(50, alert(50), alert(60))

	// Previous cost equal to a threshold means it fired already.
	assert.Empty(t, Evaluate(lease, 59.99, start))

	got := Evaluate(lease, 60, start)
	require.Len(t, got, 1)
	assert.Equal(t, 60.0, got[0].(events.LeaseBudgetThresholdBreached).DollarsSpent)
}

func TestEvaluateDurationThresholds(t *testing.T) {
	lease := newLease(0)
	lease.ExpirationDate = ptr(expiration)
	lease.LastCheckedDate = ptr(expiration.Add(-30 * time.Hour))
	lease.DurationThresholds = []stores.DurationThreshold{
		hoursLeft(24, stores.ThresholdActionAlert),
		hoursLeft(12, stores.ThresholdActionAlert),
		hoursLeft(2, stores.ThresholdActionFreeze),
	}

	// Both 24h and 12h triggers fall into (prev, now]; the most imminent wins.
	now := expiration.Add(-10 * time.Hour)
	got := Evaluate(lease, 0, now)
	require.Len(t, got, 1)
	assert.Equal(t, events.LeaseDurationThresholdBreached{
		Lease:          events.LeaseRef{UserEmail: "dev@example.com", UUID: "lease-1", AccountID: "111111111111"},
		HoursRemaining: 12,
		ExpirationDate: expiration,
	}, got[0])

	// Trigger instant equal to now counts.
	lease.LastCheckedDate = ptr(now)
	got = Evaluate(lease, 0, expiration.Add(-2*time.Hour))
	require.Len(t, got, 1)
	assert.Equal(t, events.LeaseFreezeRequested{
		Lease:     events.LeaseRef{UserEmail: "dev@example.com", UUID: "lease-1", AccountID: "111111111111"},
		Reason:    events.FreezeReasonExpired,
		Threshold: 2,
	}, got[0])
}

func TestEvaluateNeverCheckedUsesStartDate(t *testing.T) {
	lease := newLease(0)
	lease.ExpirationDate = ptr(expiration)
	// Would have triggered before the lease started.
	lease.DurationThresholds = []stores.DurationThreshold{hoursLeft(72, stores.ThresholdActionAlert)}

	assert.Empty(t, Evaluate(lease, 0, start.Add(time.Hour)))

	lease.StartDate = nil
	assert.Len(t, Evaluate(lease, 0, start.Add(time.Hour)), 1)
}

func TestEvaluateBudgetFreezeBeatsDurationFreeze(t *testing.T) {
	lease := newLease(0, freeze(50), alert(40))
	lease.ExpirationDate = ptr(expiration)
	lease.DurationThresholds = []stores.DurationThreshold{hoursLeft(4, stores.ThresholdActionFreeze)}

	got := Evaluate(lease, 55, expiration.Add(-time.Hour))
	require.Len(t, got, 1)
	assert.Equal(t, events.FreezeReasonBudgetExceeded, got[0].(events.LeaseFreezeRequested).Reason)
}

func TestEvaluateDurationFreezeSuppressesBudgetAlert(t *testing.T) {
	lease := newLease(0, alert(40))
	lease.ExpirationDate = ptr(expiration)
	lease.DurationThresholds = []stores.DurationThreshold{
		hoursLeft(4, stores.ThresholdActionFreeze),
		hoursLeft(8, stores.ThresholdActionAlert),
	}

	got := Evaluate(lease, 45, expiration.Add(-time.Hour))
	require.Len(t, got, 1)
	assert.Equal(t, events.FreezeReasonExpired, got[0].(events.LeaseFreezeRequested).Reason)
}

func TestEvaluateBudgetAndDurationAlertsBothFire(t *testing.T) {
	lease := newLease(0, alert(40))
	lease.ExpirationDate = ptr(expiration)
	lease.DurationThresholds = []stores.DurationThreshold{hoursLeft(8, stores.ThresholdActionAlert)}

	got := Evaluate(lease, 45, expiration.Add(-time.Hour))
	require.Len(t, got, 2)
	assert.IsType(t, events.LeaseBudgetThresholdBreached{}, got[0])
	assert.IsType(t, events.LeaseDurationThresholdBreached{}, got[1])
}

func TestEvaluateIsIdempotentOncePersisted(t *testing.T) {
	lease := newLease(10, alert(20), alert(60), freeze(80))
	lease.ExpirationDate = ptr(expiration)
	lease.DurationThresholds = []stores.DurationThreshold{
		hoursLeft(24, stores.ThresholdActionAlert),
		hoursLeft(1, stores.ThresholdActionFreeze),
	}

	steps := []struct {
		cost float64
		at   time.Time
	}{
		{30, start.Add(6 * time.Hour)},
		{70, expiration.Add(-20 * time.Hour)},
		{85, expiration.Add(-20 * time.Hour)},
		{85, expiration.Add(-30 * time.Minute)},
	}

	for _, step := range steps {
		first := Evaluate(lease, step.cost, step.at)
		require.NotEmpty(t, first, "cost %v at %v", step.cost, step.at)

		// Persist what the cycle would persist.
		lease.TotalCostAccrued = step.cost
		lease.LastCheckedDate = ptr(step.at)

		assert.Empty(t, Evaluate(lease, step.cost, step.at), "cost %v at %v", step.cost, step.at)
	}
}

func TestEvaluateDoesNotMutateLease(t *testing.T) {
	lease := newLease(10, alert(20))
	before := *lease
	Evaluate(lease, 50, start.Add(time.Hour))
	assert.Equal(t, before, *lease)
}

func TestTriggerTime(t *testing.T) {
	assert.Equal(t, expiration.Add(-90*time.Minute), TriggerTime(expiration, 1.5))
}
