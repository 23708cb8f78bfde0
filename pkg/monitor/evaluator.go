// Package monitor evaluates lease spend and duration against their thresholds
// and runs the periodic monitoring cycle.
package monitor

import (
	"time"

	"github.com/leasekeeper/leasekeeper/pkg/events"
	"github.com/leasekeeper/leasekeeper/pkg/stores"
)

// Evaluate returns the events a lease should emit for this check.
//
// A threshold is newly breached when it lies in the interval between the
// lease's last persisted state and the current one: previous cost < amount <=
// current cost, or previous check < trigger instant <= now. Nothing about
// earlier firings is remembered, so persisting the current state is what
// keeps the next call quiet.
//
// Evaluate does not modify lease.
func Evaluate(lease *stores.Lease, currentCost float64, now time.Time) []events.Payload {
	ref := leaseRef(lease)

	if lease.MaxSpend != nil && currentCost >= *lease.MaxSpend {
		return []events.Payload{events.LeaseBudgetExceeded{
			Lease:     ref,
			TotalCost: currentCost,
			MaxSpend:  *lease.MaxSpend,
		}}
	}

	if lease.ExpirationDate != nil && now.After(*lease.ExpirationDate) {
		return []events.Payload{events.LeaseExpired{
			Lease:          ref,
			ExpirationDate: *lease.ExpirationDate,
			CheckedAt:      now,
		}}
	}

	budget := breachedBudgetThresholds(lease, currentCost)
	duration := breachedDurationThresholds(lease, now)

	if t, ok := largestBudget(budget, stores.ThresholdActionFreeze); ok {
		return []events.Payload{events.LeaseFreezeRequested{
			Lease:     ref,
			Reason:    events.FreezeReasonBudgetExceeded,
			Threshold: t.DollarsSpent,
		}}
	}
	if t, ok := mostImminent(duration, stores.ThresholdActionFreeze); ok {
		return []events.Payload{events.LeaseFreezeRequested{
			Lease:     ref,
			Reason:    events.FreezeReasonExpired,
			Threshold: t.HoursRemaining,
		}}
	}

	var out []events.Payload
	if t, ok := largestBudget(budget, stores.ThresholdActionAlert); ok {
		out = append(out, events.LeaseBudgetThresholdBreached{
			Lease:        ref,
			DollarsSpent: t.DollarsSpent,
			TotalCost:    currentCost,
			MaxSpend:     lease.MaxSpend,
		})
	}
	if t, ok := mostImminent(duration, stores.ThresholdActionAlert); ok {
		out = append(out, events.LeaseDurationThresholdBreached{
			Lease:          ref,
			HoursRemaining: t.HoursRemaining,
			ExpirationDate: *lease.ExpirationDate,
		})
	}
	return out
}

// previousCheck is when the lease was last evaluated. A lease that was never
// checked counts from its start date.
func previousCheck(lease *stores.Lease) time.Time {
	switch {
	case lease.LastCheckedDate != nil:
		return *lease.LastCheckedDate
	case lease.StartDate != nil:
		return *lease.StartDate
	default:
		return time.Time{}
	}
}

func breachedBudgetThresholds(lease *stores.Lease, currentCost float64) []stores.BudgetThreshold {
	var out []stores.BudgetThreshold
	for _, t := range lease.BudgetThresholds {
		if lease.TotalCostAccrued < t.DollarsSpent && t.DollarsSpent <= currentCost {
			out = append(out, t)
		}
	}
	return out
}

func breachedDurationThresholds(lease *stores.Lease, now time.Time) []stores.DurationThreshold {
	if lease.ExpirationDate == nil {
		return nil
	}
	prev := previousCheck(lease)

	var out []stores.DurationThreshold
	for _, t := range lease.DurationThresholds {
		trigger := TriggerTime(*lease.ExpirationDate, t.HoursRemaining)
		if prev.Before(trigger) && !trigger.After(now) {
			out = append(out, t)
		}
	}
	return out
}

// TriggerTime is the instant a duration threshold fires: hoursRemaining
// before expiration.
func TriggerTime(expiration time.Time, hoursRemaining float64) time.Time {
	return expiration.Add(-time.Duration(hoursRemaining * float64(time.Hour)))
}

func largestBudget(ts []stores.BudgetThreshold, action stores.ThresholdAction) (stores.BudgetThreshold, bool) {
	var best stores.BudgetThreshold
	found := false
	for _, t := range ts {
		if t.Action != action {
			continue
		}
		if !found || t.DollarsSpent > best.DollarsSpent {
			best, found = t, true
		}
	}
	return best, found
}

func mostImminent(ts []stores.DurationThreshold, action stores.ThresholdAction) (stores.DurationThreshold, bool) {
	var best stores.DurationThreshold
	found := false
	for _, t := range ts {
		if t.Action != action {
			continue
		}
		if !found || t.HoursRemaining < best.HoursRemaining {
			best, found = t, true
		}
	}
	return best, found
}

func leaseRef(lease *stores.Lease) events.LeaseRef {
	return events.LeaseRef{
		UserEmail: lease.UserEmail,
		UUID:      lease.UUID,
		AccountID: lease.AWSAccountID,
	}
}
