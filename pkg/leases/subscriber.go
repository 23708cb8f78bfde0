package leases

import (
	"context"
	"errors"

	"github.com/leasekeeper/leasekeeper/pkg/events"
	"github.com/leasekeeper/leasekeeper/pkg/stores"
)

// LifecycleTypes are the events Subscriber acts on.
var LifecycleTypes = []events.Type{
	events.TypeLeaseFreezeRequested,
	events.TypeLeaseBudgetExceeded,
	events.TypeLeaseExpired,
}

// Subscriber applies lifecycle events to leases: a freeze request freezes
// the lease, budget exhaustion and expiration end it. Events that no longer
// apply, such as a freeze request for an expired lease, are ignored.
func (s *Service) Subscriber() events.Subscriber {
	return func(ctx context.Context, e events.Event) error {
		var err error
		switch p := e.Payload.(type) {
		case events.LeaseFreezeRequested:
			_, err = s.Freeze(ctx, key(p.Lease))
		case events.LeaseBudgetExceeded:
			_, err = s.Expire(ctx, key(p.Lease), stores.ExpiryReasonBudgetExceeded)
		case events.LeaseExpired:
			_, err = s.Expire(ctx, key(p.Lease), stores.ExpiryReasonExpired)
		default:
			return nil
		}

		if errors.Is(err, ErrInvalidTransition) {
			s.logger.WithError(err).WithField("dedup_key", e.DedupKey).Debug("ignoring stale lifecycle event")
			return nil
		}
		return err
	}
}

// Register subscribes the service to lifecycle events on pub.
func (s *Service) Register(pub *events.Publisher) {
	pub.Subscribe("lease-lifecycle", s.Subscriber(), events.FilterByType(LifecycleTypes...))
}

func key(ref events.LeaseRef) stores.LeaseKey {
	return stores.LeaseKey{UserEmail: ref.UserEmail, UUID: ref.UUID}
}
