// Package leases manages lease lifecycle transitions.
package leases

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/leasekeeper/leasekeeper/pkg/stores"
	"github.com/leasekeeper/leasekeeper/pkg/telemetry"
)

// ErrInvalidTransition is returned when a lease cannot move to the
// requested status from its current one.
var ErrInvalidTransition = errors.New("invalid lease transition")

// DefaultMaxAttempts bounds the re-read-and-retry loop on concurrent edits.
const DefaultMaxAttempts = 3

// NewLease describes a lease to grant.
type NewLease struct {
	UserEmail          string                     `validate:"required,email"`
	AccountID          string                     `validate:"required,numeric,len=12"`
	TemplateName       string                     `validate:"omitempty,max=128"`
	ApprovedBy         string                     `validate:"omitempty,email"`
	MaxSpend           *float64                   `validate:"omitempty,gt=0"`
	DurationHours      *float64                   `validate:"omitempty,gt=0"`
	BudgetThresholds   []stores.BudgetThreshold   `validate:"dive"`
	DurationThresholds []stores.DurationThreshold `validate:"dive"`
}

// Service performs lease transitions with optimistic concurrency.
type Service struct {
	store       stores.Store
	clock       quartz.Clock
	validator   *validator.Validate
	tel         *telemetry.Telemetry
	logger      *telemetry.Logger
	maxAttempts int
}

// NewService creates a lease service. clock and tel may be nil.
func NewService(store stores.Store, clock quartz.Clock, tel *telemetry.Telemetry) *Service {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &Service{
		store:       store,
		clock:       clock,
		validator:   validator.New(),
		tel:         tel,
		logger:      tel.Logger.NewComponentLogger("leases"),
		maxAttempts: DefaultMaxAttempts,
	}
}

// Create grants a new Active lease starting now.
func (s *Service) Create(ctx context.Context, req NewLease) (*stores.Lease, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid lease: %w", err)
	}

	now := s.clock.Now().UTC()
	lease := &stores.Lease{
		LeaseKey:             stores.LeaseKey{UserEmail: req.UserEmail, UUID: uuid.NewString()},
		Status:               stores.LeaseStatusActive,
		AWSAccountID:         req.AccountID,
		TemplateName:         req.TemplateName,
		ApprovedBy:           req.ApprovedBy,
		MaxSpend:             req.MaxSpend,
		BudgetThresholds:     req.BudgetThresholds,
		LeaseDurationInHours: req.DurationHours,
		DurationThresholds:   req.DurationThresholds,
		StartDate:            &now,
	}
	if req.DurationHours != nil {
		expiration := now.Add(time.Duration(*req.DurationHours * float64(time.Hour)))
		lease.ExpirationDate = &expiration
	}

	if err := s.store.CreateLease(ctx, lease); err != nil {
		return nil, fmt.Errorf("failed to create lease: %w", err)
	}

	s.logger.WithLease(lease.LeaseKey.String(), lease.AWSAccountID).Info("lease created")
	return lease, nil
}

// Freeze moves an Active lease to Frozen. A lease that is already Frozen is
// returned unchanged.
func (s *Service) Freeze(ctx context.Context, key stores.LeaseKey) (*stores.Lease, error) {
	return s.transition(ctx, key, stores.LeaseStatusFrozen, func(l *stores.Lease) error {
		if l.Status != stores.LeaseStatusActive {
			return invalid(l, stores.LeaseStatusFrozen)
		}
		return nil
	})
}

// Unfreeze moves a Frozen lease back to Active. A lease that is already
// Active is returned unchanged.
func (s *Service) Unfreeze(ctx context.Context, key stores.LeaseKey) (*stores.Lease, error) {
	return s.transition(ctx, key, stores.LeaseStatusActive, func(l *stores.Lease) error {
		if l.Status != stores.LeaseStatusFrozen {
			return invalid(l, stores.LeaseStatusActive)
		}
		return nil
	})
}

// Expire ends an Active or Frozen lease. A lease that is already Expired is
// returned unchanged and keeps its original reason.
func (s *Service) Expire(ctx context.Context, key stores.LeaseKey, reason stores.ExpiryReason) (*stores.Lease, error) {
	return s.transition(ctx, key, stores.LeaseStatusExpired, func(l *stores.Lease) error {
		if l.Status != stores.LeaseStatusActive && l.Status != stores.LeaseStatusFrozen {
			return invalid(l, stores.LeaseStatusExpired)
		}
		end := s.clock.Now().UTC()
		l.ExpiryReason = reason
		l.EndDate = &end
		return nil
	})
}

func invalid(l *stores.Lease, to stores.LeaseStatus) error {
	return fmt.Errorf("lease %s: %s -> %s: %w", l.LeaseKey, l.Status, to, ErrInvalidTransition)
}

// transition re-reads the lease and applies check until the guarded update
// wins or the attempts run out.
func (s *Service) transition(ctx context.Context, key stores.LeaseKey, to stores.LeaseStatus, check func(*stores.Lease) error) (*stores.Lease, error) {
	logger := s.logger.WithLease(key.String(), "")

	for attempt := 1; ; attempt++ {
		lease, err := s.store.GetLease(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to load lease: %w", err)
		}
		if lease.Status == to {
			return lease, nil
		}

		from := lease.Status
		if err := check(lease); err != nil {
			return nil, err
		}
		lease.Status = to

		expected := lease.LastEditTime
		err = s.store.UpdateLease(ctx, lease, &expected)
		if errors.Is(err, stores.ErrConcurrentModification) && attempt < s.maxAttempts {
			logger.WithField("attempt", attempt).Debug("lease changed underneath, retrying")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update lease: %w", err)
		}

		s.tel.Metrics.RecordLeaseTransition(string(from), string(to))
		logger.WithFields(map[string]interface{}{
			"from":       string(from),
			"to":         string(to),
			"account_id": lease.AWSAccountID,
		}).Info("lease transitioned")
		return lease, nil
	}
}
