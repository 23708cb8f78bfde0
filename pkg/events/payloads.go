// Package events defines the lifecycle events leasekeeper emits and the
// publisher that delivers them to sinks and in-process subscribers.
//
// Delivery is at-least-once. Every payload carries a DedupKey that stays the
// same when the same signal is emitted again, so consumers can drop repeats.
package events

import (
	"fmt"
	"strconv"
	"time"
)

// Type names an event.
type Type string

const (
	TypeLeaseBudgetExceeded            Type = "LeaseBudgetExceeded"
	TypeLeaseExpired                   Type = "LeaseExpired"
	TypeLeaseBudgetThresholdBreached   Type = "LeaseBudgetThresholdBreached"
	TypeLeaseDurationThresholdBreached Type = "LeaseDurationThresholdBreached"
	TypeLeaseFreezeRequested           Type = "LeaseFreezeRequested"
	TypeDeploymentSucceeded            Type = "DeploymentSucceeded"
	TypeDeploymentFailed               Type = "DeploymentFailed"
)

// Payload is the body of an event.
type Payload interface {
	EventType() Type
	DedupKey() string
}

// LeaseRef identifies the lease an event is about.
type LeaseRef struct {
	UserEmail string `json:"userEmail"`
	UUID      string `json:"uuid"`
	AccountID string `json:"accountId"`
}

// ID renders the lease identity as "email/uuid".
func (r LeaseRef) ID() string {
	return r.UserEmail + "/" + r.UUID
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// LeaseBudgetExceeded is emitted when spend reaches the lease's max spend.
type LeaseBudgetExceeded struct {
	Lease     LeaseRef `json:"lease"`
	TotalCost float64  `json:"totalCost"`
	MaxSpend  float64  `json:"maxSpend"`
}

func (e LeaseBudgetExceeded) EventType() Type { return TypeLeaseBudgetExceeded }

func (e LeaseBudgetExceeded) DedupKey() string {
	return fmt.Sprintf("%s:%s", e.EventType(), e.Lease.ID())
}

// LeaseExpired is emitted once the lease's expiration date has passed.
type LeaseExpired struct {
	Lease          LeaseRef  `json:"lease"`
	ExpirationDate time.Time `json:"expirationDate"`
	CheckedAt      time.Time `json:"checkedAt"`
}

func (e LeaseExpired) EventType() Type { return TypeLeaseExpired }

func (e LeaseExpired) DedupKey() string {
	return fmt.Sprintf("%s:%s", e.EventType(), e.Lease.ID())
}

// LeaseBudgetThresholdBreached is an alert that spend crossed a threshold.
type LeaseBudgetThresholdBreached struct {
	Lease        LeaseRef `json:"lease"`
	DollarsSpent float64  `json:"dollarsSpent"`
	TotalCost    float64  `json:"totalCost"`
	MaxSpend     *float64 `json:"maxSpend,omitempty"`
}

func (e LeaseBudgetThresholdBreached) EventType() Type { return TypeLeaseBudgetThresholdBreached }

func (e LeaseBudgetThresholdBreached) DedupKey() string {
	return fmt.Sprintf("%s:%s:%s", e.EventType(), e.Lease.ID(), formatAmount(e.DollarsSpent))
}

// LeaseDurationThresholdBreached is an alert that expiration is HoursRemaining away.
type LeaseDurationThresholdBreached struct {
	Lease          LeaseRef  `json:"lease"`
	HoursRemaining float64   `json:"hoursRemaining"`
	ExpirationDate time.Time `json:"expirationDate"`
}

func (e LeaseDurationThresholdBreached) EventType() Type { return TypeLeaseDurationThresholdBreached }

func (e LeaseDurationThresholdBreached) DedupKey() string {
	return fmt.Sprintf("%s:%s:%s", e.EventType(), e.Lease.ID(), formatAmount(e.HoursRemaining))
}

// FreezeReason says which axis asked for a freeze.
type FreezeReason string

const (
	FreezeReasonBudgetExceeded FreezeReason = "BudgetExceeded"
	FreezeReasonExpired        FreezeReason = "Expired"
)

// LeaseFreezeRequested asks for the lease's account to be frozen.
type LeaseFreezeRequested struct {
	Lease  LeaseRef     `json:"lease"`
	Reason FreezeReason `json:"reason"`
	// Threshold is the dollar amount or hours remaining that triggered the freeze.
	Threshold float64 `json:"threshold"`
}

func (e LeaseFreezeRequested) EventType() Type { return TypeLeaseFreezeRequested }

func (e LeaseFreezeRequested) DedupKey() string {
	return fmt.Sprintf("%s:%s:%s:%s", e.EventType(), e.Lease.ID(), e.Reason, formatAmount(e.Threshold))
}

// DeploymentResult identifies a finished deployment.
type DeploymentResult struct {
	LeaseID     string `json:"leaseId"`
	BlueprintID string `json:"blueprintId"`
	AccountID   string `json:"accountId"`
	OperationID string `json:"operationId"`
}

// DeploymentSucceeded reports a blueprint deployed into a leased account.
type DeploymentSucceeded struct {
	DeploymentResult
}

func (e DeploymentSucceeded) EventType() Type { return TypeDeploymentSucceeded }

func (e DeploymentSucceeded) DedupKey() string {
	return fmt.Sprintf("%s:%s", e.EventType(), e.OperationID)
}

// DeploymentFailed reports a deployment that ended in failure.
type DeploymentFailed struct {
	DeploymentResult
	ErrorMessage string `json:"errorMessage,omitempty"`
}

func (e DeploymentFailed) EventType() Type { return TypeDeploymentFailed }

func (e DeploymentFailed) DedupKey() string {
	return fmt.Sprintf("%s:%s", e.EventType(), e.OperationID)
}
