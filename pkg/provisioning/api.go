package provisioning

import (
	"context"
)

// OperationStatus is the state of a long-running rollout operation as
// reported by the provisioning service.
type OperationStatus string

const (
	OperationStatusQueued    OperationStatus = "QUEUED"
	OperationStatusRunning   OperationStatus = "RUNNING"
	OperationStatusStopping  OperationStatus = "STOPPING"
	OperationStatusSucceeded OperationStatus = "SUCCEEDED"
	OperationStatusFailed    OperationStatus = "FAILED"
	OperationStatusStopped   OperationStatus = "STOPPED"
)

// Terminal reports whether the operation has settled.
func (s OperationStatus) Terminal() bool {
	switch s {
	case OperationStatusSucceeded, OperationStatusFailed, OperationStatusStopped:
		return true
	default:
		return false
	}
}

// Succeeded reports whether the operation settled successfully.
func (s OperationStatus) Succeeded() bool {
	return s == OperationStatusSucceeded
}

// Preferences controls how a rollout is spread over regions.
type Preferences struct {
	RegionOrder                []string
	MaxConcurrentPercentage    int
	FailureTolerancePercentage int
	// ConcurrencyMode is STRICT_FAILURE_TOLERANCE or SOFT_FAILURE_TOLERANCE.
	ConcurrencyMode string
	// RegionConcurrency is SEQUENTIAL or PARALLEL.
	RegionConcurrency string
}

// RolloutRequest starts a multi-region rollout of a template into accounts.
//
// OperationID is chosen by the caller so that a retried request addresses the
// same operation.
type RolloutRequest struct {
	TemplateRef string
	OperationID string
	Accounts    []string
	Regions     []string
	Preferences Preferences
}

// Operation is a snapshot of a rollout operation.
type Operation struct {
	ID           string
	Status       OperationStatus
	StatusReason string
}

// InstanceFailure is the failure reason for one account/region instance.
type InstanceFailure struct {
	Account string
	Region  string
	Reason  string
}

// Target describes an existing provisioning template.
type Target struct {
	Ref    string
	Status string
}

// API is the provisioning capability set leasekeeper depends on.
//
// Implementations return *Error values classified by Classify so that callers
// can decide whether to retry.
type API interface {
	// StartRollout starts the rollout and returns the operation id.
	StartRollout(ctx context.Context, req RolloutRequest) (string, error)

	// PollOperation returns the current status of an operation.
	PollOperation(ctx context.Context, templateRef, operationID string) (*Operation, error)

	// ListFailedInstances lists per-region failures of an operation. An empty
	// accountID lists failures for every account.
	ListFailedInstances(ctx context.Context, templateRef, operationID, accountID string) ([]InstanceFailure, error)

	// DescribeTarget checks that a template exists and is usable.
	DescribeTarget(ctx context.Context, templateRef string) (*Target, error)
}
