package stores

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations. Callers match them with errors.Is.
var (
	ErrNotFound               = errors.New("record not found")
	ErrAlreadyExists          = errors.New("record already exists")
	ErrConcurrentModification = errors.New("record was modified concurrently")
	ErrAlreadyTerminal        = errors.New("deployment record already terminal")
	ErrInvalidCursor          = errors.New("invalid pagination cursor")
)

// LeaseStatus represents the lifecycle state of a lease
type LeaseStatus string

const (
	LeaseStatusPendingApproval LeaseStatus = "PendingApproval"
	LeaseStatusApprovalDenied  LeaseStatus = "ApprovalDenied"
	LeaseStatusProvisioning    LeaseStatus = "Provisioning"
	LeaseStatusActive          LeaseStatus = "Active"
	LeaseStatusFrozen          LeaseStatus = "Frozen"
	LeaseStatusExpired         LeaseStatus = "Expired"
)

// ThresholdAction is what a breached threshold asks for.
type ThresholdAction string

const (
	ThresholdActionAlert  ThresholdAction = "ALERT"
	ThresholdActionFreeze ThresholdAction = "FREEZE"
)

// ExpiryReason records why a lease left service.
type ExpiryReason string

const (
	ExpiryReasonBudgetExceeded ExpiryReason = "BudgetExceeded"
	ExpiryReasonExpired        ExpiryReason = "Expired"
	ExpiryReasonManual         ExpiryReason = "Manual"
)

// BudgetThreshold fires when cumulative spend reaches DollarsSpent.
type BudgetThreshold struct {
	DollarsSpent float64         `json:"dollarsSpent" yaml:"dollarsSpent" validate:"gt=0"`
	Action       ThresholdAction `json:"action" yaml:"action" validate:"oneof=ALERT FREEZE"`
}

// DurationThreshold fires when HoursRemaining hours are left before expiration.
type DurationThreshold struct {
	HoursRemaining float64         `json:"hoursRemaining" yaml:"hoursRemaining" validate:"gt=0"`
	Action         ThresholdAction `json:"action" yaml:"action" validate:"oneof=ALERT FREEZE"`
}

// LeaseKey identifies a lease.
type LeaseKey struct {
	UserEmail string `json:"userEmail"`
	UUID      string `json:"uuid"`
}

// String renders the key as "email/uuid".
func (k LeaseKey) String() string {
	return k.UserEmail + "/" + k.UUID
}

// Lease is a time- and budget-bounded grant of a pooled account.
//
// TotalCostAccrued and LastCheckedDate belong to the monitoring cycle and are
// only written through RecordLeaseCheck. Every other mutable column goes
// through UpdateLease, which is guarded by LastEditTime.
type Lease struct {
	LeaseKey

	Status               LeaseStatus         `json:"status"`
	AWSAccountID         string              `json:"awsAccountId"`
	TemplateName         string              `json:"templateName,omitempty"`
	ApprovedBy           string              `json:"approvedBy,omitempty"`
	MaxSpend             *float64            `json:"maxSpend,omitempty"`
	BudgetThresholds     []BudgetThreshold   `json:"budgetThresholds,omitempty"`
	LeaseDurationInHours *float64            `json:"leaseDurationInHours,omitempty"`
	ExpirationDate       *time.Time          `json:"expirationDate,omitempty"`
	DurationThresholds   []DurationThreshold `json:"durationThresholds,omitempty"`
	TotalCostAccrued     float64             `json:"totalCostAccrued"`
	LastCheckedDate      *time.Time          `json:"lastCheckedDate,omitempty"`
	StartDate            *time.Time          `json:"startDate,omitempty"`
	ExpiryReason         ExpiryReason        `json:"expiryReason,omitempty"`
	EndDate              *time.Time          `json:"endDate,omitempty"`
	CreatedAt            time.Time           `json:"createdAt"`
	LastEditTime         time.Time           `json:"lastEditTime"`
}

// LeaseFilter narrows ListLeases. An empty Statuses slice matches every lease.
type LeaseFilter struct {
	Statuses []LeaseStatus
}

// ConcurrencyMode controls how failure tolerance is applied during rollout.
type ConcurrencyMode string

const (
	ConcurrencyModeStrict ConcurrencyMode = "STRICT_FAILURE_TOLERANCE"
	ConcurrencyModeSoft   ConcurrencyMode = "SOFT_FAILURE_TOLERANCE"
)

// RegionConcurrency controls whether regions are deployed one at a time.
type RegionConcurrency string

const (
	RegionConcurrencySequential RegionConcurrency = "SEQUENTIAL"
	RegionConcurrencyParallel   RegionConcurrency = "PARALLEL"
)

// RolloutPolicy describes how a deployment is spread over regions.
type RolloutPolicy struct {
	RegionOrder                []string          `json:"regionOrder,omitempty" yaml:"regionOrder"`
	MaxConcurrentPercentage    int               `json:"maxConcurrentPercentage,omitempty" yaml:"maxConcurrentPercentage" validate:"omitempty,min=1,max=100"`
	FailureTolerancePercentage int               `json:"failureTolerancePercentage,omitempty" yaml:"failureTolerancePercentage" validate:"omitempty,min=0,max=100"`
	ConcurrencyMode            ConcurrencyMode   `json:"concurrencyMode,omitempty" yaml:"concurrencyMode" validate:"omitempty,oneof=STRICT_FAILURE_TOLERANCE SOFT_FAILURE_TOLERANCE"`
	RegionConcurrency          RegionConcurrency `json:"regionConcurrency,omitempty" yaml:"regionConcurrency" validate:"omitempty,oneof=SEQUENTIAL PARALLEL"`
}

// HealthMetrics are the running deployment counters kept on blueprints and targets.
// They only ever change through in-place increments.
type HealthMetrics struct {
	DeploymentCount      int64      `json:"deploymentCount"`
	SuccessCount         int64      `json:"successCount"`
	ConsecutiveFailures  int64      `json:"consecutiveFailures"`
	TotalDurationSeconds float64    `json:"totalDurationSeconds"`
	LastSuccessAt        *time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt        *time.Time `json:"lastFailureAt,omitempty"`
}

// SuccessRate returns the share of deployments that succeeded, 0 when none ran.
func (h HealthMetrics) SuccessRate() float64 {
	if h.DeploymentCount == 0 {
		return 0
	}
	return float64(h.SuccessCount) / float64(h.DeploymentCount)
}

// AverageDuration returns the mean deployment duration.
func (h HealthMetrics) AverageDuration() time.Duration {
	if h.DeploymentCount == 0 {
		return 0
	}
	return time.Duration(h.TotalDurationSeconds / float64(h.DeploymentCount) * float64(time.Second))
}

// Blueprint is a named, versioned deployable template.
type Blueprint struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Version      int               `json:"version"`
	CreatedBy    string            `json:"createdBy,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	Health       HealthMetrics     `json:"health"`
	CreatedAt    time.Time         `json:"createdAt"`
	LastEditTime time.Time         `json:"lastEditTime"`
}

// DeploymentTarget binds a blueprint to a provisioning template and its regions.
type DeploymentTarget struct {
	ID           string        `json:"id"`
	BlueprintID  string        `json:"blueprintId"`
	TemplateRef  string        `json:"templateRef"`
	Regions      []string      `json:"regions"`
	Rollout      RolloutPolicy `json:"rollout"`
	Health       HealthMetrics `json:"health"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastEditTime time.Time     `json:"lastEditTime"`
}

// DeploymentStatus is the persisted state of a single deployment attempt
type DeploymentStatus string

const (
	DeploymentStatusRunning   DeploymentStatus = "RUNNING"
	DeploymentStatusSucceeded DeploymentStatus = "SUCCEEDED"
	DeploymentStatusFailed    DeploymentStatus = "FAILED"
)

// Terminal reports whether the status can no longer change.
func (s DeploymentStatus) Terminal() bool {
	return s == DeploymentStatusSucceeded || s == DeploymentStatusFailed
}

// DeploymentRecord is the history entry for one deployment attempt.
type DeploymentRecord struct {
	BlueprintID     string           `json:"blueprintId"`
	StartedAt       time.Time        `json:"startedAt"`
	OperationID     string           `json:"operationId"`
	TargetID        string           `json:"targetId"`
	LeaseID         string           `json:"leaseId,omitempty"`
	AccountID       string           `json:"accountId,omitempty"`
	Status          DeploymentStatus `json:"status"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
	DurationSeconds *float64         `json:"durationSeconds,omitempty"`
	ErrorType       string           `json:"errorType,omitempty"`
	ErrorMessage    string           `json:"errorMessage,omitempty"`
	ExpiresAt       time.Time        `json:"expiresAt"`
}

// TerminalUpdate moves a RUNNING record to SUCCEEDED or FAILED.
type TerminalUpdate struct {
	OperationID  string
	Status       DeploymentStatus
	CompletedAt  time.Time
	ErrorType    string
	ErrorMessage string
}

// PageRequest asks for one page of a listing. Cursor is the NextCursor of the
// previous page, or empty for the first page.
type PageRequest struct {
	Limit  int
	Cursor string
}

// Page is one page of a listing. NextCursor is empty on the last page.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// Store defines the persistence operations used by leasekeeper.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error

	// Leases
	CreateLease(ctx context.Context, lease *Lease) error
	GetLease(ctx context.Context, key LeaseKey) (*Lease, error)
	UpdateLease(ctx context.Context, lease *Lease, expected *time.Time) error
	RecordLeaseCheck(ctx context.Context, key LeaseKey, totalCost float64, checkedAt time.Time) error
	ListLeases(ctx context.Context, filter LeaseFilter, page PageRequest) (*Page[*Lease], error)

	// Blueprints and targets
	CreateBlueprint(ctx context.Context, bp *Blueprint, targets ...*DeploymentTarget) error
	GetBlueprint(ctx context.Context, id string) (*Blueprint, error)
	ListBlueprints(ctx context.Context, page PageRequest) (*Page[*Blueprint], error)
	UpdateBlueprint(ctx context.Context, bp *Blueprint, expected *time.Time) error
	UpdateBlueprintWithTargets(ctx context.Context, bp *Blueprint, expected *time.Time, targets []TargetUpdate) error
	DeleteBlueprint(ctx context.Context, id string) error
	GetDeploymentTarget(ctx context.Context, blueprintID, targetID string) (*DeploymentTarget, error)
	ListDeploymentTargets(ctx context.Context, blueprintID string) ([]*DeploymentTarget, error)
	UpdateDeploymentTarget(ctx context.Context, target *DeploymentTarget, expected *time.Time) error

	// Deployment history
	RecordAttemptStart(ctx context.Context, record *DeploymentRecord) error
	RecordAttemptTerminal(ctx context.Context, update TerminalUpdate) (*DeploymentRecord, error)
	GetDeploymentRecord(ctx context.Context, operationID string) (*DeploymentRecord, error)
	ListDeploymentRecords(ctx context.Context, blueprintID string, page PageRequest) (*Page[*DeploymentRecord], error)
	PruneDeploymentHistory(ctx context.Context, now time.Time) (int64, error)
}

// TargetUpdate pairs a target with the version token its caller read.
type TargetUpdate struct {
	Target   *DeploymentTarget
	Expected *time.Time
}
