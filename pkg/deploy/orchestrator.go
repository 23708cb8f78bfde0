package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/leasekeeper/leasekeeper/pkg/events"
	"github.com/leasekeeper/leasekeeper/pkg/policy"
	"github.com/leasekeeper/leasekeeper/pkg/provisioning"
	"github.com/leasekeeper/leasekeeper/pkg/retry"
	"github.com/leasekeeper/leasekeeper/pkg/stores"
	"github.com/leasekeeper/leasekeeper/pkg/telemetry"
)

// Defaults for Config.
const (
	DefaultTimeoutMinutes   = 60
	DefaultHistoryRetention = stores.DefaultHistoryRetention
)

// Config configures an Orchestrator.
type Config struct {
	// DefaultTimeoutMinutes applies to CHECK_STATUS actions that carry no timeout.
	DefaultTimeoutMinutes int `mapstructure:"default_timeout_minutes" validate:"min=0,max=1440"`

	// HistoryRetention is how long deployment records are kept.
	HistoryRetention time.Duration `mapstructure:"history_retention" validate:"min=0"`
}

// Guard vets a rollout before any provisioning call is made.
type Guard interface {
	Evaluate(ctx context.Context, input policy.RolloutInput) ([]policy.Violation, error)
}

// Orchestrator handles deployment actions.
type Orchestrator struct {
	store     stores.Store
	api       provisioning.API
	bus       events.Bus
	retry     *retry.Executor
	guard     Guard
	validator *validator.Validate
	clock     quartz.Clock
	tel       *telemetry.Telemetry
	logger    *telemetry.Logger
	cfg       Config
	newID     func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithGuard vets CREATE actions with g.
func WithGuard(g Guard) Option {
	return func(o *Orchestrator) { o.guard = g }
}

// WithClock sets the clock used for start times and timeouts.
func WithClock(clock quartz.Clock) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// WithTelemetry sets the logger, tracer and metrics.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *Orchestrator) { o.tel = tel }
}

// WithIDGenerator replaces the operation id generator.
func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) { o.newID = newID }
}

// NewOrchestrator wires an orchestrator. exec wraps every provisioning call.
func NewOrchestrator(cfg Config, store stores.Store, api provisioning.API, bus events.Bus, exec *retry.Executor, opts ...Option) *Orchestrator {
	if cfg.DefaultTimeoutMinutes <= 0 {
		cfg.DefaultTimeoutMinutes = DefaultTimeoutMinutes
	}
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = DefaultHistoryRetention
	}

	o := &Orchestrator{
		store:     store,
		api:       api,
		bus:       bus,
		retry:     exec,
		validator: validator.New(),
		cfg:       cfg,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.clock == nil {
		o.clock = quartz.NewReal()
	}
	if o.tel == nil {
		o.tel = telemetry.NewNop()
	}
	o.logger = o.tel.Logger.NewComponentLogger("deploy")
	return o
}

// Handle runs one action.
//
// A returned error means the action could not be carried out and may be
// retried by the driver: the payload was invalid, the store failed, or
// transient provisioning errors outlasted the retry budget. Deployment
// failures are not errors; they come back as a FAILED Result and are
// recorded before Handle returns.
//
// If a CREATE starts its rollout but cannot record it, the rollout is left
// running untracked. The error names its operation id and an error log
// carries the template and account so it can be reconciled. Until it
// finishes, a retried CREATE for the same target is recorded as
// OperationInProgress.
func (o *Orchestrator) Handle(ctx context.Context, action Action) (result *Result, err error) {
	if action == nil {
		return nil, provisioning.NewValidationError("no action given", nil)
	}

	ctx, span := o.tel.Tracer.StartActionSpan(ctx, string(action.Type()), operationIDOf(action))
	defer func() {
		status := "error"
		if err == nil {
			status = string(result.Status)
			telemetry.RecordSuccess(span)
		} else {
			telemetry.RecordError(span, err)
		}
		o.tel.Metrics.RecordAction(string(action.Type()), status)
		span.End()
	}()

	if err := o.validator.Struct(action); err != nil {
		return nil, provisioning.NewValidationError(fmt.Sprintf("invalid %s action", action.Type()), err).
			WithOperation(string(action.Type()))
	}

	switch a := action.(type) {
	case CreateAction:
		return o.create(ctx, a)
	case CheckStatusAction:
		return o.checkStatus(ctx, a)
	case PublishResultAction:
		return o.publishResult(ctx, a)
	default:
		return nil, fmt.Errorf("unreachable: unhandled action type %T", action)
	}
}

func operationIDOf(action Action) string {
	switch a := action.(type) {
	case CheckStatusAction:
		return a.OperationID
	case PublishResultAction:
		return a.OperationID
	default:
		return ""
	}
}

// create starts the rollout. Conflicting and missing targets are recorded
// as failed attempts; transient errors are returned without a record.
func (o *Orchestrator) create(ctx context.Context, a CreateAction) (*Result, error) {
	logger := o.logger.WithBlueprint(a.BlueprintID, a.TargetID).WithField("account_id", a.AccountID)

	target, err := o.store.GetDeploymentTarget(ctx, a.BlueprintID, a.TargetID)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, provisioning.NewValidationError(
			fmt.Sprintf("blueprint %s has no deployment target %s", a.BlueprintID, a.TargetID), err).
			WithOperation(string(ActionCreate))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load deployment target: %w", err)
	}

	regions := a.Regions
	if len(regions) == 0 {
		regions = target.Regions
	}
	if len(regions) == 0 {
		return nil, provisioning.NewValidationError("no deployment regions", nil).
			WithTarget(target.TemplateRef).
			WithOperation(string(ActionCreate))
	}
	rollout := mergeRollout(target.Rollout, a.Rollout)

	if err := o.checkPolicy(ctx, a, regions, rollout); err != nil {
		return nil, err
	}

	operationID := o.newID()
	startedAt := o.clock.Now().UTC()
	logger = logger.WithOperationID(operationID)

	err = o.retry.Run(ctx, "DescribeTarget", func(ctx context.Context) error {
		_, err := o.api.DescribeTarget(ctx, target.TemplateRef)
		return err
	})
	if err == nil {
		err = o.retry.Run(ctx, "StartRollout", func(ctx context.Context) error {
			_, err := o.api.StartRollout(ctx, provisioning.RolloutRequest{
				TemplateRef: target.TemplateRef,
				OperationID: operationID,
				Accounts:    []string{a.AccountID},
				Regions:     regions,
				Preferences: preferences(rollout),
			})
			return err
		})
	}

	record := &stores.DeploymentRecord{
		BlueprintID: a.BlueprintID,
		StartedAt:   startedAt,
		OperationID: operationID,
		TargetID:    a.TargetID,
		LeaseID:     a.LeaseID,
		AccountID:   a.AccountID,
		Status:      stores.DeploymentStatusRunning,
		ExpiresAt:   startedAt.Add(o.cfg.HistoryRetention),
	}

	if err != nil {
		errorType, terminal := createFailureType(err)
		if !terminal {
			logger.WithError(err).Warn("rollout could not be started")
			return nil, fmt.Errorf("failed to start rollout: %w", err)
		}

		var zero float64
		record.Status = stores.DeploymentStatusFailed
		record.CompletedAt = &startedAt
		record.DurationSeconds = &zero
		record.ErrorType = errorType
		record.ErrorMessage = errorMessage(err)
		if err := o.store.RecordAttemptStart(ctx, record); err != nil {
			return nil, fmt.Errorf("failed to record failed deployment: %w", err)
		}

		o.tel.Metrics.RecordDeploymentCompleted(string(stores.DeploymentStatusFailed), errorType, 0)
		logger.WithError(err).WithField("error_type", errorType).Warn("deployment rejected by provisioning service")
		return resultFromRecord(record), nil
	}

	if err := o.store.RecordAttemptStart(ctx, record); err != nil {
		// The rollout keeps running without a record. A retried CREATE gets a
		// fresh operation id and conflicts with it until it finishes.
		logger.WithError(err).WithFields(map[string]interface{}{
			"template_ref": target.TemplateRef,
			"account_id":   a.AccountID,
			"regions":      regions,
		}).Error("orphaned rollout: started but not recorded")
		return nil, fmt.Errorf("failed to record deployment start of operation %s: %w", operationID, err)
	}

	logger.WithField("regions", regions).Info("deployment started")
	return resultFromRecord(record), nil
}

// createFailureType maps a provisioning error to the recorded error type.
// Retryable and context errors are not terminal.
func createFailureType(err error) (string, bool) {
	switch {
	case provisioning.IsConflict(err):
		return ErrorTypeOperationInProgress, true
	case provisioning.IsNotFound(err):
		return ErrorTypeTargetNotFound, true
	case provisioning.IsRetryable(err),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return "", false
	default:
		return ErrorTypeProvisioningError, true
	}
}

func (o *Orchestrator) checkPolicy(ctx context.Context, a CreateAction, regions []string, rollout stores.RolloutPolicy) error {
	if o.guard == nil {
		return nil
	}

	violations, err := o.guard.Evaluate(ctx, policy.NewRolloutInput(a.BlueprintID, a.TargetID, a.AccountID, regions, rollout))
	if err != nil {
		return fmt.Errorf("failed to evaluate rollout policy: %w", err)
	}
	for _, v := range violations {
		if !v.Severity.Blocking() {
			o.logger.WithBlueprint(a.BlueprintID, a.TargetID).
				WithFields(map[string]interface{}{"policy": v.Policy, "severity": string(v.Severity)}).
				Warn(v.Message)
		}
	}

	blocking := policy.Blocking(violations)
	if len(blocking) == 0 {
		return nil
	}
	messages := make([]string, len(blocking))
	for i, v := range blocking {
		messages[i] = fmt.Sprintf("%s: %s", v.Policy, v.Message)
	}
	return provisioning.NewValidationError("rollout rejected by policy: "+strings.Join(messages, "; "), nil).
		WithOperation(string(ActionCreate))
}

// checkStatus polls a running deployment and records its outcome once it
// settles or times out.
func (o *Orchestrator) checkStatus(ctx context.Context, a CheckStatusAction) (*Result, error) {
	logger := o.logger.WithOperationID(a.OperationID)

	record, err := o.store.GetDeploymentRecord(ctx, a.OperationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load deployment record: %w", err)
	}
	if record.Status.Terminal() {
		return resultFromRecord(record), nil
	}

	timeoutMinutes := a.DeploymentTimeoutMinutes
	if timeoutMinutes == 0 {
		timeoutMinutes = o.cfg.DefaultTimeoutMinutes
	}
	startedAt := record.StartedAt
	if !a.StartedAt.IsZero() && a.StartedAt.Before(startedAt) {
		startedAt = a.StartedAt
	}
	if elapsed := o.clock.Since(startedAt); elapsed >= time.Duration(timeoutMinutes)*time.Minute {
		logger.WithField("elapsed", elapsed.String()).Warn("deployment timed out")
		return o.finish(ctx, record, stores.DeploymentStatusFailed, ErrorTypeDeploymentTimeout,
			fmt.Sprintf("Deployment exceeded %d minute timeout", timeoutMinutes))
	}

	target, err := o.store.GetDeploymentTarget(ctx, record.BlueprintID, a.TargetID)
	if errors.Is(err, stores.ErrNotFound) {
		return o.finish(ctx, record, stores.DeploymentStatusFailed, ErrorTypeTargetNotFound,
			fmt.Sprintf("deployment target %s of blueprint %s no longer exists", a.TargetID, record.BlueprintID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load deployment target: %w", err)
	}

	op, err := retry.Do(ctx, o.retry, "PollOperation", func(ctx context.Context) (*provisioning.Operation, error) {
		return o.api.PollOperation(ctx, target.TemplateRef, a.OperationID)
	})
	if provisioning.IsNotFound(err) {
		return o.finish(ctx, record, stores.DeploymentStatusFailed, ErrorTypeTargetNotFound, errorMessage(err))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to poll deployment: %w", err)
	}

	switch {
	case !op.Status.Terminal():
		logger.WithField("status", string(op.Status)).Debug("deployment still in progress")
		return resultFromRecord(record), nil
	case op.Status.Succeeded():
		return o.finish(ctx, record, stores.DeploymentStatusSucceeded, "", "")
	default:
		reason := o.failureReason(ctx, target.TemplateRef, record, op)
		return o.finish(ctx, record, stores.DeploymentStatusFailed, ErrorTypeDeploymentFailed, reason)
	}
}

// failureReason collects per-region failure reasons, falling back to the
// operation's own status reason.
func (o *Orchestrator) failureReason(ctx context.Context, templateRef string, record *stores.DeploymentRecord, op *provisioning.Operation) string {
	failures, err := retry.Do(ctx, o.retry, "ListFailedInstances", func(ctx context.Context) ([]provisioning.InstanceFailure, error) {
		return o.api.ListFailedInstances(ctx, templateRef, record.OperationID, record.AccountID)
	})
	if err != nil {
		o.logger.WithOperationID(record.OperationID).WithError(err).Warn("failed to list failed instances")
	}

	parts := make([]string, 0, len(failures))
	for _, f := range failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Region, f.Reason))
	}
	if len(parts) > 0 {
		return strings.Join(parts, "; ")
	}
	if op.StatusReason != "" {
		return op.StatusReason
	}
	return fmt.Sprintf("Deployment ended with status %s", op.Status)
}

// finish records the terminal outcome. When another invocation got there
// first its outcome wins and is returned instead.
func (o *Orchestrator) finish(ctx context.Context, record *stores.DeploymentRecord, status stores.DeploymentStatus, errorType, message string) (*Result, error) {
	updated, err := o.store.RecordAttemptTerminal(ctx, stores.TerminalUpdate{
		OperationID:  record.OperationID,
		Status:       status,
		CompletedAt:  o.clock.Now().UTC(),
		ErrorType:    errorType,
		ErrorMessage: message,
	})
	if errors.Is(err, stores.ErrAlreadyTerminal) {
		current, getErr := o.store.GetDeploymentRecord(ctx, record.OperationID)
		if getErr != nil {
			return nil, fmt.Errorf("failed to reload deployment record: %w", getErr)
		}
		return resultFromRecord(current), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record deployment outcome: %w", err)
	}

	var duration time.Duration
	if updated.DurationSeconds != nil {
		duration = time.Duration(*updated.DurationSeconds * float64(time.Second))
	}
	o.tel.Metrics.RecordDeploymentCompleted(string(status), errorType, duration)

	o.logger.WithOperationID(record.OperationID).
		WithBlueprint(record.BlueprintID, record.TargetID).
		WithFields(map[string]interface{}{
			"status":     string(status),
			"error_type": errorType,
			"duration":   duration.String(),
		}).Info("deployment finished")

	return resultFromRecord(updated), nil
}

// publishResult announces a finished deployment. It writes nothing, so
// re-invoking it only repeats the event; consumers dedupe on the operation id.
func (o *Orchestrator) publishResult(ctx context.Context, a PublishResultAction) (*Result, error) {
	result := events.DeploymentResult{
		LeaseID:     a.LeaseID,
		BlueprintID: a.BlueprintID,
		AccountID:   a.AccountID,
		OperationID: a.OperationID,
	}

	var payload events.Payload = events.DeploymentSucceeded{DeploymentResult: result}
	if a.Status == stores.DeploymentStatusFailed {
		payload = events.DeploymentFailed{DeploymentResult: result, ErrorMessage: a.ErrorMessage}
	}

	if err := o.bus.Publish(ctx, payload); err != nil {
		return nil, fmt.Errorf("failed to publish deployment result: %w", err)
	}

	if a.Status == stores.DeploymentStatusFailed {
		return &Result{Status: StatusFailed, OperationID: a.OperationID, ErrorMessage: a.ErrorMessage}, nil
	}
	return &Result{Success: true, Status: StatusSucceeded, OperationID: a.OperationID}, nil
}

// mergeRollout overlays the non-zero fields of override on base.
func mergeRollout(base, override stores.RolloutPolicy) stores.RolloutPolicy {
	out := base
	if len(override.RegionOrder) > 0 {
		out.RegionOrder = override.RegionOrder
	}
	if override.MaxConcurrentPercentage != 0 {
		out.MaxConcurrentPercentage = override.MaxConcurrentPercentage
	}
	if override.FailureTolerancePercentage != 0 {
		out.FailureTolerancePercentage = override.FailureTolerancePercentage
	}
	if override.ConcurrencyMode != "" {
		out.ConcurrencyMode = override.ConcurrencyMode
	}
	if override.RegionConcurrency != "" {
		out.RegionConcurrency = override.RegionConcurrency
	}
	return out
}

func preferences(r stores.RolloutPolicy) provisioning.Preferences {
	return provisioning.Preferences{
		RegionOrder:                r.RegionOrder,
		MaxConcurrentPercentage:    r.MaxConcurrentPercentage,
		FailureTolerancePercentage: r.FailureTolerancePercentage,
		ConcurrencyMode:            string(r.ConcurrencyMode),
		RegionConcurrency:          string(r.RegionConcurrency),
	}
}

// errorMessage prefers the provisioning service's own message.
func errorMessage(err error) string {
	var pe *provisioning.Error
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	return err.Error()
}
