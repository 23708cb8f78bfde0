// Package provisioningtest provides an in-memory provisioning.API for tests
// and local runs.
package provisioningtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/leasekeeper/leasekeeper/pkg/provisioning"
)

// Fake is a scripted, in-memory provisioning.API. It is safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	targets    map[string]bool
	operations map[string]*provisioning.Operation
	failures   map[string][]provisioning.InstanceFailure

	startErrs    []error
	pollErrs     []error
	failuresErr  error
	describeErrs []error

	started []provisioning.RolloutRequest
	calls   map[string]int
}

// NewFake returns a Fake that knows the given template refs.
func NewFake(targets ...string) *Fake {
	f := &Fake{
		targets:    make(map[string]bool),
		operations: make(map[string]*provisioning.Operation),
		failures:   make(map[string][]provisioning.InstanceFailure),
		calls:      make(map[string]int),
	}
	for _, t := range targets {
		f.targets[t] = true
	}
	return f
}

// AddTarget registers a template ref.
func (f *Fake) AddTarget(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets[ref] = true
}

// SetOperation sets the status reported for an operation.
func (f *Fake) SetOperation(operationID string, status provisioning.OperationStatus, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.operations[operationID] = &provisioning.Operation{
		ID:           operationID,
		Status:       status,
		StatusReason: reason,
	}
}

// SetFailures sets the instance failures reported for an operation. A non-nil
// err makes ListFailedInstances fail instead.
func (f *Fake) SetFailures(operationID string, failures []provisioning.InstanceFailure, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[operationID] = failures
	f.failuresErr = err
}

// QueueStartErrors makes the next StartRollout calls fail with errs, one per call.
func (f *Fake) QueueStartErrors(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErrs = append(f.startErrs, errs...)
}

// QueuePollErrors makes the next PollOperation calls fail with errs, one per call.
func (f *Fake) QueuePollErrors(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollErrs = append(f.pollErrs, errs...)
}

// QueueDescribeErrors makes the next DescribeTarget calls fail with errs, one per call.
func (f *Fake) QueueDescribeErrors(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describeErrs = append(f.describeErrs, errs...)
}

// Calls returns how many times method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// TotalCalls returns the number of calls across every method.
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

// Started returns the successful rollout requests in order.
func (f *Fake) Started() []provisioning.RolloutRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]provisioning.RolloutRequest, len(f.started))
	copy(out, f.started)
	return out
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

// StartRollout implements provisioning.API. Started operations report RUNNING.
func (f *Fake) StartRollout(ctx context.Context, req provisioning.RolloutRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["StartRollout"]++

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := pop(&f.startErrs); err != nil {
		return "", err
	}
	if !f.targets[req.TemplateRef] {
		return "", provisioning.NewNotFoundError(fmt.Sprintf("stack set %s does not exist", req.TemplateRef), nil).
			WithCode("StackSetNotFoundException").
			WithTarget(req.TemplateRef)
	}

	f.started = append(f.started, req)
	f.operations[req.OperationID] = &provisioning.Operation{
		ID:     req.OperationID,
		Status: provisioning.OperationStatusRunning,
	}
	return req.OperationID, nil
}

// PollOperation implements provisioning.API.
func (f *Fake) PollOperation(ctx context.Context, templateRef, operationID string) (*provisioning.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["PollOperation"]++

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := pop(&f.pollErrs); err != nil {
		return nil, err
	}
	op, ok := f.operations[operationID]
	if !ok {
		return nil, provisioning.NewNotFoundError(fmt.Sprintf("operation %s not found", operationID), nil).
			WithCode("OperationNotFoundException").
			WithTarget(templateRef)
	}
	cp := *op
	return &cp, nil
}

// ListFailedInstances implements provisioning.API.
func (f *Fake) ListFailedInstances(ctx context.Context, templateRef, operationID, accountID string) ([]provisioning.InstanceFailure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ListFailedInstances"]++

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.failuresErr != nil {
		return nil, f.failuresErr
	}
	var out []provisioning.InstanceFailure
	for _, failure := range f.failures[operationID] {
		if accountID != "" && failure.Account != "" && failure.Account != accountID {
			continue
		}
		out = append(out, failure)
	}
	return out, nil
}

// DescribeTarget implements provisioning.API.
func (f *Fake) DescribeTarget(ctx context.Context, templateRef string) (*provisioning.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DescribeTarget"]++

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := pop(&f.describeErrs); err != nil {
		return nil, err
	}
	if !f.targets[templateRef] {
		return nil, provisioning.NewNotFoundError(fmt.Sprintf("stack set %s does not exist", templateRef), nil).
			WithCode("StackSetNotFoundException").
			WithTarget(templateRef)
	}
	return &provisioning.Target{Ref: templateRef, Status: "ACTIVE"}, nil
}

var _ provisioning.API = (*Fake)(nil)
