// Package deploy drives blueprint deployments into leased accounts.
//
// A deployment is a three step state machine invoked by an external workflow
// driver: CREATE starts a rollout, CHECK_STATUS is re-invoked until the
// rollout settles or times out, and PUBLISH_RESULT announces the outcome.
// Every step is a short, non-blocking call; all progress lives in the
// deployment record.
package deploy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/leasekeeper/leasekeeper/pkg/provisioning"
	"github.com/leasekeeper/leasekeeper/pkg/stores"
)

// ActionType selects an orchestrator step.
type ActionType string

const (
	ActionCreate        ActionType = "CREATE"
	ActionCheckStatus   ActionType = "CHECK_STATUS"
	ActionPublishResult ActionType = "PUBLISH_RESULT"
)

// Action is one of CreateAction, CheckStatusAction or PublishResultAction.
type Action interface {
	Type() ActionType
	isAction()
}

// CreateAction starts deploying a blueprint target into an account.
// Regions and Rollout override the target's own settings when set.
type CreateAction struct {
	BlueprintID string               `json:"blueprintId" validate:"required"`
	LeaseID     string               `json:"leaseId" validate:"required"`
	AccountID   string               `json:"accountId" validate:"required,numeric,len=12"`
	TargetID    string               `json:"targetId" validate:"required"`
	Regions     []string             `json:"regions,omitempty" validate:"omitempty,dive,required"`
	Rollout     stores.RolloutPolicy `json:"rolloutPolicy"`
}

// CheckStatusAction polls a running deployment. A zero
// DeploymentTimeoutMinutes uses the orchestrator default; a zero StartedAt
// uses the start time of the deployment record.
type CheckStatusAction struct {
	OperationID              string    `json:"operationId" validate:"required"`
	TargetID                 string    `json:"targetId" validate:"required"`
	DeploymentTimeoutMinutes int       `json:"deploymentTimeoutMinutes,omitempty" validate:"min=0,max=1440"`
	StartedAt                time.Time `json:"startedAt,omitempty"`
}

// PublishResultAction announces the outcome of a finished deployment.
type PublishResultAction struct {
	LeaseID      string                  `json:"leaseId" validate:"required"`
	BlueprintID  string                  `json:"blueprintId" validate:"required"`
	AccountID    string                  `json:"accountId" validate:"required"`
	OperationID  string                  `json:"operationId" validate:"required"`
	Status       stores.DeploymentStatus `json:"status" validate:"required,oneof=SUCCEEDED FAILED"`
	ErrorMessage string                  `json:"errorMessage,omitempty"`
}

func (CreateAction) Type() ActionType        { return ActionCreate }
func (CheckStatusAction) Type() ActionType   { return ActionCheckStatus }
func (PublishResultAction) Type() ActionType { return ActionPublishResult }

func (CreateAction) isAction()        {}
func (CheckStatusAction) isAction()   {}
func (PublishResultAction) isAction() {}

// DecodeAction decodes a {"action": "...", ...} payload.
func DecodeAction(data []byte) (Action, error) {
	var envelope struct {
		Action ActionType `json:"action"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, provisioning.NewValidationError("malformed action payload", err)
	}

	var (
		action Action
		err    error
	)
	switch envelope.Action {
	case ActionCreate:
		var a CreateAction
		err = json.Unmarshal(data, &a)
		action = a
	case ActionCheckStatus:
		var a CheckStatusAction
		err = json.Unmarshal(data, &a)
		action = a
	case ActionPublishResult:
		var a PublishResultAction
		err = json.Unmarshal(data, &a)
		action = a
	case "":
		return nil, provisioning.NewValidationError("action payload has no action field", nil)
	default:
		return nil, provisioning.NewValidationError(fmt.Sprintf("unknown action %q", envelope.Action), nil)
	}
	if err != nil {
		return nil, provisioning.NewValidationError(fmt.Sprintf("malformed %s payload", envelope.Action), err)
	}
	return action, nil
}

// EncodeAction is the inverse of DecodeAction.
func EncodeAction(action Action) ([]byte, error) {
	body, err := json.Marshal(action)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["action"], _ = json.Marshal(action.Type())
	return json.Marshal(fields)
}

// ResultStatus is the state reported back to the workflow driver.
type ResultStatus string

const (
	StatusInProgress ResultStatus = "IN_PROGRESS"
	StatusSucceeded  ResultStatus = "SUCCEEDED"
	StatusFailed     ResultStatus = "FAILED"
)

// Error types recorded on failed deployments.
const (
	ErrorTypeOperationInProgress = "OperationInProgress"
	ErrorTypeTargetNotFound      = "TargetNotFound"
	ErrorTypeDeploymentTimeout   = "DeploymentTimeout"
	ErrorTypeDeploymentFailed    = "DeploymentFailed"
	ErrorTypeProvisioningError   = "ProvisioningError"
)

// Result is what an action reports back to the workflow driver.
type Result struct {
	Success      bool         `json:"success"`
	Status       ResultStatus `json:"status"`
	OperationID  string       `json:"operationId,omitempty"`
	StartedAt    *time.Time   `json:"startedAt,omitempty"`
	ErrorType    string       `json:"errorType,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
}

// Terminal reports whether the deployment has settled.
func (r *Result) Terminal() bool {
	return r.Status != StatusInProgress
}

func resultFromRecord(record *stores.DeploymentRecord) *Result {
	started := record.StartedAt
	result := &Result{
		OperationID:  record.OperationID,
		StartedAt:    &started,
		ErrorType:    record.ErrorType,
		ErrorMessage: record.ErrorMessage,
	}
	switch record.Status {
	case stores.DeploymentStatusSucceeded:
		result.Success, result.Status = true, StatusSucceeded
	case stores.DeploymentStatusFailed:
		result.Status = StatusFailed
	default:
		result.Success, result.Status = true, StatusInProgress
	}
	return result
}
