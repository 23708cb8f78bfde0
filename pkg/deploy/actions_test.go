package deploy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leasekeeper/leasekeeper/pkg/provisioning"
	"github.com/leasekeeper/leasekeeper/pkg/stores"
)

func TestDecodeAction(t *testing.T) {
	action, err := DecodeAction([]byte(`{
		"action": "CREATE",
		"blueprintId": "bp-1",
		"leaseId": "dev@example.com/lease-1",
		"accountId": "123456789012",
		"targetId": "t-1",
		"regions": ["us-east-1"],
		"rolloutPolicy": {"maxConcurrentPercentage": 50, "regionConcurrency": "PARALLEL"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, CreateAction{
		BlueprintID: "bp-1",
		LeaseID:     "dev@example.com/lease-1",
		AccountID:   "123456789012",
		TargetID:    "t-1",
		Regions:     []string{"us-east-1"},
		Rollout: stores.RolloutPolicy{
			MaxConcurrentPercentage: 50,
			RegionConcurrency:       stores.RegionConcurrencyParallel,
		},
	}, action)

	action, err = DecodeAction([]byte(`{"action":"CHECK_STATUS","operationId":"op-1","targetId":"t-1","deploymentTimeoutMinutes":5,"startedAt":"2024-03-01T09:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, CheckStatusAction{
		OperationID:              "op-1",
		TargetID:                 "t-1",
		DeploymentTimeoutMinutes: 5,
		StartedAt:                time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}, action)
}

func TestDecodeActionRejectsBadPayloads(t *testing.T) {
	for name, payload := range map[string]string{
		"not json":       `{`,
		"missing action": `{"operationId":"op-1"}`,
		"unknown action": `{"action":"DELETE"}`,
		"wrong field":    `{"action":"CHECK_STATUS","deploymentTimeoutMinutes":"five"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeAction([]byte(payload))
			require.Error(t, err)
			assert.True(t, provisioning.IsValidation(err))
		})
	}
}

func TestEncodeActionRoundTrip(t *testing.T) {
	for _, action := range []Action{
		CreateAction{BlueprintID: "bp-1", LeaseID: "l", AccountID: "123456789012", TargetID: "t-1"},
		CheckStatusAction{OperationID: "op-1", TargetID: "t-1", DeploymentTimeoutMinutes: 30},
		PublishResultAction{LeaseID: "l", BlueprintID: "bp-1", AccountID: "1", OperationID: "op-1", Status: stores.DeploymentStatusFailed, ErrorMessage: "boom"},
	} {
		data, err := EncodeAction(action)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"action":"`+string(action.Type())+`"`)

		decoded, err := DecodeAction(data)
		require.NoError(t, err)
		assert.Equal(t, action, decoded)
	}
}

func TestResultFromRecord(t *testing.T) {
	record := &stores.DeploymentRecord{OperationID: "op-1", Status: stores.DeploymentStatusRunning}
	assert.Equal(t, StatusInProgress, resultFromRecord(record).Status)
	assert.False(t, resultFromRecord(record).Terminal())

	record.Status = stores.DeploymentStatusFailed
	record.ErrorType = ErrorTypeDeploymentTimeout
	result := resultFromRecord(record)
	assert.False(t, result.Success)
	assert.True(t, result.Terminal())
	assert.Equal(t, ErrorTypeDeploymentTimeout, result.ErrorType)
}
