package provisioning

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyAPIErrors(t *testing.T) {
	tests := []struct {
		code      string
		fault     smithy.ErrorFault
		want      ErrorClass
		retryable bool
	}{
		{"ThrottlingException", smithy.FaultClient, ErrorClassThrottled, true},
		{"Throttling", smithy.FaultClient, ErrorClassThrottled, true},
		{"ServiceUnavailable", smithy.FaultServer, ErrorClassUnavailable, true},
		{"InternalFailure", smithy.FaultServer, ErrorClassUnavailable, true},
		{"OperationInProgressException", smithy.FaultClient, ErrorClassConflict, false},
		{"StackSetNotFoundException", smithy.FaultClient, ErrorClassNotFound, false},
		{"ValidationError", smithy.FaultClient, ErrorClassValidation, false},
		{"LimitExceededException", smithy.FaultClient, ErrorClassValidation, false},
		{"RequestLimitExceeded", smithy.FaultClient, ErrorClassThrottled, true},
		{"AccessDenied", smithy.FaultClient, ErrorClassPermanent, false},
		{"SomethingNew", smithy.FaultServer, ErrorClassUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			apiErr := &smithy.GenericAPIError{Code: tt.code, Message: "boom", Fault: tt.fault}
			err := Classify(fmt.Errorf("operation error: %w", apiErr), "PollOperation", "web-stack")

			var perr *Error
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tt.want, perr.Class)
			assert.Equal(t, tt.code, perr.Code)
			assert.Equal(t, "PollOperation", perr.Operation)
			assert.Equal(t, "web-stack", perr.Target)
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.ErrorIs(t, err, apiErr)
		})
	}
}

func TestClassifyPassThrough(t *testing.T) {
	assert.NoError(t, Classify(nil, "op", "target"))

	classified := NewConflictError("busy", nil)
	assert.Same(t, classified, Classify(classified, "op", "target"))

	assert.ErrorIs(t, Classify(context.Canceled, "op", "target"), context.Canceled)
	assert.False(t, IsRetryable(context.Canceled))

	plain := Classify(errors.New("dial tcp: refused"), "op", "target")
	assert.Equal(t, ErrorClassPermanent, ClassOf(plain))
}

func TestErrorPredicates(t *testing.T) {
	wrapped := fmt.Errorf("create failed: %w", NewConflictError("operation running", nil).WithCode("OperationInProgressException"))
	assert.True(t, IsConflict(wrapped))
	assert.False(t, IsRetryable(wrapped))
	assert.False(t, IsNotFound(wrapped))
	assert.ErrorIs(t, wrapped, &Error{Class: ErrorClassConflict})
	assert.ErrorIs(t, wrapped, &Error{Class: ErrorClassConflict, Code: "OperationInProgressException"})
	assert.NotErrorIs(t, wrapped, &Error{Class: ErrorClassConflict, Code: "StaleRequestException"})

	assert.True(t, IsNotFound(NewNotFoundError("gone", nil)))
	assert.True(t, IsValidation(NewValidationError("bad", nil)))
	assert.True(t, IsRetryable(NewThrottledError("slow down", nil)))
	assert.True(t, IsRetryable(NewUnavailableError("503", nil)))

	assert.Equal(t, "unknown", ClassLabel(errors.New("plain")))
	assert.Equal(t, "throttled", ClassLabel(NewThrottledError("x", nil)))
}

func TestErrorMessage(t *testing.T) {
	err := NewNotFoundError("stack set missing", errors.New("cause")).
		WithTarget("web-stack").
		WithOperation("DescribeTarget")
	assert.Equal(t, "[not_found] stack set missing (target=web-stack, operation=DescribeTarget): cause", err.Error())

	assert.Equal(t, "[validation] bad input (operation=StartRollout)",
		NewValidationError("bad input", nil).WithOperation("StartRollout").Error())
}
