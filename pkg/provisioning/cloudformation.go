package provisioning

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"

	"github.com/leasekeeper/leasekeeper/pkg/telemetry"
)

// CloudFormationAPI is the subset of the CloudFormation client used by StackSetClient.
type CloudFormationAPI interface {
	CreateStackInstances(ctx context.Context, in *cloudformation.CreateStackInstancesInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackInstancesOutput, error)
	DescribeStackSetOperation(ctx context.Context, in *cloudformation.DescribeStackSetOperationInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStackSetOperationOutput, error)
	ListStackSetOperationResults(ctx context.Context, in *cloudformation.ListStackSetOperationResultsInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ListStackSetOperationResultsOutput, error)
	DescribeStackSet(ctx context.Context, in *cloudformation.DescribeStackSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStackSetOutput, error)
}

// StackSetClient implements API on top of CloudFormation StackSets. A
// template ref is a stack set name.
type StackSetClient struct {
	cf        CloudFormationAPI
	callAs    cftypes.CallAs
	telemetry *telemetry.Telemetry
}

// StackSetOption configures a StackSetClient.
type StackSetOption func(*StackSetClient)

// WithCallAs sets the CallAs value sent with every request (SELF or DELEGATED_ADMIN).
func WithCallAs(callAs string) StackSetOption {
	return func(c *StackSetClient) {
		if callAs != "" {
			c.callAs = cftypes.CallAs(callAs)
		}
	}
}

// NewStackSetClient wraps an existing CloudFormation client.
func NewStackSetClient(cf CloudFormationAPI, tel *telemetry.Telemetry, opts ...StackSetOption) *StackSetClient {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	c := &StackSetClient{
		cf:        cf,
		callAs:    cftypes.CallAsSelf,
		telemetry: tel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LoadStackSetClient builds a client from the default AWS credential chain.
// SDK-level retries are disabled; callers retry through retry.Executor.
func LoadStackSetClient(ctx context.Context, region string, tel *telemetry.Telemetry, opts ...StackSetOption) (*StackSetClient, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	cf := cloudformation.NewFromConfig(cfg, func(o *cloudformation.Options) {
		o.RetryMaxAttempts = 1
	})
	return NewStackSetClient(cf, tel, opts...), nil
}

func (c *StackSetClient) call(ctx context.Context, operation, target string, fn func(ctx context.Context) error) error {
	return c.telemetry.RecordProvisioningCall(ctx, operation, ClassLabel, func(ctx context.Context) error {
		return Classify(fn(ctx), operation, target)
	})
}

// StartRollout creates stack instances for the requested accounts and regions.
// A retry that finds its own operation id already registered is treated as
// success.
func (c *StackSetClient) StartRollout(ctx context.Context, req RolloutRequest) (string, error) {
	if req.TemplateRef == "" || req.OperationID == "" {
		return "", NewValidationError("template ref and operation id are required", nil).
			WithOperation("StartRollout")
	}
	if len(req.Accounts) == 0 || len(req.Regions) == 0 {
		return "", NewValidationError("at least one account and one region are required", nil).
			WithOperation("StartRollout").
			WithTarget(req.TemplateRef)
	}

	in := &cloudformation.CreateStackInstancesInput{
		StackSetName:         aws.String(req.TemplateRef),
		Accounts:             req.Accounts,
		Regions:              req.Regions,
		OperationId:          aws.String(req.OperationID),
		OperationPreferences: operationPreferences(req.Preferences),
		CallAs:               c.callAs,
	}

	var opID string
	err := c.call(ctx, "StartRollout", req.TemplateRef, func(ctx context.Context) error {
		out, err := c.cf.CreateStackInstances(ctx, in)
		if err != nil {
			return err
		}
		opID = aws.ToString(out.OperationId)
		return nil
	})

	var perr *Error
	if errors.As(err, &perr) && perr.Code == "OperationIdAlreadyExistsException" {
		return req.OperationID, nil
	}
	if err != nil {
		return "", err
	}
	if opID == "" {
		opID = req.OperationID
	}
	return opID, nil
}

func operationPreferences(p Preferences) *cftypes.StackSetOperationPreferences {
	prefs := &cftypes.StackSetOperationPreferences{
		RegionOrder: p.RegionOrder,
	}
	if p.MaxConcurrentPercentage > 0 {
		prefs.MaxConcurrentPercentage = aws.Int32(int32(p.MaxConcurrentPercentage))
	}
	if p.FailureTolerancePercentage > 0 {
		prefs.FailureTolerancePercentage = aws.Int32(int32(p.FailureTolerancePercentage))
	}
	if p.ConcurrencyMode != "" {
		prefs.ConcurrencyMode = cftypes.ConcurrencyMode(p.ConcurrencyMode)
	}
	if p.RegionConcurrency != "" {
		prefs.RegionConcurrencyType = cftypes.RegionConcurrencyType(p.RegionConcurrency)
	}
	return prefs
}

// PollOperation describes a stack set operation.
func (c *StackSetClient) PollOperation(ctx context.Context, templateRef, operationID string) (*Operation, error) {
	var op *Operation
	err := c.call(ctx, "PollOperation", templateRef, func(ctx context.Context) error {
		out, err := c.cf.DescribeStackSetOperation(ctx, &cloudformation.DescribeStackSetOperationInput{
			StackSetName: aws.String(templateRef),
			OperationId:  aws.String(operationID),
			CallAs:       c.callAs,
		})
		if err != nil {
			return err
		}
		if out.StackSetOperation == nil {
			return NewNotFoundError(fmt.Sprintf("operation %s not found", operationID), nil)
		}
		op = &Operation{
			ID:           operationID,
			Status:       OperationStatus(out.StackSetOperation.Status),
			StatusReason: aws.ToString(out.StackSetOperation.StatusReason),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return op, nil
}

// ListFailedInstances pages through the failed results of an operation.
func (c *StackSetClient) ListFailedInstances(ctx context.Context, templateRef, operationID, accountID string) ([]InstanceFailure, error) {
	var failures []InstanceFailure
	err := c.call(ctx, "ListFailedInstances", templateRef, func(ctx context.Context) error {
		var next *string
		for {
			out, err := c.cf.ListStackSetOperationResults(ctx, &cloudformation.ListStackSetOperationResultsInput{
				StackSetName: aws.String(templateRef),
				OperationId:  aws.String(operationID),
				CallAs:       c.callAs,
				NextToken:    next,
				Filters: []cftypes.OperationResultFilter{{
					Name:   cftypes.OperationResultFilterNameOperationResultStatus,
					Values: aws.String(string(cftypes.StackSetOperationResultStatusFailed)),
				}},
			})
			if err != nil {
				return err
			}
			for _, s := range out.Summaries {
				account := aws.ToString(s.Account)
				if accountID != "" && account != accountID {
					continue
				}
				failures = append(failures, InstanceFailure{
					Account: account,
					Region:  aws.ToString(s.Region),
					Reason:  aws.ToString(s.StatusReason),
				})
			}
			if aws.ToString(out.NextToken) == "" {
				return nil
			}
			next = out.NextToken
		}
	})
	if err != nil {
		return nil, err
	}
	return failures, nil
}

// DescribeTarget checks that the stack set exists and has not been deleted.
func (c *StackSetClient) DescribeTarget(ctx context.Context, templateRef string) (*Target, error) {
	var target *Target
	err := c.call(ctx, "DescribeTarget", templateRef, func(ctx context.Context) error {
		out, err := c.cf.DescribeStackSet(ctx, &cloudformation.DescribeStackSetInput{
			StackSetName: aws.String(templateRef),
			CallAs:       c.callAs,
		})
		if err != nil {
			return err
		}
		if out.StackSet == nil || out.StackSet.Status == cftypes.StackSetStatusDeleted {
			return NewNotFoundError(fmt.Sprintf("stack set %s does not exist", templateRef), nil).
				WithCode("StackSetNotFoundException")
		}
		target = &Target{
			Ref:    templateRef,
			Status: string(out.StackSet.Status),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return target, nil
}

var _ API = (*StackSetClient)(nil)
