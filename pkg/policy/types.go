package policy

import (
	"github.com/leasekeeper/leasekeeper/pkg/stores"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for violations that are logged but do not block a rollout.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the rollout.
	SeverityError Severity = "error"

	// SeverityCritical blocks the rollout.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity rejects the rollout.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a named Rego module. Its package must define a `deny` set.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// RolloutInput is the document policies are evaluated against. It is
// exposed to Rego as `input`.
type RolloutInput struct {
	BlueprintID string          `json:"blueprint_id"`
	TargetID    string          `json:"target_id"`
	AccountID   string          `json:"account_id"`
	Regions     []string        `json:"regions"`
	Rollout     RolloutSettings `json:"rollout"`

	// AllowedRegions is filled in by the engine from its configuration.
	AllowedRegions []string `json:"allowed_regions"`
}

// RolloutSettings mirrors stores.RolloutPolicy with every field present, so
// rules can tell an explicit value from an absent one by comparing to zero.
type RolloutSettings struct {
	RegionOrder                []string `json:"region_order"`
	MaxConcurrentPercentage    int      `json:"max_concurrent_percentage"`
	FailureTolerancePercentage int      `json:"failure_tolerance_percentage"`
	ConcurrencyMode            string   `json:"concurrency_mode"`
	RegionConcurrency          string   `json:"region_concurrency"`
}

// NewRolloutInput builds the policy input for deploying a blueprint target
// into an account.
func NewRolloutInput(blueprintID, targetID, accountID string, regions []string, rollout stores.RolloutPolicy) RolloutInput {
	return RolloutInput{
		BlueprintID: blueprintID,
		TargetID:    targetID,
		AccountID:   accountID,
		Regions:     nonNil(regions),
		Rollout: RolloutSettings{
			RegionOrder:                nonNil(rollout.RegionOrder),
			MaxConcurrentPercentage:    rollout.MaxConcurrentPercentage,
			FailureTolerancePercentage: rollout.FailureTolerancePercentage,
			ConcurrencyMode:            string(rollout.ConcurrencyMode),
			RegionConcurrency:          string(rollout.RegionConcurrency),
		},
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Violation is a single deny result.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Blocking returns the violations that reject a rollout.
func Blocking(violations []Violation) []Violation {
	var out []Violation
	for _, v := range violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}
