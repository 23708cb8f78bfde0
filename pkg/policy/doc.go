// Package policy guards blueprint rollouts with Open Policy Agent (OPA) Rego
// policies.
//
// Every policy is a Rego module whose package defines a `deny` set. The
// engine evaluates each enabled policy against a RolloutInput (blueprint,
// target, account, regions and rollout settings) and turns every deny entry
// into a Violation. Entries may be strings or objects with "message" and
// "severity" keys; violations of severity error or critical block the
// rollout.
//
// # Usage
//
//	eng, err := policy.NewEngine(ctx, policy.Config{
//	    AllowedRegions: []string{"us-east-1", "us-west-2"},
//	    Paths:          []string{"/etc/leasekeeper/policies"},
//	}, tel)
//	if err != nil {
//	    return err
//	}
//
//	violations, err := eng.Evaluate(ctx, policy.NewRolloutInput(
//	    "bp-1", "target-1", "123456789012", []string{"us-east-1"}, rollout))
//
// # Built-in Policies
//
//  1. allowed-regions - deployment regions must be on the configured allow list
//  2. rollout-percentages - concurrency and failure tolerance within 1-100
//  3. region-order - the region order may only name deployment regions
//
// # Custom Policies
//
// Custom policies are .rego files (named after the file, severity from a
// "# severity:" header comment, warning by default) or .json files holding a
// serialized Policy:
//
//	# Only sandbox accounts may receive the GPU blueprint.
//	# severity: error
//	package custom.gpu
//
//	deny contains msg if {
//	    input.blueprint_id == "gpu"
//	    not startswith(input.account_id, "9")
//	    msg := "gpu blueprint is restricted to sandbox accounts"
//	}
package policy
