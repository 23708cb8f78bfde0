package policy

// BuiltinPolicies returns the rollout checks every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		allowedRegionsPolicy(),
		rolloutPercentagesPolicy(),
		regionOrderPolicy(),
	}
}

// allowedRegionsPolicy rejects regions outside the configured allow list.
// An empty allow list permits every region.
func allowedRegionsPolicy() Policy {
	return Policy{
		Name:        "allowed-regions",
		Description: "Deployment regions must be on the configured allow list",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package leasekeeper.rollout.regions

deny contains violation if {
	count(input.allowed_regions) > 0
	some region in input.regions
	not region in input.allowed_regions
	violation := {"message": sprintf("region %s is not allowed", [region])}
}
`,
	}
}

// rolloutPercentagesPolicy bounds the concurrency and failure tolerance
// percentages. Zero means "use the target default".
func rolloutPercentagesPolicy() Policy {
	return Policy{
		Name:        "rollout-percentages",
		Description: "Rollout percentages must be within 1-100",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package leasekeeper.rollout.percentages

within(p) if {
	p >= 1
	p <= 100
}

deny contains violation if {
	p := input.rollout.max_concurrent_percentage
	p != 0
	not within(p)
	violation := {"message": sprintf("maxConcurrentPercentage %d must be between 1 and 100", [p])}
}

deny contains violation if {
	p := input.rollout.failure_tolerance_percentage
	p != 0
	not within(p)
	violation := {"message": sprintf("failureTolerancePercentage %d must be between 1 and 100", [p])}
}
`,
	}
}

// regionOrderPolicy requires the rollout order to only name regions that are
// being deployed.
func regionOrderPolicy() Policy {
	return Policy{
		Name:        "region-order",
		Description: "Region order must be a subset of the deployment regions",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package leasekeeper.rollout.order

deny contains violation if {
	some region in input.rollout.region_order
	not region in input.regions
	violation := {"message": sprintf("region order names %s, which is not a deployment region", [region])}
}
`,
	}
}
