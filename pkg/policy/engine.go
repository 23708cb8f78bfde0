package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/leasekeeper/leasekeeper/pkg/telemetry"
)

// Config configures the rollout policy engine.
type Config struct {
	// AllowedRegions limits deployment regions. Empty allows every region.
	AllowedRegions []string `mapstructure:"allowed_regions"`

	// Paths are .rego or .json policy files, or directories of them, loaded
	// on top of the built-in policies.
	Paths []string `mapstructure:"paths"`
}

// Engine evaluates rollout requests against compiled Rego policies.
type Engine struct {
	mu             sync.RWMutex
	policies       map[string]*compiledPolicy
	allowedRegions []string
	tel            *telemetry.Telemetry
	logger         *telemetry.Logger
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewEngine compiles the built-in policies and any policies found under
// cfg.Paths. tel may be nil.
func NewEngine(ctx context.Context, cfg Config, tel *telemetry.Telemetry) (*Engine, error) {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	e := &Engine{
		policies:       make(map[string]*compiledPolicy),
		allowedRegions: append([]string{}, cfg.AllowedRegions...),
		tel:            tel,
		logger:         tel.Logger.NewComponentLogger("policy-engine"),
	}

	builtins := BuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(ctx, &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	if len(cfg.Paths) > 0 {
		if err := e.LoadPolicies(ctx, cfg.Paths); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// Evaluate runs every enabled policy against input and returns all
// violations, ordered by policy name. input.AllowedRegions is overwritten
// with the engine's allow list.
func (e *Engine) Evaluate(ctx context.Context, input RolloutInput) ([]Violation, error) {
	ctx, span := e.tel.Tracer.StartSpan(ctx, "policy.evaluate")
	defer span.End()

	input.AllowedRegions = nonNil(e.allowedRegions)
	input.Regions = nonNil(input.Regions)
	input.Rollout.RegionOrder = nonNil(input.Rollout.RegionOrder)

	e.mu.RLock()
	defer e.mu.RUnlock()

	var violations []Violation
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		found, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.WithError(err).WithField("policy", name).Error("policy evaluation failed")
			telemetry.RecordError(span, err)
			return nil, fmt.Errorf("failed to evaluate policy %s: %w", name, err)
		}
		violations = append(violations, found...)
	}

	e.logger.WithFields(map[string]interface{}{
		"blueprint_id": input.BlueprintID,
		"target_id":    input.TargetID,
		"violations":   len(violations),
	}).Debug("rollout policy evaluation completed")
	telemetry.RecordSuccess(span)

	return violations, nil
}

// LoadPolicies loads and compiles policy files. A policy with the same name
// as an existing one replaces it.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.WithField("count", len(policies)).Info("policies loaded")
	return nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input RolloutInput) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	sort.Slice(violations, func(i, j int) bool { return violations[i].Message < violations[j].Message })
	return violations, nil
}

// createViolation turns one deny entry into a Violation. Entries may be plain
// strings or objects with message and severity keys.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	if violation.Severity == "" {
		violation.Severity = SeverityError
	}
	return violation
}

// compileAndStorePolicy compiles a policy's deny rule and stores it.
// Callers hold e.mu or own e exclusively.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{policy: policy, query: query}
	e.logger.WithField("policy", policy.Name).Debug("policy compiled")
	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies ordered by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.WithFields(map[string]interface{}{"policy": name, "enabled": enabled}).Info("policy toggled")
	return nil
}
