package citadel

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Actions controlled by the access gate. A policy permits an operation when
// its action set contains the operation's action or the wildcard.
const (
	ActionCreate   = "secrets:create"
	ActionRead     = "secrets:read"
	ActionUpdate   = "secrets:update"
	ActionDelete   = "secrets:delete"
	ActionRotate   = "secrets:rotate"
	ActionList     = "secrets:list"
	ActionMetrics  = "secrets:metrics"
	ActionBackup   = "secrets:backup"
	ActionRestore  = "secrets:restore"
	ActionWildcard = "secrets:*"
)

// Built-in policy names registered at engine start.
const (
	// DefaultPolicyName governs secrets with no explicit policy reference:
	// read and list only.
	DefaultPolicyName = "default"

	// AdminPolicyName permits every action via the wildcard.
	AdminPolicyName = "admin"
)

// AccessPolicy is a named set of permitted actions.
type AccessPolicy struct {
	Name    string   `json:"name"`
	Actions []string `json:"actions"`
}

// Allows reports whether the policy permits the given action.
func (p AccessPolicy) Allows(action string) bool {
	for _, a := range p.Actions {
		if a == ActionWildcard || a == action {
			return true
		}
	}
	return false
}

// Validate rejects unusable policies before they enter the registry.
func (p AccessPolicy) Validate() error {
	if p.Name == "" {
		return &InputError{Field: "policy", Reason: "name cannot be empty"}
	}
	if len(p.Actions) == 0 {
		return &InputError{Field: "policy", Reason: fmt.Sprintf("%q has no actions", p.Name)}
	}
	for _, a := range p.Actions {
		if !strings.HasPrefix(a, "secrets:") {
			return &InputError{
				Field:  "policy",
				Reason: fmt.Sprintf("%q carries unknown action %q (must be secrets:<action> or secrets:*)", p.Name, a),
			}
		}
	}
	return nil
}

// PolicyResolver resolves a policy reference to a policy. The built-in
// registry resolver serves in-process policies; deployments backed by an
// external RBAC store inject their own implementation through Options.
//
// Resolution is bounded by the engine's RBACTimeout via ctx; implementations
// must honor cancellation. Any error, a nil result, or a timeout is treated
// as a denial by the access gate.
type PolicyResolver interface {
	ResolvePolicy(ctx context.Context, name string) (*AccessPolicy, error)
}

// policyRegistry is the in-process policy store and the default resolver.
type policyRegistry struct {
	mu       sync.RWMutex
	policies map[string]AccessPolicy
}

func newPolicyRegistry() *policyRegistry {
	r := &policyRegistry{policies: make(map[string]AccessPolicy)}
	r.register(AccessPolicy{Name: DefaultPolicyName, Actions: []string{ActionRead, ActionList}})
	r.register(AccessPolicy{Name: AdminPolicyName, Actions: []string{ActionWildcard}})
	return r
}

func (r *policyRegistry) register(policy AccessPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[policy.Name] = policy
}

func (r *policyRegistry) ResolvePolicy(ctx context.Context, name string) (*AccessPolicy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	policy, ok := r.policies[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("policy %q not found", name)
	}
	return &policy, nil
}

// RegisterPolicy installs or replaces a named policy in the in-process
// registry. Built-ins may be replaced, but the registry always holds some
// policy under "default" and "admin".
func (e *Engine) RegisterPolicy(policy AccessPolicy) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := policy.Validate(); err != nil {
		return err
	}
	e.policies.register(policy)
	return nil
}

// authorize is the access gate every operation passes before touching state.
//
// Order is fixed: the actor check comes first so an anonymous caller learns
// nothing, then the policy reference is resolved under the RBAC timeout, then
// the action is matched. Every failure is a closed gate.
func (e *Engine) authorize(ctx context.Context, actor, action, policyRef string) error {
	if actor == "" {
		return ErrActorRequired
	}

	if policyRef == "" {
		policyRef = DefaultPolicyName
	}

	if ctx == nil {
		ctx = context.Background()
	}
	rctx, cancel := context.WithTimeout(ctx, e.options.RBACTimeout)
	defer cancel()

	policy, err := e.resolver.ResolvePolicy(rctx, policyRef)
	if err != nil {
		return &AccessDeniedError{Actor: actor, Action: action, Policy: policyRef, Cause: err}
	}
	if policy == nil {
		return &AccessDeniedError{
			Actor: actor, Action: action, Policy: policyRef,
			Cause: fmt.Errorf("resolver returned no policy"),
		}
	}

	if !policy.Allows(action) {
		return &AccessDeniedError{Actor: actor, Action: action, Policy: policyRef}
	}

	return nil
}
