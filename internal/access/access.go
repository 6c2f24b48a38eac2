// Package access implements the role and capability registry consulted by
// every gated engine operation.
//
// Roles are a flat capability set, not a hierarchy: a principal either holds
// a role or does not, and Admin satisfies any narrower requirement.
package access

import (
	"errors"
	"fmt"
	"sync"
)

// Role is a capability grantable to a principal.
type Role string

const (
	// RoleAdmin can grant and revoke all roles and update all configs.
	RoleAdmin Role = "admin"
	// RoleOperator covers routine config plus proposal creation/execution.
	RoleOperator Role = "operator"
	// RoleGuardian can trip and reset the circuit breaker.
	RoleGuardian Role = "guardian"
	// RoleEmergency can activate emergency mode; only Admin deactivates.
	RoleEmergency Role = "emergency"
)

var (
	// ErrUnauthorized is returned when the caller holds none of the
	// accepted roles for an operation.
	ErrUnauthorized = errors.New("access: caller lacks required role")

	// ErrUnknownRole is returned when a role name does not parse.
	ErrUnknownRole = errors.New("access: unknown role")
)

// ParseRole converts a wire-format role name into a Role.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleAdmin, RoleOperator, RoleGuardian, RoleEmergency:
		return Role(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// Registry maps principals to their granted capability sets.
type Registry struct {
	mu     sync.RWMutex
	grants map[string]map[Role]bool
}

// NewRegistry creates a registry with the given principal bootstrapped as
// Admin.
func NewRegistry(admin string) *Registry {
	r := &Registry{grants: make(map[string]map[Role]bool)}
	r.grants[admin] = map[Role]bool{RoleAdmin: true}
	return r
}

// Grant gives principal the role. Admin-only.
func (r *Registry) Grant(caller, principal string, role Role) error {
	if err := r.Require(caller, RoleAdmin); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.grants[principal]
	if !ok {
		set = make(map[Role]bool)
		r.grants[principal] = set
	}
	set[role] = true
	return nil
}

// Revoke removes the role from principal. Admin-only.
func (r *Registry) Revoke(caller, principal string, role Role) error {
	if err := r.Require(caller, RoleAdmin); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.grants[principal]; ok {
		delete(set, role)
	}
	return nil
}

// Has reports whether principal holds the role directly.
func (r *Registry) Has(principal string, role Role) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.grants[principal][role]
}

// Require succeeds when the caller holds any of the accepted roles, or
// Admin. Fails with ErrUnauthorized otherwise.
func (r *Registry) Require(caller string, roles ...Role) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.grants[caller]
	if set[RoleAdmin] {
		return nil
	}
	for _, role := range roles {
		if set[role] {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnauthorized, caller)
}

// Roles returns the roles held by principal.
func (r *Registry) Roles(principal string) []Role {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var roles []Role
	for role, ok := range r.grants[principal] {
		if ok {
			roles = append(roles, role)
		}
	}
	return roles
}
