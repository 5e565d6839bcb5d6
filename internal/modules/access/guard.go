// Package access provides role-based authorization and the circuit breaker
// consulted by every mutating ledger operation.
package access

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aristath/vaultledger/internal/domain"
	"github.com/rs/zerolog"
)

// Guard holds role assignments and the process-wide SystemState.
//
// Checks never mutate. Mutations (Grant, Revoke, SetState) re-run their check
// first, so a rejected call leaves the guard untouched.
type Guard struct {
	mu    sync.RWMutex
	roles map[domain.Address]map[domain.Role]bool
	state domain.SystemState
	log   zerolog.Logger
}

// NewGuard creates a guard with a single bootstrap admin
func NewGuard(admin domain.Address, log zerolog.Logger) (*Guard, error) {
	if admin == "" {
		return nil, fmt.Errorf("%w: bootstrap admin", domain.ErrInvalidAddress)
	}
	return Restore(map[domain.Address][]domain.Role{admin: {domain.RoleAdmin}}, domain.SystemRunning, log)
}

// Restore rebuilds a guard from persisted assignments. At least one admin must exist.
func Restore(assignments map[domain.Address][]domain.Role, state domain.SystemState, log zerolog.Logger) (*Guard, error) {
	g := &Guard{
		roles: make(map[domain.Address]map[domain.Role]bool),
		state: state,
		log:   log.With().Str("service", "access").Logger(),
	}
	if g.state == "" {
		g.state = domain.SystemRunning
	}

	for principal, roles := range assignments {
		for _, role := range roles {
			if !role.Valid() {
				return nil, fmt.Errorf("%w: %q for %s", domain.ErrInvalidRole, role, principal)
			}
			g.add(principal, role)
		}
	}

	if g.adminCount() == 0 {
		return nil, fmt.Errorf("%w: no admin in restored assignments", domain.ErrLastAdminProtection)
	}
	return g, nil
}

// HasRole reports whether principal holds role
func (g *Guard) HasRole(principal domain.Address, role domain.Role) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.roles[principal][role]
}

// Require fails with ErrUnauthorized unless principal holds at least one of roles
func (g *Guard) Require(principal domain.Address, roles ...domain.Role) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.require(principal, roles...)
}

func (g *Guard) require(principal domain.Address, roles ...domain.Role) error {
	held := g.roles[principal]
	for _, role := range roles {
		if held[role] {
			return nil
		}
	}
	return fmt.Errorf("%w: %s requires one of %v", domain.ErrUnauthorized, principal, roles)
}

// RequireRunning fails with ErrSystemPaused while the circuit breaker is engaged
func (g *Guard) RequireRunning() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.state == domain.SystemPaused {
		return domain.ErrSystemPaused
	}
	return nil
}

// State returns the current SystemState
func (g *Guard) State() domain.SystemState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// CheckGrant validates a grant without applying it
func (g *Guard) CheckGrant(caller, principal domain.Address, role domain.Role) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.checkGrant(caller, principal, role)
}

func (g *Guard) checkGrant(caller, principal domain.Address, role domain.Role) error {
	if err := g.require(caller, domain.RoleAdmin); err != nil {
		return err
	}
	if principal == "" {
		return domain.ErrInvalidAddress
	}
	if !role.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidRole, role)
	}
	return nil
}

// Grant gives role to principal. Granting a held role is a no-op.
func (g *Guard) Grant(caller, principal domain.Address, role domain.Role) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.checkGrant(caller, principal, role); err != nil {
		return err
	}
	g.add(principal, role)

	g.log.Info().
		Str("caller", string(caller)).
		Str("principal", string(principal)).
		Str("role", string(role)).
		Msg("Role granted")
	return nil
}

// CheckRevoke validates a revocation without applying it
func (g *Guard) CheckRevoke(caller, principal domain.Address, role domain.Role) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.checkRevoke(caller, principal, role)
}

func (g *Guard) checkRevoke(caller, principal domain.Address, role domain.Role) error {
	if err := g.require(caller, domain.RoleAdmin); err != nil {
		return err
	}
	if !role.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidRole, role)
	}
	if role == domain.RoleAdmin && g.roles[principal][domain.RoleAdmin] && g.adminCount() == 1 {
		return fmt.Errorf("%w: %s", domain.ErrLastAdminProtection, principal)
	}
	return nil
}

// Revoke removes role from principal. Revoking an absent role is a no-op.
func (g *Guard) Revoke(caller, principal domain.Address, role domain.Role) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.checkRevoke(caller, principal, role); err != nil {
		return err
	}
	if held := g.roles[principal]; held != nil {
		delete(held, role)
		if len(held) == 0 {
			delete(g.roles, principal)
		}
	}

	g.log.Info().
		Str("caller", string(caller)).
		Str("principal", string(principal)).
		Str("role", string(role)).
		Msg("Role revoked")
	return nil
}

// CheckTransition validates a SystemState change without applying it
func (g *Guard) CheckTransition(caller domain.Address, to domain.SystemState) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.checkTransition(caller, to)
}

func (g *Guard) checkTransition(caller domain.Address, to domain.SystemState) error {
	if err := g.require(caller, domain.RoleAdmin); err != nil {
		return err
	}
	if to != domain.SystemRunning && to != domain.SystemPaused {
		return fmt.Errorf("unknown system state %q", to)
	}
	return nil
}

// SetState moves the circuit breaker. Setting the current state is a no-op.
// It returns whether the state actually changed.
func (g *Guard) SetState(caller domain.Address, to domain.SystemState) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.checkTransition(caller, to); err != nil {
		return false, err
	}
	if g.state == to {
		return false, nil
	}
	from := g.state
	g.state = to

	g.log.Warn().
		Str("caller", string(caller)).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("System state changed")
	return true, nil
}

// Assignments returns a sorted snapshot of all role assignments
func (g *Guard) Assignments() map[domain.Address][]domain.Role {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[domain.Address][]domain.Role, len(g.roles))
	for principal, held := range g.roles {
		roles := make([]domain.Role, 0, len(held))
		for role := range held {
			roles = append(roles, role)
		}
		sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
		out[principal] = roles
	}
	return out
}

// AdminCount returns the number of principals holding the admin role
func (g *Guard) AdminCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.adminCount()
}

func (g *Guard) adminCount() int {
	count := 0
	for _, held := range g.roles {
		if held[domain.RoleAdmin] {
			count++
		}
	}
	return count
}

func (g *Guard) add(principal domain.Address, role domain.Role) {
	held := g.roles[principal]
	if held == nil {
		held = make(map[domain.Role]bool)
		g.roles[principal] = held
	}
	held[role] = true
}
