package access

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/flightcover/pkg/identity"
)

// AuthorizationError reports a caller lacking a capability. The message
// names the caller and the missing capability only.
type AuthorizationError struct {
	Account    identity.Address
	Capability Capability
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("AccessControl: account %s is missing role %s", e.Account, e.Capability)
}

// Gate checks role grants for a single engine instance.
type Gate struct {
	engine   identity.Address
	registry Registry
}

func NewGate(engine identity.Address, registry Registry) *Gate {
	return &Gate{engine: engine, registry: registry}
}

// Engine returns the instance the gate scopes roles to.
func (g *Gate) Engine() identity.Address {
	return g.engine
}

// Capability returns the capability role maps to on this instance.
func (g *Gate) Capability(role Role) Capability {
	return CapabilityFor(g.engine, role)
}

// Authorize fails with *AuthorizationError unless caller holds role.
func (g *Gate) Authorize(ctx context.Context, role Role, caller identity.Address) error {
	c := g.Capability(role)
	ok, err := g.registry.Has(ctx, c, caller)
	if err != nil {
		return fmt.Errorf("access registry: %w", err)
	}
	if !ok {
		return &AuthorizationError{Account: caller, Capability: c}
	}
	return nil
}

// GrantRole grants role on this instance to account.
func (g *Gate) GrantRole(ctx context.Context, role Role, account identity.Address) error {
	return g.registry.Grant(ctx, g.Capability(role), account)
}

// RevokeRole removes role on this instance from account.
func (g *Gate) RevokeRole(ctx context.Context, role Role, account identity.Address) error {
	return g.registry.Revoke(ctx, g.Capability(role), account)
}
