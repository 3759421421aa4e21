package access

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/flightcover/pkg/identity"
)

func TestCapabilityFor_KnownVector(t *testing.T) {
	engine := identity.MustParseAddress("0xc6e7DF5E7b4f2A278906862b61205850344D4e7d")
	c := CapabilityFor(engine, RoleOracleAdmin)
	assert.Equal(t, "0x05e01b185238b49f750d03d945e38a7f6c3be8b54de0ee42d481eb7814f0d3a8", c.String())
}

func TestCapabilityFor_ZeroEngineIsRoleHash(t *testing.T) {
	c := CapabilityFor(identity.ZeroAddress, RolePricer)
	assert.Equal(t, "0xc6823861ee2bb2198ce6b1fd6faf4c8f44f745bc804aca4a762f67e0d507fd8a", c.String())
}

func TestCapabilityFor_InstanceScoped(t *testing.T) {
	a := identity.MustParseAddress("0x0000000000000000000000000000000000000001")
	b := identity.MustParseAddress("0x0000000000000000000000000000000000000002")

	assert.NotEqual(t, CapabilityFor(a, RolePricer), CapabilityFor(b, RolePricer))
	assert.NotEqual(t, CapabilityFor(a, RolePricer), CapabilityFor(a, RoleResolver))
	// Trailing 12 bytes never see the address.
	ca, cb := CapabilityFor(a, RolePricer), CapabilityFor(b, RolePricer)
	assert.Equal(t, ca[20:], cb[20:])
}

func TestGate_Authorize(t *testing.T) {
	ctx := context.Background()
	engine := identity.MustParseAddress("0xc6e7DF5E7b4f2A278906862b61205850344D4e7d")
	caller := identity.MustParseAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	gate := NewGate(engine, NewMemoryRegistry())

	err := gate.Authorize(ctx, RoleOracleAdmin, caller)
	var authErr *AuthorizationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t,
		"AccessControl: account 0x70997970c51812dc3a010c7d01b50e0d17dc79c8 is missing role "+
			"0x05e01b185238b49f750d03d945e38a7f6c3be8b54de0ee42d481eb7814f0d3a8",
		err.Error())

	require.NoError(t, gate.GrantRole(ctx, RoleOracleAdmin, caller))
	assert.NoError(t, gate.Authorize(ctx, RoleOracleAdmin, caller))
	assert.Error(t, gate.Authorize(ctx, RolePricer, caller))

	// A grant on another instance does not carry over.
	other := NewGate(identity.MustParseAddress("0x0000000000000000000000000000000000000009"), NewMemoryRegistry())
	assert.Error(t, other.Authorize(ctx, RoleOracleAdmin, caller))

	require.NoError(t, gate.RevokeRole(ctx, RoleOracleAdmin, caller))
	assert.Error(t, gate.Authorize(ctx, RoleOracleAdmin, caller))
}

func TestMemoryRegistry_List(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	acct := identity.MustParseAddress("0x0000000000000000000000000000000000000003")
	c := CapabilityFor(identity.ZeroAddress, RoleResolver)

	require.NoError(t, r.Grant(ctx, c, acct))
	require.NoError(t, r.Grant(ctx, c, acct))
	grants := r.List()
	require.Len(t, grants, 1)
	assert.Equal(t, acct, grants[0].Account)
}
