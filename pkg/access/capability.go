// Package access scopes roles to one engine instance and checks them.
//
// A capability is keccak256(role) with the engine's 20-byte address XORed
// over its leading bytes, so the same role name yields distinct
// capabilities for distinct engine instances.
package access

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"

	"github.com/Mindburn-Labs/flightcover/pkg/identity"
)

// Role is a human-readable role name.
type Role string

const (
	RolePricer      Role = "PRICER_ROLE"
	RoleResolver    Role = "RESOLVER_ROLE"
	RoleOracleAdmin Role = "ORACLE_ADMIN_ROLE"
)

// Capability is a 256-bit instance-scoped role identifier.
type Capability [32]byte

// CapabilityFor derives the capability of role on engine.
func CapabilityFor(engine identity.Address, role Role) Capability {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(role))

	var c Capability
	copy(c[:], h.Sum(nil))
	for i := range engine {
		c[i] ^= engine[i]
	}
	return c
}

func (c Capability) String() string {
	return "0x" + hex.EncodeToString(c[:])
}
