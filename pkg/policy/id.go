package policy

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/Mindburn-Labs/flightcover/pkg/identity"
)

// IDLength is the width of a policy id in bytes (256 bits).
const IDLength = 32

// ID is a 256-bit policy identifier: the engine address in the high 160
// bits and the caller's internal sequence number in the low 96 bits, so ids
// are unique across engine instances without a shared counter.
type ID [IDLength]byte

// NewID composes the id of the internalID-th policy of an engine.
func NewID(engine identity.Address, internalID uint64) ID {
	var id ID
	copy(id[:identity.AddressLength], engine[:])
	binary.BigEndian.PutUint64(id[IDLength-8:], internalID)
	return id
}

// ParseID accepts the 0x-prefixed 64 character hex form or the decimal
// integer form used by the ledger.
func ParseID(s string) (ID, error) {
	var id ID
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		raw := s[2:]
		if len(raw) != IDLength*2 {
			return id, fmt.Errorf("invalid policy id %q: expected %d hex characters", s, IDLength*2)
		}
		b, err := hex.DecodeString(raw)
		if err != nil {
			return id, fmt.Errorf("invalid policy id %q: %w", s, err)
		}
		copy(id[:], b)
		return id, nil
	}

	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 || n.BitLen() > IDLength*8 {
		return id, fmt.Errorf("invalid policy id %q", s)
	}
	n.FillBytes(id[:])
	return id, nil
}

// Engine returns the address of the engine that issued the policy.
func (id ID) Engine() identity.Address {
	var a identity.Address
	copy(a[:], id[:identity.AddressLength])
	return a
}

// InternalID returns the caller-supplied sequence number.
func (id ID) InternalID() uint64 {
	return binary.BigEndian.Uint64(id[IDLength-8:])
}

// Big returns the id as an unsigned integer: engine << 96 | internalID.
func (id ID) Big() *big.Int {
	return new(big.Int).SetBytes(id[:])
}

// Decimal renders the integer form.
func (id ID) Decimal() string {
	return id.Big().String()
}

// String renders the 0x-prefixed hex form.
func (id ID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
