// Package identity defines the account addresses used to identify engines,
// callers, beneficiaries and oracles.
package identity

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// AddressLength is the width of an account address in bytes.
const AddressLength = 20

// Address identifies an account: an engine instance, a caller, a beneficiary
// or an oracle node.
type Address [AddressLength]byte

// ZeroAddress is the unset address.
var ZeroAddress Address

// ParseAddress decodes a 0x-prefixed (or bare) 40 character hex string.
func ParseAddress(s string) (Address, error) {
	var a Address
	raw := TrimHexPrefix(strings.TrimSpace(s))
	if len(raw) != AddressLength*2 {
		return a, fmt.Errorf("invalid address %q: expected %d hex characters", s, AddressLength*2)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return a, fmt.Errorf("invalid address %q: %w", s, err)
	}
	copy(a[:], b)
	return a, nil
}

// TrimHexPrefix removes a single leading 0x or 0X.
func TrimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String returns the lowercase 0x-prefixed hex form.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a == ZeroAddress
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
