package finance

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Native precisions used by the ledger and the fee token.
const (
	// CurrencyScale is the precision of the pool currency (6 decimals, USDC-like).
	CurrencyScale int32 = 6
	// WadScale is the 18 decimal precision of the fee token and of ratios
	// such as loss probability.
	WadScale int32 = 18
)

// ErrScaleMismatch is returned when combining amounts of different precision.
var ErrScaleMismatch = errors.New("scale mismatch")

// Amount is a fixed-point value with an explicit number of decimals.
// It never goes through floating point.
type Amount struct {
	Value decimal.Decimal `json:"value"`
	Scale int32           `json:"scale"`
}

// NewAmount creates an amount from minor units, e.g. NewAmount(1_500_000, 6) is 1.5.
func NewAmount(minor int64, scale int32) Amount {
	return Amount{Value: decimal.New(minor, -scale), Scale: scale}
}

// Zero returns a zero amount at the given precision.
func Zero(scale int32) Amount {
	return Amount{Value: decimal.Zero, Scale: scale}
}

// ParseAmount parses a decimal string, rejecting values with more decimals
// than the precision allows.
func ParseAmount(s string, scale int32) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if !d.Equal(d.Truncate(scale)) {
		return Amount{}, fmt.Errorf("invalid amount %q: more than %d decimals", s, scale)
	}
	return Amount{Value: d, Scale: scale}, nil
}

// MustParse is ParseAmount for constants and tests.
func MustParse(s string, scale int32) Amount {
	a, err := ParseAmount(s, scale)
	if err != nil {
		panic(err)
	}
	return a
}

// Add adds two amounts of the same precision.
func (a Amount) Add(other Amount) (Amount, error) {
	if a.Scale != other.Scale {
		return Amount{}, fmt.Errorf("%w: %d vs %d", ErrScaleMismatch, a.Scale, other.Scale)
	}
	return Amount{Value: a.Value.Add(other.Value), Scale: a.Scale}, nil
}

// Sub subtracts other from a.
func (a Amount) Sub(other Amount) (Amount, error) {
	if a.Scale != other.Scale {
		return Amount{}, fmt.Errorf("%w: %d vs %d", ErrScaleMismatch, a.Scale, other.Scale)
	}
	return Amount{Value: a.Value.Sub(other.Value), Scale: a.Scale}, nil
}

// Cmp compares the values: -1, 0 or +1.
func (a Amount) Cmp(other Amount) int {
	return a.Value.Cmp(other.Value)
}

// Equal reports whether both precision and value match.
func (a Amount) Equal(other Amount) bool {
	return a.Scale == other.Scale && a.Value.Equal(other.Value)
}

// IsZero returns true if the amount is 0.
func (a Amount) IsZero() bool {
	return a.Value.IsZero()
}

// IsPositive returns true if the amount is > 0.
func (a Amount) IsPositive() bool {
	return a.Value.IsPositive()
}

// IsNegative returns true if the amount is < 0.
func (a Amount) IsNegative() bool {
	return a.Value.IsNegative()
}

// String renders the amount with exactly Scale decimals.
func (a Amount) String() string {
	return a.Value.StringFixed(a.Scale)
}
