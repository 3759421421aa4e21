package policy

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/flightcover/pkg/finance"
	"github.com/Mindburn-Labs/flightcover/pkg/identity"
)

var engineAddr = identity.MustParseAddress("0xc6e7df5e7b4f2a278906862b61205850344d4e7d")

func validPolicy(now time.Time) Policy {
	return Policy{
		ID:              NewID(engineAddr, 123),
		InternalID:      123,
		Flight:          "AR 1234",
		Departure:       now.Add(time.Hour),
		ExpectedArrival: now.Add(5 * time.Hour),
		Tolerance:       1800 * time.Second,
		Payout:          finance.MustParse("1000", finance.CurrencyScale),
		Premium:         finance.MustParse("110", finance.CurrencyScale),
		LossProbability: finance.MustParse("0.1", finance.WadScale),
		Beneficiary:     identity.MustParseAddress("0x00000000000000000000000000000000000000c5"),
	}
}

func TestIDComposition(t *testing.T) {
	id := NewID(engineAddr, 123)

	assert.Equal(t, engineAddr, id.Engine())
	assert.Equal(t, uint64(123), id.InternalID())

	want := new(big.Int).SetBytes(engineAddr[:])
	want.Lsh(want, 96)
	want.Add(want, big.NewInt(123))
	assert.Equal(t, 0, want.Cmp(id.Big()))
}

func TestParseIDForms(t *testing.T) {
	id := NewID(engineAddr, 42)

	fromHex, err := ParseID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, fromHex)

	fromDec, err := ParseID(id.Decimal())
	require.NoError(t, err)
	assert.Equal(t, id, fromDec)

	for _, bad := range []string{"", "0x12", "-1", "abc"} {
		_, err := ParseID(bad)
		assert.Error(t, err, bad)
	}
}

func TestIDsAreScopedToEngine(t *testing.T) {
	other := identity.MustParseAddress("0x0000000000000000000000000000000000000001")
	assert.NotEqual(t, NewID(engineAddr, 1), NewID(other, 1))
}

func TestValidate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	p := validPolicy(now)
	require.NoError(t, p.Validate(now))

	past := validPolicy(now)
	past.ExpectedArrival = now.Add(-20 * time.Second)
	past.Departure = now.Add(-time.Hour)
	assertReason(t, past.Validate(now), "expectedArrival can't be in the past")

	atNow := validPolicy(now)
	atNow.ExpectedArrival = now
	assertReason(t, atNow.Validate(now), "expectedArrival can't be in the past")

	beforeDeparture := validPolicy(now)
	beforeDeparture.ExpectedArrival = beforeDeparture.Departure.Add(-10 * time.Second)
	assertReason(t, beforeDeparture.Validate(now), "expectedArrival <= departure!")

	noBeneficiary := validPolicy(now)
	noBeneficiary.Beneficiary = identity.ZeroAddress
	assertReason(t, noBeneficiary.Validate(now), "beneficiary can't be the zero address")

	zeroPayout := validPolicy(now)
	zeroPayout.Payout = finance.Zero(finance.CurrencyScale)
	assertReason(t, zeroPayout.Validate(now), "payout must be positive")
}

func assertReason(t *testing.T, err error, reason string) {
	t.Helper()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
	assert.Equal(t, reason, verr.Reason)
}

func TestStateTransitionsThroughApply(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := validPolicy(now)
	assert.Equal(t, StateActive, p.State())

	corr := uuid.New()
	p.Pending = &Query{CorrelationID: corr, Kind: JobData, IssuedAt: now}
	assert.Equal(t, StateQueryPending, p.State())

	err := p.Apply(uuid.New(), Resolution{Status: StatusNoData, At: now})
	assert.True(t, errors.Is(err, ErrUnknownCorrelationID))
	assert.Equal(t, StateQueryPending, p.State())

	require.NoError(t, p.Apply(corr, Resolution{Status: StatusNoData, At: now}))
	assert.Equal(t, StateActive, p.State())
	require.NotNil(t, p.LastStatus)
	assert.Equal(t, StatusNoData, *p.LastStatus)

	corr2 := uuid.New()
	p.Pending = &Query{CorrelationID: corr2, Kind: JobData, IssuedAt: now}
	require.NoError(t, p.Apply(corr2, Resolution{Status: StatusCancelled, Resolved: true, Payout: p.Payout, At: now}))
	assert.Equal(t, StateResolved, p.State())
	assert.True(t, p.ActualPayout.Equal(p.Payout))
	assert.Equal(t, 2, p.Responses)

	err = p.Apply(corr2, Resolution{Status: StatusCancelled, Resolved: true, At: now})
	assert.True(t, errors.Is(err, ErrAlreadyResolved))
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(-1)
	require.NoError(t, err)
	assert.True(t, s.IsCancelled())

	s, err = ParseStatus(0)
	require.NoError(t, err)
	assert.True(t, s.IsNoData())

	s, err = ParseStatus(1_700_000_300)
	require.NoError(t, err)
	at, ok := s.Arrival()
	require.True(t, ok)
	assert.Equal(t, int64(1_700_000_300), at.Unix())

	_, err = ParseStatus(-2)
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestNormalizeFlight(t *testing.T) {
	assert.Equal(t, "AR 1234", NormalizeFlight("  ar   1234 "))
	// Fullwidth forms fold to ASCII under NFKC.
	assert.Equal(t, "AR 1234", NormalizeFlight("ＡＲ １２３４"))
}
