package settlement

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/flightcover/pkg/finance"
	"github.com/Mindburn-Labs/flightcover/pkg/identity"
	"github.com/Mindburn-Labs/flightcover/pkg/ledger"
	"github.com/Mindburn-Labs/flightcover/pkg/policy"

	_ "modernc.org/sqlite"
)

var (
	engineAddr  = identity.MustParseAddress("0x5fbdb2315678afecb367f032d93f642f64180aa3")
	beneficiary = identity.MustParseAddress("0x70997970c51812dc3a010c7d01b50e0d17dc79c8")
)

func usd(s string) finance.Amount { return finance.MustParse(s, finance.CurrencyScale) }

func reservation(internalID uint64, payout string) Reservation {
	return Reservation{
		PolicyID:    policy.NewID(engineAddr, internalID),
		Payout:      usd(payout),
		Premium:     usd("10"),
		Beneficiary: beneficiary,
	}
}

func TestPoolBridge_FinalizeOnce(t *testing.T) {
	ctx := context.Background()
	l := ledger.New()
	b, err := NewPoolBridge(l, finance.Zero(finance.CurrencyScale))
	require.NoError(t, err)

	r := reservation(1, "1000")
	require.NoError(t, b.Reserve(ctx, r))
	assert.True(t, b.Exposure().Equal(usd("1000")))

	require.NoError(t, b.Finalize(ctx, r.PolicyID, usd("1000")))
	assert.ErrorIs(t, b.Finalize(ctx, r.PolicyID, usd("1000")), ErrAlreadySettled)
	assert.True(t, b.Exposure().IsZero())

	paid, ok, err := b.Settled(ctx, r.PolicyID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, paid.Equal(usd("1000")))

	resolved := l.Find(ledger.KindPolicyResolved, r.PolicyID.String())
	require.Len(t, resolved, 1)
	assert.Equal(t, "0.000000", resolved[0].Data["returned"])
	assert.NoError(t, l.Verify())
}

func TestPoolBridge_ZeroPayoutReturnsCollateral(t *testing.T) {
	ctx := context.Background()
	l := ledger.New()
	b, err := NewPoolBridge(l, finance.Zero(finance.CurrencyScale))
	require.NoError(t, err)

	r := reservation(2, "1000")
	require.NoError(t, b.Reserve(ctx, r))
	require.NoError(t, b.Finalize(ctx, r.PolicyID, usd("0")))

	resolved := l.Find(ledger.KindPolicyResolved, r.PolicyID.String())
	require.Len(t, resolved, 1)
	assert.Equal(t, "1000.000000", resolved[0].Data["returned"])
}

func TestPoolBridge_Rejects(t *testing.T) {
	ctx := context.Background()
	b, err := NewPoolBridge(ledger.New(), usd("1500"))
	require.NoError(t, err)

	assert.ErrorIs(t, b.Finalize(ctx, policy.NewID(engineAddr, 9), usd("1")), ErrNoReservation)
	assert.ErrorIs(t, b.Release(ctx, policy.NewID(engineAddr, 9)), ErrNoReservation)

	r := reservation(1, "1000")
	require.NoError(t, b.Reserve(ctx, r))
	assert.Error(t, b.Reserve(ctx, r))
	assert.ErrorIs(t, b.Reserve(ctx, reservation(2, "600")), ErrCapacityExceeded)
	assert.Error(t, b.Finalize(ctx, r.PolicyID, usd("1000.01")))

	require.NoError(t, b.Release(ctx, r.PolicyID))
	assert.True(t, b.Exposure().IsZero())
	require.NoError(t, b.Reserve(ctx, reservation(2, "600")))
}

func TestPoolBridge_ReplaysLedger(t *testing.T) {
	ctx := context.Background()
	sink := ledger.NewFileSink(filepath.Join(t.TempDir(), "settlement.jsonl"))
	l, err := ledger.Open(ctx, sink)
	require.NoError(t, err)
	b, err := NewPoolBridge(l, finance.Zero(finance.CurrencyScale))
	require.NoError(t, err)

	open := reservation(1, "1000")
	settled := reservation(2, "500")
	released := reservation(3, "250")
	require.NoError(t, b.Reserve(ctx, open))
	require.NoError(t, b.Reserve(ctx, settled))
	require.NoError(t, b.Reserve(ctx, released))
	require.NoError(t, b.Finalize(ctx, settled.PolicyID, usd("500")))
	require.NoError(t, b.Release(ctx, released.PolicyID))

	l2, err := ledger.Open(ctx, sink)
	require.NoError(t, err)
	b2, err := NewPoolBridge(l2, finance.Zero(finance.CurrencyScale))
	require.NoError(t, err)

	assert.True(t, b2.Exposure().Equal(usd("1000")))
	assert.ErrorIs(t, b2.Finalize(ctx, settled.PolicyID, usd("500")), ErrAlreadySettled)
	require.NoError(t, b2.Finalize(ctx, open.PolicyID, usd("0")))
}

func TestPoolBridge_ReplicasShareSQLLedger(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer func() { _ = db.Close() }()

	sink := ledger.NewSQLSink(db)
	require.NoError(t, sink.Init(ctx))

	replica := func() *PoolBridge {
		l, err := ledger.Open(ctx, sink)
		require.NoError(t, err)
		b, err := NewPoolBridge(l, usd("2000"))
		require.NoError(t, err)
		return b
	}
	a, b := replica(), replica()

	p1 := reservation(1, "1000")
	require.NoError(t, a.Reserve(ctx, p1))

	// b settles what a reserved, and its next append follows a's entry.
	require.NoError(t, b.Finalize(ctx, p1.PolicyID, usd("1000")))
	p2 := reservation(2, "1500")
	require.NoError(t, b.Reserve(ctx, p2))

	assert.ErrorIs(t, a.Finalize(ctx, p1.PolicyID, usd("0")), ErrAlreadySettled)
	paid, ok, err := a.Settled(ctx, p1.PolicyID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, paid.Equal(usd("1000")))

	// Exposure seen by a includes b's reservation, so the pool cap holds
	// across replicas.
	assert.True(t, a.Exposure().Equal(usd("1500")))
	assert.ErrorIs(t, a.Reserve(ctx, reservation(3, "600")), ErrCapacityExceeded)

	l, err := ledger.Open(ctx, sink)
	require.NoError(t, err)
	assert.Equal(t, 3, l.Length())
	assert.NoError(t, l.Verify())
}
