package settlement

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/flightcover/pkg/finance"
	"github.com/Mindburn-Labs/flightcover/pkg/identity"
	"github.com/Mindburn-Labs/flightcover/pkg/ledger"
)

var oracleAddr = identity.MustParseAddress("0x9fe46736679d2d9a65f0992f2272de9f3c7fa6e0")

func fee(s string) finance.Amount { return finance.MustParse(s, finance.WadScale) }

func TestFeeJournal_WalletReopensWithSpentFees(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "settlement.jsonl")

	l, err := ledger.Open(ctx, ledger.NewFileSink(path))
	require.NoError(t, err)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w, err := finance.OpenWallet(ctx, engineAddr, fee("1"), NewFeeJournal(l))
	require.NoError(t, err)
	w.WithClock(func() time.Time { return at })

	require.NoError(t, w.Transfer(ctx, oracleAddr, fee("0.1")))
	require.NoError(t, w.Transfer(ctx, oracleAddr, fee("0.1")))

	// The pool bridge shares the ledger and skips fee entries.
	b, err := NewPoolBridge(l, finance.Zero(finance.CurrencyScale))
	require.NoError(t, err)
	r := reservation(1, "1000")
	require.NoError(t, b.Reserve(ctx, r))
	assert.True(t, b.Exposure().Equal(usd("1000")))

	reopened, err := ledger.Open(ctx, ledger.NewFileSink(path))
	require.NoError(t, err)
	assert.Equal(t, 3, reopened.Length())
	require.NoError(t, reopened.Verify())

	w2, err := finance.OpenWallet(ctx, engineAddr, fee("1"), NewFeeJournal(reopened))
	require.NoError(t, err)
	assert.Equal(t, "0.800000000000000000", w2.Balance().String())
	transfers := w2.Transfers()
	require.Len(t, transfers, 2)
	assert.Equal(t, oracleAddr, transfers[0].To)
	assert.Equal(t, engineAddr, transfers[0].From)
	assert.True(t, transfers[0].At.Equal(at))

	b2, err := NewPoolBridge(reopened, finance.Zero(finance.CurrencyScale))
	require.NoError(t, err)
	assert.True(t, b2.Exposure().Equal(usd("1000")))
}

func TestFeeJournal_RejectsMalformedEntry(t *testing.T) {
	ctx := context.Background()
	l := ledger.New()
	_, err := l.Append(ctx, ledger.KindFeePaid, oracleAddr.String(), map[string]string{
		"from":   engineAddr.String(),
		"amount": "lots",
		"at":     time.Now().UTC().Format(time.RFC3339Nano),
	})
	require.NoError(t, err)

	_, err = NewFeeJournal(l).Transfers(ctx)
	assert.Error(t, err)
}
