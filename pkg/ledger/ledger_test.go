package ledger

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

var fixedClock = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC) }

func TestLedger_AppendAndVerify(t *testing.T) {
	ctx := context.Background()
	l := New().WithClock(fixedClock)

	e1, err := l.Append(ctx, KindCollateralLocked, "0x01", map[string]string{"amount": "1000.000000"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e1.Sequence)
	assert.Equal(t, genesis, e1.PrevHash)

	e2, err := l.Append(ctx, KindPolicyResolved, "0x01", map[string]string{"payout": "0.000000"})
	require.NoError(t, err)
	assert.Equal(t, e1.ContentHash, e2.PrevHash)
	assert.Equal(t, e2.ContentHash, l.Head())
	assert.Equal(t, 2, l.Length())
	assert.NoError(t, l.Verify())

	assert.Len(t, l.Find(KindPolicyResolved, "0x01"), 1)
	assert.Empty(t, l.Find(KindPolicyResolved, "0x02"))

	_, err = l.Get(3)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestLedger_VerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	l := New().WithClock(fixedClock)
	_, err := l.Append(ctx, KindPolicyResolved, "0x01", map[string]string{"payout": "0.000000"})
	require.NoError(t, err)
	_, err = l.Append(ctx, KindPolicyResolved, "0x02", map[string]string{"payout": "1000.000000"})
	require.NoError(t, err)

	l.entries[0].Data["payout"] = "1000.000000"
	err = l.Verify()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch at entry 1")
}

func TestLedger_HashIgnoresMapOrder(t *testing.T) {
	a, err := contentHash(Entry{Sequence: 1, Kind: KindPolicyResolved, Data: map[string]string{"a": "1", "b": "2"}})
	require.NoError(t, err)
	b, err := contentHash(Entry{Sequence: 1, Kind: KindPolicyResolved, Data: map[string]string{"b": "2", "a": "1"}})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFileSink_Reopen(t *testing.T) {
	ctx := context.Background()
	sink := NewFileSink(filepath.Join(t.TempDir(), "ledger.jsonl"))

	l, err := Open(ctx, sink)
	require.NoError(t, err)
	l.WithClock(fixedClock)
	_, err = l.Append(ctx, KindCollateralLocked, "0x01", map[string]string{"amount": "5"})
	require.NoError(t, err)
	last, err := l.Append(ctx, KindCollateralReleased, "0x01", map[string]string{"amount": "5"})
	require.NoError(t, err)

	reopened, err := Open(ctx, sink)
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Length())
	assert.Equal(t, last.ContentHash, reopened.Head())
}

func TestSQLSink_SQLiteReopen(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer func() { _ = db.Close() }()

	sink := NewSQLSink(db)
	require.NoError(t, sink.Init(ctx))

	l, err := Open(ctx, sink)
	require.NoError(t, err)
	l.WithClock(fixedClock)
	e, err := l.Append(ctx, KindPolicyResolved, "0x01", map[string]string{"payout": "1000.000000"})
	require.NoError(t, err)

	reopened, err := Open(ctx, sink)
	require.NoError(t, err)
	assert.Equal(t, e.ContentHash, reopened.Head())
	got, err := reopened.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "1000.000000", got.Data["payout"])
}

func TestSQLSink_AppendFailureAbortsAppend(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT sequence, kind").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "kind", "subject", "data", "ts", "prev_hash", "content_hash"}))
	mock.ExpectExec("INSERT INTO settlement_ledger").
		WillReturnError(sql.ErrConnDone)
	mock.ExpectQuery("SELECT sequence, kind").
		WithArgs(int64(0)).
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "kind", "subject", "data", "ts", "prev_hash", "content_hash"}))

	ctx := context.Background()
	l, err := Open(ctx, NewSQLSink(db))
	require.NoError(t, err)

	_, err = l.Append(ctx, KindPolicyResolved, "0x01", nil)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NotErrorIs(t, err, ErrStale)
	assert.Equal(t, 0, l.Length())
	assert.Equal(t, genesis, l.Head())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSink_AppendLosingRaceReportsStale(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	// The entry another writer committed at sequence 1.
	theirs := Entry{
		Sequence:  1,
		Kind:      KindCollateralLocked,
		Subject:   "0x02",
		Data:      map[string]string{"payout": "5.000000"},
		Timestamp: fixedClock().Truncate(time.Microsecond),
		PrevHash:  genesis,
	}
	theirs.ContentHash, err = contentHash(theirs)
	require.NoError(t, err)

	cols := []string{"sequence", "kind", "subject", "data", "ts", "prev_hash", "content_hash"}
	mock.ExpectQuery("SELECT sequence, kind").WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectExec("INSERT INTO settlement_ledger").
		WillReturnError(errors.New("UNIQUE constraint failed: settlement_ledger.sequence"))
	mock.ExpectQuery("SELECT sequence, kind").
		WithArgs(int64(0)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			int64(1), string(theirs.Kind), theirs.Subject, `{"payout":"5.000000"}`,
			theirs.Timestamp, theirs.PrevHash, theirs.ContentHash,
		))

	ctx := context.Background()
	l, err := Open(ctx, NewSQLSink(db))
	require.NoError(t, err)
	l.WithClock(fixedClock)

	_, err = l.Append(ctx, KindCollateralLocked, "0x01", map[string]string{"payout": "7.000000"})
	assert.ErrorIs(t, err, ErrStale)
	assert.Equal(t, 1, l.Length())
	assert.Equal(t, theirs.ContentHash, l.Head())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSink_SharedByTwoLedgers(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer func() { _ = db.Close() }()

	sink := NewSQLSink(db)
	require.NoError(t, sink.Init(ctx))

	a, err := Open(ctx, sink)
	require.NoError(t, err)
	b, err := Open(ctx, sink)
	require.NoError(t, err)

	_, err = a.Append(ctx, KindCollateralLocked, "0x01", map[string]string{"payout": "5.000000"})
	require.NoError(t, err)

	// b has not seen a's entry; its first append loses the race and catches up.
	_, err = b.Append(ctx, KindCollateralLocked, "0x02", map[string]string{"payout": "7.000000"})
	require.ErrorIs(t, err, ErrStale)
	assert.Equal(t, a.Head(), b.Head())

	e, err := b.Append(ctx, KindCollateralLocked, "0x02", map[string]string{"payout": "7.000000"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e.Sequence)

	n, err := a.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, b.Head(), a.Head())
	assert.NoError(t, a.Verify())
	assert.Len(t, a.Find(KindCollateralLocked, "0x02"), 1)
}

func TestFileSink_Since(t *testing.T) {
	ctx := context.Background()
	sink := NewFileSink(filepath.Join(t.TempDir(), "ledger.jsonl"))
	l, err := Open(ctx, sink)
	require.NoError(t, err)
	for _, subject := range []string{"0x01", "0x02", "0x03"} {
		_, err := l.Append(ctx, KindCollateralLocked, subject, map[string]string{"payout": "1"})
		require.NoError(t, err)
	}

	newer, err := sink.Since(ctx, 1)
	require.NoError(t, err)
	require.Len(t, newer, 2)
	assert.Equal(t, uint64(2), newer[0].Sequence)
	assert.Equal(t, "0x03", newer[1].Subject)
}
