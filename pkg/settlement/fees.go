package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/flightcover/pkg/finance"
	"github.com/Mindburn-Labs/flightcover/pkg/identity"
	"github.com/Mindburn-Labs/flightcover/pkg/ledger"
)

// FeeJournal records fee wallet transfers in the settlement ledger, so a
// restarted wallet opens with what is actually left. Amounts are fee token
// amounts at finance.WadScale.
type FeeJournal struct {
	ledger *ledger.Ledger
}

func NewFeeJournal(l *ledger.Ledger) *FeeJournal {
	return &FeeJournal{ledger: l}
}

func (j *FeeJournal) RecordTransfer(ctx context.Context, t finance.Transfer) error {
	data := map[string]string{
		"from":   t.From.String(),
		"amount": t.Amount.String(),
		"at":     t.At.UTC().Format(time.RFC3339Nano),
	}
	for attempt := 1; ; attempt++ {
		_, err := j.ledger.Append(ctx, ledger.KindFeePaid, t.To.String(), data)
		if errors.Is(err, ledger.ErrStale) && attempt < maxAttempts {
			continue
		}
		return err
	}
}

func (j *FeeJournal) Transfers(ctx context.Context) ([]finance.Transfer, error) {
	if _, err := j.ledger.Refresh(ctx); err != nil {
		return nil, err
	}
	entries := j.ledger.OfKind(ledger.KindFeePaid)
	out := make([]finance.Transfer, 0, len(entries))
	for _, e := range entries {
		t, err := transferFromEntry(e)
		if err != nil {
			return nil, fmt.Errorf("ledger entry %d: %w", e.Sequence, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func transferFromEntry(e ledger.Entry) (finance.Transfer, error) {
	to, err := identity.ParseAddress(e.Subject)
	if err != nil {
		return finance.Transfer{}, err
	}
	from, err := identity.ParseAddress(e.Data["from"])
	if err != nil {
		return finance.Transfer{}, err
	}
	amount, err := finance.ParseAmount(e.Data["amount"], finance.WadScale)
	if err != nil {
		return finance.Transfer{}, err
	}
	at, err := time.Parse(time.RFC3339Nano, e.Data["at"])
	if err != nil {
		return finance.Transfer{}, err
	}
	return finance.Transfer{From: from, To: to, Amount: amount, At: at}, nil
}
