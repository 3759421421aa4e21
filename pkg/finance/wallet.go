package finance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/flightcover/pkg/identity"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidTransfer     = errors.New("invalid transfer")
)

// Transfer is a completed value transfer out of a Wallet.
type Transfer struct {
	From   identity.Address `json:"from"`
	To     identity.Address `json:"to"`
	Amount Amount           `json:"amount"`
	At     time.Time        `json:"at"`
}

// Journal keeps a durable record of a wallet's transfers.
type Journal interface {
	RecordTransfer(ctx context.Context, t Transfer) error
	Transfers(ctx context.Context) ([]Transfer, error)
}

// Wallet is a thread-safe fee token balance held by an engine instance.
// It pays oracle fees through the standard (amount, recipient) transfer call.
type Wallet struct {
	mu        sync.Mutex
	owner     identity.Address
	balance   Amount
	transfers []Transfer
	journal   Journal
	clock     func() time.Time
}

func NewWallet(owner identity.Address, balance Amount) *Wallet {
	return &Wallet{
		owner:   owner,
		balance: balance,
		clock:   time.Now,
	}
}

// OpenWallet funds a wallet and deducts every transfer from owner already
// in j, so fees paid before a restart stay spent. New transfers are
// recorded in j before the balance changes.
func OpenWallet(ctx context.Context, owner identity.Address, funded Amount, j Journal) (*Wallet, error) {
	past, err := j.Transfers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet transfers: %w", err)
	}
	w := NewWallet(owner, funded)
	w.journal = j
	for _, t := range past {
		if t.From != owner {
			continue
		}
		remaining, err := w.balance.Sub(t.Amount)
		if err != nil {
			return nil, err
		}
		w.balance = remaining
		w.transfers = append(w.transfers, t)
	}
	return w, nil
}

// WithClock overrides clock for testing.
func (w *Wallet) WithClock(clock func() time.Time) *Wallet {
	w.clock = clock
	return w
}

// Transfer moves amount to the recipient. A failed transfer leaves the
// balance untouched.
func (w *Wallet) Transfer(ctx context.Context, to identity.Address, amount Amount) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if to.IsZero() {
		return fmt.Errorf("%w: zero recipient", ErrInvalidTransfer)
	}
	if amount.IsNegative() {
		return fmt.Errorf("%w: negative amount %s", ErrInvalidTransfer, amount)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, w.balance, amount)
	}
	remaining, err := w.balance.Sub(amount)
	if err != nil {
		return err
	}
	t := Transfer{From: w.owner, To: to, Amount: amount, At: w.clock().UTC()}
	if w.journal != nil {
		if err := w.journal.RecordTransfer(ctx, t); err != nil {
			return fmt.Errorf("failed to record transfer: %w", err)
		}
	}
	w.balance = remaining
	w.transfers = append(w.transfers, t)
	return nil
}

// Balance returns the current balance.
func (w *Wallet) Balance() Amount {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balance
}

// Transfers returns a copy of the transfer history.
func (w *Wallet) Transfers() []Transfer {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Transfer, len(w.transfers))
	copy(out, w.transfers)
	return out
}
