// Package settlement hands policy outcomes to the risk pool that holds
// premiums and collateral. The pool itself is external; this package keeps
// the reservation bookkeeping and the durable record of every settlement.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Mindburn-Labs/flightcover/pkg/finance"
	"github.com/Mindburn-Labs/flightcover/pkg/identity"
	"github.com/Mindburn-Labs/flightcover/pkg/ledger"
	"github.com/Mindburn-Labs/flightcover/pkg/policy"
)

var (
	// ErrAlreadySettled is returned by Finalize for a policy that was settled before.
	ErrAlreadySettled = errors.New("settlement: policy already settled")
	// ErrNoReservation is returned when no collateral is locked for the policy.
	ErrNoReservation = errors.New("settlement: no collateral reserved for policy")
	// ErrCapacityExceeded is returned when a reservation would exceed the pool's exposure limit.
	ErrCapacityExceeded = errors.New("settlement: pool capacity exceeded")
)

// maxAttempts bounds how often one operation re-checks and re-appends after
// losing the race for the next ledger entry to another replica.
const maxAttempts = 5

// Reservation locks collateral for a new policy.
type Reservation struct {
	PolicyID    policy.ID
	Payout      finance.Amount
	Premium     finance.Amount
	Beneficiary identity.Address
}

// Bridge is what the resolution engine needs from the pool.
type Bridge interface {
	// Reserve locks payout collateral before a policy is accepted.
	Reserve(ctx context.Context, r Reservation) error
	// Release undoes a reservation for a policy whose creation aborted.
	Release(ctx context.Context, id policy.ID) error
	// Finalize settles a policy once: payout to the beneficiary, the rest
	// of the collateral back to the pool.
	Finalize(ctx context.Context, id policy.ID, payout finance.Amount) error
	// Settled returns the payout recorded for a settled policy.
	Settled(ctx context.Context, id policy.ID) (finance.Amount, bool, error)
}

// PoolBridge implements Bridge on top of a settlement ledger. All of its
// state is derived from ledger entries, and every operation first catches
// up with entries other replicas appended to a shared sink, so bridges on
// one SQL ledger agree on reservations and settlements.
type PoolBridge struct {
	mu       sync.Mutex
	ledger   *ledger.Ledger
	applied  uint64
	locked   map[policy.ID]Reservation
	settled  map[policy.ID]finance.Amount
	exposure finance.Amount
	capacity finance.Amount
	logger   *slog.Logger
}

// NewPoolBridge replays l. A zero capacity means unlimited exposure.
func NewPoolBridge(l *ledger.Ledger, capacity finance.Amount) (*PoolBridge, error) {
	b := &PoolBridge{
		ledger:   l,
		locked:   make(map[policy.ID]Reservation),
		settled:  make(map[policy.ID]finance.Amount),
		exposure: finance.Zero(finance.CurrencyScale),
		capacity: capacity,
		logger:   slog.Default().With("component", "settlement"),
	}
	if err := b.catchUp(); err != nil {
		return nil, err
	}
	return b, nil
}

// catchUp applies the ledger entries not yet reflected in b. Callers hold
// b.mu, except during construction.
func (b *PoolBridge) catchUp() error {
	for b.applied < uint64(b.ledger.Length()) {
		e, err := b.ledger.Get(b.applied + 1)
		if err != nil {
			return err
		}
		if err := b.apply(e); err != nil {
			return fmt.Errorf("ledger entry %d: %w", e.Sequence, err)
		}
		b.applied = e.Sequence
	}
	return nil
}

func (b *PoolBridge) apply(e ledger.Entry) error {
	switch e.Kind {
	case ledger.KindCollateralLocked:
		id, err := policy.ParseID(e.Subject)
		if err != nil {
			return err
		}
		r, err := reservationFromEntry(id, e)
		if err != nil {
			return err
		}
		return b.lock(r)
	case ledger.KindCollateralReleased:
		id, err := policy.ParseID(e.Subject)
		if err != nil {
			return err
		}
		return b.unlock(id)
	case ledger.KindPolicyResolved:
		id, err := policy.ParseID(e.Subject)
		if err != nil {
			return err
		}
		paid, err := finance.ParseAmount(e.Data["payout"], finance.CurrencyScale)
		if err != nil {
			return err
		}
		b.settled[id] = paid
		return b.unlock(id)
	}
	return nil
}

func (b *PoolBridge) sync(ctx context.Context) error {
	if _, err := b.ledger.Refresh(ctx); err != nil {
		return err
	}
	return b.catchUp()
}

// record is one ledger entry an operation wants to append.
type record struct {
	kind    ledger.Kind
	subject string
	data    map[string]string
}

// commit catches up, lets check decide against current state, and appends
// its record. When another replica took the next sequence first, the
// check runs again on the newer state.
func (b *PoolBridge) commit(ctx context.Context, check func() (record, error)) error {
	for attempt := 1; ; attempt++ {
		if err := b.sync(ctx); err != nil {
			return err
		}
		rec, err := check()
		if err != nil {
			return err
		}
		_, err = b.ledger.Append(ctx, rec.kind, rec.subject, rec.data)
		if errors.Is(err, ledger.ErrStale) && attempt < maxAttempts {
			continue
		}
		if err != nil {
			return err
		}
		return b.catchUp()
	}
}

func reservationFromEntry(id policy.ID, e ledger.Entry) (Reservation, error) {
	payout, err := finance.ParseAmount(e.Data["payout"], finance.CurrencyScale)
	if err != nil {
		return Reservation{}, err
	}
	premium, err := finance.ParseAmount(e.Data["premium"], finance.CurrencyScale)
	if err != nil {
		return Reservation{}, err
	}
	ben, err := identity.ParseAddress(e.Data["beneficiary"])
	if err != nil {
		return Reservation{}, err
	}
	return Reservation{PolicyID: id, Payout: payout, Premium: premium, Beneficiary: ben}, nil
}

func (b *PoolBridge) lock(r Reservation) error {
	next, err := b.exposure.Add(r.Payout)
	if err != nil {
		return err
	}
	b.locked[r.PolicyID] = r
	b.exposure = next
	return nil
}

func (b *PoolBridge) unlock(id policy.ID) error {
	r, ok := b.locked[id]
	if !ok {
		return nil
	}
	next, err := b.exposure.Sub(r.Payout)
	if err != nil {
		return err
	}
	delete(b.locked, id)
	b.exposure = next
	return nil
}

func (b *PoolBridge) Reserve(ctx context.Context, r Reservation) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	subject := r.PolicyID.String()
	return b.commit(ctx, func() (record, error) {
		if _, ok := b.locked[r.PolicyID]; ok {
			return record{}, fmt.Errorf("settlement: collateral already reserved for %s", subject)
		}
		if _, ok := b.settled[r.PolicyID]; ok {
			return record{}, ErrAlreadySettled
		}
		next, err := b.exposure.Add(r.Payout)
		if err != nil {
			return record{}, err
		}
		if !b.capacity.IsZero() && next.Cmp(b.capacity) > 0 {
			return record{}, fmt.Errorf("%w: exposure %s, capacity %s", ErrCapacityExceeded, next, b.capacity)
		}
		return record{ledger.KindCollateralLocked, subject, map[string]string{
			"payout":      r.Payout.String(),
			"premium":     r.Premium.String(),
			"beneficiary": r.Beneficiary.String(),
		}}, nil
	})
}

func (b *PoolBridge) Release(ctx context.Context, id policy.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.commit(ctx, func() (record, error) {
		r, ok := b.locked[id]
		if !ok {
			return record{}, ErrNoReservation
		}
		return record{ledger.KindCollateralReleased, id.String(), map[string]string{
			"amount": r.Payout.String(),
		}}, nil
	})
}

func (b *PoolBridge) Finalize(ctx context.Context, id policy.ID, payout finance.Amount) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var returned finance.Amount
	err := b.commit(ctx, func() (record, error) {
		if _, ok := b.settled[id]; ok {
			return record{}, ErrAlreadySettled
		}
		r, ok := b.locked[id]
		if !ok {
			return record{}, ErrNoReservation
		}
		if payout.IsNegative() || payout.Cmp(r.Payout) > 0 {
			return record{}, fmt.Errorf("settlement: payout %s outside [0, %s]", payout, r.Payout)
		}
		var err error
		if returned, err = r.Payout.Sub(payout); err != nil {
			return record{}, err
		}
		return record{ledger.KindPolicyResolved, id.String(), map[string]string{
			"payout":      payout.String(),
			"beneficiary": r.Beneficiary.String(),
			"returned":    returned.String(),
			"premium":     r.Premium.String(),
		}}, nil
	})
	if err != nil {
		return err
	}
	b.logger.Info("policy settled", "policy_id", id.String(), "payout", payout.String(), "returned", returned.String())
	return nil
}

// Exposure returns the total collateral locked as of the last operation.
func (b *PoolBridge) Exposure() finance.Amount {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exposure
}

// Settled returns the payout recorded for id, if it was settled.
func (b *PoolBridge) Settled(ctx context.Context, id policy.ID) (finance.Amount, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.sync(ctx); err != nil {
		return finance.Amount{}, false, err
	}
	paid, ok := b.settled[id]
	return paid, ok, nil
}
