// Package resolution drives flight-delay policies from creation to
// settlement: it validates new policies, asks the oracle for arrival
// data and turns each answer into a payout or a deferral.
package resolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/flightcover/pkg/access"
	"github.com/Mindburn-Labs/flightcover/pkg/finance"
	"github.com/Mindburn-Labs/flightcover/pkg/identity"
	"github.com/Mindburn-Labs/flightcover/pkg/lock"
	"github.com/Mindburn-Labs/flightcover/pkg/observability"
	"github.com/Mindburn-Labs/flightcover/pkg/oracle"
	"github.com/Mindburn-Labs/flightcover/pkg/policy"
	"github.com/Mindburn-Labs/flightcover/pkg/settlement"
	"github.com/Mindburn-Labs/flightcover/pkg/store"
)

// NewPolicyRequest carries the pricer's terms for a new policy.
type NewPolicyRequest struct {
	InternalID      uint64
	Flight          string
	Departure       time.Time
	ExpectedArrival time.Time
	Tolerance       time.Duration
	Payout          finance.Amount
	Premium         finance.Amount
	LossProbability finance.Amount
	Beneficiary     identity.Address
}

// OutcomeKind says what a resolution trigger did.
type OutcomeKind string

const (
	// OutcomeQueried means a fresh oracle query was issued.
	OutcomeQueried OutcomeKind = "QUERIED"
	// OutcomePending means a query was already outstanding; nothing was sent.
	OutcomePending OutcomeKind = "PENDING"
	// OutcomeAlreadyResolved means the policy was final; settlement was not touched.
	OutcomeAlreadyResolved OutcomeKind = "ALREADY_RESOLVED"
)

// Outcome is the result of ResolvePolicy.
type Outcome struct {
	Kind          OutcomeKind `json:"kind"`
	PolicyID      policy.ID   `json:"policy_id"`
	CorrelationID uuid.UUID   `json:"correlation_id,omitempty"`
}

// ResponseResult is the result of applying one oracle answer.
type ResponseResult struct {
	PolicyID policy.ID      `json:"policy_id"`
	Status   policy.Status  `json:"status"`
	Decision Decision       `json:"decision"`
	Payout   finance.Amount `json:"payout"`
}

// Engine owns the policy lifecycle for one engine instance.
type Engine struct {
	gate    *access.Gate
	store   store.Store
	oracle  *oracle.Client
	bridge  settlement.Bridge
	locks   lock.Locker
	metrics *observability.Instruments
	clock   func() time.Time
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source (for testing).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLocker replaces the in-process per-policy lock, e.g. with a
// lock.RedisLocker when several replicas share a store.
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) { e.locks = l }
}

func WithInstruments(in *observability.Instruments) Option {
	return func(e *Engine) { e.metrics = in }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func New(gate *access.Gate, s store.Store, oc *oracle.Client, bridge settlement.Bridge, opts ...Option) *Engine {
	e := &Engine{
		gate:   gate,
		store:  s,
		oracle: oc,
		bridge: bridge,
		locks:  lock.NewKeyedMutex(),
		clock:  time.Now,
		logger: slog.Default().With("component", "resolution"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Address returns the engine identity policies and capabilities are scoped to.
func (e *Engine) Address() identity.Address {
	return e.gate.Engine()
}

func (e *Engine) lockPolicy(ctx context.Context, id policy.ID) (lock.Unlock, error) {
	return e.locks.Lock(ctx, id.String())
}

// NewPolicy validates and persists a policy, reserves its collateral and
// issues the first (sleep job) oracle query. Nothing survives a failure.
func (e *Engine) NewPolicy(ctx context.Context, caller identity.Address, req NewPolicyRequest) (p policy.Policy, err error) {
	ctx, done := e.metrics.TrackOperation(ctx, "new_policy")
	defer func() { done(err) }()

	if err := e.gate.Authorize(ctx, access.RolePricer, caller); err != nil {
		return policy.Policy{}, err
	}

	now := e.clock().UTC()
	p = policy.Policy{
		ID:              policy.NewID(e.Address(), req.InternalID),
		InternalID:      req.InternalID,
		Flight:          policy.NormalizeFlight(req.Flight),
		Departure:       req.Departure.UTC(),
		ExpectedArrival: req.ExpectedArrival.UTC(),
		Tolerance:       req.Tolerance,
		Payout:          req.Payout,
		Premium:         req.Premium,
		LossProbability: req.LossProbability,
		Beneficiary:     req.Beneficiary,
		ActualPayout:    finance.Zero(req.Payout.Scale),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := p.Validate(now); err != nil {
		return policy.Policy{}, err
	}

	unlock, err := e.lockPolicy(ctx, p.ID)
	if err != nil {
		return policy.Policy{}, err
	}
	defer unlock()

	if _, err := e.store.Get(ctx, p.ID); err == nil {
		return policy.Policy{}, policy.ErrPolicyExists
	} else if !errors.Is(err, policy.ErrPolicyNotFound) {
		return policy.Policy{}, err
	}

	if err := e.bridge.Reserve(ctx, settlement.Reservation{
		PolicyID:    p.ID,
		Payout:      p.Payout,
		Premium:     p.Premium,
		Beneficiary: p.Beneficiary,
	}); err != nil {
		return policy.Policy{}, &policy.ExternalCallError{Op: "settlement.reserve", Err: err}
	}

	q, oreq := e.oracle.Prepare(&p, policy.JobSleep)
	p.Pending = &q
	if err := e.store.Create(ctx, p); err != nil {
		e.release(ctx, p.ID)
		return policy.Policy{}, err
	}

	if err := e.oracle.Dispatch(ctx, oreq); err != nil {
		if derr := e.store.Discard(context.WithoutCancel(ctx), p.ID); derr != nil {
			e.logger.Error("failed to discard policy after dispatch failure", "policy_id", p.ID.String(), "error", derr)
			return policy.Policy{}, errors.Join(err, derr)
		}
		e.release(ctx, p.ID)
		return policy.Policy{}, err
	}

	e.metrics.QueryIssued(ctx, string(policy.JobSleep))
	e.logger.Info("policy created",
		"policy_id", p.ID.String(),
		"flight", p.Flight,
		"expected_arrival", p.ExpectedArrival,
		"payout", p.Payout.String(),
		"correlation_id", q.CorrelationID,
	)
	return p, nil
}

func (e *Engine) release(ctx context.Context, id policy.ID) {
	if err := e.bridge.Release(context.WithoutCancel(ctx), id); err != nil {
		e.logger.Error("failed to release collateral", "policy_id", id.String(), "error", err)
	}
}

// ResolvePolicy triggers resolution. A resolved policy or one with a query
// outstanding is left alone; otherwise a fresh data query is issued and the
// answer decides the policy when it arrives.
func (e *Engine) ResolvePolicy(ctx context.Context, caller identity.Address, id policy.ID) (out Outcome, err error) {
	ctx, done := e.metrics.TrackOperation(ctx, "resolve_policy")
	defer func() { done(err) }()

	if err := e.gate.Authorize(ctx, access.RoleResolver, caller); err != nil {
		return Outcome{}, err
	}

	unlock, err := e.lockPolicy(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	p, err := e.store.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	switch p.State() {
	case policy.StateResolved:
		return Outcome{Kind: OutcomeAlreadyResolved, PolicyID: id}, nil
	case policy.StateQueryPending:
		return Outcome{Kind: OutcomePending, PolicyID: id, CorrelationID: p.Pending.CorrelationID}, nil
	}

	corr, err := e.oracle.RequestStatus(ctx, id, policy.JobData)
	if err != nil {
		return Outcome{}, err
	}
	e.metrics.QueryIssued(ctx, string(policy.JobData))
	return Outcome{Kind: OutcomeQueried, PolicyID: id, CorrelationID: corr}, nil
}

// HandleResponse processes one oracle answer against its outstanding query.
// Settlement happens before the store records the resolution; if either
// fails the query stays outstanding and the answer may be delivered again.
// A redelivery after a failed store write completes the resolution with the
// amount already settled.
func (e *Engine) HandleResponse(ctx context.Context, caller identity.Address, corr uuid.UUID, raw int64) (res ResponseResult, err error) {
	ctx, done := e.metrics.TrackOperation(ctx, "handle_response")
	defer func() { done(err) }()

	id, status, err := e.oracle.OnResponse(ctx, caller, corr, raw)
	if err != nil {
		return ResponseResult{}, err
	}

	unlock, err := e.lockPolicy(ctx, id)
	if err != nil {
		return ResponseResult{}, err
	}
	defer unlock()

	p, err := e.store.Get(ctx, id)
	if err != nil {
		return ResponseResult{}, err
	}
	if p.Pending == nil || p.Pending.CorrelationID != corr {
		return ResponseResult{}, policy.ErrUnknownCorrelationID
	}

	now := e.clock().UTC()
	decision := Decide(&p, status, now)
	payout, resolved := Payout(&p, status, now)
	e.metrics.ResponseReceived(ctx)

	// An earlier delivery of this answer may have settled before its store
	// write failed. What the ledger paid stands, whatever this status says.
	paid, settled, err := e.bridge.Settled(ctx, id)
	if err != nil {
		return ResponseResult{}, &policy.ExternalCallError{Op: "settlement.lookup", Err: err}
	}
	if !settled && resolved {
		err := e.bridge.Finalize(ctx, id, payout)
		if errors.Is(err, settlement.ErrAlreadySettled) {
			if paid, settled, err = e.bridge.Settled(ctx, id); err == nil && !settled {
				err = settlement.ErrAlreadySettled
			}
		}
		if err != nil {
			return ResponseResult{}, &policy.ExternalCallError{Op: "settlement.finalize", Err: err}
		}
	}
	if settled {
		e.logger.Warn("settlement already recorded, completing resolution with the settled payout",
			"policy_id", id.String(), "payout", paid.String(), "decision", string(decision))
		payout, resolved, decision = paid, true, settledDecision(paid)
	}

	if err := e.store.Apply(ctx, id, corr, policy.Resolution{
		Status:   status,
		Resolved: resolved,
		Payout:   payout,
		At:       now,
	}); err != nil {
		return ResponseResult{}, err
	}

	if resolved {
		e.metrics.Resolved(ctx, string(decision), payout.Value.InexactFloat64())
	}
	e.logger.Info("oracle response applied",
		"policy_id", id.String(),
		"correlation_id", corr,
		"status", status.String(),
		"decision", string(decision),
		"payout", payout.String(),
	)
	return ResponseResult{PolicyID: id, Status: status, Decision: decision, Payout: payout}, nil
}

func settledDecision(paid finance.Amount) Decision {
	if paid.IsPositive() {
		return DecisionPayout
	}
	return DecisionNoPayout
}

// SetOracleParams swaps the oracle configuration.
func (e *Engine) SetOracleParams(ctx context.Context, caller identity.Address, p oracle.Params) (oracle.Params, error) {
	if err := e.gate.Authorize(ctx, access.RoleOracleAdmin, caller); err != nil {
		return oracle.Params{}, err
	}
	return e.oracle.SetParams(p)
}

// OracleParams returns the current oracle configuration.
func (e *Engine) OracleParams() oracle.Params {
	return e.oracle.Params()
}

func (e *Engine) GetPolicy(ctx context.Context, id policy.ID) (policy.Policy, error) {
	return e.store.Get(ctx, id)
}

// ListActive returns unresolved policies with no outstanding query.
func (e *Engine) ListActive(ctx context.Context) ([]policy.Policy, error) {
	return e.store.ListActive(ctx)
}

// ListDue returns active policies whose expected arrival is not after
// asOf, earliest first. It is the feed for an external scheduler.
func (e *Engine) ListDue(ctx context.Context, asOf time.Time) ([]policy.Policy, error) {
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active policies: %w", err)
	}
	var due []policy.Policy
	for _, p := range active {
		if !p.ExpectedArrival.After(asOf) {
			due = append(due, p)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].ExpectedArrival.Before(due[j].ExpectedArrival)
	})
	return due, nil
}
