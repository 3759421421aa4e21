// Package oracle issues correlated flight-status queries, pays for them and
// authenticates the asynchronous answers.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/flightcover/pkg/identity"
	"github.com/Mindburn-Labs/flightcover/pkg/policy"
	"github.com/Mindburn-Labs/flightcover/pkg/store"
)

// CallerError reports a response from an identity other than the oracle
// currently configured.
type CallerError struct {
	Caller   identity.Address
	Expected identity.Address
}

func (e *CallerError) Error() string {
	return fmt.Sprintf("oracle: caller %s is not the configured oracle", e.Caller)
}

// Client coordinates queries against the policy store.
type Client struct {
	store     store.Store
	transport Transport
	fees      FeeToken
	params    atomic.Pointer[Params]
	clock     func() time.Time
	logger    *slog.Logger
}

// NewClient creates a client with the initial params installed as version 1.
func NewClient(s store.Store, t Transport, fees FeeToken, initial Params) (*Client, error) {
	if err := initial.Validate(); err != nil {
		return nil, fmt.Errorf("invalid oracle params: %w", err)
	}
	initial.Version = 1
	c := &Client{
		store:     s,
		transport: t,
		fees:      fees,
		clock:     time.Now,
		logger:    slog.Default().With("component", "oracle"),
	}
	c.params.Store(&initial)
	return c, nil
}

// WithClock overrides the time source (for testing).
func (c *Client) WithClock(clock func() time.Time) *Client {
	c.clock = clock
	return c
}

// Params returns the currently configured params.
func (c *Client) Params() Params {
	return *c.params.Load()
}

// SetParams swaps the params atomically and returns the installed value.
// Outstanding queries are unaffected; their responses are checked against
// whatever is current when they arrive.
func (c *Client) SetParams(p Params) (Params, error) {
	if err := p.Validate(); err != nil {
		return Params{}, fmt.Errorf("invalid oracle params: %w", err)
	}
	for {
		old := c.params.Load()
		next := p
		next.Version = old.Version + 1
		if c.params.CompareAndSwap(old, &next) {
			c.logger.Info("oracle params updated",
				"version", next.Version, "oracle", next.Oracle.String(), "fee", next.Fee.String())
			return next, nil
		}
	}
}

// Prepare builds the marker and the outbound request for a query of kind
// about p under the current params. Nothing is recorded or sent.
func (c *Client) Prepare(p *policy.Policy, kind policy.JobKind) (policy.Query, Request) {
	params := c.Params()
	q := policy.Query{
		CorrelationID: uuid.New(),
		Kind:          kind,
		IssuedAt:      c.clock().UTC(),
		ParamsVersion: params.Version,
	}
	req := Request{
		CorrelationID:   q.CorrelationID,
		PolicyID:        p.ID,
		Flight:          p.Flight,
		Departure:       p.Departure,
		ExpectedArrival: p.ExpectedArrival,
		Kind:            kind,
		JobID:           params.JobFor(kind),
		Oracle:          params.Oracle,
		Fee:             params.Fee,
	}
	if kind == policy.JobSleep {
		req.Until = p.ExpectedArrival.Add(params.DelayTime)
	}
	return q, req
}

// Dispatch sends a prepared request and pays the fee. The marker for it must
// already be recorded. The fee goes out last as it can't be taken back.
func (c *Client) Dispatch(ctx context.Context, req Request) error {
	if err := c.transport.Send(ctx, req); err != nil {
		return &policy.ExternalCallError{Op: "oracle.send", Err: err}
	}
	if err := c.fees.Transfer(ctx, req.Oracle, req.Fee); err != nil {
		return &policy.ExternalCallError{Op: "oracle.fee", Err: err}
	}
	return nil
}

// RequestStatus issues a query of kind for the policy id.
func (c *Client) RequestStatus(ctx context.Context, id policy.ID, kind policy.JobKind) (uuid.UUID, error) {
	p, err := c.store.Get(ctx, id)
	if err != nil {
		return uuid.Nil, err
	}
	if p.Resolved {
		return uuid.Nil, policy.ErrAlreadyResolved
	}
	if p.Pending != nil {
		return uuid.Nil, policy.ErrDuplicateRequest
	}

	q, req := c.Prepare(&p, kind)
	if err := c.store.MarkPending(ctx, id, q); err != nil {
		return uuid.Nil, err
	}

	if err := c.Dispatch(ctx, req); err != nil {
		if cerr := c.store.ClearPending(context.WithoutCancel(ctx), id, q.CorrelationID); cerr != nil {
			c.logger.Error("failed to clear pending query after dispatch failure",
				"policy_id", id.String(), "correlation_id", q.CorrelationID, "error", cerr)
			return uuid.Nil, errors.Join(err, cerr)
		}
		return uuid.Nil, err
	}

	c.logger.Info("oracle query issued",
		"policy_id", id.String(), "correlation_id", q.CorrelationID, "kind", string(kind))
	return q.CorrelationID, nil
}

// OnResponse authenticates an oracle answer and resolves it to its policy.
// It does not mutate anything; the caller applies the decision against the
// same correlation id so an unknown or replayed id changes nothing.
func (c *Client) OnResponse(ctx context.Context, caller identity.Address, corr uuid.UUID, raw int64) (policy.ID, policy.Status, error) {
	params := c.Params()
	if caller != params.Oracle {
		return policy.ID{}, 0, &CallerError{Caller: caller, Expected: params.Oracle}
	}
	status, err := policy.ParseStatus(raw)
	if err != nil {
		return policy.ID{}, 0, err
	}
	id, err := c.store.Lookup(ctx, corr)
	if err != nil {
		return policy.ID{}, 0, err
	}
	return id, status, nil
}
