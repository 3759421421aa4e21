package resolution

import (
	"time"

	"github.com/Mindburn-Labs/flightcover/pkg/finance"
	"github.com/Mindburn-Labs/flightcover/pkg/policy"
)

// Decision is what one oracle status means for a policy.
type Decision string

const (
	// DecisionPayout resolves with the full payout.
	DecisionPayout Decision = "payout"
	// DecisionNoPayout resolves with nothing paid.
	DecisionNoPayout Decision = "no_payout"
	// DecisionDefer leaves the policy active for a later query.
	DecisionDefer Decision = "defer"
)

// Resolves reports whether the decision is terminal.
func (d Decision) Resolves() bool {
	return d != DecisionDefer
}

// Decide applies the decision table with limit = expectedArrival + tolerance:
//
//	cancelled            -> payout
//	arrival > limit      -> payout
//	arrival <= limit     -> no payout
//	no data, now > limit -> payout
//	no data otherwise    -> defer
func Decide(p *policy.Policy, status policy.Status, now time.Time) Decision {
	limit := p.Limit()
	switch {
	case status.IsCancelled():
		return DecisionPayout
	case status.IsNoData():
		if now.After(limit) {
			return DecisionPayout
		}
		return DecisionDefer
	default:
		arrival, _ := status.Arrival()
		if arrival.After(limit) {
			return DecisionPayout
		}
		return DecisionNoPayout
	}
}

// Payout returns the amount owed for status at now and whether the policy
// resolves.
func Payout(p *policy.Policy, status policy.Status, now time.Time) (finance.Amount, bool) {
	switch Decide(p, status, now) {
	case DecisionPayout:
		return p.Payout, true
	case DecisionNoPayout:
		return finance.Zero(p.Payout.Scale), true
	default:
		return finance.Zero(p.Payout.Scale), false
	}
}
