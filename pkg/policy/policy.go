// Package policy holds the flight-delay policy record, its resolution state
// and the errors shared by every component that touches it.
package policy

import (
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/flightcover/pkg/finance"
	"github.com/Mindburn-Labs/flightcover/pkg/identity"
)

// State is the resolution state of a policy. It is derived from the
// record, never stored on its own.
type State string

const (
	StateActive       State = "ACTIVE"
	StateQueryPending State = "QUERY_PENDING"
	StateResolved     State = "RESOLVED"
)

// JobKind distinguishes the two oracle jobs.
type JobKind string

const (
	// JobData asks for the arrival status right away.
	JobData JobKind = "data"
	// JobSleep asks the oracle to wait until the expected arrival plus the
	// configured delay before looking the flight up.
	JobSleep JobKind = "sleep"
)

// Query is the marker of an outstanding oracle request.
type Query struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	Kind          JobKind   `json:"kind"`
	IssuedAt      time.Time `json:"issued_at"`
	ParamsVersion uint64    `json:"params_version"`
}

// Resolution is what the engine decided for one oracle response.
type Resolution struct {
	Status   Status         `json:"status"`
	Resolved bool           `json:"resolved"`
	Payout   finance.Amount `json:"payout"`
	At       time.Time      `json:"at"`
}

// Policy is one flight-delay contract between the engine and a beneficiary.
type Policy struct {
	ID              ID               `json:"id"`
	InternalID      uint64           `json:"internal_id"`
	Flight          string           `json:"flight"`
	Departure       time.Time        `json:"departure"`
	ExpectedArrival time.Time        `json:"expected_arrival"`
	Tolerance       time.Duration    `json:"tolerance"`
	Payout          finance.Amount   `json:"payout"`
	Premium         finance.Amount   `json:"premium"`
	LossProbability finance.Amount   `json:"loss_probability"`
	Beneficiary     identity.Address `json:"beneficiary"`

	// Oracle bookkeeping
	Pending    *Query  `json:"pending,omitempty"`
	LastStatus *Status `json:"last_status,omitempty"`
	Responses  int     `json:"responses"`

	// Terminal state
	Resolved     bool           `json:"resolved"`
	ActualPayout finance.Amount `json:"actual_payout"`
	ResolvedAt   time.Time      `json:"resolved_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// State derives the resolution state.
func (p *Policy) State() State {
	switch {
	case p.Resolved:
		return StateResolved
	case p.Pending != nil:
		return StateQueryPending
	default:
		return StateActive
	}
}

// Limit is the latest arrival that does not trigger a payout.
func (p *Policy) Limit() time.Time {
	return p.ExpectedArrival.Add(p.Tolerance)
}

// Validate checks creation constraints at time now.
func (p *Policy) Validate(now time.Time) error {
	if p.Flight == "" {
		return &ValidationError{Field: "flight", Reason: "flight can't be empty"}
	}
	if !p.ExpectedArrival.After(now) {
		return &ValidationError{Field: "expectedArrival", Reason: "expectedArrival can't be in the past"}
	}
	if !p.ExpectedArrival.After(p.Departure) {
		return &ValidationError{Field: "expectedArrival", Reason: "expectedArrival <= departure!"}
	}
	if p.Tolerance < 0 {
		return &ValidationError{Field: "tolerance", Reason: "tolerance can't be negative"}
	}
	if !p.Payout.IsPositive() {
		return &ValidationError{Field: "payout", Reason: "payout must be positive"}
	}
	if p.Premium.IsNegative() {
		return &ValidationError{Field: "premium", Reason: "premium can't be negative"}
	}
	if p.Beneficiary.IsZero() {
		return &ValidationError{Field: "beneficiary", Reason: "beneficiary can't be the zero address"}
	}
	return nil
}

// Apply records the response to the outstanding query corr. It is the one
// place where a policy leaves QUERY_PENDING.
func (p *Policy) Apply(corr uuid.UUID, r Resolution) error {
	if p.Resolved {
		return ErrAlreadyResolved
	}
	if p.Pending == nil || p.Pending.CorrelationID != corr {
		return ErrUnknownCorrelationID
	}
	status := r.Status
	p.Pending = nil
	p.LastStatus = &status
	p.Responses++
	p.UpdatedAt = r.At
	if r.Resolved {
		p.Resolved = true
		p.ActualPayout = r.Payout
		p.ResolvedAt = r.At
	}
	return nil
}

// Clone returns a copy that shares no pointers with p.
func (p *Policy) Clone() Policy {
	c := *p
	if p.Pending != nil {
		q := *p.Pending
		c.Pending = &q
	}
	if p.LastStatus != nil {
		s := *p.LastStatus
		c.LastStatus = &s
	}
	return c
}
