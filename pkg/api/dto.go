package api

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/flightcover/pkg/finance"
	"github.com/Mindburn-Labs/flightcover/pkg/identity"
	"github.com/Mindburn-Labs/flightcover/pkg/oracle"
	"github.com/Mindburn-Labs/flightcover/pkg/policy"
	"github.com/Mindburn-Labs/flightcover/pkg/resolution"
)

// CreatePolicyRequest is the body of POST /v1/policies.
type CreatePolicyRequest struct {
	InternalID       uint64    `json:"internal_id"`
	Flight           string    `json:"flight"`
	Departure        time.Time `json:"departure"`
	ExpectedArrival  time.Time `json:"expected_arrival"`
	ToleranceSeconds int64     `json:"tolerance_seconds"`
	Payout           string    `json:"payout"`
	Premium          string    `json:"premium"`
	LossProbability  string    `json:"loss_probability"`
	Beneficiary      string    `json:"beneficiary"`
}

// maxSeconds bounds second counts accepted on the wire (one year), well
// inside what a time.Duration can hold.
const maxSeconds = 365 * 24 * 60 * 60

func seconds(field string, n int64) (time.Duration, error) {
	if n < 0 || n > maxSeconds {
		return 0, &policy.ValidationError{Field: field, Reason: fmt.Sprintf("%s must be between 0 and %d", field, maxSeconds)}
	}
	return time.Duration(n) * time.Second, nil
}

func (r CreatePolicyRequest) toEngine() (resolution.NewPolicyRequest, error) {
	tolerance, err := seconds("tolerance_seconds", r.ToleranceSeconds)
	if err != nil {
		return resolution.NewPolicyRequest{}, err
	}
	payout, err := finance.ParseAmount(r.Payout, finance.CurrencyScale)
	if err != nil {
		return resolution.NewPolicyRequest{}, &policy.ValidationError{Field: "payout", Reason: err.Error()}
	}
	premium, err := finance.ParseAmount(r.Premium, finance.CurrencyScale)
	if err != nil {
		return resolution.NewPolicyRequest{}, &policy.ValidationError{Field: "premium", Reason: err.Error()}
	}
	lossProb, err := finance.ParseAmount(r.LossProbability, finance.WadScale)
	if err != nil {
		return resolution.NewPolicyRequest{}, &policy.ValidationError{Field: "loss_probability", Reason: err.Error()}
	}
	beneficiary, err := identity.ParseAddress(r.Beneficiary)
	if err != nil {
		return resolution.NewPolicyRequest{}, &policy.ValidationError{Field: "beneficiary", Reason: err.Error()}
	}
	return resolution.NewPolicyRequest{
		InternalID:      r.InternalID,
		Flight:          r.Flight,
		Departure:       r.Departure,
		ExpectedArrival: r.ExpectedArrival,
		Tolerance:       tolerance,
		Payout:          payout,
		Premium:         premium,
		LossProbability: lossProb,
		Beneficiary:     beneficiary,
	}, nil
}

// FulfillRequest is an oracle answer delivered to POST /v1/oracle/fulfill.
type FulfillRequest struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	Status        int64     `json:"status"`
}

// ParamsBody is the wire form of the oracle parameters.
type ParamsBody struct {
	Oracle       string `json:"oracle"`
	DelaySeconds int64  `json:"delay_seconds"`
	Fee          string `json:"fee"`
	DataJobID    string `json:"data_job_id"`
	SleepJobID   string `json:"sleep_job_id"`
	Version      uint64 `json:"version,omitempty"`
}

func paramsBody(p oracle.Params) ParamsBody {
	return ParamsBody{
		Oracle:       p.Oracle.String(),
		DelaySeconds: int64(p.DelayTime / time.Second),
		Fee:          p.Fee.String(),
		DataJobID:    p.DataJob.String(),
		SleepJobID:   p.SleepJob.String(),
		Version:      p.Version,
	}
}

func (b ParamsBody) toParams() (oracle.Params, error) {
	addr, err := identity.ParseAddress(b.Oracle)
	if err != nil {
		return oracle.Params{}, &policy.ValidationError{Field: "oracle", Reason: err.Error()}
	}
	fee, err := finance.ParseAmount(b.Fee, finance.WadScale)
	if err != nil {
		return oracle.Params{}, &policy.ValidationError{Field: "fee", Reason: err.Error()}
	}
	dataJob, err := oracle.ParseJobID(b.DataJobID)
	if err != nil {
		return oracle.Params{}, &policy.ValidationError{Field: "data_job_id", Reason: err.Error()}
	}
	sleepJob, err := oracle.ParseJobID(b.SleepJobID)
	if err != nil {
		return oracle.Params{}, &policy.ValidationError{Field: "sleep_job_id", Reason: err.Error()}
	}
	delay, err := seconds("delay_seconds", b.DelaySeconds)
	if err != nil {
		return oracle.Params{}, err
	}
	p := oracle.Params{
		Oracle:    addr,
		DelayTime: delay,
		Fee:       fee,
		DataJob:   dataJob,
		SleepJob:  sleepJob,
	}
	if err := p.Validate(); err != nil {
		return oracle.Params{}, &policy.ValidationError{Field: "params", Reason: err.Error()}
	}
	return p, nil
}

// QueryView describes an outstanding oracle query.
type QueryView struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	Kind          string    `json:"kind"`
	IssuedAt      time.Time `json:"issued_at"`
}

// PolicyView is the wire form of a policy.
type PolicyView struct {
	ID               string     `json:"id"`
	DecimalID        string     `json:"decimal_id"`
	InternalID       uint64     `json:"internal_id"`
	Flight           string     `json:"flight"`
	Departure        time.Time  `json:"departure"`
	ExpectedArrival  time.Time  `json:"expected_arrival"`
	ToleranceSeconds int64      `json:"tolerance_seconds"`
	Payout           string     `json:"payout"`
	Premium          string     `json:"premium"`
	LossProbability  string     `json:"loss_probability"`
	Beneficiary      string     `json:"beneficiary"`
	State            string     `json:"state"`
	Pending          *QueryView `json:"pending,omitempty"`
	LastStatus       *int64     `json:"last_status,omitempty"`
	Responses        int        `json:"responses"`
	ActualPayout     string     `json:"actual_payout"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

func policyView(p policy.Policy) PolicyView {
	v := PolicyView{
		ID:               p.ID.String(),
		DecimalID:        p.ID.Decimal(),
		InternalID:       p.InternalID,
		Flight:           p.Flight,
		Departure:        p.Departure,
		ExpectedArrival:  p.ExpectedArrival,
		ToleranceSeconds: int64(p.Tolerance / time.Second),
		Payout:           p.Payout.String(),
		Premium:          p.Premium.String(),
		LossProbability:  p.LossProbability.String(),
		Beneficiary:      p.Beneficiary.String(),
		State:            string(p.State()),
		Responses:        p.Responses,
		ActualPayout:     p.ActualPayout.String(),
		CreatedAt:        p.CreatedAt,
	}
	if p.Pending != nil {
		v.Pending = &QueryView{
			CorrelationID: p.Pending.CorrelationID,
			Kind:          string(p.Pending.Kind),
			IssuedAt:      p.Pending.IssuedAt,
		}
	}
	if p.LastStatus != nil {
		s := int64(*p.LastStatus)
		v.LastStatus = &s
	}
	if p.Resolved {
		at := p.ResolvedAt
		v.ResolvedAt = &at
	}
	return v
}

func policyViews(ps []policy.Policy) []PolicyView {
	out := make([]PolicyView, 0, len(ps))
	for _, p := range ps {
		out = append(out, policyView(p))
	}
	return out
}

// OutcomeView is the result of a resolution trigger.
type OutcomeView struct {
	Kind          string     `json:"kind"`
	PolicyID      string     `json:"policy_id"`
	CorrelationID *uuid.UUID `json:"correlation_id,omitempty"`
}

func outcomeView(o resolution.Outcome) OutcomeView {
	v := OutcomeView{Kind: string(o.Kind), PolicyID: o.PolicyID.String()}
	if o.CorrelationID != uuid.Nil {
		corr := o.CorrelationID
		v.CorrelationID = &corr
	}
	return v
}

// ResponseView is the result of a fulfilled oracle query.
type ResponseView struct {
	PolicyID string `json:"policy_id"`
	Status   string `json:"status"`
	Decision string `json:"decision"`
	Resolved bool   `json:"resolved"`
	Payout   string `json:"payout"`
}

func responseView(r resolution.ResponseResult) ResponseView {
	return ResponseView{
		PolicyID: r.PolicyID.String(),
		Status:   r.Status.String(),
		Decision: string(r.Decision),
		Resolved: r.Decision.Resolves(),
		Payout:   r.Payout.String(),
	}
}

func parsePolicyID(s string) (policy.ID, error) {
	id, err := policy.ParseID(s)
	if err != nil {
		return policy.ID{}, fmt.Errorf("invalid policy id: %w", err)
	}
	return id, nil
}
