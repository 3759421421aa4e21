package oracle

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/flightcover/pkg/finance"
	"github.com/Mindburn-Labs/flightcover/pkg/identity"
	"github.com/Mindburn-Labs/flightcover/pkg/policy"
)

// Request is one outbound oracle query.
type Request struct {
	CorrelationID   uuid.UUID      `json:"correlation_id"`
	PolicyID        policy.ID      `json:"policy_id"`
	Flight          string         `json:"flight"`
	Departure       time.Time      `json:"departure"`
	ExpectedArrival time.Time      `json:"expected_arrival"`
	Kind            policy.JobKind `json:"job_kind"`
	JobID           JobID          `json:"job_id"`
	// Until is when a sleep job should look the flight up. Zero for data jobs.
	Until  time.Time        `json:"until,omitempty"`
	Oracle identity.Address `json:"oracle"`
	Fee    finance.Amount   `json:"fee"`
}

// Transport delivers requests to the oracle. Responses come back on a
// separate channel and enter through Client.OnResponse.
type Transport interface {
	Send(ctx context.Context, req Request) error
}

// FeeToken pays the oracle. finance.Wallet satisfies it.
type FeeToken interface {
	Transfer(ctx context.Context, to identity.Address, amount finance.Amount) error
}
