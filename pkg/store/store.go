// Package store persists policies and their outstanding oracle queries.
//
// It is the single source of truth for "has this policy been decided":
//   - at most one outstanding query per policy (MarkPending is a compare-and-set)
//   - a response is applied only against the matching outstanding query
//   - resolved policies are never mutated and never deleted
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/flightcover/pkg/policy"
)

// Store is the durable interface for policy management.
type Store interface {
	// Create persists a new policy, including its initial pending query if set.
	Create(ctx context.Context, p policy.Policy) error

	// Get retrieves a policy by id.
	Get(ctx context.Context, id policy.ID) (policy.Policy, error)

	// MarkPending records an outstanding query. Fails with
	// policy.ErrDuplicateRequest if one is already outstanding.
	MarkPending(ctx context.Context, id policy.ID, q policy.Query) error

	// ClearPending drops the outstanding query corr without recording a response.
	ClearPending(ctx context.Context, id policy.ID, corr uuid.UUID) error

	// Lookup resolves a correlation id to its policy.
	Lookup(ctx context.Context, corr uuid.UUID) (policy.ID, error)

	// Apply records the response to corr and, when r.Resolved, finalizes the policy.
	Apply(ctx context.Context, id policy.ID, corr uuid.UUID, r policy.Resolution) error

	// Discard removes a policy whose creation never completed. Policies with
	// oracle responses or a resolution are kept.
	Discard(ctx context.Context, id policy.ID) error

	// ListActive returns unresolved policies with no outstanding query.
	ListActive(ctx context.Context) ([]policy.Policy, error)
}
