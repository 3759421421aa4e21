package store

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/flightcover/pkg/policy"
)

// errHasHistory is returned by Discard for policies that already saw the oracle.
var errHasHistory = errors.New("policy has oracle history and can't be discarded")

// MemoryStore is a thread-safe in-memory Store.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[policy.ID]policy.Policy
	byCorr   map[uuid.UUID]policy.ID

	// persist is called under the write lock with the full next state.
	// A failure rolls the mutation back.
	persist func(map[policy.ID]policy.Policy) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies: make(map[policy.ID]policy.Policy),
		byCorr:   make(map[uuid.UUID]policy.ID),
	}
}

func (s *MemoryStore) Create(ctx context.Context, p policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.policies[p.ID]; exists {
		return policy.ErrPolicyExists
	}
	if p.Pending != nil {
		if _, taken := s.byCorr[p.Pending.CorrelationID]; taken {
			return policy.ErrDuplicateRequest
		}
	}
	return s.commit(nil, p.Clone())
}

func (s *MemoryStore) Get(ctx context.Context, id policy.ID) (policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[id]
	if !ok {
		return policy.Policy{}, policy.ErrPolicyNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) MarkPending(ctx context.Context, id policy.ID, q policy.Query) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.policies[id]
	if !ok {
		return policy.ErrPolicyNotFound
	}
	if old.Resolved {
		return policy.ErrAlreadyResolved
	}
	if old.Pending != nil {
		return policy.ErrDuplicateRequest
	}
	if _, taken := s.byCorr[q.CorrelationID]; taken {
		return policy.ErrDuplicateRequest
	}

	next := old.Clone()
	next.Pending = &q
	next.UpdatedAt = q.IssuedAt
	return s.commit(&old, next)
}

func (s *MemoryStore) ClearPending(ctx context.Context, id policy.ID, corr uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.policies[id]
	if !ok {
		return policy.ErrPolicyNotFound
	}
	if old.Pending == nil || old.Pending.CorrelationID != corr {
		return policy.ErrUnknownCorrelationID
	}

	next := old.Clone()
	next.Pending = nil
	return s.commit(&old, next)
}

func (s *MemoryStore) Lookup(ctx context.Context, corr uuid.UUID) (policy.ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byCorr[corr]
	if !ok {
		return policy.ID{}, policy.ErrUnknownCorrelationID
	}
	return id, nil
}

func (s *MemoryStore) Apply(ctx context.Context, id policy.ID, corr uuid.UUID, r policy.Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.policies[id]
	if !ok {
		return policy.ErrPolicyNotFound
	}
	next := old.Clone()
	if err := next.Apply(corr, r); err != nil {
		return err
	}
	return s.commit(&old, next)
}

func (s *MemoryStore) Discard(ctx context.Context, id policy.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.policies[id]
	if !ok {
		return policy.ErrPolicyNotFound
	}
	if old.Resolved || old.Responses > 0 {
		return errHasHistory
	}

	delete(s.policies, id)
	if s.persist != nil {
		if err := s.persist(s.policies); err != nil {
			s.policies[id] = old
			return err
		}
	}
	if old.Pending != nil {
		delete(s.byCorr, old.Pending.CorrelationID)
	}
	return nil
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []policy.Policy
	for _, p := range s.policies {
		if p.State() == policy.StateActive {
			active = append(active, p.Clone())
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return bytes.Compare(active[i].ID[:], active[j].ID[:]) < 0
	})
	return active, nil
}

// commit installs next, persists, and keeps the correlation index in sync.
// Must be called with the write lock held.
func (s *MemoryStore) commit(old *policy.Policy, next policy.Policy) error {
	s.policies[next.ID] = next
	if s.persist != nil {
		if err := s.persist(s.policies); err != nil {
			if old != nil {
				s.policies[next.ID] = *old
			} else {
				delete(s.policies, next.ID)
			}
			return err
		}
	}

	if old != nil && old.Pending != nil {
		delete(s.byCorr, old.Pending.CorrelationID)
	}
	if next.Pending != nil {
		s.byCorr[next.Pending.CorrelationID] = next.ID
	}
	return nil
}
