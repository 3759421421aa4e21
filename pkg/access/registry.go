package access

import (
	"context"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/flightcover/pkg/identity"
)

// Grant is one (capability, account) pair.
type Grant struct {
	Capability Capability       `json:"capability"`
	Account    identity.Address `json:"account"`
}

// Registry holds the grants of one deployment.
type Registry interface {
	Grant(ctx context.Context, c Capability, account identity.Address) error
	Revoke(ctx context.Context, c Capability, account identity.Address) error
	Has(ctx context.Context, c Capability, account identity.Address) (bool, error)
}

// MemoryRegistry is a thread-safe in-memory Registry.
type MemoryRegistry struct {
	mu     sync.RWMutex
	grants map[Grant]struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{grants: make(map[Grant]struct{})}
}

// Grant is idempotent.
func (r *MemoryRegistry) Grant(ctx context.Context, c Capability, account identity.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grants[Grant{Capability: c, Account: account}] = struct{}{}
	return nil
}

func (r *MemoryRegistry) Revoke(ctx context.Context, c Capability, account identity.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.grants, Grant{Capability: c, Account: account})
	return nil
}

func (r *MemoryRegistry) Has(ctx context.Context, c Capability, account identity.Address) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.grants[Grant{Capability: c, Account: account}]
	return ok, nil
}

// List returns every grant, ordered by capability then account.
func (r *MemoryRegistry) List() []Grant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Grant, 0, len(r.grants))
	for g := range r.grants {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Capability != out[j].Capability {
			return out[i].Capability.String() < out[j].Capability.String()
		}
		return out[i].Account.String() < out[j].Account.String()
	})
	return out
}
