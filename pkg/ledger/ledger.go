// Package ledger is the append-only, hash-chained record of settlement
// events. Each entry commits to its predecessor; entries are never changed
// or removed.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

const genesis = "genesis"

// Kind categorizes an entry.
type Kind string

const (
	KindCollateralLocked   Kind = "COLLATERAL_LOCKED"
	KindCollateralReleased Kind = "COLLATERAL_RELEASED"
	KindPolicyResolved     Kind = "POLICY_RESOLVED"
	KindFeePaid            Kind = "FEE_PAID"
)

var (
	// ErrEntryNotFound is returned for unknown sequence numbers.
	ErrEntryNotFound = errors.New("ledger entry not found")
	// ErrStale is returned by Append when another writer extended the
	// shared sink first. The ledger has caught up; the caller re-checks its
	// preconditions and appends again.
	ErrStale = errors.New("ledger: another writer appended first")
)

// Entry is an immutable, hash-chained record.
type Entry struct {
	Sequence    uint64            `json:"sequence"`
	Kind        Kind              `json:"kind"`
	Subject     string            `json:"subject"`
	Data        map[string]string `json:"data"`
	Timestamp   time.Time         `json:"timestamp"`
	PrevHash    string            `json:"prev_hash"`
	ContentHash string            `json:"content_hash"`
}

// Sink persists entries. Append is called under the ledger lock, in
// sequence order; an error aborts the append. A sink shared by several
// ledgers must reject a second entry with the same sequence.
type Sink interface {
	Append(ctx context.Context, e Entry) error
	Load(ctx context.Context) ([]Entry, error)
	// Since returns the entries after sequence after, oldest first.
	Since(ctx context.Context, after uint64) ([]Entry, error)
}

// Ledger is an append-only, hash-chained log.
type Ledger struct {
	mu       sync.RWMutex
	entries  []Entry
	headHash string
	sink     Sink
	clock    func() time.Time
}

// New creates an in-memory ledger.
func New() *Ledger {
	return &Ledger{headHash: genesis, clock: time.Now}
}

// Open replays the entries held by sink and verifies the chain before
// accepting new appends.
func Open(ctx context.Context, sink Sink) (*Ledger, error) {
	entries, err := sink.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	l := New()
	l.sink = sink
	l.entries = entries
	if len(entries) > 0 {
		l.headHash = entries[len(entries)-1].ContentHash
	}
	if err := l.Verify(); err != nil {
		return nil, err
	}
	return l, nil
}

// WithClock overrides clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Append adds an entry and returns it.
func (l *Ledger) Append(ctx context.Context, kind Kind, subject string, data map[string]string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Sequence:  uint64(len(l.entries)) + 1,
		Kind:      kind,
		Subject:   subject,
		Data:      data,
		Timestamp: l.clock().UTC().Truncate(time.Microsecond),
		PrevHash:  l.headHash,
	}
	h, err := contentHash(e)
	if err != nil {
		return Entry{}, err
	}
	e.ContentHash = h

	if l.sink != nil {
		if err := l.sink.Append(ctx, e); err != nil {
			if n, rerr := l.refreshLocked(ctx); rerr == nil && n > 0 {
				return Entry{}, fmt.Errorf("%w: %w", ErrStale, err)
			}
			return Entry{}, fmt.Errorf("failed to persist ledger entry: %w", err)
		}
	}
	l.entries = append(l.entries, e)
	l.headHash = h
	return e, nil
}

// Refresh pulls entries other writers added to the sink since the last
// read and returns how many were added. Each must extend the chain.
func (l *Ledger) Refresh(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refreshLocked(ctx)
}

func (l *Ledger) refreshLocked(ctx context.Context) (int, error) {
	if l.sink == nil {
		return 0, nil
	}
	newer, err := l.sink.Since(ctx, uint64(len(l.entries)))
	if err != nil {
		return 0, fmt.Errorf("failed to refresh ledger: %w", err)
	}
	for i, e := range newer {
		if err := l.extends(e); err != nil {
			return i, err
		}
		l.entries = append(l.entries, e)
		l.headHash = e.ContentHash
	}
	return len(newer), nil
}

// extends checks that e is the valid next entry after the current head.
func (l *Ledger) extends(e Entry) error {
	want := uint64(len(l.entries)) + 1
	if e.Sequence != want {
		return fmt.Errorf("sequence gap: want %d, got %d", want, e.Sequence)
	}
	if e.PrevHash != l.headHash {
		return fmt.Errorf("chain broken at entry %d: expected prev %s, got %s", want, l.headHash, e.PrevHash)
	}
	computed, err := contentHash(e)
	if err != nil {
		return err
	}
	if computed != e.ContentHash {
		return fmt.Errorf("hash mismatch at entry %d", want)
	}
	return nil
}

// Get retrieves an entry by sequence number.
func (l *Ledger) Get(seq uint64) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if seq == 0 || seq > uint64(len(l.entries)) {
		return Entry{}, fmt.Errorf("%w: %d", ErrEntryNotFound, seq)
	}
	return l.entries[seq-1], nil
}

// Find returns the entries of kind about subject, oldest first.
func (l *Ledger) Find(kind Kind, subject string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, e := range l.entries {
		if e.Kind == kind && e.Subject == subject {
			out = append(out, e)
		}
	}
	return out
}

// OfKind returns every entry of kind, oldest first.
func (l *Ledger) OfKind(kind Kind) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, e := range l.entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Head returns the current head hash.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash
}

// Length returns the number of entries.
func (l *Ledger) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Verify checks the integrity of the whole chain.
func (l *Ledger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prev := genesis
	for i, e := range l.entries {
		if e.Sequence != uint64(i)+1 {
			return fmt.Errorf("sequence gap at entry %d: got %d", i+1, e.Sequence)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("chain broken at entry %d: expected prev %s, got %s", i+1, prev, e.PrevHash)
		}
		computed, err := contentHash(e)
		if err != nil {
			return err
		}
		if computed != e.ContentHash {
			return fmt.Errorf("hash mismatch at entry %d", i+1)
		}
		prev = e.ContentHash
	}
	return nil
}

// contentHash is sha256 over the RFC 8785 canonical form of everything but
// the hash itself.
func contentHash(e Entry) (string, error) {
	input := struct {
		Seq       uint64            `json:"seq"`
		Kind      Kind              `json:"kind"`
		Subject   string            `json:"subject"`
		Data      map[string]string `json:"data"`
		Timestamp string            `json:"ts"`
		PrevHash  string            `json:"prev"`
	}{e.Sequence, e.Kind, e.Subject, e.Data, e.Timestamp.UTC().Format(time.RFC3339Nano), e.PrevHash}

	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
