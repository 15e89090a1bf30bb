package registry

import (
	"context"
	"sync"
	"time"

	"claimdrop/internal/claimcode"
	"claimdrop/internal/validate"
)

type escrowKey struct {
	network validate.Network
	id      uint64
}

type entry struct {
	mu   sync.Mutex
	rec  Record
	gone bool
}

// MemoryStore keeps records in process. The map lock is held only for index
// reads and writes; mutations lock the single entry they touch.
type MemoryStore struct {
	mu           sync.RWMutex
	byCode       map[string]*entry
	byCommitment map[claimcode.Commitment]string
	byEscrow     map[escrowKey]string

	policy Policy
	now    func() time.Time
}

type MemoryOption func(*MemoryStore)

func WithPolicy(p Policy) MemoryOption {
	return func(m *MemoryStore) { m.policy = p }
}

func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		byCode:       make(map[string]*entry),
		byCommitment: make(map[claimcode.Commitment]string),
		byEscrow:     make(map[escrowKey]string),
		policy:       DefaultPolicy,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) Put(ctx context.Context, rec Record) error {
	if _, err := m.Evict(ctx, m.now()); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byCode[rec.Code]; ok {
		return ErrExists
	}
	if _, ok := m.byCommitment[rec.Commitment]; ok {
		return ErrExists
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	m.byCode[rec.Code] = &entry{rec: rec}
	m.byCommitment[rec.Commitment] = rec.Code
	if rec.Deployed() {
		m.byEscrow[escrowKey{rec.Network, rec.EscrowID}] = rec.Code
	}
	return nil
}

func (m *MemoryStore) lookup(code string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byCode[code]
	return e, ok
}

func (m *MemoryStore) Get(_ context.Context, code string) (Record, error) {
	e, ok := m.lookup(code)
	if !ok {
		return Record{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return Record{}, ErrNotFound
	}
	return e.rec, nil
}

func (m *MemoryStore) GetByCommitment(ctx context.Context, c claimcode.Commitment) (Record, error) {
	m.mu.RLock()
	code, ok := m.byCommitment[c]
	m.mu.RUnlock()
	if !ok {
		return Record{}, ErrNotFound
	}
	return m.Get(ctx, code)
}

func (m *MemoryStore) GetByEscrow(ctx context.Context, network validate.Network, escrowID uint64) (Record, error) {
	m.mu.RLock()
	code, ok := m.byEscrow[escrowKey{network, escrowID}]
	m.mu.RUnlock()
	if !ok {
		return Record{}, ErrNotFound
	}
	return m.Get(ctx, code)
}

func (m *MemoryStore) Update(_ context.Context, code string, fn func(*Record) error) (Record, error) {
	e, ok := m.lookup(code)
	if !ok {
		return Record{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return Record{}, ErrNotFound
	}
	next, err := applyUpdate(e.rec, fn, m.now())
	if err != nil {
		return e.rec, err
	}
	if !e.rec.Deployed() && next.Deployed() {
		key := escrowKey{next.Network, next.EscrowID}
		m.mu.Lock()
		if owner, taken := m.byEscrow[key]; taken && owner != code {
			m.mu.Unlock()
			return e.rec, ErrEscrowAssigned
		}
		m.byEscrow[key] = code
		m.mu.Unlock()
	}
	e.rec = next
	return next, nil
}

func (m *MemoryStore) MarkConsumed(_ context.Context, code string, at time.Time) (Record, bool, error) {
	e, ok := m.lookup(code)
	if !ok {
		return Record{}, false, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return Record{}, false, ErrNotFound
	}
	if e.rec.Consumed {
		return e.rec, false, nil
	}
	e.rec = consume(e.rec, at)
	return e.rec, true, nil
}

// Evict drops records the policy no longer needs.
func (m *MemoryStore) Evict(_ context.Context, now time.Time) (int, error) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.byCode))
	for _, e := range m.byCode {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var evicted []Record
	for _, e := range entries {
		e.mu.Lock()
		if !e.gone && m.policy.evictable(e.rec, now) {
			e.gone = true
			evicted = append(evicted, e.rec)
		}
		e.mu.Unlock()
	}
	if len(evicted) == 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range evicted {
		delete(m.byCode, rec.Code)
		delete(m.byCommitment, rec.Commitment)
		if rec.Deployed() {
			delete(m.byEscrow, escrowKey{rec.Network, rec.EscrowID})
		}
	}
	return len(evicted), nil
}

// Len counts live records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byCode)
}
