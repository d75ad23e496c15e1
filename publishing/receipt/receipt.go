package receipt

import (
	"context"
	"sync"
	"time"
)

// Receipt records a confirmed delivery for one idempotency key.
type Receipt struct {
	PostID     string    `json:"post_id"`
	URL        string    `json:"url,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Ledger remembers successful deliveries by idempotency key so a target that
// already succeeded is never sent twice, even when the attempt write was lost.
type Ledger interface {
	Lookup(ctx context.Context, key string) (Receipt, bool, error)
	// Record stores r unless a receipt for key already exists; the first writer wins.
	Record(ctx context.Context, key string, r Receipt) error
}

type entry struct {
	receipt Receipt
	expires time.Time
}

// MemoryLedger keeps receipts in process memory. It is used when Valkey is
// disabled and in tests.
type MemoryLedger struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry
	now     func() time.Time
}

func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	return &MemoryLedger{
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

func (m *MemoryLedger) Lookup(_ context.Context, key string) (Receipt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return Receipt{}, false, nil
	}
	if m.ttl > 0 && m.now().After(e.expires) {
		delete(m.entries, key)
		return Receipt{}, false, nil
	}
	return e.receipt, true, nil
}

func (m *MemoryLedger) Record(_ context.Context, key string, r Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[key]; ok && (m.ttl <= 0 || !now.After(e.expires)) {
		return nil
	}
	if r.RecordedAt.IsZero() {
		r.RecordedAt = now.UTC()
	}
	m.entries[key] = entry{receipt: r, expires: now.Add(m.ttl)}
	return nil
}

// Len returns the number of stored receipts, expired ones included.
func (m *MemoryLedger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
