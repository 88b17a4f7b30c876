package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps receipts in process. Claims do not survive a restart,
// so it must not be paired with resuming already-landed transactions. It
// also remembers which signatures this process saw pending, the only
// landed transactions it may resume.
type MemoryStore struct {
	mu       sync.Mutex
	receipts map[string]Receipt
	pending  map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		receipts: make(map[string]Receipt),
		pending:  make(map[string]time.Time),
	}
}

// MarkPending records that signature was submitted here but had not
// settled. Claiming the signature clears the mark.
func (m *MemoryStore) MarkPending(_ context.Context, signature string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.receipts[signature]; ok {
		return nil
	}
	if _, ok := m.pending[signature]; !ok {
		m.pending[signature] = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) Pending(_ context.Context, signature string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[signature]
	return ok, nil
}

func (m *MemoryStore) Seen(_ context.Context, signature string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.receipts[signature]
	return ok, nil
}

func (m *MemoryStore) Claim(_ context.Context, r Receipt) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.receipts[r.Signature]; ok {
		return false, nil
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.receipts[r.Signature] = r
	delete(m.pending, r.Signature)
	return true, nil
}

func (m *MemoryStore) Complete(_ context.Context, signature string, actualMinorUnits int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[signature]
	if !ok {
		return ErrReceiptNotFound
	}
	r.ActualMinorUnits = actualMinorUnits
	m.receipts[signature] = r
	return nil
}

func (m *MemoryStore) Get(_ context.Context, signature string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[signature]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	return &r, nil
}

// Prune drops receipts and pending marks created before the cutoff. The
// cutoff must be older than the ledger's blockhash validity window.
func (m *MemoryStore) Prune(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for sig, r := range m.receipts {
		if r.CreatedAt.Before(before) {
			delete(m.receipts, sig)
			n++
		}
	}
	for sig, at := range m.pending {
		if at.Before(before) {
			delete(m.pending, sig)
		}
	}
	return n, nil
}

func (m *MemoryStore) Close() error { return nil }
