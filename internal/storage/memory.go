package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps batches, transfers and alerts in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	batches     map[string]Batch
	transfers   map[string][]Transfer
	alerts      map[string][]Alert
	seq         int64
	batchNumber int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches:   make(map[string]Batch),
		transfers: make(map[string][]Transfer),
		alerts:    make(map[string][]Alert),
	}
}

func (m *MemoryStore) AppendTransfer(_ context.Context, t Transfer) (Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t.Seq = m.seq
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	m.transfers[t.BatchID] = append(m.transfers[t.BatchID], t)
	return t, nil
}

func (m *MemoryStore) ListTransfers(_ context.Context, batchID string) ([]Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.transfers[batchID]
	out := make([]Transfer, len(src))
	copy(out, src)
	return out, nil
}

func (m *MemoryStore) AppendAlert(_ context.Context, batchID, reason string) (Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert := Alert{
		ID:        uuid.NewString(),
		BatchID:   batchID,
		Reason:    reason,
		Timestamp: NowMillis(),
	}
	m.alerts[batchID] = append(m.alerts[batchID], alert)
	return alert, nil
}

func (m *MemoryStore) ListAlerts(_ context.Context, batchID string) ([]Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.alerts[batchID]
	out := make([]Alert, len(src))
	copy(out, src)
	return out, nil
}

func (m *MemoryStore) UpsertBatch(_ context.Context, b Batch) (Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := m.batches[b.BatchID]; ok {
		b = mergeBatch(existing, b)
	} else if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.Status == "" {
		b.Status = StatusManufactured
	}
	b.UpdatedAt = now
	m.batches[b.BatchID] = b
	return b, nil
}

func (m *MemoryStore) GetBatch(_ context.Context, batchID string) (Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.batches[batchID]
	if !ok {
		return Batch{}, ErrNotFound
	}
	return b, nil
}

func (m *MemoryStore) ListBatches(_ context.Context) ([]Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Batch, 0, len(m.batches))
	for _, b := range m.batches {
		out = append(out, b)
	}
	sortBatches(out)
	return out, nil
}

func (m *MemoryStore) UpdateBatchStatus(_ context.Context, batchID, status, supplier string) (Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[batchID]
	if !ok {
		return Batch{}, ErrNotFound
	}
	b.Status = status
	if supplier != "" {
		b.Supplier = supplier
	}
	b.UpdatedAt = time.Now().UTC()
	m.batches[batchID] = b
	return b, nil
}

func (m *MemoryStore) NextBatchNumber(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.batchNumber++
	return m.batchNumber, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// mergeBatch overlays the non-empty fields of update onto existing.
func mergeBatch(existing, update Batch) Batch {
	if update.ProductName != "" {
		existing.ProductName = update.ProductName
	}
	if update.Manufacturer != "" {
		existing.Manufacturer = update.Manufacturer
	}
	if update.Supplier != "" {
		existing.Supplier = update.Supplier
	}
	if update.Status != "" {
		existing.Status = update.Status
	}
	if update.BatchNumber != 0 {
		existing.BatchNumber = update.BatchNumber
	}
	return existing
}

func sortBatches(batches []Batch) {
	sort.SliceStable(batches, func(i, j int) bool {
		if batches[i].BatchNumber != batches[j].BatchNumber {
			return batches[i].BatchNumber < batches[j].BatchNumber
		}
		return batches[i].BatchID < batches[j].BatchID
	})
}

var _ Store = (*MemoryStore)(nil)
