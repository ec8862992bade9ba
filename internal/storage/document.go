package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"supply-integrity/internal/storage/docstore"
)

const (
	collectionBatches   = "batches"
	collectionTransfers = "transfers"
	collectionAlerts    = "alerts"
	collectionCounters  = "counters"

	counterBatchNumber = "batchNumber"
)

// DocumentStore maps the service's stores onto a document database.
//
// The REST backend has no server-side sequence, so history order comes from a
// per-process monotonic microsecond clock written into each document.
type DocumentStore struct {
	db docstore.Database

	mu      sync.Mutex
	lastSeq int64
}

// NewDocumentStore wraps db.
func NewDocumentStore(db docstore.Database) *DocumentStore {
	return &DocumentStore{db: db}
}

type alertDoc struct {
	Alert
	Seq int64 `json:"seq"`
}

type counterDoc struct {
	Value int64 `json:"value"`
}

func (s *DocumentStore) nextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := time.Now().UnixMicro()
	if seq <= s.lastSeq {
		seq = s.lastSeq + 1
	}
	s.lastSeq = seq
	return seq
}

func (s *DocumentStore) AppendTransfer(ctx context.Context, t Transfer) (Transfer, error) {
	t.Seq = s.nextSeq()
	if t.ID == "" {
		t.ID = docstore.NewKey()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	doc, err := docstore.ToDocument(t)
	if err != nil {
		return Transfer{}, fmt.Errorf("encode transfer: %w", err)
	}
	if _, err := s.db.Collection(collectionTransfers).Set(ctx, t.ID, doc, false); err != nil {
		return Transfer{}, fmt.Errorf("append transfer: %w", err)
	}
	return t, nil
}

func (s *DocumentStore) ListTransfers(ctx context.Context, batchID string) ([]Transfer, error) {
	snaps, err := s.db.Collection(collectionTransfers).Where(ctx, "batchId", batchID)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}

	transfers := make([]Transfer, 0, len(snaps))
	for _, snap := range snaps {
		var t Transfer
		if err := snap.Decode(&t); err != nil {
			return nil, fmt.Errorf("decode transfer %s: %w", snap.ID, err)
		}
		if t.ID == "" {
			t.ID = snap.ID
		}
		transfers = append(transfers, t)
	}
	sort.SliceStable(transfers, func(i, j int) bool { return transfers[i].Seq < transfers[j].Seq })
	return transfers, nil
}

func (s *DocumentStore) AppendAlert(ctx context.Context, batchID, reason string) (Alert, error) {
	rec := alertDoc{
		Alert: Alert{
			ID:        uuid.NewString(),
			BatchID:   batchID,
			Reason:    reason,
			Timestamp: NowMillis(),
		},
		Seq: s.nextSeq(),
	}
	doc, err := docstore.ToDocument(rec)
	if err != nil {
		return Alert{}, fmt.Errorf("encode alert: %w", err)
	}
	if _, err := s.db.Collection(collectionAlerts).Set(ctx, rec.ID, doc, false); err != nil {
		return Alert{}, fmt.Errorf("append alert: %w", err)
	}
	return rec.Alert, nil
}

func (s *DocumentStore) ListAlerts(ctx context.Context, batchID string) ([]Alert, error) {
	snaps, err := s.db.Collection(collectionAlerts).Where(ctx, "batchId", batchID)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}

	docs := make([]alertDoc, 0, len(snaps))
	for _, snap := range snaps {
		var rec alertDoc
		if err := snap.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode alert %s: %w", snap.ID, err)
		}
		docs = append(docs, rec)
	}
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Seq < docs[j].Seq })

	alerts := make([]Alert, len(docs))
	for i, d := range docs {
		alerts[i] = d.Alert
	}
	return alerts, nil
}

func (s *DocumentStore) UpsertBatch(ctx context.Context, b Batch) (Batch, error) {
	existing, err := s.GetBatch(ctx, b.BatchID)
	switch {
	case err == nil:
		b = mergeBatch(existing, b)
	case errors.Is(err, ErrNotFound):
		if b.CreatedAt.IsZero() {
			b.CreatedAt = time.Now().UTC()
		}
	default:
		return Batch{}, err
	}
	if b.Status == "" {
		b.Status = StatusManufactured
	}
	b.UpdatedAt = time.Now().UTC()

	if err := s.putBatch(ctx, b); err != nil {
		return Batch{}, err
	}
	return b, nil
}

func (s *DocumentStore) GetBatch(ctx context.Context, batchID string) (Batch, error) {
	snap, err := s.db.Collection(collectionBatches).Get(ctx, batchID)
	if err != nil {
		return Batch{}, fmt.Errorf("get batch: %w", err)
	}
	if !snap.Exists {
		return Batch{}, ErrNotFound
	}
	var b Batch
	if err := snap.Decode(&b); err != nil {
		return Batch{}, fmt.Errorf("decode batch %s: %w", batchID, err)
	}
	return b, nil
}

func (s *DocumentStore) ListBatches(ctx context.Context) ([]Batch, error) {
	snaps, err := s.db.Collection(collectionBatches).OrderBy(ctx, "batchNumber", false)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	batches := make([]Batch, 0, len(snaps))
	for _, snap := range snaps {
		var b Batch
		if err := snap.Decode(&b); err != nil {
			return nil, fmt.Errorf("decode batch %s: %w", snap.ID, err)
		}
		batches = append(batches, b)
	}
	sortBatches(batches)
	return batches, nil
}

func (s *DocumentStore) UpdateBatchStatus(ctx context.Context, batchID, status, supplier string) (Batch, error) {
	b, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return Batch{}, err
	}
	b.Status = status
	if supplier != "" {
		b.Supplier = supplier
	}
	b.UpdatedAt = time.Now().UTC()
	if err := s.putBatch(ctx, b); err != nil {
		return Batch{}, err
	}
	return b, nil
}

// NextBatchNumber is a read-modify-write on the counter document and is not
// atomic across processes.
func (s *DocumentStore) NextBatchNumber(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counters := s.db.Collection(collectionCounters)
	snap, err := counters.Get(ctx, counterBatchNumber)
	if err != nil {
		return 0, fmt.Errorf("read batch counter: %w", err)
	}

	var c counterDoc
	if snap.Exists {
		if err := snap.Decode(&c); err != nil {
			return 0, fmt.Errorf("decode batch counter: %w", err)
		}
	}
	c.Value++

	if _, err := counters.Set(ctx, counterBatchNumber, docstore.Document{"value": c.Value}, false); err != nil {
		return 0, fmt.Errorf("write batch counter: %w", err)
	}
	return c.Value, nil
}

// Close is a no-op; the REST client holds no persistent connection.
func (s *DocumentStore) Close() error { return nil }

func (s *DocumentStore) putBatch(ctx context.Context, b Batch) error {
	doc, err := docstore.ToDocument(b)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	if _, err := s.db.Collection(collectionBatches).Set(ctx, b.BatchID, doc, false); err != nil {
		return fmt.Errorf("put batch: %w", err)
	}
	return nil
}

var _ Store = (*DocumentStore)(nil)
