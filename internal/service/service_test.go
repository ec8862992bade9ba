package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supply-integrity/internal/anomaly"
	"supply-integrity/internal/chain"
	"supply-integrity/internal/config"
	"supply-integrity/internal/detector"
	"supply-integrity/internal/integrity"
	"supply-integrity/internal/storage"
)

type recordingPublisher struct {
	mu        sync.Mutex
	transfers []storage.Transfer
	batches   []storage.Batch
}

func (p *recordingPublisher) PublishTransfer(t storage.Transfer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transfers = append(p.transfers, t)
}

func (p *recordingPublisher) PublishBatch(b storage.Batch) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, b)
}

func newTestService(t *testing.T) (*Service, *storage.MemoryStore, *recordingPublisher) {
	t.Helper()
	store := storage.NewMemoryStore()
	det := detector.New(config.DetectorConfig{SerializeBatches: true}, store, store, nil, zerolog.Nop())
	pub := &recordingPublisher{}
	return New(store, det, integrity.NewScorer(store, store), pub, zerolog.Nop()), store, pub
}

func TestRegisterBatchAssignsIncreasingNumbers(t *testing.T) {
	svc, _, pub := newTestService(t)
	ctx := context.Background()

	first, err := svc.RegisterBatch(ctx, BatchInput{ProductName: "Olive Oil", Manufacturer: "0xM"})
	require.NoError(t, err)
	second, err := svc.RegisterBatch(ctx, BatchInput{ProductName: "Coffee"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.BatchNumber)
	assert.Equal(t, "1", first.BatchID)
	assert.Equal(t, int64(2), second.BatchNumber)
	assert.Equal(t, storage.StatusManufactured, second.Status)
	assert.Len(t, pub.batches, 2)

	_, err = svc.RegisterBatch(ctx, BatchInput{ProductName: "  "})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRecordTransferRaisesAlerts(t *testing.T) {
	svc, _, pub := newTestService(t)
	ctx := context.Background()

	res, err := svc.RecordTransfer(ctx, storage.Transfer{BatchID: "B1", From: "0xA", To: "0xB", Timestamp: 1000}, SourceAPI)
	require.NoError(t, err)
	assert.Empty(t, res.Alerts)
	assert.NotEmpty(t, res.Transfer.ID)

	res, err = svc.RecordTransfer(ctx, storage.Transfer{BatchID: "B1", From: "0xB", To: "0xB", Timestamp: 900}, SourceAPI)
	require.NoError(t, err)
	var reasons []string
	for _, a := range res.Alerts {
		reasons = append(reasons, a.Reason)
	}
	assert.ElementsMatch(t, []string{anomaly.ReasonIdenticalParties, anomaly.ReasonTimestampRegression}, reasons)
	assert.Len(t, pub.transfers, 2)

	report, err := svc.Integrity(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, 40, report.Score)
	assert.Equal(t, integrity.StatusTampered, report.Status)
}

func TestRecordTransferDefaultsTimestamp(t *testing.T) {
	svc, _, _ := newTestService(t)
	res, err := svc.RecordTransfer(context.Background(), storage.Transfer{BatchID: "B1", From: "0xA", To: "0xB"}, SourceAPI)
	require.NoError(t, err)
	assert.Positive(t, res.Transfer.Timestamp)
}

func TestRecordTransferRejectsInvalid(t *testing.T) {
	svc, store, pub := newTestService(t)
	_, err := svc.RecordTransfer(context.Background(), storage.Transfer{BatchID: "B1", From: "0xA"}, SourceAPI)
	assert.ErrorIs(t, err, detector.ErrInvalidTransfer)

	history, _ := store.ListTransfers(context.Background(), "B1")
	assert.Empty(t, history)
	assert.Empty(t, pub.transfers)
}

func TestChainReplayIsRecordedOnce(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	ev := chain.Event{
		Name: chain.EventTransfer, BatchID: "7", From: "0xA", To: "0xB",
		Timestamp: 1_700_000_000_000, BlockNumber: 12, TxHash: "0xabc",
	}

	require.NoError(t, svc.HandleChainEvent(ctx, ev))
	require.NoError(t, svc.HandleChainEvent(ctx, ev))

	history, err := store.ListTransfers(ctx, "7")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].BlockNumber)
	assert.Equal(t, uint64(12), *history[0].BlockNumber)

	alerts, err := store.ListAlerts(ctx, "7")
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestOffChainRepeatIsDuplicate(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	tr := storage.Transfer{BatchID: "B2", From: "0xA", To: "0xB", Timestamp: 1000}

	_, err := svc.RecordTransfer(ctx, tr, SourceAPI)
	require.NoError(t, err)
	tr.Timestamp = 2000
	res, err := svc.RecordTransfer(ctx, tr, SourceAPI)
	require.NoError(t, err)
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, anomaly.ReasonDuplicateTransfer, res.Alerts[0].Reason)

	history, _ := store.ListTransfers(ctx, "B2")
	assert.Len(t, history, 2)
}

func TestHandleChainBatchLifecycle(t *testing.T) {
	svc, store, pub := newTestService(t)
	ctx := context.Background()

	created := chain.Event{Name: chain.EventBatchCreated, BatchID: "0", ProductName: "Tea", Manufacturer: "0xM", Status: storage.StatusManufactured, Timestamp: 1_700_000_000_000}
	require.NoError(t, svc.HandleChainEvent(ctx, created))
	require.NoError(t, svc.HandleChainEvent(ctx, created))

	b, err := store.GetBatch(ctx, "0")
	require.NoError(t, err)
	assert.Equal(t, "Tea", b.ProductName)
	assert.Equal(t, int64(1), b.BatchNumber)

	require.NoError(t, svc.HandleChainEvent(ctx, chain.Event{Name: chain.EventStatusUpdated, BatchID: "0", Status: storage.StatusReadyForSale, UpdatedBy: "0xS"}))
	b, err = store.GetBatch(ctx, "0")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusReadyForSale, b.Status)
	assert.Equal(t, "0xS", b.Supplier)

	// status for a batch created before the listener's start block
	require.NoError(t, svc.HandleChainEvent(ctx, chain.Event{Name: chain.EventStatusUpdated, BatchID: "9", Status: storage.StatusReadyForSale, UpdatedBy: "0xS"}))
	b, err = store.GetBatch(ctx, "9")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusReadyForSale, b.Status)

	assert.Len(t, pub.batches, 4)
}

func TestHandleChainSkipsInvalidTransfer(t *testing.T) {
	svc, _, _ := newTestService(t)
	err := svc.HandleChainEvent(context.Background(), chain.Event{Name: chain.EventTransfer, BatchID: "1", To: "0xB", Timestamp: 1, TxHash: "0x1"})
	assert.NoError(t, err)
}

func TestMarkReady(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	b, err := svc.RegisterBatch(ctx, BatchInput{ProductName: "Rice"})
	require.NoError(t, err)

	ready, err := svc.MarkReady(ctx, b.BatchID, "0xSupplier")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusReadyForSale, ready.Status)
	assert.Equal(t, "0xSupplier", ready.Supplier)

	_, err = svc.MarkReady(ctx, "404", "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBatchDetail(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Batch(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// history without metadata still resolves
	_, err = svc.RecordTransfer(ctx, storage.Transfer{BatchID: "X", From: "0xA", To: "0xA", Timestamp: 5}, SourceAPI)
	require.NoError(t, err)
	detail, err := svc.Batch(ctx, "X")
	require.NoError(t, err)
	assert.Nil(t, detail.Batch)
	assert.Len(t, detail.Transfers, 1)
	assert.Equal(t, 70, detail.Integrity.Score)

	b, err := svc.RegisterBatch(ctx, BatchInput{ProductName: "Salt"})
	require.NoError(t, err)
	detail, err = svc.Batch(ctx, b.BatchID)
	require.NoError(t, err)
	require.NotNil(t, detail.Batch)
	assert.Equal(t, "Salt", detail.Batch.ProductName)
	assert.Empty(t, detail.Transfers)
	assert.Equal(t, integrity.StatusSafe, detail.Integrity.Status)
}

func TestListBatches(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	b, err := svc.RegisterBatch(ctx, BatchInput{ProductName: "Flour"})
	require.NoError(t, err)
	_, err = svc.RecordTransfer(ctx, storage.Transfer{BatchID: b.BatchID, From: "0xA", To: "0xA", Timestamp: 5}, SourceAPI)
	require.NoError(t, err)

	list, err := svc.ListBatches(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].Transfers)
	assert.Equal(t, 70, list[0].Score)
	assert.Equal(t, integrity.StatusTampered, list[0].Integrity)
}

type failingHistory struct{ *storage.MemoryStore }

func (failingHistory) ListTransfers(context.Context, string) ([]storage.Transfer, error) {
	return nil, errors.New("history offline")
}

func TestRecordTransferPropagatesDedupLookupFailure(t *testing.T) {
	store := failingHistory{storage.NewMemoryStore()}
	det := detector.New(config.DetectorConfig{}, store, store, nil, zerolog.Nop())
	svc := New(store, det, integrity.NewScorer(store, store), nil, zerolog.Nop())

	_, err := svc.RecordTransfer(context.Background(), storage.Transfer{BatchID: "1", From: "0xA", To: "0xB", Timestamp: 1, TxHash: "0x1"}, SourceChain)
	assert.ErrorContains(t, err, "history offline")
}

// slowHistory widens the window between reading a batch's history and
// appending to it.
type slowHistory struct{ *storage.MemoryStore }

func (s slowHistory) ListTransfers(ctx context.Context, batchID string) ([]storage.Transfer, error) {
	time.Sleep(5 * time.Millisecond)
	return s.MemoryStore.ListTransfers(ctx, batchID)
}

func TestOverlappingChainReplaysRecordOnce(t *testing.T) {
	store := slowHistory{storage.NewMemoryStore()}
	det := detector.New(config.DetectorConfig{SerializeBatches: true}, store, store, nil, zerolog.Nop())
	svc := New(store, det, integrity.NewScorer(store, store), nil, zerolog.Nop())
	ctx := context.Background()
	ev := chain.Event{
		Name: chain.EventTransfer, BatchID: "9", From: "0xA", To: "0xB",
		Timestamp: 1_700_000_000_000, BlockNumber: 30, TxHash: "0xdead",
	}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, svc.HandleChainEvent(ctx, ev))
		}()
	}
	wg.Wait()

	history, err := store.ListTransfers(ctx, "9")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	report, err := svc.Integrity(ctx, "9")
	require.NoError(t, err)
	assert.Equal(t, 100, report.Score)
	assert.Empty(t, report.Alerts)
}
