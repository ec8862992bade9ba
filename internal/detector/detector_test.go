package detector

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supply-integrity/internal/alerting"
	"supply-integrity/internal/anomaly"
	"supply-integrity/internal/config"
	"supply-integrity/internal/storage"
)

func newTestDetector(store *storage.MemoryStore, notifier alerting.Notifier) *Detector {
	return New(config.DetectorConfig{SerializeBatches: true, LockTimeout: time.Second}, store, store, notifier, zerolog.Nop())
}

func reasonsOf(alerts []storage.Alert) []string {
	out := make([]string, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, a.Reason)
	}
	return out
}

func TestDetectIdenticalPartiesScenario(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	d := newTestDetector(store, nil)

	current, err := store.AppendTransfer(ctx, storage.Transfer{BatchID: "B1", From: "0xA", To: "0xA", Timestamp: 1000})
	require.NoError(t, err)

	alerts, err := d.Detect(ctx, "B1", current)
	require.NoError(t, err)
	assert.Equal(t, []string{anomaly.ReasonIdenticalParties}, reasonsOf(alerts))

	stored, err := store.ListAlerts(ctx, "B1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "B1", stored[0].BatchID)
}

func TestRecordRegressionAndDuplicateScenario(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	d := newTestDetector(store, nil)

	_, alerts, err := d.Record(ctx, storage.Transfer{BatchID: "B2", From: "0xA", To: "0xB", Timestamp: 1000})
	require.NoError(t, err)
	assert.Empty(t, alerts)

	_, alerts, err = d.Record(ctx, storage.Transfer{BatchID: "B2", From: "0xA", To: "0xB", Timestamp: 500})
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]string{anomaly.ReasonTimestampRegression, anomaly.ReasonDuplicateTransfer},
		reasonsOf(alerts))

	stored, err := store.ListAlerts(ctx, "B2")
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestDetectEvaluatesAgainstTransfersBeforeCurrent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	d := newTestDetector(store, nil)

	first, err := store.AppendTransfer(ctx, storage.Transfer{BatchID: "B3", From: "0xA", To: "0xB", Timestamp: 100})
	require.NoError(t, err)
	// a later duplicate exists, but re-detecting the first transfer must ignore it
	_, err = store.AppendTransfer(ctx, storage.Transfer{BatchID: "B3", From: "0xA", To: "0xB", Timestamp: 50})
	require.NoError(t, err)

	alerts, err := d.Detect(ctx, "B3", first)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestDetectRequiresRecordedTransfer(t *testing.T) {
	d := newTestDetector(storage.NewMemoryStore(), nil)

	_, err := d.Detect(context.Background(), "B4", storage.Transfer{BatchID: "B4", From: "0xA", To: "0xB", Timestamp: 1})
	assert.ErrorIs(t, err, ErrTransferNotRecorded)
}

func TestValidateTransfer(t *testing.T) {
	valid := storage.Transfer{BatchID: "B1", From: "0xA", To: "0xB", Timestamp: 1}

	tests := []struct {
		name    string
		batchID string
		mutate  func(*storage.Transfer)
	}{
		{name: "empty batch", batchID: " ", mutate: func(t *storage.Transfer) { t.BatchID = " " }},
		{name: "mismatched batch", batchID: "B2", mutate: func(*storage.Transfer) {}},
		{name: "missing from", batchID: "B1", mutate: func(t *storage.Transfer) { t.From = "" }},
		{name: "missing to", batchID: "B1", mutate: func(t *storage.Transfer) { t.To = "  " }},
		{name: "zero timestamp", batchID: "B1", mutate: func(t *storage.Transfer) { t.Timestamp = 0 }},
	}

	require.NoError(t, ValidateTransfer("B1", valid))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := valid
			tt.mutate(&tr)
			assert.ErrorIs(t, ValidateTransfer(tt.batchID, tr), ErrInvalidTransfer)
		})
	}
}

func TestRecordRejectsInvalidBeforeStorage(t *testing.T) {
	store := storage.NewMemoryStore()
	d := newTestDetector(store, nil)

	_, _, err := d.Record(context.Background(), storage.Transfer{BatchID: "B5", To: "0xB", Timestamp: 1})
	require.ErrorIs(t, err, ErrInvalidTransfer)

	history, err := store.ListTransfers(context.Background(), "B5")
	require.NoError(t, err)
	assert.Empty(t, history)
}

type failingHistory struct {
	*storage.MemoryStore
}

func (failingHistory) ListTransfers(context.Context, string) ([]storage.Transfer, error) {
	return nil, errors.New("history unavailable")
}

func TestDetectPropagatesHistoryFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	d := New(config.DetectorConfig{}, failingHistory{store}, store, nil, zerolog.Nop())

	alerts, err := d.Detect(context.Background(), "B6", storage.Transfer{BatchID: "B6", From: "0xA", To: "0xA", Timestamp: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history unavailable")
	assert.Nil(t, alerts)
}

// flakyAlerts fails the first AppendAlert call only.
type flakyAlerts struct {
	*storage.MemoryStore
	mu    sync.Mutex
	calls int
}

func (f *flakyAlerts) AppendAlert(ctx context.Context, batchID, reason string) (storage.Alert, error) {
	f.mu.Lock()
	f.calls++
	first := f.calls == 1
	f.mu.Unlock()
	if first {
		return storage.Alert{}, errors.New("sink unavailable")
	}
	return f.MemoryStore.AppendAlert(ctx, batchID, reason)
}

func TestDetectAttemptsEveryAlertWrite(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	sink := &flakyAlerts{MemoryStore: store}
	d := New(config.DetectorConfig{}, store, sink, nil, zerolog.Nop())

	_, err := store.AppendTransfer(ctx, storage.Transfer{BatchID: "B7", From: "0xA", To: "0xA", Timestamp: 10})
	require.NoError(t, err)
	current, err := store.AppendTransfer(ctx, storage.Transfer{BatchID: "B7", From: "0xA", To: "0xA", Timestamp: 5})
	require.NoError(t, err)

	alerts, err := d.Detect(ctx, "B7", current)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink unavailable")
	assert.Equal(t, 3, sink.calls)
	assert.Equal(t, []string{anomaly.ReasonTimestampRegression, anomaly.ReasonDuplicateTransfer}, reasonsOf(alerts))
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, note alerting.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note)
	return errors.New("delivery failures are not fatal")
}

func TestDetectNotifiesPersistedAlerts(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	notifier := &recordingNotifier{}
	d := newTestDetector(store, notifier)

	_, alerts, err := d.Record(ctx, storage.Transfer{BatchID: "B8", From: "0xA", To: "0xA", Timestamp: 10, Location: "Gate"})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Len(t, notifier.notes, 1)
	assert.Equal(t, alerts[0].ID, notifier.notes[0].AlertID)
	assert.Equal(t, "Gate", notifier.notes[0].Transfer.Location)
}

func TestConcurrentRecordsSameBatch(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	d := newTestDetector(store, nil)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := d.Record(ctx, storage.Transfer{BatchID: "B9", From: "0xA", To: "0xB", Timestamp: 1000})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	alerts, err := store.ListAlerts(ctx, "B9")
	require.NoError(t, err)
	assert.Len(t, alerts, n-1, "every occurrence after the first is a duplicate")
}

func TestLockTimeout(t *testing.T) {
	store := storage.NewMemoryStore()
	d := New(config.DetectorConfig{SerializeBatches: true, LockTimeout: 20 * time.Millisecond}, store, store, nil, zerolog.Nop())

	_, unlock, err := d.locker.LockBatch(context.Background(), "B10")
	require.NoError(t, err)
	defer unlock()

	_, _, err = d.Record(context.Background(), storage.Transfer{BatchID: "B10", From: "0xA", To: "0xB", Timestamp: 1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSerializationCanBeDisabled(t *testing.T) {
	store := storage.NewMemoryStore()
	d := New(config.DetectorConfig{SerializeBatches: false}, store, store, nil, zerolog.Nop())
	assert.Nil(t, d.locker)
}

func TestRecordSkipsReplayedTransaction(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	d := newTestDetector(store, nil)
	tr := storage.Transfer{BatchID: "B11", From: "0xA", To: "0xB", Timestamp: 1000, TxHash: "0xfeed"}

	first, _, err := d.Record(ctx, tr)
	require.NoError(t, err)

	again, alerts, err := d.Record(ctx, tr)
	require.ErrorIs(t, err, ErrAlreadyRecorded)
	assert.Equal(t, first.ID, again.ID)
	assert.Empty(t, alerts)

	// same hash with different fields is a new event
	tr.Timestamp = 2000
	_, _, err = d.Record(ctx, tr)
	require.NoError(t, err)

	history, err := store.ListTransfers(ctx, "B11")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestConcurrentReplaysRecordOnce(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	d := newTestDetector(store, nil)
	tr := storage.Transfer{BatchID: "B12", From: "0xA", To: "0xB", Timestamp: 1000, TxHash: "0xdead"}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := d.Record(ctx, tr)
			if err != nil {
				assert.ErrorIs(t, err, ErrAlreadyRecorded)
			}
		}()
	}
	wg.Wait()

	history, err := store.ListTransfers(ctx, "B12")
	require.NoError(t, err)
	assert.Len(t, history, 1)
	alerts, err := store.ListAlerts(ctx, "B12")
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestPostgresRecordsMoreBatchesThanPoolConnections(t *testing.T) {
	dsn := os.Getenv("BATCHGUARD_TEST_DSN")
	if dsn == "" {
		t.Skip("BATCHGUARD_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, storage.Migrate(ctx, dsn, "up"))
	pool, err := storage.NewPool(ctx, config.PostgresConfig{DSN: dsn, MaxOpenConns: 2})
	require.NoError(t, err)
	store := storage.NewPostgresStore(pool)
	defer store.Close()

	d := New(config.DetectorConfig{SerializeBatches: true}, store, store, nil, zerolog.Nop())

	const n = 8
	batches := make([]string, n)
	var wg sync.WaitGroup
	for i := range batches {
		batches[i] = "pg-" + uuid.NewString()[:8]
		wg.Add(1)
		go func(batchID string) {
			defer wg.Done()
			_, alerts, err := d.Record(ctx, storage.Transfer{BatchID: batchID, From: "0xA", To: "0xA", Timestamp: 1000})
			assert.NoError(t, err)
			assert.Len(t, alerts, 1)
		}(batches[i])
	}
	wg.Wait()
	require.NoError(t, ctx.Err(), "records did not finish before the deadline")

	for _, batchID := range batches {
		history, err := store.ListTransfers(ctx, batchID)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	}
}
