package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"supply-integrity/internal/config"
	"supply-integrity/internal/storage/docstore"
)

// Supported storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverRTDB     = "rtdb"
)

var (
	// ErrNotConfigured indicates the storage backend was not initialised.
	ErrNotConfigured = errors.New("storage: backend not configured")
	// ErrNotFound is returned when a batch does not exist.
	ErrNotFound = errors.New("storage: not found")
)

// HistoryStore is the append-only transfer log, partitioned by batch id.
type HistoryStore interface {
	AppendTransfer(ctx context.Context, transfer Transfer) (Transfer, error)
	// ListTransfers returns every transfer of the batch in recorded order.
	ListTransfers(ctx context.Context, batchID string) ([]Transfer, error)
}

// AlertStore is the append-only alert log, partitioned by batch id.
type AlertStore interface {
	AppendAlert(ctx context.Context, batchID, reason string) (Alert, error)
	ListAlerts(ctx context.Context, batchID string) ([]Alert, error)
}

// BatchStore keeps off-chain batch metadata.
type BatchStore interface {
	UpsertBatch(ctx context.Context, batch Batch) (Batch, error)
	GetBatch(ctx context.Context, batchID string) (Batch, error)
	ListBatches(ctx context.Context) ([]Batch, error)
	UpdateBatchStatus(ctx context.Context, batchID, status, supplier string) (Batch, error)
	// NextBatchNumber allocates the next human-facing batch number.
	NextBatchNumber(ctx context.Context) (int64, error)
}

// Store aggregates every persistence concern of the service.
type Store interface {
	HistoryStore
	AlertStore
	BatchStore
	Close() error
}

// BatchScope is the part of the store used while a batch is locked.
type BatchScope interface {
	HistoryStore
	AlertStore
}

// BatchLocker serialises work on a single batch across processes. Reads and
// writes made through the returned scope share the lock's connection; unlock
// releases both.
type BatchLocker interface {
	LockBatch(ctx context.Context, batchID string) (scope BatchScope, unlock func(), err error)
}

// Open builds the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverPostgres:
		pool, err := NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		return NewPostgresStore(pool), nil
	case DriverSQLite:
		return OpenSQLite(cfg.SQLite.Path)
	case DriverRTDB:
		if cfg.RTDB.URL == "" {
			return nil, fmt.Errorf("storage.rtdb.url is required")
		}
		db := docstore.NewRTDB(docstore.RTDBOptions{
			BaseURL:   cfg.RTDB.URL,
			AuthToken: cfg.RTDB.AuthToken,
			Timeout:   cfg.RTDB.RequestTimeout,
		})
		return NewDocumentStore(db), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}
