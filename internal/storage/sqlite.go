package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file store for local deployments.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path. ":memory:" is accepted.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		path = filepath.Join(os.TempDir(), "batchguard", "batchguard.db")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; also keeps ":memory:" on one connection
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS batches (
			batch_id     TEXT PRIMARY KEY,
			product_name TEXT NOT NULL DEFAULT '',
			manufacturer TEXT NOT NULL DEFAULT '',
			supplier     TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL DEFAULT 'Manufactured',
			batch_number INTEGER NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS counters (
			name  TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transfers (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			id           TEXT NOT NULL UNIQUE,
			batch_id     TEXT NOT NULL,
			from_addr    TEXT NOT NULL,
			to_addr      TEXT NOT NULL,
			ts_millis    INTEGER NOT NULL,
			location     TEXT NOT NULL DEFAULT '',
			block_number INTEGER,
			tx_hash      TEXT NOT NULL DEFAULT '',
			created_at   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transfers_batch_seq ON transfers(batch_id, seq)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			seq       INTEGER PRIMARY KEY AUTOINCREMENT,
			id        TEXT NOT NULL UNIQUE,
			batch_id  TEXT NOT NULL,
			reason    TEXT NOT NULL,
			ts_millis INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_batch_seq ON alerts(batch_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) AppendTransfer(ctx context.Context, t Transfer) (Transfer, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	var block sql.NullInt64
	if t.BlockNumber != nil {
		block = sql.NullInt64{Int64: int64(*t.BlockNumber), Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transfers (id, batch_id, from_addr, to_addr, ts_millis, location, block_number, tx_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.BatchID, t.From, t.To, t.Timestamp, t.Location, block, t.TxHash, t.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return Transfer{}, fmt.Errorf("insert transfer: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Transfer{}, fmt.Errorf("read transfer seq: %w", err)
	}
	t.Seq = seq
	return t, nil
}

func (s *SQLiteStore) ListTransfers(ctx context.Context, batchID string) ([]Transfer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, batch_id, from_addr, to_addr, ts_millis, location, block_number, tx_hash, created_at
		 FROM transfers WHERE batch_id = ? ORDER BY seq`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]Transfer, 0)
	for rows.Next() {
		var (
			t         Transfer
			block     sql.NullInt64
			createdAt int64
		)
		if err := rows.Scan(&t.Seq, &t.ID, &t.BatchID, &t.From, &t.To, &t.Timestamp, &t.Location, &block, &t.TxHash, &createdAt); err != nil {
			return nil, err
		}
		if block.Valid {
			value := uint64(block.Int64)
			t.BlockNumber = &value
		}
		t.CreatedAt = time.UnixMilli(createdAt).UTC()
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

func (s *SQLiteStore) AppendAlert(ctx context.Context, batchID, reason string) (Alert, error) {
	alert := Alert{
		ID:        uuid.NewString(),
		BatchID:   batchID,
		Reason:    reason,
		Timestamp: NowMillis(),
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, batch_id, reason, ts_millis) VALUES (?, ?, ?, ?)`,
		alert.ID, alert.BatchID, alert.Reason, alert.Timestamp,
	); err != nil {
		return Alert{}, fmt.Errorf("insert alert: %w", err)
	}
	return alert, nil
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, batchID string) ([]Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, batch_id, reason, ts_millis FROM alerts WHERE batch_id = ? ORDER BY seq`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]Alert, 0)
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.BatchID, &a.Reason, &a.Timestamp); err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (s *SQLiteStore) UpsertBatch(ctx context.Context, b Batch) (Batch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Batch{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := getBatchTx(ctx, tx, b.BatchID)
	switch {
	case errors.Is(err, ErrNotFound):
		if b.CreatedAt.IsZero() {
			b.CreatedAt = time.Now().UTC()
		}
	case err != nil:
		return Batch{}, err
	default:
		b = mergeBatch(existing, b)
	}
	if b.Status == "" {
		b.Status = StatusManufactured
	}
	b.UpdatedAt = time.Now().UTC()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO batches (batch_id, product_name, manufacturer, supplier, status, batch_number, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(batch_id) DO UPDATE SET
			product_name = excluded.product_name,
			manufacturer = excluded.manufacturer,
			supplier     = excluded.supplier,
			status       = excluded.status,
			batch_number = excluded.batch_number,
			updated_at   = excluded.updated_at`,
		b.BatchID, b.ProductName, b.Manufacturer, b.Supplier, b.Status, b.BatchNumber,
		b.CreatedAt.UnixMilli(), b.UpdatedAt.UnixMilli(),
	); err != nil {
		return Batch{}, fmt.Errorf("upsert batch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Batch{}, fmt.Errorf("commit batch: %w", err)
	}
	return b, nil
}

func (s *SQLiteStore) GetBatch(ctx context.Context, batchID string) (Batch, error) {
	row := s.db.QueryRowContext(ctx, selectBatchSQLite+` WHERE batch_id = ?`, batchID)
	return scanSQLiteBatch(row)
}

func (s *SQLiteStore) ListBatches(ctx context.Context) ([]Batch, error) {
	rows, err := s.db.QueryContext(ctx, selectBatchSQLite+` ORDER BY batch_number, batch_id`)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	batches := make([]Batch, 0)
	for rows.Next() {
		b, err := scanSQLiteBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (s *SQLiteStore) UpdateBatchStatus(ctx context.Context, batchID, status, supplier string) (Batch, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = ?, supplier = CASE WHEN ? = '' THEN supplier ELSE ? END, updated_at = ?
		 WHERE batch_id = ?`,
		status, supplier, supplier, time.Now().UTC().UnixMilli(), batchID,
	)
	if err != nil {
		return Batch{}, fmt.Errorf("update batch status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Batch{}, ErrNotFound
	}
	return s.GetBatch(ctx, batchID)
}

func (s *SQLiteStore) NextBatchNumber(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO counters (name, value) VALUES ('batch_number', 1)
		 ON CONFLICT(name) DO UPDATE SET value = value + 1
		 RETURNING value`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next batch number: %w", err)
	}
	return n, nil
}

const selectBatchSQLite = `SELECT batch_id, product_name, manufacturer, supplier, status, batch_number, created_at, updated_at FROM batches`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteBatch(row rowScanner) (Batch, error) {
	var (
		b                    Batch
		createdAt, updatedAt int64
	)
	err := row.Scan(&b.BatchID, &b.ProductName, &b.Manufacturer, &b.Supplier, &b.Status, &b.BatchNumber, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Batch{}, ErrNotFound
	}
	if err != nil {
		return Batch{}, fmt.Errorf("scan batch: %w", err)
	}
	b.CreatedAt = time.UnixMilli(createdAt).UTC()
	b.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return b, nil
}

func getBatchTx(ctx context.Context, tx *sql.Tx, batchID string) (Batch, error) {
	return scanSQLiteBatch(tx.QueryRowContext(ctx, selectBatchSQLite+` WHERE batch_id = ?`, batchID))
}

var _ Store = (*SQLiteStore)(nil)
