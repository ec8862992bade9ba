package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	insertTransferSQL = `INSERT INTO transfers (
        id,
        batch_id,
        from_addr,
        to_addr,
        ts_millis,
        location,
        block_number,
        tx_hash
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    RETURNING seq, created_at;`

	listTransfersSQL = `SELECT
        seq,
        id,
        batch_id,
        from_addr,
        to_addr,
        ts_millis,
        location,
        block_number,
        tx_hash,
        created_at
    FROM transfers
    WHERE batch_id = $1
    ORDER BY seq;`

	insertAlertSQL = `INSERT INTO alerts (
        id,
        batch_id,
        reason,
        ts_millis
    ) VALUES (
        $1,$2,$3,$4
    );`

	listAlertsSQL = `SELECT id, batch_id, reason, ts_millis
    FROM alerts
    WHERE batch_id = $1
    ORDER BY seq;`

	upsertBatchSQL = `INSERT INTO batches (
        batch_id,
        product_name,
        manufacturer,
        supplier,
        status,
        batch_number
    ) VALUES (
        $1,$2,$3,$4,COALESCE(NULLIF($5::text, ''), 'Manufactured'),$6
    )
    ON CONFLICT (batch_id) DO UPDATE
    SET
        product_name = COALESCE(NULLIF(EXCLUDED.product_name, ''), batches.product_name),
        manufacturer = COALESCE(NULLIF(EXCLUDED.manufacturer, ''), batches.manufacturer),
        supplier     = COALESCE(NULLIF(EXCLUDED.supplier, ''), batches.supplier),
        status       = CASE WHEN $5::text = '' THEN batches.status ELSE EXCLUDED.status END,
        batch_number = CASE WHEN EXCLUDED.batch_number = 0 THEN batches.batch_number ELSE EXCLUDED.batch_number END,
        updated_at   = now()
    RETURNING batch_id, product_name, manufacturer, supplier, status, batch_number, created_at, updated_at;`

	getBatchSQL = `SELECT batch_id, product_name, manufacturer, supplier, status, batch_number, created_at, updated_at
    FROM batches
    WHERE batch_id = $1;`

	listBatchesSQL = `SELECT batch_id, product_name, manufacturer, supplier, status, batch_number, created_at, updated_at
    FROM batches
    ORDER BY batch_number, batch_id;`

	updateBatchStatusSQL = `UPDATE batches
    SET status     = $2,
        supplier   = COALESCE(NULLIF($3, ''), supplier),
        updated_at = now()
    WHERE batch_id = $1
    RETURNING batch_id, product_name, manufacturer, supplier, status, batch_number, created_at, updated_at;`

	nextBatchNumberSQL = `SELECT nextval('batch_number_seq');`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`

	batchLockSQL   = `SELECT pg_advisory_lock(hashtext($1));`
	batchUnlockSQL = `SELECT pg_advisory_unlock(hashtext($1));`
)

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// querier is satisfied by both the pool and a single acquired connection.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists batches, transfers and alerts in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wires a pgx pool into a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Pool exposes the underlying pool for stats collection.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

func (s *PostgresStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// LockBatch blocks until the session advisory lock for batchID is held. The
// returned scope runs on the locked connection, so work under the lock never
// waits on the pool for a second connection.
func (s *PostgresStore) LockBatch(ctx context.Context, batchID string) (BatchScope, func(), error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, nil, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, batchLockSQL, batchID); err != nil {
		conn.Release()
		return nil, nil, fmt.Errorf("lock batch %s: %w", batchID, err)
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, batchUnlockSQL, batchID)
		conn.Release()
	}
	return connScope{q: conn}, unlock, nil
}

// connScope reads and writes batch history through one connection.
type connScope struct {
	q querier
}

func (c connScope) AppendTransfer(ctx context.Context, t Transfer) (Transfer, error) {
	return appendTransfer(ctx, c.q, t)
}

func (c connScope) ListTransfers(ctx context.Context, batchID string) ([]Transfer, error) {
	return listTransfers(ctx, c.q, batchID)
}

func (c connScope) AppendAlert(ctx context.Context, batchID, reason string) (Alert, error) {
	return appendAlert(ctx, c.q, batchID, reason)
}

func (c connScope) ListAlerts(ctx context.Context, batchID string) ([]Alert, error) {
	return listAlerts(ctx, c.q, batchID)
}

// AppendTransfer inserts a transfer; seq comes from the table's sequence.
func (s *PostgresStore) AppendTransfer(ctx context.Context, t Transfer) (Transfer, error) {
	pool, err := s.getPool()
	if err != nil {
		return Transfer{}, err
	}
	return appendTransfer(ctx, pool, t)
}

// ListTransfers lists a batch's transfers in insertion order.
func (s *PostgresStore) ListTransfers(ctx context.Context, batchID string) ([]Transfer, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	return listTransfers(ctx, pool, batchID)
}

// AppendAlert persists an alert for the batch.
func (s *PostgresStore) AppendAlert(ctx context.Context, batchID, reason string) (Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return Alert{}, err
	}
	return appendAlert(ctx, pool, batchID, reason)
}

// ListAlerts lists a batch's alerts in insertion order.
func (s *PostgresStore) ListAlerts(ctx context.Context, batchID string) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	return listAlerts(ctx, pool, batchID)
}

func appendTransfer(ctx context.Context, q querier, t Transfer) (Transfer, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	var block interface{}
	if t.BlockNumber != nil {
		block = int64(*t.BlockNumber)
	}

	row := q.QueryRow(ctx, insertTransferSQL,
		t.ID,
		t.BatchID,
		t.From,
		t.To,
		t.Timestamp,
		t.Location,
		block,
		t.TxHash,
	)
	if err := row.Scan(&t.Seq, &t.CreatedAt); err != nil {
		return Transfer{}, fmt.Errorf("insert transfer: %w", err)
	}
	return t, nil
}

func listTransfers(ctx context.Context, q querier, batchID string) ([]Transfer, error) {
	rows, queryErr := q.Query(ctx, listTransfersSQL, batchID)
	if queryErr != nil {
		return nil, fmt.Errorf("list transfers: %w", queryErr)
	}
	defer rows.Close()

	transfers := make([]Transfer, 0)
	for rows.Next() {
		t, scanErr := scanTransfer(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		transfers = append(transfers, t)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return transfers, nil
}

func appendAlert(ctx context.Context, q querier, batchID, reason string) (Alert, error) {
	alert := Alert{
		ID:        uuid.NewString(),
		BatchID:   batchID,
		Reason:    reason,
		Timestamp: NowMillis(),
	}
	if _, execErr := q.Exec(ctx, insertAlertSQL, alert.ID, alert.BatchID, alert.Reason, alert.Timestamp); execErr != nil {
		return Alert{}, fmt.Errorf("insert alert: %w", execErr)
	}
	return alert, nil
}

func listAlerts(ctx context.Context, q querier, batchID string) ([]Alert, error) {
	rows, queryErr := q.Query(ctx, listAlertsSQL, batchID)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts: %w", queryErr)
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
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// UpsertBatch inserts or merges batch metadata.
func (s *PostgresStore) UpsertBatch(ctx context.Context, b Batch) (Batch, error) {
	pool, err := s.getPool()
	if err != nil {
		return Batch{}, err
	}

	row := pool.QueryRow(ctx, upsertBatchSQL,
		b.BatchID,
		b.ProductName,
		b.Manufacturer,
		b.Supplier,
		b.Status,
		b.BatchNumber,
	)
	out, scanErr := scanBatch(row)
	if scanErr != nil {
		return Batch{}, fmt.Errorf("upsert batch: %w", scanErr)
	}
	return out, nil
}

// GetBatch loads one batch or returns ErrNotFound.
func (s *PostgresStore) GetBatch(ctx context.Context, batchID string) (Batch, error) {
	pool, err := s.getPool()
	if err != nil {
		return Batch{}, err
	}

	b, scanErr := scanBatch(pool.QueryRow(ctx, getBatchSQL, batchID))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return Batch{}, ErrNotFound
	}
	if scanErr != nil {
		return Batch{}, fmt.Errorf("get batch: %w", scanErr)
	}
	return b, nil
}

// ListBatches lists all batches ordered by batch number.
func (s *PostgresStore) ListBatches(ctx context.Context) ([]Batch, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listBatchesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list batches: %w", queryErr)
	}
	defer rows.Close()

	batches := make([]Batch, 0)
	for rows.Next() {
		b, scanErr := scanBatch(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		batches = append(batches, b)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return batches, nil
}

// UpdateBatchStatus sets the status (and supplier when given).
func (s *PostgresStore) UpdateBatchStatus(ctx context.Context, batchID, status, supplier string) (Batch, error) {
	pool, err := s.getPool()
	if err != nil {
		return Batch{}, err
	}

	b, scanErr := scanBatch(pool.QueryRow(ctx, updateBatchStatusSQL, batchID, status, supplier))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return Batch{}, ErrNotFound
	}
	if scanErr != nil {
		return Batch{}, fmt.Errorf("update batch status: %w", scanErr)
	}
	return b, nil
}

// NextBatchNumber draws from batch_number_seq.
func (s *PostgresStore) NextBatchNumber(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var n int64
	if scanErr := pool.QueryRow(ctx, nextBatchNumberSQL).Scan(&n); scanErr != nil {
		return 0, fmt.Errorf("next batch number: %w", scanErr)
	}
	return n, nil
}

func scanTransfer(rows pgx.Rows) (Transfer, error) {
	var (
		t     Transfer
		block sql.NullInt64
	)
	if err := rows.Scan(
		&t.Seq,
		&t.ID,
		&t.BatchID,
		&t.From,
		&t.To,
		&t.Timestamp,
		&t.Location,
		&block,
		&t.TxHash,
		&t.CreatedAt,
	); err != nil {
		return Transfer{}, err
	}
	if block.Valid {
		value := uint64(block.Int64)
		t.BlockNumber = &value
	}
	return t, nil
}

func scanBatch(row pgx.Row) (Batch, error) {
	var b Batch
	err := row.Scan(
		&b.BatchID,
		&b.ProductName,
		&b.Manufacturer,
		&b.Supplier,
		&b.Status,
		&b.BatchNumber,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	return b, err
}

var (
	_ Store          = (*PostgresStore)(nil)
	_ BatchLocker    = (*PostgresStore)(nil)
	_ AdvisoryLocker = (*PostgresStore)(nil)
)
