// Package detector runs the anomaly rules for a newly recorded transfer and
// persists one alert per rule that fires.
package detector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"

	"supply-integrity/internal/alerting"
	"supply-integrity/internal/anomaly"
	"supply-integrity/internal/config"
	"supply-integrity/internal/metrics"
	"supply-integrity/internal/storage"
	"supply-integrity/internal/traces"
)

var (
	// ErrInvalidTransfer marks a transfer rejected before any storage access.
	ErrInvalidTransfer = errors.New("invalid transfer")
	// ErrTransferNotRecorded means the transfer was not found in the batch
	// history, so there is no defined set of prior transfers to evaluate against.
	ErrTransferNotRecorded = errors.New("transfer not recorded in batch history")
	// ErrAlreadyRecorded is returned by Record when the batch already holds the
	// same event under the same transaction hash.
	ErrAlreadyRecorded = errors.New("transfer already recorded")
)

// Detector orchestrates read-history, evaluate and write-alerts for one batch.
type Detector struct {
	history  storage.HistoryStore
	alerts   storage.AlertStore
	notifier alerting.Notifier
	locker   storage.BatchLocker

	lockTimeout time.Duration
	logger      zerolog.Logger
}

// New constructs a Detector. With cfg.SerializeBatches a store that can lock
// across processes (postgres) is used as the batch lock, otherwise an
// in-process lock over history and alerts. notifier may be nil.
func New(cfg config.DetectorConfig, history storage.HistoryStore, alerts storage.AlertStore, notifier alerting.Notifier, logger zerolog.Logger) *Detector {
	var locker storage.BatchLocker
	if cfg.SerializeBatches {
		if l, ok := history.(storage.BatchLocker); ok {
			locker = l
		} else {
			locker = newShardedLocker(stores{history, alerts})
		}
	}

	return &Detector{
		history:     history,
		alerts:      alerts,
		notifier:    notifier,
		locker:      locker,
		lockTimeout: cfg.LockTimeout,
		logger:      logger.With().Str("component", "detector").Logger(),
	}
}

// ValidateTransfer rejects transfers the rules cannot evaluate meaningfully.
func ValidateTransfer(batchID string, t storage.Transfer) error {
	switch {
	case strings.TrimSpace(batchID) == "":
		return fmt.Errorf("%w: batch id is required", ErrInvalidTransfer)
	case t.BatchID != batchID:
		return fmt.Errorf("%w: transfer batch id %q does not match %q", ErrInvalidTransfer, t.BatchID, batchID)
	case strings.TrimSpace(t.From) == "":
		return fmt.Errorf("%w: from is required", ErrInvalidTransfer)
	case strings.TrimSpace(t.To) == "":
		return fmt.Errorf("%w: to is required", ErrInvalidTransfer)
	case t.Timestamp <= 0:
		return fmt.Errorf("%w: timestamp must be positive", ErrInvalidTransfer)
	}
	return nil
}

// Record appends t to the batch history and detects anomalies for it while
// holding the batch lock, so history order and evaluation order agree. A
// transfer carrying a transaction hash that is already on record is not
// appended again; the stored copy is returned with ErrAlreadyRecorded.
func (d *Detector) Record(ctx context.Context, t storage.Transfer) (storage.Transfer, []storage.Alert, error) {
	if err := ValidateTransfer(t.BatchID, t); err != nil {
		return storage.Transfer{}, nil, err
	}

	scope, unlock, err := d.lock(ctx, t.BatchID)
	if err != nil {
		return storage.Transfer{}, nil, err
	}
	defer unlock()

	if t.TxHash != "" {
		existing, found, err := findReplay(ctx, scope, t)
		if err != nil {
			return storage.Transfer{}, nil, err
		}
		if found {
			return existing, nil, ErrAlreadyRecorded
		}
	}

	recorded, err := scope.AppendTransfer(ctx, t)
	if err != nil {
		return storage.Transfer{}, nil, fmt.Errorf("append transfer for batch %s: %w", t.BatchID, err)
	}

	alerts, err := d.detect(ctx, scope, t.BatchID, recorded)
	return recorded, alerts, err
}

// Detect evaluates current, which the caller has already appended to the
// history store. The alerts that were written are returned even when some
// writes failed; the failures are joined into the error.
func (d *Detector) Detect(ctx context.Context, batchID string, current storage.Transfer) ([]storage.Alert, error) {
	if err := ValidateTransfer(batchID, current); err != nil {
		return nil, err
	}

	scope, unlock, err := d.lock(ctx, batchID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return d.detect(ctx, scope, batchID, current)
}

func (d *Detector) detect(ctx context.Context, scope storage.BatchScope, batchID string, current storage.Transfer) ([]storage.Alert, error) {
	ctx, span := traces.StartSpan(ctx, "detector.Detect",
		traces.BatchID(batchID),
		traces.TransferFrom(current.From),
		traces.TransferTo(current.To),
	)
	defer span.End()

	timer := prometheus.NewTimer(metrics.DetectionDuration)
	defer timer.ObserveDuration()

	history, err := scope.ListTransfers(ctx, batchID)
	if err != nil {
		span.SetStatus(codes.Error, "load history")
		return nil, fmt.Errorf("load history for batch %s: %w", batchID, err)
	}

	idx := lastIndexOf(history, current)
	if idx < 0 {
		span.SetStatus(codes.Error, "transfer not recorded")
		return nil, fmt.Errorf("%w: batch %s", ErrTransferNotRecorded, batchID)
	}

	reasons := anomaly.Evaluate(history[:idx:idx], history[idx])
	if len(reasons) == 0 {
		d.logger.Debug().Str("batch_id", batchID).Int("history", idx+1).Msg("no anomalies")
		return []storage.Alert{}, nil
	}

	alerts := make([]storage.Alert, 0, len(reasons))
	var errs []error
	for _, reason := range reasons {
		alert, err := scope.AppendAlert(ctx, batchID, reason)
		if err != nil {
			metrics.AlertWriteFailuresTotal.Inc()
			d.logger.Error().Err(err).Str("batch_id", batchID).Str("reason", reason).Msg("persist alert failed")
			errs = append(errs, fmt.Errorf("append alert %q for batch %s: %w", reason, batchID, err))
			continue
		}
		metrics.AlertsRaisedTotal.WithLabelValues(reason).Inc()
		alerts = append(alerts, alert)
	}
	span.SetAttributes(traces.AlertCount(len(alerts)))

	d.logger.Warn().
		Str("batch_id", batchID).
		Strs("reasons", reasons).
		Int("persisted", len(alerts)).
		Msg("anomalies detected")

	d.notify(ctx, history[idx], alerts)

	if len(errs) > 0 {
		span.SetStatus(codes.Error, "alert write failed")
		return alerts, errors.Join(errs...)
	}
	return alerts, nil
}

func (d *Detector) notify(ctx context.Context, transfer storage.Transfer, alerts []storage.Alert) {
	if d.notifier == nil {
		return
	}
	for _, alert := range alerts {
		note := alerting.Notification{
			BatchID:  alert.BatchID,
			AlertID:  alert.ID,
			Reason:   alert.Reason,
			Transfer: transfer,
			RaisedAt: time.UnixMilli(alert.Timestamp).UTC(),
		}
		if err := d.notifier.Notify(ctx, note); err != nil {
			d.logger.Error().Err(err).Str("batch_id", alert.BatchID).Str("reason", alert.Reason).Msg("alert notification failed")
		}
	}
}

func (d *Detector) lock(ctx context.Context, batchID string) (storage.BatchScope, func(), error) {
	if d.locker == nil {
		return stores{d.history, d.alerts}, func() {}, nil
	}

	lockCtx := ctx
	if d.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, d.lockTimeout)
		defer cancel()
	}

	scope, unlock, err := d.locker.LockBatch(lockCtx, batchID)
	if err != nil {
		return nil, nil, fmt.Errorf("lock batch %s: %w", batchID, err)
	}
	return scope, unlock, nil
}

func findReplay(ctx context.Context, history storage.HistoryStore, t storage.Transfer) (storage.Transfer, bool, error) {
	transfers, err := history.ListTransfers(ctx, t.BatchID)
	if err != nil {
		return storage.Transfer{}, false, fmt.Errorf("list transfers for batch %s: %w", t.BatchID, err)
	}
	for _, existing := range transfers {
		if existing.TxHash == t.TxHash && existing.SameEvent(t) {
			return existing, true, nil
		}
	}
	return storage.Transfer{}, false, nil
}

func lastIndexOf(history []storage.Transfer, current storage.Transfer) int {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].SameEvent(current) {
			return i
		}
	}
	return -1
}
