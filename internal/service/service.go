// Package service tracks batches and their custody transfers, feeding every
// recorded transfer through anomaly detection.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"

	"supply-integrity/internal/chain"
	"supply-integrity/internal/detector"
	"supply-integrity/internal/integrity"
	"supply-integrity/internal/metrics"
	"supply-integrity/internal/storage"
	"supply-integrity/internal/traces"
)

// Transfer sources, used as metric labels.
const (
	SourceAPI      = "api"
	SourceChain    = "chain"
	SourceSimulate = "simulate"
)

// ErrInvalidInput marks a request rejected before any write.
var ErrInvalidInput = errors.New("invalid input")

// Publisher announces state changes to live subscribers.
type Publisher interface {
	PublishTransfer(t storage.Transfer)
	PublishBatch(b storage.Batch)
}

// BatchInput describes a batch registered off-chain.
type BatchInput struct {
	ProductName  string `json:"productName"`
	Manufacturer string `json:"manufacturer"`
	Supplier     string `json:"supplier,omitempty"`
}

// TransferResult is a recorded transfer and the alerts it raised.
type TransferResult struct {
	Transfer storage.Transfer `json:"transfer"`
	Alerts   []storage.Alert  `json:"alerts"`
	// Duplicate is set when a chain replay matched an existing record.
	Duplicate bool `json:"duplicate,omitempty"`
}

// BatchDetail is everything known about one batch.
type BatchDetail struct {
	Batch     *storage.Batch     `json:"db"`
	Transfers []storage.Transfer `json:"transfers"`
	Alerts    []storage.Alert    `json:"alerts"`
	Integrity integrity.Report   `json:"integrity"`
}

// BatchSummary is one row of the batch overview.
type BatchSummary struct {
	storage.Batch
	Transfers int    `json:"transferCount"`
	Score     int    `json:"score"`
	Integrity string `json:"integrity"`
}

// Service orchestrates persistence, detection and publishing.
type Service struct {
	store     storage.Store
	detector  *detector.Detector
	scorer    *integrity.Scorer
	publisher Publisher
	logger    zerolog.Logger
}

// New constructs the tracker service. publisher may be nil.
func New(store storage.Store, det *detector.Detector, scorer *integrity.Scorer, publisher Publisher, logger zerolog.Logger) *Service {
	return &Service{
		store:     store,
		detector:  det,
		scorer:    scorer,
		publisher: publisher,
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// RegisterBatch stores a new batch under the next batch number.
func (s *Service) RegisterBatch(ctx context.Context, in BatchInput) (storage.Batch, error) {
	in.ProductName = strings.TrimSpace(in.ProductName)
	if in.ProductName == "" {
		return storage.Batch{}, fmt.Errorf("%w: productName required", ErrInvalidInput)
	}

	number, err := s.store.NextBatchNumber(ctx)
	if err != nil {
		return storage.Batch{}, fmt.Errorf("allocate batch number: %w", err)
	}

	batch, err := s.store.UpsertBatch(ctx, storage.Batch{
		BatchID:      strconv.FormatInt(number, 10),
		ProductName:  in.ProductName,
		Manufacturer: strings.TrimSpace(in.Manufacturer),
		Supplier:     strings.TrimSpace(in.Supplier),
		Status:       storage.StatusManufactured,
		BatchNumber:  number,
	})
	if err != nil {
		return storage.Batch{}, fmt.Errorf("store batch %d: %w", number, err)
	}

	s.logger.Info().Str("batch_id", batch.BatchID).Str("product", batch.ProductName).Msg("batch registered")
	s.publishBatch(batch)
	return batch, nil
}

// RecordTransfer appends t to its batch history and runs detection. A zero
// timestamp is replaced with the current time. Transfers carrying a
// transaction hash that already exist in the history are not recorded twice.
func (s *Service) RecordTransfer(ctx context.Context, t storage.Transfer, source string) (TransferResult, error) {
	ctx, span := traces.StartSpan(ctx, "service.RecordTransfer",
		traces.BatchID(t.BatchID),
		traces.TransferFrom(t.From),
		traces.TransferTo(t.To),
	)
	defer span.End()

	if t.Timestamp == 0 {
		t.Timestamp = storage.NowMillis()
	}

	recorded, alerts, err := s.detector.Record(ctx, t)
	if errors.Is(err, detector.ErrAlreadyRecorded) {
		s.logger.Debug().Str("batch_id", t.BatchID).Str("tx", t.TxHash).Msg("transfer already recorded")
		return TransferResult{Transfer: recorded, Alerts: []storage.Alert{}, Duplicate: true}, nil
	}
	if recorded.ID == "" {
		span.SetStatus(codes.Error, "record transfer")
		return TransferResult{}, err
	}
	if alerts == nil {
		alerts = []storage.Alert{}
	}

	metrics.TransfersRecordedTotal.WithLabelValues(source).Inc()
	s.logger.Info().
		Str("batch_id", recorded.BatchID).
		Str("from", recorded.From).
		Str("to", recorded.To).
		Str("source", source).
		Int("alerts", len(alerts)).
		Msg("transfer recorded")
	if s.publisher != nil {
		s.publisher.PublishTransfer(recorded)
	}

	if err != nil {
		span.SetStatus(codes.Error, "detect")
	}
	return TransferResult{Transfer: recorded, Alerts: alerts}, err
}

// MarkReady moves a batch to Ready for Sale.
func (s *Service) MarkReady(ctx context.Context, batchID, updatedBy string) (storage.Batch, error) {
	if strings.TrimSpace(batchID) == "" {
		return storage.Batch{}, fmt.Errorf("%w: batch id required", ErrInvalidInput)
	}
	batch, err := s.store.UpdateBatchStatus(ctx, batchID, storage.StatusReadyForSale, updatedBy)
	if err != nil {
		return storage.Batch{}, fmt.Errorf("mark batch %s ready: %w", batchID, err)
	}
	s.logger.Info().Str("batch_id", batchID).Str("updated_by", updatedBy).Msg("batch ready for sale")
	s.publishBatch(batch)
	return batch, nil
}

// Batch returns the stored metadata, history and integrity of a batch. It
// returns storage.ErrNotFound when neither metadata nor transfers exist.
func (s *Service) Batch(ctx context.Context, batchID string) (BatchDetail, error) {
	var detail BatchDetail

	batch, err := s.store.GetBatch(ctx, batchID)
	switch {
	case err == nil:
		detail.Batch = &batch
	case !errors.Is(err, storage.ErrNotFound):
		return BatchDetail{}, fmt.Errorf("load batch %s: %w", batchID, err)
	}

	view, err := s.scorer.History(ctx, batchID)
	if err != nil {
		return BatchDetail{}, err
	}
	if detail.Batch == nil && len(view.History) == 0 {
		return BatchDetail{}, fmt.Errorf("batch %s: %w", batchID, storage.ErrNotFound)
	}

	detail.Transfers = view.History
	detail.Alerts = view.Alerts
	detail.Integrity = integrity.NewReport(batchID, view.Alerts)
	return detail, nil
}

// History returns the recorded transfers and alerts of a batch.
func (s *Service) History(ctx context.Context, batchID string) (integrity.HistoryView, error) {
	return s.scorer.History(ctx, batchID)
}

// Integrity returns the current integrity report of a batch.
func (s *Service) Integrity(ctx context.Context, batchID string) (integrity.Report, error) {
	return s.scorer.Report(ctx, batchID)
}

// ListBatches summarises every stored batch.
func (s *Service) ListBatches(ctx context.Context) ([]BatchSummary, error) {
	batches, err := s.store.ListBatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}

	out := make([]BatchSummary, 0, len(batches))
	for _, b := range batches {
		transfers, err := s.store.ListTransfers(ctx, b.BatchID)
		if err != nil {
			return nil, fmt.Errorf("list transfers for batch %s: %w", b.BatchID, err)
		}
		report, err := s.scorer.Report(ctx, b.BatchID)
		if err != nil {
			return nil, err
		}
		out = append(out, BatchSummary{
			Batch:     b,
			Transfers: len(transfers),
			Score:     report.Score,
			Integrity: report.Status,
		})
	}
	return out, nil
}

// HandleChainEvent applies one contract event. Transfers that fail
// validation are logged and skipped so a malformed event cannot stall the
// listener.
func (s *Service) HandleChainEvent(ctx context.Context, ev chain.Event) error {
	ctx, span := traces.StartSpan(ctx, "service.HandleChainEvent",
		traces.BatchID(ev.BatchID),
		traces.BlockNumber(ev.BlockNumber),
	)
	defer span.End()

	switch ev.Name {
	case chain.EventBatchCreated:
		return s.applyBatchCreated(ctx, ev)
	case chain.EventStatusUpdated:
		return s.applyStatusUpdated(ctx, ev)
	case chain.EventTransfer:
		_, err := s.RecordTransfer(ctx, ev.Transfer(), SourceChain)
		if errors.Is(err, detector.ErrInvalidTransfer) {
			s.logger.Warn().Err(err).Str("tx", ev.TxHash).Msg("skip invalid chain transfer")
			return nil
		}
		return err
	default:
		s.logger.Debug().Str("event", ev.Name).Msg("ignore chain event")
		return nil
	}
}

func (s *Service) applyBatchCreated(ctx context.Context, ev chain.Event) error {
	batch := ev.Batch()
	if ev.Timestamp > 0 {
		batch.CreatedAt = time.UnixMilli(ev.Timestamp).UTC()
	}

	existing, err := s.store.GetBatch(ctx, ev.BatchID)
	switch {
	case err == nil:
		batch.BatchNumber = existing.BatchNumber
	case errors.Is(err, storage.ErrNotFound):
		number, err := s.store.NextBatchNumber(ctx)
		if err != nil {
			return fmt.Errorf("allocate batch number: %w", err)
		}
		batch.BatchNumber = number
	default:
		return fmt.Errorf("load batch %s: %w", ev.BatchID, err)
	}

	stored, err := s.store.UpsertBatch(ctx, batch)
	if err != nil {
		return fmt.Errorf("store batch %s: %w", ev.BatchID, err)
	}
	s.logger.Info().Str("batch_id", stored.BatchID).Uint64("block", ev.BlockNumber).Msg("batch created on chain")
	s.publishBatch(stored)
	return nil
}

func (s *Service) applyStatusUpdated(ctx context.Context, ev chain.Event) error {
	var supplier string
	if ev.Status == storage.StatusReadyForSale {
		supplier = ev.UpdatedBy
	}

	batch, err := s.store.UpdateBatchStatus(ctx, ev.BatchID, ev.Status, supplier)
	if errors.Is(err, storage.ErrNotFound) {
		batch, err = s.store.UpsertBatch(ctx, storage.Batch{BatchID: ev.BatchID, Status: ev.Status, Supplier: supplier})
	}
	if err != nil {
		return fmt.Errorf("update status of batch %s: %w", ev.BatchID, err)
	}
	s.logger.Info().Str("batch_id", batch.BatchID).Str("status", batch.Status).Msg("batch status updated on chain")
	s.publishBatch(batch)
	return nil
}

func (s *Service) publishBatch(b storage.Batch) {
	if s.publisher != nil {
		s.publisher.PublishBatch(b)
	}
}

var _ chain.Sink = (*Service)(nil)
