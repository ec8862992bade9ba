// Package integrity derives a batch health score from its accumulated alerts.
package integrity

import (
	"context"
	"fmt"

	"supply-integrity/internal/storage"
)

// Batch statuses reported by Report.
const (
	StatusSafe     = "SAFE"
	StatusTampered = "TAMPERED"
)

const (
	maxScore     = 100
	issuePenalty = 30
)

// Score is 100 minus 30 per issue, floored at 0.
func Score(issues int) int {
	return max(maxScore-issues*issuePenalty, 0)
}

// Status is SAFE only when there are no issues.
func Status(issues int) string {
	if issues > 0 {
		return StatusTampered
	}
	return StatusSafe
}

// Report is the integrity view of one batch.
type Report struct {
	BatchID string          `json:"batchId"`
	Status  string          `json:"status"`
	Score   int             `json:"score"`
	Alerts  []storage.Alert `json:"alerts"`
}

// HistoryView pairs a batch's transfers with its alerts.
type HistoryView struct {
	BatchID string             `json:"batchId"`
	History []storage.Transfer `json:"history"`
	Alerts  []storage.Alert    `json:"alerts"`
}

// NewReport projects alerts into a Report.
func NewReport(batchID string, alerts []storage.Alert) Report {
	if alerts == nil {
		alerts = []storage.Alert{}
	}
	return Report{
		BatchID: batchID,
		Status:  Status(len(alerts)),
		Score:   Score(len(alerts)),
		Alerts:  alerts,
	}
}

// Scorer reads the alert and history stores on every call.
type Scorer struct {
	history storage.HistoryStore
	alerts  storage.AlertStore
}

// NewScorer constructs a Scorer.
func NewScorer(history storage.HistoryStore, alerts storage.AlertStore) *Scorer {
	return &Scorer{history: history, alerts: alerts}
}

// Report computes the current integrity report for batchID.
func (s *Scorer) Report(ctx context.Context, batchID string) (Report, error) {
	alerts, err := s.alerts.ListAlerts(ctx, batchID)
	if err != nil {
		return Report{}, fmt.Errorf("list alerts for batch %s: %w", batchID, err)
	}
	return NewReport(batchID, alerts), nil
}

// History returns the batch's transfers and alerts.
func (s *Scorer) History(ctx context.Context, batchID string) (HistoryView, error) {
	history, err := s.history.ListTransfers(ctx, batchID)
	if err != nil {
		return HistoryView{}, fmt.Errorf("list transfers for batch %s: %w", batchID, err)
	}
	alerts, err := s.alerts.ListAlerts(ctx, batchID)
	if err != nil {
		return HistoryView{}, fmt.Errorf("list alerts for batch %s: %w", batchID, err)
	}
	if history == nil {
		history = []storage.Transfer{}
	}
	if alerts == nil {
		alerts = []storage.Alert{}
	}
	return HistoryView{BatchID: batchID, History: history, Alerts: alerts}, nil
}
