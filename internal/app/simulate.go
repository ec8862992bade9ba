package app

import (
	"context"
	"encoding/json"

	"supply-integrity/internal/service"
	"supply-integrity/internal/storage"
)

// SimulateTransfer records one transfer through the full detection flow,
// alert channels included, and prints the outcome.
func (a *App) SimulateTransfer(ctx context.Context, opts SimulateOptions) error {
	c, err := a.build(ctx, nil, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.service.RecordTransfer(ctx, storage.Transfer{
		BatchID:   opts.BatchID,
		From:      opts.From,
		To:        opts.To,
		Location:  opts.Location,
		Timestamp: opts.Timestamp,
	}, service.SourceSimulate)
	if err != nil && res.Transfer.ID == "" {
		return err
	}

	report, reportErr := c.service.Integrity(ctx, opts.BatchID)
	if reportErr != nil {
		return reportErr
	}

	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(struct {
		service.TransferResult
		Integrity any `json:"integrity"`
	}{res, report}); encErr != nil {
		return encErr
	}
	return err
}
