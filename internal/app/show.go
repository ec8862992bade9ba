package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
)

// Show prints the tracked batches with their integrity.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	c, err := a.build(ctx, nil, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	batches, err := c.service.ListBatches(ctx)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		fmt.Fprintln(a.Out, "no batches found")
		return nil
	}
	if opts.Limit > 0 && len(batches) > opts.Limit {
		batches = batches[:opts.Limit]
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Batch\tNumber\tProduct\tStatus\tTransfers\tScore\tIntegrity")

	for _, b := range batches {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%d\t%d\t%s\n",
			b.BatchID,
			b.BatchNumber,
			sanitizeInline(b.ProductName),
			b.Status,
			b.Transfers,
			b.Score,
			b.Integrity,
		)
	}

	return writer.Flush()
}

// Integrity prints the integrity report of one batch as JSON.
func (a *App) Integrity(ctx context.Context, batchID string) error {
	if strings.TrimSpace(batchID) == "" {
		return errors.New("batch id is required")
	}

	c, err := a.build(ctx, nil, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	report, err := c.service.Integrity(ctx, batchID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}
