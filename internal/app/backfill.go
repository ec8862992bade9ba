package app

import (
	"context"
	"errors"

	"supply-integrity/internal/chain"
	"supply-integrity/internal/storage"
)

// Backfill replays contract events in [FromBlock, ToBlock] through the
// tracker. Replayed transfers already on record are skipped.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	if opts.ToBlock < opts.FromBlock {
		return errors.New("backfill range is empty, check --from-block/--to-block")
	}

	reader := a.newReader()
	if reader == nil {
		return errors.New("chain.rpc_url and chain.contract_address must be configured to backfill")
	}

	var store storage.Store
	if opts.DryRun {
		a.Logger.Warn().Msg("backfill dry-run: events are applied to an in-memory store only")
		store = storage.NewMemoryStore()
	}

	c, err := a.build(ctx, store, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	listener := chain.NewListener(reader, c.service, a.Config.Chain.PollInterval, a.Logger)
	applied, err := listener.Backfill(ctx, opts.FromBlock, opts.ToBlock)
	a.Logger.Info().
		Uint64("from", opts.FromBlock).
		Uint64("to", opts.ToBlock).
		Int("applied", applied).
		Bool("dry_run", opts.DryRun).
		Msg("backfill finished")
	return err
}
