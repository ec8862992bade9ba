package app

import (
	"context"
	"errors"
	"strings"

	"supply-integrity/internal/storage"
)

// Migrate runs a goose command against the configured postgres database.
func (a *App) Migrate(ctx context.Context, command string, args ...string) error {
	if !strings.EqualFold(a.Config.Storage.Driver, storage.DriverPostgres) {
		return errors.New("migrations apply to the postgres driver only; sqlite creates its schema on open")
	}
	dsn := a.Config.Storage.Postgres.DSN
	if dsn == "" {
		return errors.New("storage.postgres.dsn is not configured")
	}
	if command == "" {
		command = "up"
	}

	a.Logger.Info().Str("command", command).Strs("args", args).Msg("running migrations")
	return storage.Migrate(ctx, dsn, command, args...)
}
