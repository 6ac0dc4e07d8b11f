package app

import (
	"context"
	"errors"
	"strings"
)

// Migrate applies the SQL migrations under dir, or database.migrations_path.
func (a *App) Migrate(ctx context.Context, dir string) error {
	if dir == "" {
		dir = a.Config.Database.MigrationsPath
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法执行迁移")
	}
	if closeStore != nil {
		defer closeStore()
	}

	applied, err := store.Migrate(ctx, dir)
	if err != nil {
		return err
	}
	a.Logger.Info().Str("dir", dir).Str("applied", strings.Join(applied, ",")).Msg("migrations applied")
	return nil
}
