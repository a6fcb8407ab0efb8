package store

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/opentalon/apichain/internal/config"
)

// Open returns the registry selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StateConfig) (Registry, error) {
	switch cfg.Driver {
	case config.DriverSQLite, "":
		db, err := OpenSQLite(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		return NewSQLStore(db), nil
	case config.DriverPostgres:
		db, err := OpenPostgres(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return NewSQLStore(db), nil
	case config.DriverRedis:
		return DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
	case config.DriverFile:
		return NewFileStore(filepath.Join(cfg.DataDir, "chains"))
	default:
		return nil, fmt.Errorf("state store: unknown driver %q", cfg.Driver)
	}
}
