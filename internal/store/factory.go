package store

import (
	"errors"
	"fmt"

	"github.com/devcollab/collabhub/internal/config"
)

// ErrUnknownDriver is returned for a storage.driver other than sqlite or postgres.
var ErrUnknownDriver = errors.New("unknown storage driver")

// New opens the project and message store named by cfg.Driver. An empty
// driver means SQLite, and SQLite with no DSN is an in-memory log.
func New(cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = ":memory:"
		}
		return NewSQLite(dsn)
	case "postgres":
		if cfg.DSN == "" {
			return nil, errors.New("storage.dsn is required for the postgres driver")
		}
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w %q (want sqlite or postgres)", ErrUnknownDriver, cfg.Driver)
	}
}
