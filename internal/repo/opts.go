package repo

import (
	"fmt"
	"os"

	"tigguard/internal/config"

	"github.com/dgraph-io/badger/v4"
)

// dbOptions maps the database config onto badger options. In-memory
// databases keep a single version and skip the value log directory.
func dbOptions(path string, cfg *config.Config, inMemory bool) badger.Options {
	if inMemory {
		return badger.DefaultOptions("").
			WithInMemory(true).
			WithNumVersionsToKeep(1).
			WithLogger(nil)
	}

	return badger.DefaultOptions(path).
		WithSyncWrites(cfg.Database.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(nil) // Disable logging noise
}

func openDB(path string, cfg *config.Config, inMemory bool) (*badger.DB, error) {
	if !inMemory {
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := badger.Open(dbOptions(path, cfg, inMemory))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}
