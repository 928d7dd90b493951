package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/serialdata/internal/monitoring"
)

// DB is the measurement journal: one row per completed calibration or noise
// run.
type DB struct {
	*sql.DB
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
}

// NewDB opens (or creates) the journal at path and applies all pending
// migrations. ":memory:" gives a private in-process journal.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// An in-memory database exists per connection.
	if path == ":memory:" {
		sqlDB.SetMaxOpenConns(1)
	}

	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	db := &DB{sqlDB}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	monitoring.Logf("opened measurement journal %s", path)
	return db, nil
}
