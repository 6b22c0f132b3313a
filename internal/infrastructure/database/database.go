package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/nerrad567/agrivision-core/internal/infrastructure/config"
)

const (
	dirPermissions  = 0750
	filePermissions = 0600

	memoryPath = ":memory:"

	pingTimeout     = 5 * time.Second
	connMaxIdleTime = 30 * time.Minute
)

// ErrCorrupt is returned by HealthCheck when SQLite's integrity check
// reports damage.
var ErrCorrupt = errors.New("database integrity check failed")

// DB is the rig's SQLite database: check history, images, positions and
// the audit trail.
//
// The check history stores JPEG blobs, so the file grows with every scan.
// Usage reports how much of it is live data.
type DB struct {
	*sql.DB
	path string
	wal  bool
}

// Usage describes the size of the database file.
type Usage struct {
	SizeBytes int64 `json:"size_bytes"`
	FreeBytes int64 `json:"free_bytes"`
}

// Open opens (creating if needed) the database file named by cfg.Path.
// Its parent directory is created with owner-only permissions.
//
// Parameters:
//   - cfg: database section of config.yaml
//
// Returns:
//   - *DB: connected and pinged
//   - error: directory, open or ping failure
func Open(cfg config.DatabaseConfig) (*DB, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on",
		cfg.Path, (time.Duration(cfg.BusyTimeout) * time.Second).Milliseconds())
	if cfg.WALMode {
		dsn += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := open(dsn, cfg.Path)
	if err != nil {
		return nil, err
	}
	db.wal = cfg.WALMode

	if err := os.Chmod(cfg.Path, filePermissions); err != nil && !os.IsNotExist(err) {
		db.DB.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("restricting database permissions: %w", err)
	}
	return db, nil
}

// OpenMemory opens a private in-memory database, used by tests.
func OpenMemory() (*DB, error) {
	return open("file::memory:?_foreign_keys=on", memoryPath)
}

func open(dsn, path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: SQLite has a single writer anyway, and an in-memory
	// database lives only as long as its connection.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	if path != memoryPath {
		sqlDB.SetConnMaxIdleTime(connMaxIdleTime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}

	return &DB{DB: sqlDB, path: path}, nil
}

// Close folds the write-ahead log back into the main file and closes the
// pool. Safe to call more than once.
func (db *DB) Close() error {
	if db.DB == nil {
		return nil
	}
	if db.wal {
		// Best effort: a failed checkpoint only leaves the -wal file behind.
		db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)") //nolint:errcheck
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Path returns the database file path, or ":memory:".
func (db *DB) Path() string {
	return db.path
}

// HealthCheck runs SQLite's quick integrity check.
func (db *DB) HealthCheck(ctx context.Context) error {
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", ErrCorrupt, result)
	}
	return nil
}

// Usage reports the file size and the space held by free pages, which a
// VACUUM would return to the filesystem.
func (db *DB) Usage(ctx context.Context) (Usage, error) {
	var pageSize, pages, free int64
	for _, q := range []struct {
		pragma string
		dst    *int64
	}{
		{"PRAGMA page_size", &pageSize},
		{"PRAGMA page_count", &pages},
		{"PRAGMA freelist_count", &free},
	} {
		if err := db.QueryRowContext(ctx, q.pragma).Scan(q.dst); err != nil {
			return Usage{}, fmt.Errorf("reading %s: %w", q.pragma, err)
		}
	}
	return Usage{SizeBytes: pages * pageSize, FreeBytes: free * pageSize}, nil
}
