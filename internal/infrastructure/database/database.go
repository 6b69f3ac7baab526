package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// ErrForeignKeysOff is reported by HealthCheck when the connection does not
// enforce foreign keys. Topology deletes depend on them cascading.
var ErrForeignKeysOff = errors.New("database: foreign keys not enforced")

const (
	pingTimeout = 5 * time.Second

	connMaxLifetime = time.Hour
	connMaxIdleTime = 30 * time.Minute
)

// Config mirrors the database section of config.yaml.
type Config struct {
	// Path is the SQLite file, or MemoryPath. Missing parent directories
	// are created.
	Path string

	// WALMode lets readers proceed while the writer holds its lock.
	WALMode bool

	// BusyTimeout is how long, in seconds, to wait for a lock.
	BusyTimeout int
}

// DB is the hub's SQLite topology database.
type DB struct {
	*sql.DB
	path string
}

// dsn renders cfg as a go-sqlite3 connection string.
func dsn(cfg Config) string {
	q := url.Values{}
	q.Set("_foreign_keys", "on")
	q.Set("_busy_timeout", strconv.Itoa(cfg.BusyTimeout*int(time.Second/time.Millisecond)))
	if cfg.WALMode && cfg.Path != MemoryPath {
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "NORMAL")
	}
	return "file:" + cfg.Path + "?" + q.Encode()
}

// Open connects to the database described by cfg and verifies it answers.
func Open(cfg Config) (*DB, error) {
	memory := cfg.Path == MemoryPath
	if !memory {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: SQLite has a single writer, and an in-memory
	// database lives only as long as its connection.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	if !memory {
		sqlDB.SetConnMaxLifetime(connMaxLifetime)
		sqlDB.SetConnMaxIdleTime(connMaxIdleTime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if !memory {
		os.Chmod(cfg.Path, 0o600) //nolint:errcheck // tightening only
	}
	return &DB{DB: sqlDB, path: cfg.Path}, nil
}

// Path returns the file the database was opened from.
func (db *DB) Path() string { return db.path }

// Close closes the pool. It is safe on a zero DB.
func (db *DB) Close() error {
	if db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// HealthCheck queries the connection and confirms foreign keys are on.
func (db *DB) HealthCheck(ctx context.Context) error {
	var fk int
	if err := db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	if fk != 1 {
		return ErrForeignKeysOff
	}
	return nil
}

// WithTx runs fn in a transaction on db.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return WithTx(ctx, db.DB, fn)
}

// WithTx runs fn in a transaction on sqlDB, committing when fn returns nil.
// An error or panic from fn rolls back; the panic is then re-raised.
//
//	err := database.WithTx(ctx, db, func(tx *sql.Tx) error {
//	    _, err := tx.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
//	    return err
//	})
func WithTx(ctx context.Context, sqlDB *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) && err != nil {
			err = errors.Join(err, fmt.Errorf("rolling back: %w", rbErr))
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	committed = true
	return nil
}
