package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Embedded schemas, one per dialect. Both describe the composite-key,
// timezone-aware generation; migrating older databases is done outside
// this package.
var (
	//go:embed schema_sqlite.sql
	schemaSQLite string

	//go:embed schema_postgres.sql
	schemaPostgres string
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// Dialect selects the SQL flavour of the underlying store
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// DB wraps the timetable store connection with write serialization for SQLite
type DB struct {
	conn    *sqlx.DB
	dialect Dialect
	writeMu sync.Mutex // SQLite allows a single writer; serializes transactions
}

// Connect opens the store. SQLite databases are opened in WAL mode with
// foreign keys enabled; Postgres goes through the pgx stdlib driver.
func Connect(driver, dsn string) (*DB, error) {
	dialect := Dialect(driver)

	var (
		conn *sqlx.DB
		err  error
	)
	switch dialect {
	case DialectSQLite:
		conn, err = sqlx.Open("sqlite", sqliteDSN(dsn))
	case DialectPostgres:
		conn, err = sqlx.Open("pgx", dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == DialectSQLite {
		// One connection plus writeMu avoids "cannot start a transaction
		// within a transaction" when cleanup runs next to a cycle.
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
	} else {
		conn.SetMaxOpenConns(16)
		conn.SetMaxIdleConns(4)
	}
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if dialect == DialectSQLite {
		pragmas := []string{
			"PRAGMA synchronous = NORMAL",
			"PRAGMA cache_size = 10000",
			"PRAGMA temp_store = MEMORY",
		}
		for _, pragma := range pragmas {
			if _, err := conn.Exec(pragma); err != nil {
				log.Printf("Warning: failed to set %s: %v", pragma, err)
			}
		}
	}

	log.Printf("Connected to %s database", dialect)
	return &DB{conn: conn, dialect: dialect}, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Dialect reports which SQL flavour is in use
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Ping checks store connectivity
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// LockWrite acquires the write mutex on SQLite. Must be paired with UnlockWrite.
// Postgres handles concurrent writers itself, so this is a no-op there.
func (db *DB) LockWrite() {
	if db.dialect == DialectSQLite {
		db.writeMu.Lock()
	}
}

// UnlockWrite releases the write mutex.
func (db *DB) UnlockWrite() {
	if db.dialect == DialectSQLite {
		db.writeMu.Unlock()
	}
}

// EnsureSchema creates tables if they don't exist
func (db *DB) EnsureSchema(ctx context.Context) error {
	db.LockWrite()
	defer db.UnlockWrite()

	schema := schemaSQLite
	if db.dialect == DialectPostgres {
		schema = schemaPostgres
	}
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	log.Printf("Database schema ensured (%s)", db.dialect)
	return nil
}

// rebind rewrites ? placeholders for the active dialect
func (db *DB) rebind(query string) string {
	return db.conn.Rebind(query)
}
