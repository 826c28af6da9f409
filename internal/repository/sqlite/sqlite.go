// Package sqlite implements the repository interfaces using SQLite as the storage backend.
//
// WHY SQLITE?
// SQLite is an embedded database: it lives inside the Go binary as a single file.
// No separate database server to run. The whole link/token state of a
// single-instance deployment fits comfortably, and ":memory:" makes tests fast.
//
// WHY modernc.org/sqlite INSTEAD OF github.com/mattn/go-sqlite3?
// mattn/go-sqlite3 uses CGo, which means a C compiler at build time and painful
// cross-compilation. modernc.org/sqlite is a pure Go translation of SQLite.
//
// ONE CONNECTION:
// The pool is capped at a single open connection. SQLite allows one writer at a
// time anyway; with one connection, writers queue inside database/sql instead
// of failing with SQLITE_BUSY, and ":memory:" databases are not silently split
// into one empty database per pooled connection. The consequence for code in
// this package: inside a transaction, every query MUST go through the tx.
// Touching db.conn while holding a tx would wait for itself forever.
//
// SECRETS:
// Access tokens, refresh tokens and PKCE verifiers are sealed with secret.Box
// before they are written and opened after they are read. Nothing outside
// this package sees ciphertext.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/sakif/postlink/internal/secret"

	// BLANK IMPORT:
	// modernc's init() registers the driver with database/sql as "sqlite".
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// dbtx is the subset of database/sql shared by *sql.DB and *sql.Tx, so
// helpers can run either inside or outside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps a sql.DB connection pool and implements every repository
// interface in internal/repository.
type DB struct {
	conn *sql.DB
	box  *secret.Box
}

// New opens the database at dbPath, applies PRAGMAs and runs migrations.
//
// dbPath examples:
//   - "data/postlink.db" → file-based database (persistent)
//   - ":memory:"         → in-memory database (tests)
func New(dbPath string, box *secret.Box) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	// Ping forces a real connection so a bad path fails here, not on the
	// first request.
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WAL lets readers proceed while a write is in flight.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}

	// Foreign keys are OFF by default in SQLite.
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: enabling foreign keys: %w", err)
	}

	if err := migrate(context.Background(), conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return &DB{conn: conn, box: box}, nil
}

// newWithConn wraps an already-open connection without touching it.
// Tests use it with go-sqlmock.
func newWithConn(conn *sql.DB, box *secret.Box) *DB {
	return &DB{conn: conn, box: box}
}

// migrate applies the embedded goose migrations. goose records applied
// versions in goose_db_version, so this is safe on every start.
func migrate(ctx context.Context, conn *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, conn, "migrations"); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable. Used by /healthz.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// withTx runs fn inside a transaction, committing on nil and rolling back
// on error or panic.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("sqlite: committing transaction: %w", cerr)
		}
	}()

	return fn(tx)
}
