package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported dialects.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// DB is the Catalog: durable storage for definitions, parameters,
// deployment bindings and usage records.
type DB struct {
	conn    *sql.DB
	dialect string
}

// New opens a catalog from a URL. postgres:// and postgresql:// URLs use
// lib/pq; sqlite://<path> (or sqlite://:memory:) uses the embedded driver.
func New(databaseURL string) (*DB, error) {
	var (
		conn    *sql.DB
		dialect string
		err     error
	)

	switch {
	case strings.HasPrefix(databaseURL, "sqlite://"):
		dialect = DialectSQLite
		path := strings.TrimPrefix(databaseURL, "sqlite://")
		conn, err = sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		// SQLite serialises writers; one connection also keeps :memory: databases alive.
		conn.SetMaxOpenConns(1)
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		dialect = DialectPostgres
		conn, err = sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		// Configure connection pool
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(10)
		conn.SetConnMaxLifetime(5 * time.Minute)
	default:
		return nil, fmt.Errorf("unsupported database url scheme: %q", databaseURL)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn, dialect: dialect}, nil
}

// NewWithConn wraps an existing connection.
func NewWithConn(conn *sql.DB, dialect string) *DB {
	return &DB{conn: conn, dialect: dialect}
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Dialect returns the SQL dialect in use.
func (db *DB) Dialect() string {
	return db.dialect
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (db *DB) rebind(query string) string {
	if db.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// withTx runs fn in a transaction, committing on success.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func now() time.Time {
	return time.Now().UTC()
}
