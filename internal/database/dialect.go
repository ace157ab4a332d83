package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect covers the SQL differences the snapshot store runs into between
// SQLite and PostgreSQL.
type Dialect interface {
	// DriverName is the database/sql driver name.
	DriverName() string

	// Placeholder returns the parameter marker for a 1-indexed position.
	Placeholder(position int) string

	// SupportsLastInsertID is false when inserts must use RETURNING.
	SupportsLastInsertID() bool
	ReturningClause(column string) string

	// InitStatements run once per connection pool before migrations.
	InitStatements() []string

	// SerialPrimaryKey is the column definition of poll_events.id.
	SerialPrimaryKey() string

	// IsDuplicateKeyError reports a unique or primary key violation.
	IsDuplicateKeyError(err error) bool
}

// DialectType identifies the database dialect.
type DialectType string

const (
	DialectSQLite   DialectType = "sqlite"
	DialectPostgres DialectType = "postgres"
)

// NewDialect returns the dialect for dialectType, SQLite when unknown.
func NewDialect(dialectType DialectType) Dialect {
	if dialectType == DialectPostgres {
		return &PostgresDialect{}
	}
	return &SQLiteDialect{}
}

// SQLiteDialect targets modernc.org/sqlite.
type SQLiteDialect struct{}

func (d *SQLiteDialect) DriverName() string { return string(DialectSQLite) }
func (d *SQLiteDialect) Placeholder(int) string { return "?" }
func (d *SQLiteDialect) SupportsLastInsertID() bool { return true }
func (d *SQLiteDialect) ReturningClause(string) string { return "" }
func (d *SQLiteDialect) SerialPrimaryKey() string { return "INTEGER PRIMARY KEY AUTOINCREMENT" }

// InitStatements enables WAL so the poller can write while the API reads.
func (d *SQLiteDialect) InitStatements() []string {
	return []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
}

func (d *SQLiteDialect) IsDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		switch coded.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// PostgresDialect targets github.com/lib/pq.
type PostgresDialect struct{}

func (d *PostgresDialect) DriverName() string { return string(DialectPostgres) }
func (d *PostgresDialect) SupportsLastInsertID() bool { return false }
func (d *PostgresDialect) InitStatements() []string { return nil }
func (d *PostgresDialect) SerialPrimaryKey() string { return "BIGSERIAL PRIMARY KEY" }

func (d *PostgresDialect) Placeholder(position int) string {
	return fmt.Sprintf("$%d", position)
}

func (d *PostgresDialect) ReturningClause(column string) string {
	return " RETURNING " + column
}

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = pq.ErrorCode("23505")

func (d *PostgresDialect) IsDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "23505")
}
