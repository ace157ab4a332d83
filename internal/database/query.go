package database

import (
	"strings"
	"sync"
)

// QueryBuilder rewrites queries written with ? placeholders for the active dialect.
// The store issues a handful of constant queries, so rewrites are cached.
type QueryBuilder struct {
	dialect Dialect
	native  bool // dialect already uses ?
	cache   sync.Map
}

// NewQueryBuilder creates a new QueryBuilder for the given dialect.
func NewQueryBuilder(dialect Dialect) *QueryBuilder {
	return &QueryBuilder{dialect: dialect, native: dialect.Placeholder(1) == "?"}
}

// Build converts ? placeholders to the dialect's form. Question marks inside
// single-quoted literals are left alone.
//
// Example:
//
//	input:    "DELETE FROM widget_snapshots WHERE instance = ? AND widget_id = ?"
//	SQLite:   unchanged
//	Postgres: "DELETE FROM widget_snapshots WHERE instance = $1 AND widget_id = $2"
func (qb *QueryBuilder) Build(query string) string {
	if qb.native {
		return query
	}
	if cached, ok := qb.cache.Load(query); ok {
		return cached.(string)
	}

	var result strings.Builder
	result.Grow(len(query) + 8)
	position := 1
	quoted := false

	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			quoted = !quoted
			result.WriteByte(c)
		case c == '?' && !quoted:
			result.WriteString(qb.dialect.Placeholder(position))
			position++
		default:
			result.WriteByte(c)
		}
	}

	built := result.String()
	qb.cache.Store(query, built)
	return built
}

// BuildWithReturning is Build plus a RETURNING clause when the dialect cannot
// report the inserted id through LastInsertId.
//
// Example:
//
//	input:    "INSERT INTO poll_events (instance, ok) VALUES (?, ?)", "id"
//	SQLite:   unchanged
//	Postgres: "INSERT INTO poll_events (instance, ok) VALUES ($1, $2) RETURNING id"
func (qb *QueryBuilder) BuildWithReturning(query string, column string) string {
	converted := qb.Build(query)
	if !qb.dialect.SupportsLastInsertID() {
		converted += qb.dialect.ReturningClause(column)
	}
	return converted
}
