// Package datastore is the boundary to the underlying data store. The
// governed query path only ever reaches the database through ReadStore, and
// every call acquires its connection for the duration of that call only, so
// no connection is held across a suspension.
package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ResultSet is a fully materialized query result with values normalized to
// JSON-friendly forms.
type ResultSet struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

// ReadStore is the read-only surface the governor and composers use.
type ReadStore interface {
	// ExecuteRead runs a validated read query and materializes the result.
	ExecuteRead(ctx context.Context, query string) (*ResultSet, error)
	// CountCandidates counts the rows the query would return, without
	// fetching them.
	CountCandidates(ctx context.Context, query string) (int64, error)
	// ListTables names the user tables, used as a readiness probe.
	ListTables(ctx context.Context) ([]string, error)
}

// SQLite implements ReadStore over an embedded sqlite file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens the data store. The schema is owned by whoever loaded the
// data; this side only reads.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open data store: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func (s *SQLite) ExecuteRead(ctx context.Context, query string) (*ResultSet, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("execute read: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	rs := &ResultSet{Columns: cols}
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(raw[i])
		}
		rs.Rows = append(rs.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("result rows: %w", err)
	}
	return rs, nil
}

// CountCandidates wraps the query in a count subquery so the decision about
// capping never materializes the candidate rows.
func (s *SQLite) CountCandidates(ctx context.Context, query string) (int64, error) {
	wrapped := fmt.Sprintf(
		"SELECT COUNT(*) AS candidate_count FROM (%s) AS candidates",
		strings.TrimRight(strings.TrimSpace(query), ";"),
	)
	var count int64
	if err := s.db.QueryRowContext(ctx, wrapped).Scan(&count); err != nil {
		return 0, fmt.Errorf("count candidates: %w", err)
	}
	return count, nil
}

func (s *SQLite) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name;
	`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("table rows: %w", err)
	}
	return tables, nil
}

// normalizeValue maps driver values to JSON-friendly forms: timestamps
// become RFC 3339 strings, blobs become strings, integral floats stay
// floats.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case []byte:
		return string(val)
	default:
		return v
	}
}
