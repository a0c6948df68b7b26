package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// QueryRecord is one row of the query history ledger. RowsReturned is nil
// for error records.
type QueryRecord struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"session_id"`
	QueryText    string    `json:"query_text"`
	Status       string    `json:"status"`
	RowsReturned *int      `json:"rows_returned,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// InsertQueryRecord appends one history row and returns its id.
func (s *Store) InsertQueryRecord(ctx context.Context, rec QueryRecord) (int64, error) {
	if rec.Status != RecordStatusSuccess && rec.Status != RecordStatusError {
		return 0, fmt.Errorf("invalid record status %q", rec.Status)
	}
	rows := sql.NullInt64{}
	if rec.RowsReturned != nil {
		rows.Valid = true
		rows.Int64 = int64(*rec.RowsReturned)
	}
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO query_history (session_id, query_text, status, rows_returned, error_message, created_at)
			VALUES (?, ?, ?, ?, NULLIF(?, ''), CURRENT_TIMESTAMP);
		`, rec.SessionID, rec.QueryText, rec.Status, rows, rec.ErrorMessage)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("insert query record: %w", err)
	}
	return id, nil
}

// ListQueryRecords returns history rows most-recent-first. An empty session
// filter returns rows for all sessions. Limit defaults to 10 and is clamped
// to 1000.
func (s *Store) ListQueryRecords(ctx context.Context, sessionID string, limit int) ([]QueryRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 1000 {
		limit = 1000
	}
	var rows *sql.Rows
	var err error
	if sessionID != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, session_id, query_text, status, rows_returned, COALESCE(error_message, ''), created_at
			FROM query_history
			WHERE session_id = ?
			ORDER BY id DESC
			LIMIT ?;
		`, sessionID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, session_id, query_text, status, rows_returned, COALESCE(error_message, ''), created_at
			FROM query_history
			ORDER BY id DESC
			LIMIT ?;
		`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []QueryRecord
	for rows.Next() {
		var rec QueryRecord
		var returned sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.QueryText, &rec.Status, &returned, &rec.ErrorMessage, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan query record: %w", err)
		}
		if returned.Valid {
			n := int(returned.Int64)
			rec.RowsReturned = &n
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query record rows: %w", err)
	}
	return out, nil
}
