package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrTokenNotFound marks a resume attempt against a token that does not
// exist, was already consumed, or has expired. Callers cannot distinguish
// the three cases; a consumed or expired token behaves like a missing one.
var ErrTokenNotFound = errors.New("confirmation token not found")

// PendingConfirmation is the durable record of a suspended query awaiting a
// user decision.
type PendingConfirmation struct {
	Token         string     `json:"token"`
	SessionID     string     `json:"session_id"`
	QueryText     string     `json:"query_text"`
	CandidateRows int64      `json:"candidate_rows"`
	DefaultCap    int        `json:"default_cap"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	ConsumedAt    *time.Time `json:"consumed_at,omitempty"`
}

// CreatePendingConfirmation persists a new PENDING token for a suspended
// query and returns the stored record.
func (s *Store) CreatePendingConfirmation(ctx context.Context, sessionID, queryText string, candidateRows int64, defaultCap int, ttl time.Duration) (*PendingConfirmation, error) {
	now := time.Now().UTC()
	pc := &PendingConfirmation{
		Token:         uuid.NewString(),
		SessionID:     sessionID,
		QueryText:     queryText,
		CandidateRows: candidateRows,
		DefaultCap:    defaultCap,
		Status:        ConfirmationPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO pending_confirmations (token, session_id, query_text, candidate_rows, default_cap, status, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, pc.Token, pc.SessionID, pc.QueryText, pc.CandidateRows, pc.DefaultCap, pc.Status, pc.CreatedAt, pc.ExpiresAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert pending confirmation: %w", err)
	}
	return pc, nil
}

// GetPendingConfirmation returns a token's record regardless of status.
func (s *Store) GetPendingConfirmation(ctx context.Context, token string) (*PendingConfirmation, error) {
	var pc PendingConfirmation
	var consumed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT token, session_id, query_text, candidate_rows, default_cap, status, created_at, expires_at, consumed_at
		FROM pending_confirmations
		WHERE token = ?;
	`, token).Scan(&pc.Token, &pc.SessionID, &pc.QueryText, &pc.CandidateRows, &pc.DefaultCap, &pc.Status, &pc.CreatedAt, &pc.ExpiresAt, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select pending confirmation: %w", err)
	}
	if consumed.Valid {
		t := consumed.Time
		pc.ConsumedAt = &t
	}
	return &pc, nil
}

// ConsumePendingConfirmation atomically flips a PENDING token to CONSUMED and
// returns its record. The conditional UPDATE guarantees single use: a second
// caller, or a caller holding an expired token, gets ErrTokenNotFound.
func (s *Store) ConsumePendingConfirmation(ctx context.Context, token string) (*PendingConfirmation, error) {
	now := time.Now().UTC()
	var consumed bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE pending_confirmations
			SET status = ?, consumed_at = ?
			WHERE token = ? AND status = ? AND expires_at > ?;
		`, ConfirmationConsumed, now, token, ConfirmationPending, now)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		consumed = affected == 1
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("consume pending confirmation: %w", err)
	}
	if !consumed {
		return nil, ErrTokenNotFound
	}
	pc, err := s.GetPendingConfirmation(ctx, token)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

// ExpirePendingConfirmations marks every PENDING token past its deadline as
// EXPIRED and returns the expired records.
func (s *Store) ExpirePendingConfirmations(ctx context.Context, now time.Time) ([]PendingConfirmation, error) {
	var expired []PendingConfirmation
	err := retryOnBusy(ctx, 5, func() error {
		expired = expired[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin expire tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT token, session_id, query_text, candidate_rows, default_cap, created_at, expires_at
			FROM pending_confirmations
			WHERE status = ? AND expires_at <= ?;
		`, ConfirmationPending, now.UTC())
		if err != nil {
			return fmt.Errorf("select expired confirmations: %w", err)
		}
		for rows.Next() {
			var pc PendingConfirmation
			if err := rows.Scan(&pc.Token, &pc.SessionID, &pc.QueryText, &pc.CandidateRows, &pc.DefaultCap, &pc.CreatedAt, &pc.ExpiresAt); err != nil {
				rows.Close()
				return fmt.Errorf("scan expired confirmation: %w", err)
			}
			pc.Status = ConfirmationExpired
			expired = append(expired, pc)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close expired rows: %w", err)
		}

		if len(expired) > 0 {
			if _, err := tx.ExecContext(ctx, `
				UPDATE pending_confirmations
				SET status = ?
				WHERE status = ? AND expires_at <= ?;
			`, ConfirmationExpired, ConfirmationPending, now.UTC()); err != nil {
				return fmt.Errorf("mark confirmations expired: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// CountPendingConfirmations returns how many tokens are currently PENDING.
func (s *Store) CountPendingConfirmations(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM pending_confirmations WHERE status = ?;
	`, ConfirmationPending).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pending confirmations: %w", err)
	}
	return count, nil
}
