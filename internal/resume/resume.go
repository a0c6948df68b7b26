// Package resume manages the suspension lifecycle: durable single-use
// confirmation tokens, the request state machine, and user decision parsing.
package resume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-warden/internal/bus"
	"github.com/basket/go-warden/internal/config"
	"github.com/basket/go-warden/internal/persistence"
)

// Request states. RUNNING moves to AWAITING_CONFIRMATION on suspension or
// straight to a terminal state; AWAITING_CONFIRMATION resolves to COMPLETED
// or FAILED on resume or expiry.
type State string

const (
	StateRunning              State = "RUNNING"
	StateAwaitingConfirmation State = "AWAITING_CONFIRMATION"
	StateCompleted            State = "COMPLETED"
	StateFailed               State = "FAILED"
)

// ErrTokenNotFound aliases the persistence sentinel so callers only import
// this package.
var ErrTokenNotFound = persistence.ErrTokenNotFound

// ErrDecisionRejected reports an unrecognized decision under the "reject"
// policy. The token stays pending; the caller may retry with a valid
// decision.
var ErrDecisionRejected = errors.New("unrecognized decision rejected")

// DecisionKind tags a parsed resume decision.
type DecisionKind int

const (
	// DecisionAll removes the cap entirely.
	DecisionAll DecisionKind = iota
	// DecisionKeepDefault keeps the offered default cap.
	DecisionKeepDefault
	// DecisionExplicit caps at a user-chosen row count.
	DecisionExplicit
)

// ParsedDecision is the resolved form of a raw user reply. Fallback is true
// when the raw text was unrecognized and the configured policy filled in
// the decision.
type ParsedDecision struct {
	Kind     DecisionKind
	Rows     int
	Raw      string
	Fallback bool
}

// String renders the decision the way it is reported in results and events.
func (d ParsedDecision) String() string {
	switch d.Kind {
	case DecisionAll:
		return "all"
	case DecisionKeepDefault:
		return "keep_default"
	default:
		return strconv.Itoa(d.Rows)
	}
}

// ParseDecision interprets a raw reply: "all", "keep_default" (or
// "default"), or a positive integer. Anything else falls back per the
// configured policy; the "reject" policy returns ErrDecisionRejected
// instead of guessing.
func ParseDecision(raw, policy string) (ParsedDecision, error) {
	cleaned := strings.ToLower(strings.TrimSpace(raw))
	switch cleaned {
	case "all":
		return ParsedDecision{Kind: DecisionAll, Raw: raw}, nil
	case "keep_default", "default":
		return ParsedDecision{Kind: DecisionKeepDefault, Raw: raw}, nil
	}
	if n, err := strconv.Atoi(cleaned); err == nil && n > 0 {
		return ParsedDecision{Kind: DecisionExplicit, Rows: n, Raw: raw}, nil
	}

	switch policy {
	case config.DecisionPolicyKeepDefault:
		return ParsedDecision{Kind: DecisionKeepDefault, Raw: raw, Fallback: true}, nil
	case config.DecisionPolicyReject:
		return ParsedDecision{}, fmt.Errorf("decision %q: %w", raw, ErrDecisionRejected)
	default:
		// The permissive historical behavior: an unrecognized reply fetches
		// everything. Surfaced via Fallback so callers can warn about it.
		return ParsedDecision{Kind: DecisionAll, Raw: raw, Fallback: true}, nil
	}
}

// SuspendError is the typed error a suspending execute stage returns. The
// sequential composer fails fast on it; the service recognizes it with
// errors.As and turns it into an AWAITING_CONFIRMATION response instead of
// a failure.
type SuspendError struct {
	Token         string
	SessionID     string
	CandidateRows int64
	DefaultCap    int
	ExpiresAt     time.Time
	Hint          string
}

func (e *SuspendError) Error() string {
	return fmt.Sprintf("query suspended awaiting confirmation (token %s, %d candidate rows)", e.Token, e.CandidateRows)
}

// Manager owns the durable token lifecycle.
type Manager struct {
	store  *persistence.Store
	bus    *bus.Bus // may be nil in tests
	ttl    time.Duration
	logger *slog.Logger
}

func NewManager(store *persistence.Store, eventBus *bus.Bus, ttl time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, bus: eventBus, ttl: ttl, logger: logger}
}

// Suspend persists a pending confirmation for an over-cap query and returns
// the SuspendError to thread back through the pipeline.
func (m *Manager) Suspend(ctx context.Context, sessionID, queryText string, candidateRows int64, defaultCap int) (*SuspendError, error) {
	pc, err := m.store.CreatePendingConfirmation(ctx, sessionID, queryText, candidateRows, defaultCap, m.ttl)
	if err != nil {
		return nil, fmt.Errorf("suspend query: %w", err)
	}
	m.logger.Info("query suspended",
		"session_id", sessionID,
		"token", pc.Token,
		"candidate_rows", candidateRows,
		"default_cap", defaultCap,
	)
	if m.bus != nil {
		m.bus.Publish(bus.TopicQuerySuspended, bus.QuerySuspendedEvent{
			Token:         pc.Token,
			SessionID:     sessionID,
			CandidateRows: candidateRows,
			DefaultCap:    defaultCap,
		})
	}
	return &SuspendError{
		Token:         pc.Token,
		SessionID:     sessionID,
		CandidateRows: candidateRows,
		DefaultCap:    defaultCap,
		ExpiresAt:     pc.ExpiresAt,
		Hint:          ConfirmationHint(candidateRows, defaultCap),
	}, nil
}

// Consume resolves a decision against a token. The decision is parsed
// first: under the "reject" policy an unrecognized reply leaves the token
// pending. A parseable decision then consumes the token atomically;
// a missing, used, or expired token is ErrTokenNotFound.
func (m *Manager) Consume(ctx context.Context, token, rawDecision, policy string) (*persistence.PendingConfirmation, ParsedDecision, error) {
	decision, err := ParseDecision(rawDecision, policy)
	if err != nil {
		return nil, ParsedDecision{}, err
	}
	if decision.Fallback {
		m.logger.Warn("unrecognized decision, applying fallback",
			"raw", rawDecision,
			"applied", decision.String(),
		)
	}
	pc, err := m.store.ConsumePendingConfirmation(ctx, token)
	if err != nil {
		return nil, ParsedDecision{}, err
	}
	if m.bus != nil {
		m.bus.Publish(bus.TopicQueryResumed, bus.QueryResumedEvent{
			Token:           token,
			SessionID:       pc.SessionID,
			DecisionApplied: decision.String(),
		})
	}
	return pc, decision, nil
}

// ResolveCap maps a decision onto the cap to apply: nil means unbounded.
func ResolveCap(pc *persistence.PendingConfirmation, decision ParsedDecision) *int {
	switch decision.Kind {
	case DecisionAll:
		return nil
	case DecisionKeepDefault:
		cap := pc.DefaultCap
		return &cap
	default:
		rows := decision.Rows
		return &rows
	}
}

// ConfirmationHint is the user-facing prompt attached to a suspension.
func ConfirmationHint(candidateRows int64, defaultCap int) string {
	return fmt.Sprintf(
		"This query would return %d rows. Reply 'all' to fetch everything, 'keep_default' for the first %d rows, or a number for a custom limit.",
		candidateRows, defaultCap,
	)
}
