package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-warden/internal/bus"
	"github.com/basket/go-warden/internal/governor"
	"github.com/basket/go-warden/internal/resume"
)

// ResumeResult is the outcome of resuming a suspended query.
type ResumeResult struct {
	State           resume.State     `json:"state"`
	SessionID       string           `json:"session_id"`
	Token           string           `json:"token"`
	DecisionApplied string           `json:"decision_applied"`
	Columns         []string         `json:"columns,omitempty"`
	Rows            []map[string]any `json:"rows,omitempty"`
	RowsReturned    int              `json:"rows_returned"`
	AppliedCap      *int             `json:"applied_cap,omitempty"`
	Limited         bool             `json:"limited"`
}

// Resume consumes a confirmation token and runs the suspended query with
// the decided cap. The token is single use: a second resume, an expired
// token, and a token that never existed all fail the same way. An
// unrecognized decision is resolved by the configured fallback policy
// before the token is touched.
func (s *Service) Resume(ctx context.Context, token, rawDecision string) (*ResumeResult, error) {
	start := time.Now()
	if s.metrics != nil {
		s.metrics.ResumesTotal.Add(ctx, 1)
		defer func() {
			s.metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("op", "resume")),
			)
		}()
	}

	pc, decision, err := s.manager.Consume(ctx, token, rawDecision, s.UnrecognizedDecision())
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.PendingTokens.Add(ctx, -1)
	}

	// A query that suspended with its own LIMIT clause runs unchanged: the
	// cap never binds, so it is not reported as applied.
	cap := resume.ResolveCap(pc, decision)
	if governor.HasLimitClause(pc.QueryText) {
		cap = nil
	}
	rs, err := s.data.ExecuteRead(ctx, governor.ApplyCap(pc.QueryText, cap))
	if err != nil {
		eerr := &governor.ExecutionError{Op: "execute_read", Err: err}
		s.recorder.Failure(ctx, pc.SessionID, pc.QueryText, eerr.Error())
		if s.bus != nil {
			s.bus.Publish(bus.TopicQueryFailed, bus.QueryFailedEvent{
				SessionID: pc.SessionID,
				Kind:      "execution",
				Message:   eerr.Error(),
			})
		}
		return nil, eerr
	}

	s.recorder.Success(ctx, pc.SessionID, pc.QueryText, len(rs.Rows))
	limited := cap != nil && pc.CandidateRows > int64(*cap)
	if s.bus != nil {
		s.bus.Publish(bus.TopicQueryCompleted, bus.QueryCompletedEvent{
			SessionID:    pc.SessionID,
			RowsReturned: len(rs.Rows),
			Limited:      limited,
		})
	}
	return &ResumeResult{
		State:           resume.StateCompleted,
		SessionID:       pc.SessionID,
		Token:           token,
		DecisionApplied: decision.String(),
		Columns:         rs.Columns,
		Rows:            rs.Rows,
		RowsReturned:    len(rs.Rows),
		AppliedCap:      cap,
		Limited:         limited,
	}, nil
}
