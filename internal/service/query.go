package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-warden/internal/bus"
	"github.com/basket/go-warden/internal/datastore"
	"github.com/basket/go-warden/internal/governor"
	"github.com/basket/go-warden/internal/pipeline"
	"github.com/basket/go-warden/internal/resume"
)

// Context keys the query pipeline threads between stages.
const (
	keyRawQuery       = "raw_query"
	keyValidatedQuery = "validated_query"
	keyExecution      = "execution"
	keyResponse       = "response"
)

type parsedQuery struct {
	Text  string
	Class governor.Classification
}

type executeOutput struct {
	Result        *datastore.ResultSet
	AppliedCap    *int
	CandidateRows int64
	Limited       bool
}

// Confirmation describes a suspended query awaiting a decision.
type Confirmation struct {
	Token         string    `json:"token"`
	CandidateRows int64     `json:"candidate_rows"`
	DefaultCap    int       `json:"default_cap"`
	ExpiresAt     time.Time `json:"expires_at"`
	Hint          string    `json:"hint"`
}

// QueryResult is the outcome of a governed query. State is COMPLETED with
// rows attached, or AWAITING_CONFIRMATION with the confirmation filled in.
type QueryResult struct {
	State          resume.State             `json:"state"`
	SessionID      string                   `json:"session_id"`
	RequestID      string                   `json:"request_id"`
	Classification governor.Classification  `json:"classification"`
	Columns        []string                 `json:"columns,omitempty"`
	Rows           []map[string]any         `json:"rows,omitempty"`
	RowsReturned   int                      `json:"rows_returned"`
	AppliedCap     *int                     `json:"applied_cap,omitempty"`
	Limited        bool                     `json:"limited"`
	Confirmation   *Confirmation            `json:"confirmation,omitempty"`
}

// Query runs one SQL read through the governed pipeline: parse, execute
// under the governor, format. Over-cap listing queries suspend instead of
// running; validation and execution failures land in history before they
// surface to the caller.
func (s *Service) Query(ctx context.Context, sessionID, queryText string) (*QueryResult, error) {
	start := time.Now()
	if s.metrics != nil {
		s.metrics.QueriesTotal.Add(ctx, 1)
		defer func() {
			s.metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("op", "query")),
			)
		}()
	}

	pc := pipeline.NewContext(sessionID)
	_ = pc.Put(keyRawQuery, queryText)
	seq := pipeline.NewSequential("query", []pipeline.Stage{
		s.parseStage(),
		s.executeStage(),
		s.formatStage(),
	}, s.logger)

	if err := seq.Run(ctx, pc); err != nil {
		return s.handleQueryFailure(ctx, pc, sessionID, queryText, err)
	}

	v, _ := pc.Get(keyResponse)
	res := v.(*QueryResult)
	s.recorder.Success(ctx, sessionID, queryText, res.RowsReturned)
	if s.bus != nil {
		s.bus.Publish(bus.TopicQueryCompleted, bus.QueryCompletedEvent{
			SessionID:    sessionID,
			RowsReturned: res.RowsReturned,
			Limited:      res.Limited,
		})
	}
	return res, nil
}

func (s *Service) handleQueryFailure(ctx context.Context, pc *pipeline.Context, sessionID, queryText string, err error) (*QueryResult, error) {
	// Suspension travels the error path through the composer but is not a
	// failure: the request parks in AWAITING_CONFIRMATION.
	var serr *resume.SuspendError
	if errors.As(err, &serr) {
		if s.metrics != nil {
			s.metrics.QueriesSuspended.Add(ctx, 1)
			s.metrics.PendingTokens.Add(ctx, 1)
		}
		return &QueryResult{
			State:          resume.StateAwaitingConfirmation,
			SessionID:      sessionID,
			RequestID:      pc.RequestID(),
			Classification: governor.ClassListing,
			Confirmation: &Confirmation{
				Token:         serr.Token,
				CandidateRows: serr.CandidateRows,
				DefaultCap:    serr.DefaultCap,
				ExpiresAt:     serr.ExpiresAt,
				Hint:          serr.Hint,
			},
		}, nil
	}

	msg := err.Error()
	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) {
		msg = stageErr.Err.Error()
	}
	s.recorder.Failure(ctx, sessionID, queryText, msg)

	var verr *governor.ValidationError
	if errors.As(err, &verr) {
		if s.metrics != nil {
			s.metrics.QueriesRejected.Add(ctx, 1)
		}
		if s.bus != nil {
			s.bus.Publish(bus.TopicQueryRejected, bus.QueryFailedEvent{
				SessionID: sessionID,
				Kind:      "validation",
				Message:   msg,
			})
		}
		return nil, err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicQueryFailed, bus.QueryFailedEvent{
			SessionID: sessionID,
			Kind:      "execution",
			Message:   msg,
		})
	}
	return nil, err
}

func (s *Service) parseStage() pipeline.Stage {
	return pipeline.NewStage("parse", []string{keyRawQuery}, keyValidatedQuery, func(ctx context.Context, pc *pipeline.Context) (any, error) {
		v, _ := pc.Get(keyRawQuery)
		raw, _ := v.(string)
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			return nil, &governor.ValidationError{Reason: "empty query"}
		}
		return parsedQuery{Text: trimmed, Class: governor.Classify(trimmed)}, nil
	})
}

func (s *Service) executeStage() pipeline.Stage {
	return pipeline.NewStage("execute", []string{keyValidatedQuery}, keyExecution, func(ctx context.Context, pc *pipeline.Context) (any, error) {
		v, _ := pc.Get(keyValidatedQuery)
		q := v.(parsedQuery)

		if err := s.gov.ValidateReadOnly(ctx, q.Text); err != nil {
			return nil, err
		}

		cap := s.DefaultCap()
		decision, err := s.gov.Decide(ctx, q.Text, cap)
		if err != nil {
			return nil, err
		}
		if decision.NeedsConfirmation {
			serr, err := s.manager.Suspend(ctx, pc.SessionID(), q.Text, decision.CandidateRows, cap)
			if err != nil {
				return nil, &governor.ExecutionError{Op: "suspend", Err: err}
			}
			return nil, serr
		}

		var applied *int
		if q.Class == governor.ClassListing && cap > 0 && !governor.HasLimitClause(q.Text) {
			applied = &cap
		}
		rs, err := s.data.ExecuteRead(ctx, governor.ApplyCap(q.Text, applied))
		if err != nil {
			return nil, &governor.ExecutionError{Op: "execute_read", Err: err}
		}
		return executeOutput{
			Result:        rs,
			AppliedCap:    applied,
			CandidateRows: decision.CandidateRows,
			Limited:       applied != nil && decision.CandidateRows > int64(*applied),
		}, nil
	})
}

func (s *Service) formatStage() pipeline.Stage {
	return pipeline.NewStage("format", []string{keyValidatedQuery, keyExecution}, keyResponse, func(ctx context.Context, pc *pipeline.Context) (any, error) {
		qv, _ := pc.Get(keyValidatedQuery)
		ev, _ := pc.Get(keyExecution)
		q := qv.(parsedQuery)
		out := ev.(executeOutput)

		return &QueryResult{
			State:          resume.StateCompleted,
			SessionID:      pc.SessionID(),
			RequestID:      pc.RequestID(),
			Classification: q.Class,
			Columns:        out.Result.Columns,
			Rows:           out.Result.Rows,
			RowsReturned:   len(out.Result.Rows),
			AppliedCap:     out.AppliedCap,
			Limited:        out.Limited,
		}, nil
	})
}
