// Package history keeps the durable ledger of every query attempt. Appends
// never fail the query path: a persistence error is demoted to a warning
// log and a bus event.
package history

import (
	"context"
	"log/slog"

	"github.com/basket/go-warden/internal/bus"
	"github.com/basket/go-warden/internal/persistence"
)

// Record outcomes, re-exported for callers.
const (
	StatusSuccess = persistence.RecordStatusSuccess
	StatusError   = persistence.RecordStatusError
)

// Recorder appends and queries the history ledger.
type Recorder struct {
	store  *persistence.Store
	bus    *bus.Bus // may be nil in tests
	logger *slog.Logger
}

func NewRecorder(store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, bus: eventBus, logger: logger}
}

// Record appends one history row. It never returns an error: on failure it
// logs a warning, publishes history.write_failed, and returns 0.
func (r *Recorder) Record(ctx context.Context, rec persistence.QueryRecord) int64 {
	id, err := r.store.InsertQueryRecord(ctx, rec)
	if err != nil {
		r.logger.Warn("history append failed",
			"session_id", rec.SessionID,
			"status", rec.Status,
			"error", err,
		)
		if r.bus != nil {
			r.bus.Publish(bus.TopicHistoryWriteFailed, bus.HistoryWriteFailedEvent{
				SessionID: rec.SessionID,
				Err:       err.Error(),
			})
		}
		return 0
	}
	return id
}

// Success records a successful query with its returned row count.
func (r *Recorder) Success(ctx context.Context, sessionID, queryText string, rowsReturned int) int64 {
	return r.Record(ctx, persistence.QueryRecord{
		SessionID:    sessionID,
		QueryText:    queryText,
		Status:       StatusSuccess,
		RowsReturned: &rowsReturned,
	})
}

// Failure records a failed query with its error message. RowsReturned stays
// unset for error records.
func (r *Recorder) Failure(ctx context.Context, sessionID, queryText, errMsg string) int64 {
	return r.Record(ctx, persistence.QueryRecord{
		SessionID:    sessionID,
		QueryText:    queryText,
		Status:       StatusError,
		ErrorMessage: errMsg,
	})
}

// Query returns history rows most-recent-first, optionally filtered by
// session. Limit defaults to 10.
func (r *Recorder) Query(ctx context.Context, sessionID string, limit int) ([]persistence.QueryRecord, error) {
	return r.store.ListQueryRecords(ctx, sessionID, limit)
}
