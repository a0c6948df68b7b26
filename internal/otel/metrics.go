package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all GoWarden metrics instruments.
type Metrics struct {
	RequestDuration      metric.Float64Histogram
	StageDuration        metric.Float64Histogram
	StageErrors          metric.Int64Counter
	QueriesTotal         metric.Int64Counter
	QueriesSuspended     metric.Int64Counter
	QueriesRejected      metric.Int64Counter
	ResumesTotal         metric.Int64Counter
	HistoryWriteFailures metric.Int64Counter
	ConfirmationsExpired metric.Int64Counter
	PendingTokens        metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("gowarden.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StageDuration, err = meter.Float64Histogram("gowarden.stage.duration",
		metric.WithDescription("Pipeline stage duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StageErrors, err = meter.Int64Counter("gowarden.stage.errors",
		metric.WithDescription("Pipeline stage error count"),
	)
	if err != nil {
		return nil, err
	}

	m.QueriesTotal, err = meter.Int64Counter("gowarden.queries.total",
		metric.WithDescription("Total queries accepted"),
	)
	if err != nil {
		return nil, err
	}

	m.QueriesSuspended, err = meter.Int64Counter("gowarden.queries.suspended",
		metric.WithDescription("Queries suspended pending confirmation"),
	)
	if err != nil {
		return nil, err
	}

	m.QueriesRejected, err = meter.Int64Counter("gowarden.queries.rejected",
		metric.WithDescription("Queries rejected by validation"),
	)
	if err != nil {
		return nil, err
	}

	m.ResumesTotal, err = meter.Int64Counter("gowarden.resumes.total",
		metric.WithDescription("Total resume attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.HistoryWriteFailures, err = meter.Int64Counter("gowarden.history.write_failures",
		metric.WithDescription("History appends that could not be persisted"),
	)
	if err != nil {
		return nil, err
	}

	m.ConfirmationsExpired, err = meter.Int64Counter("gowarden.confirmations.expired",
		metric.WithDescription("Confirmation tokens expired by the sweeper"),
	)
	if err != nil {
		return nil, err
	}

	m.PendingTokens, err = meter.Int64UpDownCounter("gowarden.confirmations.pending",
		metric.WithDescription("Currently pending confirmation tokens"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
