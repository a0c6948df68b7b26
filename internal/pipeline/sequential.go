package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("gowarden.pipeline")
	meter  = otel.Meter("gowarden.pipeline")
)

// Sequential runs stages in declared order over a shared Context and fails
// fast: the first stage error stops the run, downstream stages do not
// execute, and the error carries the partial context built so far.
type Sequential struct {
	name   string
	stages []Stage
	logger *slog.Logger

	// Metrics (initialized lazily).
	metricsOnce   sync.Once
	stageLatency  metric.Float64Histogram
	stageFailures metric.Int64Counter
}

// NewSequential creates a sequential composer. A nil logger falls back to
// slog.Default().
func NewSequential(name string, stages []Stage, logger *slog.Logger) *Sequential {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequential{name: name, stages: stages, logger: logger}
}

func (s *Sequential) initMetrics() {
	s.metricsOnce.Do(func() {
		var err error
		s.stageLatency, err = meter.Float64Histogram("gowarden.stage.duration",
			metric.WithDescription("Time spent executing each pipeline stage"),
			metric.WithUnit("s"),
		)
		if err != nil {
			s.logger.Error("init stage latency metric", "error", err)
		}
		s.stageFailures, err = meter.Int64Counter("gowarden.stage.failures",
			metric.WithDescription("Number of failed stage executions"),
		)
		if err != nil {
			s.logger.Error("init stage failure metric", "error", err)
		}
	})
}

// Run executes every stage in order. On success the produced value of each
// stage is stored under its Produces key. On failure it returns a
// *StageError naming the failed stage and exposing the partial context.
func (s *Sequential) Run(ctx context.Context, pc *Context) error {
	s.initMetrics()

	ctx, span := tracer.Start(ctx, "pipeline."+s.name,
		trace.WithAttributes(
			attribute.String("gowarden.pipeline.name", s.name),
			attribute.Int("gowarden.pipeline.stages", len(s.stages)),
			attribute.String("gowarden.request.id", pc.RequestID()),
		),
	)
	defer span.End()

	for _, stage := range s.stages {
		if err := s.runStage(ctx, stage, pc); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	return nil
}

func (s *Sequential) runStage(ctx context.Context, stage Stage, pc *Context) error {
	ctx, span := tracer.Start(ctx, "stage."+stage.Name(),
		trace.WithAttributes(attribute.String("gowarden.stage.name", stage.Name())),
	)
	defer span.End()

	for _, key := range stage.Consumes() {
		if !pc.Has(key) {
			err := &StageError{
				Stage:   stage.Name(),
				Err:     fmt.Errorf("missing context key %q", key),
				Partial: pc.Snapshot(),
			}
			s.recordFailure(ctx, span, stage, err)
			return err
		}
	}

	start := time.Now()
	out, err := stage.Execute(ctx, pc)
	if s.stageLatency != nil {
		s.stageLatency.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("stage", stage.Name())),
		)
	}
	if err != nil {
		serr := &StageError{Stage: stage.Name(), Err: err, Partial: pc.Snapshot()}
		s.recordFailure(ctx, span, stage, serr)
		return serr
	}

	if key := stage.Produces(); key != "" {
		if err := pc.Put(key, out); err != nil {
			serr := &StageError{Stage: stage.Name(), Err: err, Partial: pc.Snapshot()}
			s.recordFailure(ctx, span, stage, serr)
			return serr
		}
	}
	return nil
}

func (s *Sequential) recordFailure(ctx context.Context, span trace.Span, stage Stage, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if s.stageFailures != nil {
		s.stageFailures.Add(ctx, 1,
			metric.WithAttributes(attribute.String("stage", stage.Name())),
		)
	}
	s.logger.Debug("stage failed", "pipeline", s.name, "stage", stage.Name(), "error", err)
}
