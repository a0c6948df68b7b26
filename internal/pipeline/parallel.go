package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// BranchResult is one branch's outcome after a parallel join. Err is the
// branch's error marker; Value is only meaningful when Err is nil.
type BranchResult struct {
	Branch string
	Value  any
	Err    *BranchError
}

// Parallel runs one stage per branch, each over an isolated clone of the
// shared Context, and joins them all: a failed branch never aborts its
// siblings and never fails the run as a whole. Failures become per-branch
// error markers in the joined result.
type Parallel struct {
	name     string
	branches []Stage
	logger   *slog.Logger

	metricsOnce    sync.Once
	branchLatency  metric.Float64Histogram
	branchFailures metric.Int64Counter
}

// NewParallel creates a parallel composer. A nil logger falls back to
// slog.Default().
func NewParallel(name string, branches []Stage, logger *slog.Logger) *Parallel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parallel{name: name, branches: branches, logger: logger}
}

func (p *Parallel) initMetrics() {
	p.metricsOnce.Do(func() {
		var err error
		p.branchLatency, err = meter.Float64Histogram("gowarden.branch.duration",
			metric.WithDescription("Time spent executing each parallel branch"),
			metric.WithUnit("s"),
		)
		if err != nil {
			p.logger.Error("init branch latency metric", "error", err)
		}
		p.branchFailures, err = meter.Int64Counter("gowarden.branch.failures",
			metric.WithDescription("Number of failed parallel branches"),
		)
		if err != nil {
			p.logger.Error("init branch failure metric", "error", err)
		}
	})
}

// Run executes all branches concurrently and waits for every one of them.
// Results are keyed by branch name. Successful branches with a Produces key
// also write their value into the parent context after the join, so later
// stages can consume it; failed branches write their *BranchError marker
// instead.
func (p *Parallel) Run(ctx context.Context, pc *Context) map[string]BranchResult {
	p.initMetrics()

	ctx, span := tracer.Start(ctx, "pipeline."+p.name,
		trace.WithAttributes(
			attribute.String("gowarden.pipeline.name", p.name),
			attribute.Int("gowarden.pipeline.branches", len(p.branches)),
			attribute.String("gowarden.request.id", pc.RequestID()),
		),
	)
	defer span.End()

	type indexed struct {
		name string
		res  BranchResult
	}

	results := make(chan indexed, len(p.branches))
	var wg sync.WaitGroup
	for _, branch := range p.branches {
		wg.Add(1)
		go func(st Stage) {
			defer wg.Done()
			results <- indexed{name: st.Name(), res: p.runBranch(ctx, st, pc.Clone())}
		}(branch)
	}
	wg.Wait()
	close(results)

	joined := make(map[string]BranchResult, len(p.branches))
	failed := 0
	for r := range results {
		joined[r.name] = r.res
		if r.res.Err != nil {
			failed++
		}
	}

	// Merge into the parent context after the join. Sibling isolation holds
	// during execution; only the joined outcome is visible downstream.
	for _, branch := range p.branches {
		key := branch.Produces()
		if key == "" {
			continue
		}
		res := joined[branch.Name()]
		if res.Err != nil {
			_ = pc.Put(key, res.Err)
			continue
		}
		_ = pc.Put(key, res.Value)
	}

	if failed > 0 {
		span.SetStatus(codes.Error, "one or more branches failed")
	}
	return joined
}

func (p *Parallel) runBranch(ctx context.Context, st Stage, branchCtx *Context) BranchResult {
	ctx, span := tracer.Start(ctx, "branch."+st.Name(),
		trace.WithAttributes(attribute.String("gowarden.branch.name", st.Name())),
	)
	defer span.End()

	start := time.Now()
	out, err := st.Execute(ctx, branchCtx)
	if p.branchLatency != nil {
		p.branchLatency.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("branch", st.Name())),
		)
	}
	if err != nil {
		berr := &BranchError{Branch: st.Name(), Err: err}
		span.RecordError(berr)
		span.SetStatus(codes.Error, berr.Error())
		if p.branchFailures != nil {
			p.branchFailures.Add(ctx, 1,
				metric.WithAttributes(attribute.String("branch", st.Name())),
			)
		}
		p.logger.Debug("branch failed", "pipeline", p.name, "branch", st.Name(), "error", err)
		return BranchResult{Branch: st.Name(), Err: berr}
	}
	return BranchResult{Branch: st.Name(), Value: out}
}
