package pipeline

import (
	"context"
	"fmt"
)

// Stage is one named unit of work. Consumes lists the context keys the stage
// reads; the sequential composer checks them before running the stage.
// Produces names the key the stage's return value is stored under; empty
// means the stage writes nothing.
type Stage interface {
	Name() string
	Consumes() []string
	Produces() string
	Execute(ctx context.Context, pc *Context) (any, error)
}

type stageFunc struct {
	name     string
	consumes []string
	produces string
	fn       func(ctx context.Context, pc *Context) (any, error)
}

// NewStage adapts a function into a Stage.
func NewStage(name string, consumes []string, produces string, fn func(ctx context.Context, pc *Context) (any, error)) Stage {
	return &stageFunc{name: name, consumes: consumes, produces: produces, fn: fn}
}

func (s *stageFunc) Name() string       { return s.name }
func (s *stageFunc) Consumes() []string { return s.consumes }
func (s *stageFunc) Produces() string   { return s.produces }
func (s *stageFunc) Execute(ctx context.Context, pc *Context) (any, error) {
	return s.fn(ctx, pc)
}

// StageError reports a failed stage together with the partial context
// accumulated by the stages that ran before it.
type StageError struct {
	Stage   string
	Err     error
	Partial map[string]any
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// BranchError is the per-branch failure marker the parallel composer stores
// in place of a result.
type BranchError struct {
	Branch string
	Err    error
}

func (e *BranchError) Error() string {
	return fmt.Sprintf("branch %s: %v", e.Branch, e.Err)
}

func (e *BranchError) Unwrap() error { return e.Err }
