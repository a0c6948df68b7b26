package service

import (
	"context"
	"fmt"

	"github.com/basket/go-warden/internal/pipeline"
)

// ProbeResult is one readiness probe's outcome.
type ProbeResult struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// Readiness is the joined view over all probes.
type Readiness struct {
	OK     bool                   `json:"ok"`
	Probes map[string]ProbeResult `json:"probes"`
}

// CheckReadiness fans the probes out in parallel over isolated context
// clones and joins them all: a failing store shows up as a failed probe,
// never as a missing one.
func (s *Service) CheckReadiness(ctx context.Context) Readiness {
	probes := []pipeline.Stage{
		pipeline.NewStage("data_store", nil, "probe_data", func(ctx context.Context, _ *pipeline.Context) (any, error) {
			tables, err := s.data.ListTables(ctx)
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("%d tables", len(tables)), nil
		}),
		pipeline.NewStage("control_store", nil, "probe_control", func(ctx context.Context, _ *pipeline.Context) (any, error) {
			pending, err := s.store.CountPendingConfirmations(ctx)
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("%d pending confirmations", pending), nil
		}),
		pipeline.NewStage("history", nil, "probe_history", func(ctx context.Context, _ *pipeline.Context) (any, error) {
			items, err := s.recorder.Query(ctx, "", 1)
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("%d recent records", len(items)), nil
		}),
	}

	par := pipeline.NewParallel("readiness", probes, s.logger)
	joined := par.Run(ctx, pipeline.NewContext(""))

	out := Readiness{OK: true, Probes: make(map[string]ProbeResult, len(joined))}
	for name, res := range joined {
		if res.Err != nil {
			out.OK = false
			out.Probes[name] = ProbeResult{Detail: res.Err.Err.Error()}
			continue
		}
		detail, _ := res.Value.(string)
		out.Probes[name] = ProbeResult{OK: true, Detail: detail}
	}
	return out
}
