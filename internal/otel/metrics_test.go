package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if m.StageDuration == nil {
		t.Error("StageDuration is nil")
	}
	if m.StageErrors == nil {
		t.Error("StageErrors is nil")
	}
	if m.QueriesTotal == nil {
		t.Error("QueriesTotal is nil")
	}
	if m.QueriesSuspended == nil {
		t.Error("QueriesSuspended is nil")
	}
	if m.QueriesRejected == nil {
		t.Error("QueriesRejected is nil")
	}
	if m.ResumesTotal == nil {
		t.Error("ResumesTotal is nil")
	}
	if m.HistoryWriteFailures == nil {
		t.Error("HistoryWriteFailures is nil")
	}
	if m.ConfirmationsExpired == nil {
		t.Error("ConfirmationsExpired is nil")
	}
	if m.PendingTokens == nil {
		t.Error("PendingTokens is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns a noop meter; metrics must still create cleanly.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
