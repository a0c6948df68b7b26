// Package service is the governed query front door. It wires the pipeline
// composers, the governor, the suspend/resume manager, and the history
// recorder into the four operations the gateway exposes.
package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-warden/internal/bus"
	"github.com/basket/go-warden/internal/datastore"
	"github.com/basket/go-warden/internal/governor"
	"github.com/basket/go-warden/internal/history"
	"github.com/basket/go-warden/internal/otel"
	"github.com/basket/go-warden/internal/persistence"
	"github.com/basket/go-warden/internal/resume"
)

// Capability names one surface the service exposes. The gateway reports
// them in /healthz and the audit log records them per decision.
type Capability string

const (
	CapabilitySQL          Capability = "sql"
	CapabilityExploration  Capability = "exploration"
	CapabilityHistory      Capability = "history"
	CapabilityConfirmation Capability = "confirmation"
)

// Capabilities lists every surface in a stable order.
func Capabilities() []Capability {
	return []Capability{CapabilitySQL, CapabilityExploration, CapabilityHistory, CapabilityConfirmation}
}

// Options carry the tunable knobs from config. DefaultRowCap and
// UnrecognizedDecision can be updated live on a config reload.
type Options struct {
	DefaultRowCap        int
	UnrecognizedDecision string
	ConfirmationTTL      time.Duration
	Metrics              *otel.Metrics
}

// Service owns one data store, one control store, and the governed paths
// over them.
type Service struct {
	data     datastore.ReadStore
	store    *persistence.Store
	gov      *governor.Governor
	recorder *history.Recorder
	manager  *resume.Manager
	bus      *bus.Bus
	logger   *slog.Logger
	metrics  *otel.Metrics

	defaultCap atomic.Int64

	mu           sync.RWMutex
	unrecognized string
}

func New(data datastore.ReadStore, store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.ConfirmationTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	s := &Service{
		data:         data,
		store:        store,
		gov:          governor.New(data, logger),
		recorder:     history.NewRecorder(store, eventBus, logger),
		manager:      resume.NewManager(store, eventBus, ttl, logger),
		bus:          eventBus,
		logger:       logger,
		metrics:      opts.Metrics,
		unrecognized: opts.UnrecognizedDecision,
	}
	s.defaultCap.Store(int64(opts.DefaultRowCap))
	return s
}

// DefaultCap returns the active row cap. Zero disables the governor's
// counting path entirely.
func (s *Service) DefaultCap() int {
	return int(s.defaultCap.Load())
}

// SetDefaultCap swaps the row cap for subsequent queries. In-flight
// requests keep the cap they started with.
func (s *Service) SetDefaultCap(cap int) {
	old := s.defaultCap.Swap(int64(cap))
	if old != int64(cap) {
		s.logger.Info("default row cap updated", "old", old, "new", cap)
	}
}

// UnrecognizedDecision returns the active fallback policy for unparseable
// resume decisions.
func (s *Service) UnrecognizedDecision() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unrecognized
}

// SetUnrecognizedDecision swaps the fallback policy for subsequent resumes.
func (s *Service) SetUnrecognizedDecision(policy string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unrecognized != policy {
		s.logger.Info("unrecognized decision policy updated", "old", s.unrecognized, "new", policy)
		s.unrecognized = policy
	}
}

// History returns the query ledger most-recent-first, optionally filtered
// by session.
func (s *Service) History(ctx context.Context, sessionID string, limit int) ([]persistence.QueryRecord, error) {
	return s.recorder.Query(ctx, sessionID, limit)
}

// Tables lists the data store's user tables for the exploration surface.
func (s *Service) Tables(ctx context.Context) ([]string, error) {
	tables, err := s.data.ListTables(ctx)
	if err != nil {
		return nil, &governor.ExecutionError{Op: "list_tables", Err: err}
	}
	return tables, nil
}

// PendingConfirmations reports the current pending token count.
func (s *Service) PendingConfirmations(ctx context.Context) (int64, error) {
	return s.store.CountPendingConfirmations(ctx)
}
