// Package sweeper expires stale confirmation tokens on a cron schedule. A
// suspended query whose token expires is closed out as a failed request in
// the history ledger.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-warden/internal/bus"
	"github.com/basket/go-warden/internal/history"
	"github.com/basket/go-warden/internal/otel"
	"github.com/basket/go-warden/internal/persistence"
)

// expiredMessage is the history entry written for a token that was never
// resumed.
const expiredMessage = "confirmation expired before resume"

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the sweeper.
type Config struct {
	Store    *persistence.Store
	Recorder *history.Recorder
	Bus      *bus.Bus      // may be nil
	Metrics  *otel.Metrics // may be nil
	Logger   *slog.Logger
	Schedule string // 5-field cron expression
}

// Sweeper runs the expiry sweep whenever its cron schedule fires.
type Sweeper struct {
	store    *persistence.Store
	recorder *history.Recorder
	bus      *bus.Bus
	metrics  *otel.Metrics
	logger   *slog.Logger
	schedule cronlib.Schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates the cron expression and builds the sweeper.
func New(cfg Config) (*Sweeper, error) {
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", cfg.Schedule, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    cfg.Store,
		recorder: cfg.Recorder,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		logger:   logger,
		schedule: sched,
	}, nil
}

// Start begins the sweep loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("expiry sweeper started", "next_run", s.schedule.Next(time.Now()))
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("expiry sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	// Sweep immediately on startup, then on each cron fire.
	s.Sweep(ctx, time.Now())

	for {
		now := time.Now()
		timer := time.NewTimer(s.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case fired := <-timer.C:
			s.Sweep(ctx, fired)
		}
	}
}

// Sweep expires every pending confirmation past its deadline and records
// each one as a failed query.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	expired, err := s.store.ExpirePendingConfirmations(ctx, now)
	if err != nil {
		s.logger.Error("expiry sweep failed", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}

	for _, pc := range expired {
		s.recorder.Failure(ctx, pc.SessionID, pc.QueryText, expiredMessage)
		if s.bus != nil {
			s.bus.Publish(bus.TopicConfirmationExpired, bus.ConfirmationExpiredEvent{
				Token:     pc.Token,
				SessionID: pc.SessionID,
			})
		}
		s.logger.Info("confirmation expired",
			"token", pc.Token,
			"session_id", pc.SessionID,
			"expired_at", pc.ExpiresAt,
		)
	}
	if s.metrics != nil {
		s.metrics.ConfirmationsExpired.Add(ctx, int64(len(expired)))
		s.metrics.PendingTokens.Add(ctx, -int64(len(expired)))
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
