package sweeper

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-warden/internal/bus"
	"github.com/basket/go-warden/internal/history"
	"github.com/basket/go-warden/internal/persistence"
)

func openStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gowarden.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	_, err := New(Config{Schedule: "not a cron expr"})
	if err == nil {
		t.Fatal("expected an error for a malformed schedule")
	}
}

func TestSweep_ExpiresStaleTokens(t *testing.T) {
	store := openStore(t)
	b := bus.New()
	sub := b.Subscribe(bus.TopicConfirmationExpired)
	defer b.Unsubscribe(sub)

	rec := history.NewRecorder(store, nil, nil)
	sw, err := New(Config{
		Store:    store,
		Recorder: rec,
		Bus:      b,
		Schedule: "*/5 * * * *",
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}

	ctx := context.Background()
	stale, err := store.CreatePendingConfirmation(ctx, "sess-1", "SELECT * FROM users", 500, 20, -time.Minute)
	if err != nil {
		t.Fatalf("create stale confirmation: %v", err)
	}
	fresh, err := store.CreatePendingConfirmation(ctx, "sess-2", "SELECT * FROM orders", 300, 20, time.Hour)
	if err != nil {
		t.Fatalf("create fresh confirmation: %v", err)
	}

	sw.Sweep(ctx, time.Now())

	// The stale token is gone for good.
	if _, err := store.ConsumePendingConfirmation(ctx, stale.Token); !errors.Is(err, persistence.ErrTokenNotFound) {
		t.Fatalf("stale consume = %v, want ErrTokenNotFound", err)
	}
	// The fresh one survived the sweep.
	if _, err := store.ConsumePendingConfirmation(ctx, fresh.Token); err != nil {
		t.Fatalf("fresh consume: %v", err)
	}

	// The expiry landed in history as a failed query.
	items, err := store.ListQueryRecords(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(items) != 1 || items[0].Status != persistence.RecordStatusError {
		t.Fatalf("history = %+v", items)
	}
	if items[0].ErrorMessage != expiredMessage {
		t.Fatalf("error message = %q", items[0].ErrorMessage)
	}

	select {
	case ev := <-sub.Ch():
		payload := ev.Payload.(bus.ConfirmationExpiredEvent)
		if payload.Token != stale.Token || payload.SessionID != "sess-1" {
			t.Fatalf("event payload = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for confirmation.expired event")
	}
}

func TestSweep_NoPendingIsQuiet(t *testing.T) {
	store := openStore(t)
	rec := history.NewRecorder(store, nil, nil)
	sw, err := New(Config{Store: store, Recorder: rec, Schedule: "* * * * *"})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}

	sw.Sweep(context.Background(), time.Now())

	items, err := store.ListQueryRecords(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("history = %+v", items)
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 8, 23, 10, 2, 0, 0, time.UTC)
	next, err := NextRunTime("*/5 * * * *", after)
	if err != nil {
		t.Fatalf("next run time: %v", err)
	}
	want := time.Date(2026, 8, 23, 10, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestStartStop(t *testing.T) {
	store := openStore(t)
	rec := history.NewRecorder(store, nil, nil)
	sw, err := New(Config{Store: store, Recorder: rec, Schedule: "* * * * *"})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}

	sw.Start(context.Background())
	sw.Stop()
}
