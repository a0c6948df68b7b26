package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "gowarden.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gowarden.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	// Second open must pass the schema ledger checksum gate.
	store2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	_ = store2.Close()
}

func TestConfirmation_CreateAndConsume(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	pc, err := store.CreatePendingConfirmation(ctx, "sess-1", "SELECT * FROM users", 500, 20, time.Hour)
	if err != nil {
		t.Fatalf("create confirmation: %v", err)
	}
	if pc.Token == "" {
		t.Fatal("expected non-empty token")
	}
	if pc.Status != ConfirmationPending {
		t.Fatalf("status = %q, want PENDING", pc.Status)
	}

	got, err := store.ConsumePendingConfirmation(ctx, pc.Token)
	if err != nil {
		t.Fatalf("consume confirmation: %v", err)
	}
	if got.Status != ConfirmationConsumed {
		t.Fatalf("status = %q, want CONSUMED", got.Status)
	}
	if got.CandidateRows != 500 || got.DefaultCap != 20 {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.ConsumedAt == nil {
		t.Fatal("expected consumed_at to be set")
	}
}

func TestConfirmation_SingleUse(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	pc, err := store.CreatePendingConfirmation(ctx, "sess-1", "SELECT * FROM users", 500, 20, time.Hour)
	if err != nil {
		t.Fatalf("create confirmation: %v", err)
	}
	if _, err := store.ConsumePendingConfirmation(ctx, pc.Token); err != nil {
		t.Fatalf("first consume: %v", err)
	}

	// Second consume must fail: the token is single-use.
	if _, err := store.ConsumePendingConfirmation(ctx, pc.Token); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("second consume err = %v, want ErrTokenNotFound", err)
	}
}

func TestConfirmation_UnknownToken(t *testing.T) {
	store := openTestStore(t)

	_, err := store.ConsumePendingConfirmation(context.Background(), "no-such-token")
	if !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("err = %v, want ErrTokenNotFound", err)
	}
}

func TestConfirmation_ExpiredTokenNotConsumable(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	pc, err := store.CreatePendingConfirmation(ctx, "sess-1", "SELECT * FROM users", 500, 20, -time.Minute)
	if err != nil {
		t.Fatalf("create confirmation: %v", err)
	}

	if _, err := store.ConsumePendingConfirmation(ctx, pc.Token); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("consume expired err = %v, want ErrTokenNotFound", err)
	}
}

func TestExpirePendingConfirmations(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	stale, err := store.CreatePendingConfirmation(ctx, "sess-1", "SELECT * FROM a", 100, 20, -time.Minute)
	if err != nil {
		t.Fatalf("create stale: %v", err)
	}
	fresh, err := store.CreatePendingConfirmation(ctx, "sess-1", "SELECT * FROM b", 100, 20, time.Hour)
	if err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	expired, err := store.ExpirePendingConfirmations(ctx, time.Now())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(expired) != 1 || expired[0].Token != stale.Token {
		t.Fatalf("expected one expired token %q, got %+v", stale.Token, expired)
	}

	// The fresh token still consumes; the stale one does not.
	if _, err := store.ConsumePendingConfirmation(ctx, fresh.Token); err != nil {
		t.Fatalf("consume fresh: %v", err)
	}
	if _, err := store.ConsumePendingConfirmation(ctx, stale.Token); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("consume stale err = %v, want ErrTokenNotFound", err)
	}
}

func TestCountPendingConfirmations(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreatePendingConfirmation(ctx, "sess-1", "SELECT 1", 10, 5, time.Hour); err != nil {
		t.Fatalf("create: %v", err)
	}
	pc, err := store.CreatePendingConfirmation(ctx, "sess-1", "SELECT 2", 10, 5, time.Hour)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.ConsumePendingConfirmation(ctx, pc.Token); err != nil {
		t.Fatalf("consume: %v", err)
	}

	count, err := store.CountPendingConfirmations(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestQueryRecords_MostRecentFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ten := 10
	if _, err := store.InsertQueryRecord(ctx, QueryRecord{
		SessionID: "sess-1", QueryText: "SELECT a", Status: RecordStatusSuccess, RowsReturned: &ten,
	}); err != nil {
		t.Fatalf("insert first: %v", err)
	}
	if _, err := store.InsertQueryRecord(ctx, QueryRecord{
		SessionID: "sess-1", QueryText: "SELECT b", Status: RecordStatusError, ErrorMessage: "boom",
	}); err != nil {
		t.Fatalf("insert second: %v", err)
	}

	recs, err := store.ListQueryRecords(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len = %d, want 2", len(recs))
	}
	if recs[0].QueryText != "SELECT b" {
		t.Fatalf("expected most recent first, got %q", recs[0].QueryText)
	}
	if recs[0].RowsReturned != nil {
		t.Fatal("error record should have nil rows_returned")
	}
	if recs[0].ErrorMessage != "boom" {
		t.Fatalf("error_message = %q", recs[0].ErrorMessage)
	}
	if recs[1].RowsReturned == nil || *recs[1].RowsReturned != 10 {
		t.Fatalf("success record rows_returned = %v", recs[1].RowsReturned)
	}
}

func TestQueryRecords_SessionFilterAndLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		sess := "sess-a"
		if i%3 == 0 {
			sess = "sess-b"
		}
		n := i
		if _, err := store.InsertQueryRecord(ctx, QueryRecord{
			SessionID: sess, QueryText: "SELECT x", Status: RecordStatusSuccess, RowsReturned: &n,
		}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	recs, err := store.ListQueryRecords(ctx, "sess-b", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, r := range recs {
		if r.SessionID != "sess-b" {
			t.Fatalf("unexpected session %q in filtered list", r.SessionID)
		}
	}

	// Default limit is 10.
	all, err := store.ListQueryRecords(ctx, "", 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 10 {
		t.Fatalf("default limit: len = %d, want 10", len(all))
	}
}

func TestInsertQueryRecord_InvalidStatus(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.InsertQueryRecord(context.Background(), QueryRecord{
		SessionID: "s", QueryText: "q", Status: "pending",
	}); err == nil {
		t.Fatal("expected error for invalid status")
	}
}
