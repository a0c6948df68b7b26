package resume

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-warden/internal/bus"
	"github.com/basket/go-warden/internal/config"
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

func TestParseDecision(t *testing.T) {
	cases := []struct {
		raw      string
		wantKind DecisionKind
		wantRows int
	}{
		{"all", DecisionAll, 0},
		{"  ALL  ", DecisionAll, 0},
		{"keep_default", DecisionKeepDefault, 0},
		{"default", DecisionKeepDefault, 0},
		{"15", DecisionExplicit, 15},
		{" 3 ", DecisionExplicit, 3},
	}
	for _, tc := range cases {
		d, err := ParseDecision(tc.raw, config.DecisionPolicyReject)
		if err != nil {
			t.Errorf("ParseDecision(%q) error: %v", tc.raw, err)
			continue
		}
		if d.Kind != tc.wantKind || d.Rows != tc.wantRows || d.Fallback {
			t.Errorf("ParseDecision(%q) = %+v", tc.raw, d)
		}
	}
}

func TestParseDecision_UnrecognizedFallsBack(t *testing.T) {
	for _, raw := range []string{"yes please", "-5", "0", "many"} {
		d, err := ParseDecision(raw, config.DecisionPolicyAll)
		if err != nil {
			t.Fatalf("ParseDecision(%q) error: %v", raw, err)
		}
		if d.Kind != DecisionAll || !d.Fallback {
			t.Errorf("all policy: ParseDecision(%q) = %+v", raw, d)
		}

		d, err = ParseDecision(raw, config.DecisionPolicyKeepDefault)
		if err != nil {
			t.Fatalf("ParseDecision(%q) error: %v", raw, err)
		}
		if d.Kind != DecisionKeepDefault || !d.Fallback {
			t.Errorf("keep_default policy: ParseDecision(%q) = %+v", raw, d)
		}

		if _, err := ParseDecision(raw, config.DecisionPolicyReject); !errors.Is(err, ErrDecisionRejected) {
			t.Errorf("reject policy: ParseDecision(%q) = %v, want ErrDecisionRejected", raw, err)
		}
	}
}

func TestSuspendAndConsume(t *testing.T) {
	store := openStore(t)
	b := bus.New()
	sub := b.Subscribe(bus.TopicQuerySuspended)
	defer b.Unsubscribe(sub)

	mgr := NewManager(store, b, time.Hour, nil)
	ctx := context.Background()

	serr, err := mgr.Suspend(ctx, "sess-1", "SELECT * FROM users", 500, 20)
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if serr.Token == "" || serr.CandidateRows != 500 || serr.DefaultCap != 20 {
		t.Fatalf("suspend error = %+v", serr)
	}
	if serr.Hint == "" {
		t.Fatal("expected a confirmation hint")
	}

	select {
	case ev := <-sub.Ch():
		payload := ev.Payload.(bus.QuerySuspendedEvent)
		if payload.Token != serr.Token || payload.CandidateRows != 500 {
			t.Fatalf("event payload = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for query.suspended event")
	}

	pc, decision, err := mgr.Consume(ctx, serr.Token, "keep_default", config.DecisionPolicyAll)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if pc.SessionID != "sess-1" || pc.QueryText != "SELECT * FROM users" {
		t.Fatalf("confirmation = %+v", pc)
	}
	if decision.Kind != DecisionKeepDefault {
		t.Fatalf("decision = %+v", decision)
	}
	if cap := ResolveCap(pc, decision); cap == nil || *cap != 20 {
		t.Fatalf("resolved cap = %v", cap)
	}
}

func TestConsume_TokenIsSingleUse(t *testing.T) {
	store := openStore(t)
	mgr := NewManager(store, nil, time.Hour, nil)
	ctx := context.Background()

	serr, err := mgr.Suspend(ctx, "sess-1", "SELECT * FROM users", 100, 20)
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if _, _, err := mgr.Consume(ctx, serr.Token, "all", config.DecisionPolicyAll); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	_, _, err = mgr.Consume(ctx, serr.Token, "all", config.DecisionPolicyAll)
	if !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("second consume = %v, want ErrTokenNotFound", err)
	}
}

func TestConsume_UnknownToken(t *testing.T) {
	store := openStore(t)
	mgr := NewManager(store, nil, time.Hour, nil)

	_, _, err := mgr.Consume(context.Background(), "no-such-token", "all", config.DecisionPolicyAll)
	if !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("err = %v, want ErrTokenNotFound", err)
	}
}

func TestConsume_RejectedDecisionLeavesTokenPending(t *testing.T) {
	store := openStore(t)
	mgr := NewManager(store, nil, time.Hour, nil)
	ctx := context.Background()

	serr, err := mgr.Suspend(ctx, "sess-1", "SELECT * FROM users", 100, 20)
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}

	// Unrecognized decision under the reject policy fails without touching
	// the token.
	_, _, err = mgr.Consume(ctx, serr.Token, "maybe", config.DecisionPolicyReject)
	if !errors.Is(err, ErrDecisionRejected) {
		t.Fatalf("err = %v, want ErrDecisionRejected", err)
	}

	// A valid retry still succeeds.
	pc, decision, err := mgr.Consume(ctx, serr.Token, "7", config.DecisionPolicyReject)
	if err != nil {
		t.Fatalf("retry consume: %v", err)
	}
	if decision.Kind != DecisionExplicit || decision.Rows != 7 {
		t.Fatalf("decision = %+v", decision)
	}
	if cap := ResolveCap(pc, decision); cap == nil || *cap != 7 {
		t.Fatalf("resolved cap = %v", cap)
	}
}

func TestResolveCap_AllIsUnbounded(t *testing.T) {
	pc := &persistence.PendingConfirmation{DefaultCap: 20}
	if cap := ResolveCap(pc, ParsedDecision{Kind: DecisionAll}); cap != nil {
		t.Fatalf("cap = %v, want nil", cap)
	}
}
