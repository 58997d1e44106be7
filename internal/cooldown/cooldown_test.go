package cooldown

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/keymux/internal/coord"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	store := coord.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	return New(store)
}

func TestSuspendAndRemaining(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	if err := m.Suspend(ctx, "k1", 10*time.Second); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	suspended, err := m.IsSuspended(ctx, "k1")
	if err != nil {
		t.Fatalf("is suspended: %v", err)
	}
	if !suspended {
		t.Fatal("expected k1 suspended")
	}

	rest, err := m.Remaining(ctx, "k1")
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if rest <= 8*time.Second || rest > 10*time.Second {
		t.Fatalf("unexpected remaining %v", rest)
	}

	suspended, err = m.IsSuspended(ctx, "other")
	if err != nil {
		t.Fatalf("is suspended: %v", err)
	}
	if suspended {
		t.Fatal("unknown key must not be suspended")
	}
}

func TestSuspend_DoesNotResetTimer(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	if err := m.Suspend(ctx, "k1", 200*time.Millisecond); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	// A second trigger while suspended must not extend the deadline.
	if err := m.Suspend(ctx, "k1", time.Hour); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	rest, err := m.Remaining(ctx, "k1")
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if rest > 200*time.Millisecond {
		t.Fatalf("timer was reset, remaining %v", rest)
	}
}

func TestSuspend_DefaultDuration(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	if err := m.Suspend(ctx, "k1", 0); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	rest, err := m.Remaining(ctx, "k1")
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if rest < DefaultDuration-time.Second {
		t.Fatalf("expected default duration, got %v", rest)
	}
}

func TestIsSuspended_HealsLapsedEntry(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	healed := make(chan string, 1)
	m.OnExpired(func(_ context.Context, key string) {
		healed <- key
	})

	if err := m.Suspend(ctx, "k1", 40*time.Millisecond); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	suspended, err := m.IsSuspended(ctx, "k1")
	if err != nil {
		t.Fatalf("is suspended: %v", err)
	}
	if suspended {
		t.Fatal("lapsed suspension should read as not suspended")
	}
	select {
	case key := <-healed:
		if key != "k1" {
			t.Fatalf("expected recovery for k1, got %q", key)
		}
	case <-time.After(time.Second):
		t.Fatal("recovery callback never fired")
	}

	exists, err := m.Exists(ctx, "k1")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists {
		t.Fatal("entry should be gone after recovery")
	}

	protected, err := m.IsInProtection(ctx, "k1")
	if err != nil {
		t.Fatalf("protection: %v", err)
	}
	if !protected {
		t.Fatal("recovery must open the protection window")
	}
}

func TestIsSuspended_ConcurrentHealFiresOnce(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	fired := make(chan struct{}, 10)
	m.OnExpired(func(context.Context, string) {
		fired <- struct{}{}
	})

	if err := m.Suspend(ctx, "k1", 30*time.Millisecond); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.IsSuspended(ctx, "k1"); err != nil {
				t.Errorf("is suspended: %v", err)
			}
		}()
	}
	wg.Wait()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("recovery callback never fired")
	}
	select {
	case <-fired:
		t.Fatal("recovery fired more than once")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestResume_ClearsAndProtects(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	fired := make(chan struct{}, 1)
	m.OnExpired(func(context.Context, string) { fired <- struct{}{} })

	if err := m.Suspend(ctx, "k1", time.Hour); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if err := m.Resume(ctx, "k1"); err != nil {
		t.Fatalf("resume: %v", err)
	}

	suspended, err := m.IsSuspended(ctx, "k1")
	if err != nil {
		t.Fatalf("is suspended: %v", err)
	}
	if suspended {
		t.Fatal("resumed key must not be suspended")
	}

	protected, err := m.IsInProtection(ctx, "k1")
	if err != nil {
		t.Fatalf("protection: %v", err)
	}
	if !protected {
		t.Fatal("manual resume must open the protection window")
	}
	select {
	case <-fired:
		t.Fatal("manual resume must not fire the expiry callback")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSweep_HealsOnlyLapsed(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	healed := make(chan string, 2)
	m.OnExpired(func(_ context.Context, key string) {
		healed <- key
	})

	if err := m.Suspend(ctx, "old", 30*time.Millisecond); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if err := m.Suspend(ctx, "fresh", time.Hour); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	n, err := m.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 healed, got %d", n)
	}
	select {
	case key := <-healed:
		if key != "old" {
			t.Fatalf("expected recovery for old, got %q", key)
		}
	case <-time.After(time.Second):
		t.Fatal("recovery callback never fired")
	}

	suspended, err := m.IsSuspended(ctx, "fresh")
	if err != nil {
		t.Fatalf("is suspended: %v", err)
	}
	if !suspended {
		t.Fatal("fresh suspension must survive the sweep")
	}
}

func TestOutstanding(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	if err := m.Suspend(ctx, "k1", time.Hour); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if err := m.Suspend(ctx, "k2", time.Hour); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	out, err := m.Outstanding(ctx)
	if err != nil {
		t.Fatalf("outstanding: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 suspensions, got %d", len(out))
	}
	for _, s := range out {
		if s.Key != "k1" && s.Key != "k2" {
			t.Fatalf("unexpected key %q", s.Key)
		}
		if s.Expired(time.Now()) {
			t.Fatalf("suspension %q should not be expired", s.Key)
		}
	}
}

func TestActiveKeyMarker(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	got, err := m.ActiveKey(ctx, "eastus")
	if err != nil {
		t.Fatalf("active key: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty marker, got %q", got)
	}

	if err := m.SetActiveKey(ctx, "eastus", "k1"); err != nil {
		t.Fatalf("set active: %v", err)
	}
	got, err = m.ActiveKey(ctx, "eastus")
	if err != nil {
		t.Fatalf("active key: %v", err)
	}
	if got != "k1" {
		t.Fatalf("expected k1, got %q", got)
	}

	// Mismatched conditional clear leaves the marker alone.
	if err := m.ClearActiveKeyIf(ctx, "eastus", "k2"); err != nil {
		t.Fatalf("clear if: %v", err)
	}
	got, _ = m.ActiveKey(ctx, "eastus")
	if got != "k1" {
		t.Fatalf("marker should survive mismatched clear, got %q", got)
	}

	if err := m.ClearActiveKeyIf(ctx, "eastus", "k1"); err != nil {
		t.Fatalf("clear if: %v", err)
	}
	got, _ = m.ActiveKey(ctx, "eastus")
	if got != "" {
		t.Fatalf("marker should be cleared, got %q", got)
	}
}

func TestNextCursor_AdvancesAndWraps(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	want := []int{0, 1, 2, 0, 1}
	for i, expected := range want {
		slot, err := m.NextCursor(ctx, "g", "normal", 3)
		if err != nil {
			t.Fatalf("next cursor: %v", err)
		}
		if slot != expected {
			t.Fatalf("call %d: expected slot %d, got %d", i, expected, slot)
		}
	}
}

func TestNextCursor_ModuloShrinks(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	// Walk the cursor to 2 with three candidates.
	for i := 0; i < 2; i++ {
		if _, err := m.NextCursor(ctx, "g", "normal", 3); err != nil {
			t.Fatalf("next cursor: %v", err)
		}
	}

	// One candidate drops out; the stored cursor folds into the smaller
	// list instead of pointing past its end.
	slot, err := m.NextCursor(ctx, "g", "normal", 2)
	if err != nil {
		t.Fatalf("next cursor: %v", err)
	}
	if slot != 0 {
		t.Fatalf("expected slot 0 after shrink, got %d", slot)
	}
}

func TestNextCursor_PerTierIsolation(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	if _, err := m.NextCursor(ctx, "g", "normal", 3); err != nil {
		t.Fatalf("next cursor: %v", err)
	}
	slot, err := m.NextCursor(ctx, "g", "fallback", 3)
	if err != nil {
		t.Fatalf("next cursor: %v", err)
	}
	if slot != 0 {
		t.Fatalf("fallback tier must keep its own cursor, got %d", slot)
	}
}

func TestPurgeKey(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	if err := m.Suspend(ctx, "k1", time.Hour); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if err := m.SetActiveKey(ctx, "g", "k1"); err != nil {
		t.Fatalf("set active: %v", err)
	}

	if err := m.PurgeKey(ctx, "g", "k1"); err != nil {
		t.Fatalf("purge: %v", err)
	}

	exists, err := m.Exists(ctx, "k1")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists {
		t.Fatal("cooldown entry should be purged")
	}
	active, _ := m.ActiveKey(ctx, "g")
	if active != "" {
		t.Fatalf("active marker should be purged, got %q", active)
	}
}
