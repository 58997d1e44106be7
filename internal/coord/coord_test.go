package coord

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"
)

// eachStore runs fn against every Store implementation.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		s := NewMemory()
		defer s.Close()
		fn(t, s)
	})

	t.Run("badger", func(t *testing.T) {
		s, err := OpenBadger("", nil)
		if err != nil {
			t.Fatalf("open badger: %v", err)
		}
		defer s.Close()
		fn(t, s)
	})
}

func TestStore_SetGet(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}

		if err := s.Set(ctx, "k1", "v1", 0); err != nil {
			t.Fatalf("set: %v", err)
		}
		v, err := s.Get(ctx, "k1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if v != "v1" {
			t.Fatalf("expected v1, got %q", v)
		}
	})
}

func TestStore_TTLExpiry(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		if err := s.Set(ctx, "short", "v", 50*time.Millisecond); err != nil {
			t.Fatalf("set: %v", err)
		}
		if _, err := s.Get(ctx, "short"); err != nil {
			t.Fatalf("expected live entry, got %v", err)
		}

		time.Sleep(80 * time.Millisecond)

		if _, err := s.Get(ctx, "short"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected expiry, got %v", err)
		}
	})
}

func TestStore_DeleteIdempotent(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		if err := s.Set(ctx, "k", "v", 0); err != nil {
			t.Fatalf("set: %v", err)
		}
		if err := s.Delete(ctx, "k"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := s.Delete(ctx, "k"); err != nil {
			t.Fatalf("second delete should be a no-op, got %v", err)
		}
		if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
	})
}

func TestSetNX(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		set, err := SetNX(ctx, s, "lock", "owner-a", 0)
		if err != nil {
			t.Fatalf("setnx: %v", err)
		}
		if !set {
			t.Fatal("first SetNX should win")
		}

		set, err = SetNX(ctx, s, "lock", "owner-b", 0)
		if err != nil {
			t.Fatalf("setnx: %v", err)
		}
		if set {
			t.Fatal("second SetNX should lose")
		}

		v, err := s.Get(ctx, "lock")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if v != "owner-a" {
			t.Fatalf("expected original owner, got %q", v)
		}
	})
}

func TestSetNX_WinsAfterExpiry(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		if _, err := SetNX(ctx, s, "lock", "a", 40*time.Millisecond); err != nil {
			t.Fatalf("setnx: %v", err)
		}
		time.Sleep(70 * time.Millisecond)

		set, err := SetNX(ctx, s, "lock", "b", 0)
		if err != nil {
			t.Fatalf("setnx: %v", err)
		}
		if !set {
			t.Fatal("SetNX should win once the previous entry expired")
		}
	})
}

func TestSetNX_ContendedSingleWinner(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const callers = 20

		start := make(chan struct{})
		wins := make(chan string, callers)
		errs := make(chan error, callers)

		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(owner string) {
				defer wg.Done()
				<-start
				set, err := SetNX(ctx, s, "lock", owner, 0)
				if err != nil {
					errs <- err
					return
				}
				if set {
					wins <- owner
				}
			}(strconv.Itoa(i))
		}
		close(start)
		wg.Wait()
		close(wins)
		close(errs)

		for err := range errs {
			t.Fatalf("setnx: %v", err)
		}
		var winners []string
		for w := range wins {
			winners = append(winners, w)
		}
		if len(winners) != 1 {
			t.Fatalf("expected exactly one winner, got %v", winners)
		}
		v, err := s.Get(ctx, "lock")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if v != winners[0] {
			t.Fatalf("store holds %q but %q reported the write", v, winners[0])
		}
	})
}

func TestCompareDelete(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		if err := s.Set(ctx, "lock", "token-1", 0); err != nil {
			t.Fatalf("set: %v", err)
		}

		deleted, err := CompareDelete(ctx, s, "lock", "token-2")
		if err != nil {
			t.Fatalf("compare delete: %v", err)
		}
		if deleted {
			t.Fatal("mismatched token must not delete")
		}

		deleted, err = CompareDelete(ctx, s, "lock", "token-1")
		if err != nil {
			t.Fatalf("compare delete: %v", err)
		}
		if !deleted {
			t.Fatal("matching token should delete")
		}

		deleted, err = CompareDelete(ctx, s, "lock", "token-1")
		if err != nil {
			t.Fatalf("compare delete: %v", err)
		}
		if deleted {
			t.Fatal("absent key should report not deleted")
		}
	})
}

// racingStore runs scripts on a BadgerStore and commits a competing
// write after a script's first pass but before that pass commits, so
// the conflict replay path runs against an already-claimed key.
type racingStore struct {
	*BadgerStore
	key   string
	value string
	runs  int
}

func (s *racingStore) Update(ctx context.Context, fn func(tx Txn) error) error {
	return s.BadgerStore.Update(ctx, func(tx Txn) error {
		s.runs++
		err := fn(tx)
		if s.runs == 1 {
			if serr := s.BadgerStore.Set(ctx, s.key, s.value, 0); serr != nil {
				return serr
			}
		}
		return err
	})
}

func TestSetNX_LosesCommitRace(t *testing.T) {
	b, err := OpenBadger("", nil)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	defer b.Close()
	ctx := context.Background()

	s := &racingStore{BadgerStore: b, key: "lock", value: "owner-b"}
	set, err := SetNX(ctx, s, "lock", "owner-a", 0)
	if err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if s.runs < 2 {
		t.Fatalf("expected a conflict replay, script ran %d time(s)", s.runs)
	}
	if set {
		t.Fatal("losing the commit race must not report the write")
	}

	v, err := b.Get(ctx, "lock")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != "owner-b" {
		t.Fatalf("expected the competing owner to hold the key, got %q", v)
	}
}

func TestCompareDelete_LosesCommitRace(t *testing.T) {
	b, err := OpenBadger("", nil)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	defer b.Close()
	ctx := context.Background()

	if err := b.Set(ctx, "lock", "token-1", 0); err != nil {
		t.Fatalf("set: %v", err)
	}

	// The holder is replaced while the release script is in flight.
	s := &racingStore{BadgerStore: b, key: "lock", value: "token-2"}
	deleted, err := CompareDelete(ctx, s, "lock", "token-1")
	if err != nil {
		t.Fatalf("compare delete: %v", err)
	}
	if s.runs < 2 {
		t.Fatalf("expected a conflict replay, script ran %d time(s)", s.runs)
	}
	if deleted {
		t.Fatal("losing the commit race must not report the delete")
	}

	v, err := b.Get(ctx, "lock")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != "token-2" {
		t.Fatalf("expected the new holder to survive, got %q", v)
	}
}

func TestUpdate_DiscardsOnError(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		boom := errors.New("boom")

		err := s.Update(ctx, func(tx Txn) error {
			if err := tx.Set("a", "1", 0); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected script error, got %v", err)
		}
		if _, err := s.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
			t.Fatal("failed script must not leave writes behind")
		}
	})
}

func TestUpdate_ReadsOwnWrites(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		err := s.Update(ctx, func(tx Txn) error {
			if err := tx.Set("a", "1", 0); err != nil {
				return err
			}
			v, err := tx.Get("a")
			if err != nil {
				return err
			}
			if v != "1" {
				return fmt.Errorf("expected own write, got %q", v)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
	})
}

func TestUpdate_ConcurrentCounter(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const workers = 20

		incr := func() error {
			return s.Update(ctx, func(tx Txn) error {
				n := 0
				v, err := tx.Get("counter")
				if err == nil {
					n, err = strconv.Atoi(v)
					if err != nil {
						return err
					}
				} else if !errors.Is(err, ErrNotFound) {
					return err
				}
				return tx.Set("counter", strconv.Itoa(n+1), 0)
			})
		}

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				// Conflicting scripts are retried until they land.
				for {
					if err := incr(); err == nil {
						return
					}
				}
			}()
		}
		wg.Wait()

		v, err := s.Get(ctx, "counter")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if v != strconv.Itoa(workers) {
			t.Fatalf("expected %d increments, got %s", workers, v)
		}
	})
}

func TestScan_PrefixOnly(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		pairs := map[string]string{
			"cooldown:k1": "10",
			"cooldown:k2": "20",
			"lock:g1":     "tok",
		}
		for k, v := range pairs {
			if err := s.Set(ctx, k, v, 0); err != nil {
				t.Fatalf("set %s: %v", k, err)
			}
		}

		got := map[string]string{}
		err := s.Scan(ctx, "cooldown:", func(k, v string) error {
			got[k] = v
			return nil
		})
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(got))
		}
		if got["cooldown:k1"] != "10" || got["cooldown:k2"] != "20" {
			t.Fatalf("unexpected scan result: %v", got)
		}
	})
}

func TestScan_SkipsExpired(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		if err := s.Set(ctx, "p:live", "1", 0); err != nil {
			t.Fatalf("set: %v", err)
		}
		if err := s.Set(ctx, "p:dead", "1", 30*time.Millisecond); err != nil {
			t.Fatalf("set: %v", err)
		}
		time.Sleep(60 * time.Millisecond)

		var keys []string
		err := s.Scan(ctx, "p:", func(k, _ string) error {
			keys = append(keys, k)
			return nil
		})
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		if len(keys) != 1 || keys[0] != "p:live" {
			t.Fatalf("expected only the live entry, got %v", keys)
		}
	})
}
