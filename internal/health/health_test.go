package health

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	_ "github.com/lib/pq"
)

func TestCheckAll_EmptyRegistryIsHealthy(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry reported unhealthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("got %d statuses, want 0", len(statuses))
	}
}

func TestCheckAll_BuildsStatusFromProbeResults(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) error { return nil })
	r.Register("coordination", func(context.Context) error { return errors.New("badger closed") })

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with a failing probe reported healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("got %d statuses, want 2", len(statuses))
	}
	if statuses[0].Name != "database" || !statuses[0].Healthy || statuses[0].Detail != "" {
		t.Fatalf("database status = %+v", statuses[0])
	}
	if statuses[1].Name != "coordination" || statuses[1].Healthy || statuses[1].Detail != "badger closed" {
		t.Fatalf("coordination status = %+v", statuses[1])
	}
}

func TestCheckAll_PreservesRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"database", "coordination", "hub"} {
		r.Register(name, func(context.Context) error { return nil })
	}

	_, statuses := r.CheckAll(context.Background())
	for i, want := range []string{"database", "coordination", "hub"} {
		if statuses[i].Name != want {
			t.Fatalf("statuses[%d] = %q, want %q", i, statuses[i].Name, want)
		}
	}
}

func TestRegister_ReplacesProbeKeepsPosition(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) error { return errors.New("down") })
	r.Register("coordination", func(context.Context) error { return nil })
	r.Register("database", func(context.Context) error { return nil })

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("replaced probe still failing")
	}
	if len(statuses) != 2 || statuses[0].Name != "database" {
		t.Fatalf("statuses = %+v", statuses)
	}
}

func TestCheckAll_ProbesGetDeadline(t *testing.T) {
	r := NewRegistry()
	r.Register("slow", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline set")
		}
		return nil
	})
	if healthy, _ := r.CheckAll(context.Background()); !healthy {
		t.Fatal("probe did not receive a deadline")
	}
}

func TestDB_UnreachableDatabase(t *testing.T) {
	db, err := sql.Open("postgres", "host=127.0.0.1 port=1 user=none dbname=none sslmode=disable connect_timeout=1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := DB(db)(context.Background()); err == nil {
		t.Fatal("probe against unreachable database returned nil")
	}
}

func TestRegistry_ConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("probe", func(context.Context) error { return nil })
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
