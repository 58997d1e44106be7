package coord

import (
	"context"
	"sort"
	"sync"
	"time"
)

// janitorInterval is how often the memory store drops expired entries
// that nothing has read since they lapsed.
const janitorInterval = time.Minute

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e memEntry) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// MemoryStore is an in-process Store for tests and single-node runs.
// Update scripts execute under one mutex, so they are trivially atomic.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	stop    chan struct{}
	once    sync.Once
}

// NewMemory creates an empty in-memory store and starts its janitor.
func NewMemory() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]memEntry),
		stop:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for k, e := range s.entries {
				if !e.live(now) {
					delete(s.entries, k)
				}
			}
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return "", ErrNotFound
	}
	if !e.live(time.Now()) {
		delete(s.entries, key)
		return "", ErrNotFound
	}
	return e.value, nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = newMemEntry(value, ttl)
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Scan implements Store. fn runs against a snapshot taken at call time,
// so it may safely call back into the store.
func (s *MemoryStore) Scan(ctx context.Context, prefix string, fn func(key, value string) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now()

	s.mu.Lock()
	type kv struct{ k, v string }
	var live []kv
	for k, e := range s.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix && e.live(now) {
			live = append(live, kv{k, e.value})
		}
	}
	s.mu.Unlock()

	sort.Slice(live, func(i, j int) bool { return live[i].k < live[j].k })
	for _, e := range live {
		if err := fn(e.k, e.v); err != nil {
			return err
		}
	}
	return nil
}

// Update implements Store. Writes stage in an overlay and apply only if
// fn returns nil.
func (s *MemoryStore) Update(ctx context.Context, fn func(tx Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTxn{store: s, pending: make(map[string]*memEntry)}
	if err := fn(tx); err != nil {
		return err
	}
	for k, e := range tx.pending {
		if e == nil {
			delete(s.entries, k)
		} else {
			s.entries[k] = *e
		}
	}
	return nil
}

// Close stops the janitor. The store remains usable afterwards.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

func newMemEntry(value string, ttl time.Duration) memEntry {
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	return e
}

// memTxn overlays pending writes on the store. A nil pending entry marks
// a deletion.
type memTxn struct {
	store   *MemoryStore
	pending map[string]*memEntry
}

func (t *memTxn) Get(key string) (string, error) {
	if e, ok := t.pending[key]; ok {
		if e == nil || !e.live(time.Now()) {
			return "", ErrNotFound
		}
		return e.value, nil
	}
	e, ok := t.store.entries[key]
	if !ok || !e.live(time.Now()) {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (t *memTxn) Set(key, value string, ttl time.Duration) error {
	e := newMemEntry(value, ttl)
	t.pending[key] = &e
	return nil
}

func (t *memTxn) Delete(key string) error {
	t.pending[key] = nil
	return nil
}
