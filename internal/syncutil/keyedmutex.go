// Package syncutil provides in-process concurrency helpers. The
// distributed lock in internal/lock serializes work across processes;
// the helper here serializes goroutines inside one process where a
// round-trip through the coordination store would be waste.
package syncutil

import (
	"context"
	"hash/fnv"
)

// KeyedMutex serializes goroutines contending on the same string key.
// Keys hash onto a fixed set of slots, so memory stays bounded no
// matter how many distinct keys pass through; two keys sharing a slot
// occasionally wait on each other, which is harmless for the short
// critical sections this guards.
type KeyedMutex struct {
	slots []chan struct{}
}

// NewKeyedMutex creates a KeyedMutex with n slots. n <= 0 picks a
// default sized for per-key critical sections.
func NewKeyedMutex(n int) *KeyedMutex {
	if n <= 0 {
		n = 128
	}
	m := &KeyedMutex{slots: make([]chan struct{}, n)}
	for i := range m.slots {
		m.slots[i] = make(chan struct{}, 1)
	}
	return m
}

// Lock acquires the slot for key, waiting until it frees or ctx ends.
// On success the returned release function must be called exactly once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	slot := m.slots[m.index(key)]
	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(m.slots)))
}
