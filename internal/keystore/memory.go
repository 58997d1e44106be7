package keystore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory key store for demo/development mode and
// tests. It mirrors the transactional semantics of PostgresStore under a
// single mutex.
type MemoryStore struct {
	mu          sync.RWMutex
	bySecret    map[string]*Key
	byID        map[int64]*Key
	audit       []*AuditEntry
	nextID      int64
	nextAuditID int64
}

// NewMemory creates an empty in-memory key store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		bySecret: make(map[string]*Key),
		byID:     make(map[int64]*Key),
	}
}

func (m *MemoryStore) appendAudit(secret, action string, code int, note string) {
	m.nextAuditID++
	m.audit = append(m.audit, &AuditEntry{
		ID:        m.nextAuditID,
		Key:       secret,
		Action:    action,
		Code:      code,
		Note:      note,
		CreatedAt: time.Now(),
	})
}

func copyKey(k *Key) *Key {
	cp := *k
	if k.LastUsed != nil {
		t := *k.LastUsed
		cp.LastUsed = &t
	}
	return &cp
}

// AddKey implements Store.
func (m *MemoryStore) AddKey(ctx context.Context, k *Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bySecret[k.Secret]; ok {
		return ErrDuplicateKey
	}
	if k.Status == "" {
		k.Status = StatusEnabled
	}
	m.nextID++
	k.ID = m.nextID
	now := time.Now()
	k.CreatedAt = now
	k.UpdatedAt = now

	stored := copyKey(k)
	m.bySecret[k.Secret] = stored
	m.byID[k.ID] = stored
	m.appendAudit(k.Secret, ActionAddKey, 0, k.Group)
	return nil
}

// GetKey implements Store.
func (m *MemoryStore) GetKey(ctx context.Context, secret string) (*Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k, ok := m.bySecret[secret]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return copyKey(k), nil
}

// GetKeyByID implements Store.
func (m *MemoryStore) GetKeyByID(ctx context.Context, id int64) (*Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k, ok := m.byID[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return copyKey(k), nil
}

// ListKeys implements Store.
func (m *MemoryStore) ListKeys(ctx context.Context, group string) ([]*Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []*Key
	for _, k := range m.byID {
		if group == "" || k.Group == group {
			keys = append(keys, copyKey(k))
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Group != keys[j].Group {
			return keys[i].Group < keys[j].Group
		}
		return keys[i].ID < keys[j].ID
	})
	return keys, nil
}

// ListByStatus implements Store.
func (m *MemoryStore) ListByStatus(ctx context.Context, status Status) ([]*Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []*Key
	for _, k := range m.byID {
		if k.Status == status {
			keys = append(keys, copyKey(k))
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })
	return keys, nil
}

// UpdateKey implements Store.
func (m *MemoryStore) UpdateKey(ctx context.Context, id int64, upd KeyUpdate) (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.byID[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	if upd.Name != nil {
		k.Name = *upd.Name
	}
	if upd.Group != nil {
		k.Group = *upd.Group
	}
	if upd.Weight != nil {
		k.Weight = *upd.Weight
	}
	k.UpdatedAt = time.Now()
	m.appendAudit(k.Secret, ActionUpdateKey, 0, k.Group)
	return copyKey(k), nil
}

// DeleteKey implements Store.
func (m *MemoryStore) DeleteKey(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.byID[id]
	if !ok {
		return ErrKeyNotFound
	}
	delete(m.byID, id)
	delete(m.bySecret, k.Secret)
	m.appendAudit(k.Secret, ActionDeleteKey, 0, "")
	return nil
}

// SelectKey implements Store. The mutex stands in for row-level locking:
// candidate reads and the usage update are serialized as one unit.
func (m *MemoryStore) SelectKey(ctx context.Context, group string, pick func([]*Key) (*Key, error)) (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*Key
	for _, k := range m.byID {
		if k.Group == group && k.Status == StatusEnabled {
			candidates = append(candidates, copyKey(k))
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	chosen, err := pick(candidates)
	if err != nil {
		return nil, err
	}

	stored, ok := m.byID[chosen.ID]
	if !ok {
		return nil, ErrKeyNotFound
	}
	now := time.Now()
	stored.UsageCount++
	stored.LastUsed = &now
	stored.UpdatedAt = now
	m.appendAudit(stored.Secret, ActionGetKey, 0, group)
	return copyKey(stored), nil
}

func (m *MemoryStore) markStatus(secret string, to Status, bumpErrors bool, action string, code int, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.bySecret[secret]
	if !ok {
		return ErrKeyNotFound
	}
	k.Status = to
	if bumpErrors {
		k.ErrorCount++
	}
	k.UpdatedAt = time.Now()
	m.appendAudit(secret, action, code, note)
	return nil
}

// MarkDisabled implements Store.
func (m *MemoryStore) MarkDisabled(ctx context.Context, secret string, code int, note string) error {
	return m.markStatus(secret, StatusDisabled, true, ActionDisableKey, code, note)
}

// MarkCooldown implements Store.
func (m *MemoryStore) MarkCooldown(ctx context.Context, secret string, code int, note string) error {
	return m.markStatus(secret, StatusCooldown, true, ActionCooldownStart, code, note)
}

// MarkEnabled implements Store.
func (m *MemoryStore) MarkEnabled(ctx context.Context, secret, action, note string) error {
	return m.markStatus(secret, StatusEnabled, false, action, 0, note)
}

// LogOutcome implements Store.
func (m *MemoryStore) LogOutcome(ctx context.Context, secret string, code int, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bySecret[secret]; !ok {
		return ErrKeyNotFound
	}
	m.appendAudit(secret, ActionOutcome, code, note)
	return nil
}

// QueryAudit implements Store.
func (m *MemoryStore) QueryAudit(ctx context.Context, q AuditQuery) ([]*AuditEntry, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []*AuditEntry
	for i := len(m.audit) - 1; i >= 0 && len(entries) < q.Limit; i-- {
		e := m.audit[i]
		if q.Key != "" && e.Key != q.Key {
			continue
		}
		if q.Action != "" && e.Action != q.Action {
			continue
		}
		if !q.BeforeAt.IsZero() {
			if e.CreatedAt.After(q.BeforeAt) {
				continue
			}
			if e.CreatedAt.Equal(q.BeforeAt) && e.ID >= q.BeforeID {
				continue
			}
		}
		cp := *e
		entries = append(entries, &cp)
	}
	return entries, nil
}

// PruneAudit implements Store.
func (m *MemoryStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.audit[:0]
	var removed int64
	for _, e := range m.audit {
		if e.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.audit = kept
	return removed, nil
}
