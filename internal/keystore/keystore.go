// Package keystore is the durable record of the key pool: key identity,
// routing group, health status, tier weight, and counters, plus the
// append-only audit log.
//
// The coordination cache accelerates reads but is never authoritative;
// everything in it can be rebuilt from this store.
package keystore

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrKeyNotFound  = errors.New("key not found")
	ErrDuplicateKey = errors.New("key already exists")
)

// Status is the health state of a key.
type Status string

const (
	StatusEnabled  Status = "enabled"
	StatusDisabled Status = "disabled"
	StatusCooldown Status = "cooldown"
)

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusEnabled, StatusDisabled, StatusCooldown:
		return true
	}
	return false
}

// Audit actions recorded against keys.
const (
	ActionAddKey        = "AddKey"
	ActionUpdateKey     = "UpdateKey"
	ActionDeleteKey     = "DeleteKey"
	ActionDisableKey    = "DisableKey"
	ActionEnableKey     = "EnableKey"
	ActionGetKey        = "GetKey"
	ActionCooldownStart = "CooldownStart"
	ActionCooldownEnd   = "CooldownEnd"
	ActionOutcome       = "ReportOutcome"
)

// Key is one pool credential. Secret is the identity callers present to
// the upstream service; ID orders keys for rotation and addresses them
// in administrative calls.
type Key struct {
	ID         int64      `json:"id"`
	Secret     string     `json:"key"`
	Name       string     `json:"name,omitempty"`
	Group      string     `json:"group"`
	Status     Status     `json:"status"`
	Weight     int        `json:"weight"`
	UsageCount int64      `json:"usageCount"`
	ErrorCount int64      `json:"errorCount"`
	LastUsed   *time.Time `json:"lastUsed,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Fallback reports whether the key belongs to the fallback tier.
func (k *Key) Fallback() bool {
	return k.Weight == 0
}

// KeyUpdate holds the editable fields of a key. Nil fields are left
// unchanged.
type KeyUpdate struct {
	Name   *string
	Group  *string
	Weight *int
}

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Key       string    `json:"key"`
	Action    string    `json:"action"`
	Code      int       `json:"code,omitempty"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// AuditQuery filters the audit log. Before pages backwards through
// results ordered newest first.
type AuditQuery struct {
	Key      string
	Action   string
	Limit    int
	BeforeAt time.Time
	BeforeID int64
}

// Store persists keys and their audit trail.
//
// The Mark methods write the status change, the error-counter bump, and
// the audit entry in one transaction; partial failures roll back whole.
// Callers serialize transitions per key with the lock service, so the
// Mark methods themselves do not re-check the previous status.
type Store interface {
	AddKey(ctx context.Context, k *Key) error
	GetKey(ctx context.Context, secret string) (*Key, error)
	GetKeyByID(ctx context.Context, id int64) (*Key, error)
	// ListKeys returns keys ordered by group then id. An empty group
	// matches all groups.
	ListKeys(ctx context.Context, group string) ([]*Key, error)
	ListByStatus(ctx context.Context, status Status) ([]*Key, error)
	UpdateKey(ctx context.Context, id int64, upd KeyUpdate) (*Key, error)
	DeleteKey(ctx context.Context, id int64) error

	// SelectKey loads the Enabled keys of group ordered by id, row-locked
	// against concurrent selections, and hands them to pick. When pick
	// returns a key, its usage counter and last-used timestamp advance
	// and a GetKey audit entry lands in the same transaction. Any error
	// from pick rolls the transaction back and is returned unchanged.
	SelectKey(ctx context.Context, group string, pick func(candidates []*Key) (*Key, error)) (*Key, error)

	MarkDisabled(ctx context.Context, secret string, code int, note string) error
	MarkCooldown(ctx context.Context, secret string, code int, note string) error
	// MarkEnabled records a return to Enabled; action distinguishes a
	// manual EnableKey from an automatic CooldownEnd.
	MarkEnabled(ctx context.Context, secret, action, note string) error
	// LogOutcome appends an audit entry without touching key state.
	LogOutcome(ctx context.Context, secret string, code int, note string) error

	QueryAudit(ctx context.Context, q AuditQuery) ([]*AuditEntry, error)
	// PruneAudit deletes audit entries older than before and returns how
	// many were removed.
	PruneAudit(ctx context.Context, before time.Time) (int64, error)
}

// Mask shortens a secret for log output.
func Mask(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
