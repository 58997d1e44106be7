package keystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a PostgreSQL-backed key store. Schema management
// lives in migrations/, run via cmd/migrate.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const keyColumns = `id, secret, name, key_group, status, weight, usage_count, error_count, last_used, created_at, updated_at`

func scanKey(row interface{ Scan(...any) error }) (*Key, error) {
	var k Key
	var lastUsed sql.NullTime
	err := row.Scan(&k.ID, &k.Secret, &k.Name, &k.Group, &k.Status, &k.Weight,
		&k.UsageCount, &k.ErrorCount, &lastUsed, &k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		k.LastUsed = &t
	}
	return &k, nil
}

// AddKey inserts a new key and fills in its assigned ID and timestamps.
func (p *PostgresStore) AddKey(ctx context.Context, k *Key) error {
	if k.Status == "" {
		k.Status = StatusEnabled
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO keys (secret, name, key_group, status, weight)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`, k.Secret, k.Name, k.Group, k.Status, k.Weight).Scan(&k.ID, &k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert key: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_log (key_secret, action, note) VALUES ($1, $2, $3)
	`, k.Secret, ActionAddKey, k.Group)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}

	return tx.Commit()
}

// GetKey retrieves a key by its secret.
func (p *PostgresStore) GetKey(ctx context.Context, secret string) (*Key, error) {
	k, err := scanKey(p.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM keys WHERE secret = $1`, secret))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

// GetKeyByID retrieves a key by its numeric ID.
func (p *PostgresStore) GetKeyByID(ctx context.Context, id int64) (*Key, error) {
	k, err := scanKey(p.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM keys WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

// ListKeys returns keys ordered by group then id.
func (p *PostgresStore) ListKeys(ctx context.Context, group string) ([]*Key, error) {
	query := `SELECT ` + keyColumns + ` FROM keys ORDER BY key_group, id`
	args := []any{}
	if group != "" {
		query = `SELECT ` + keyColumns + ` FROM keys WHERE key_group = $1 ORDER BY id`
		args = append(args, group)
	}
	return p.queryKeys(ctx, query, args...)
}

// ListByStatus returns every key currently in the given status.
func (p *PostgresStore) ListByStatus(ctx context.Context, status Status) ([]*Key, error) {
	return p.queryKeys(ctx,
		`SELECT `+keyColumns+` FROM keys WHERE status = $1 ORDER BY id`, status)
}

func (p *PostgresStore) queryKeys(ctx context.Context, query string, args ...any) ([]*Key, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateKey edits a key's mutable fields.
func (p *PostgresStore) UpdateKey(ctx context.Context, id int64, upd KeyUpdate) (*Key, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	k, err := scanKey(tx.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM keys WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
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

	err = tx.QueryRowContext(ctx, `
		UPDATE keys SET name = $2, key_group = $3, weight = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`, id, k.Name, k.Group, k.Weight).Scan(&k.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update key: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_log (key_secret, action, note) VALUES ($1, $2, $3)
	`, k.Secret, ActionUpdateKey, k.Group)
	if err != nil {
		return nil, fmt.Errorf("record audit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return k, nil
}

// DeleteKey removes a key. Coordination-cache cleanup is the caller's
// responsibility.
func (p *PostgresStore) DeleteKey(ctx context.Context, id int64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var secret string
	err = tx.QueryRowContext(ctx, `DELETE FROM keys WHERE id = $1 RETURNING secret`, id).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("delete key: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_log (key_secret, action) VALUES ($1, $2)
	`, secret, ActionDeleteKey)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}

	return tx.Commit()
}

// SelectKey implements the locked candidate read described on the Store
// interface.
func (p *PostgresStore) SelectKey(ctx context.Context, group string, pick func([]*Key) (*Key, error)) (*Key, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+keyColumns+` FROM keys
		WHERE key_group = $1 AND status = $2
		ORDER BY id
		FOR UPDATE
	`, group, StatusEnabled)
	if err != nil {
		return nil, err
	}
	var candidates []*Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, k)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	chosen, err := pick(candidates)
	if err != nil {
		return nil, err
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE keys SET usage_count = usage_count + 1, last_used = NOW(), updated_at = NOW()
		WHERE id = $1
		RETURNING usage_count, last_used
	`, chosen.ID).Scan(&chosen.UsageCount, &chosen.LastUsed)
	if err != nil {
		return nil, fmt.Errorf("update usage: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_log (key_secret, action, note) VALUES ($1, $2, $3)
	`, chosen.Secret, ActionGetKey, group)
	if err != nil {
		return nil, fmt.Errorf("record audit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return chosen, nil
}

func (p *PostgresStore) markStatus(ctx context.Context, secret string, to Status, bumpErrors bool, action string, code int, note string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `UPDATE keys SET status = $2, updated_at = NOW() WHERE secret = $1`
	if bumpErrors {
		query = `UPDATE keys SET status = $2, error_count = error_count + 1, updated_at = NOW() WHERE secret = $1`
	}
	result, err := tx.ExecContext(ctx, query, secret, to)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrKeyNotFound
	}

	var codeArg any
	if code != 0 {
		codeArg = code
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_log (key_secret, action, code, note) VALUES ($1, $2, $3, $4)
	`, secret, action, codeArg, note)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}

	return tx.Commit()
}

// MarkDisabled transitions a key to Disabled.
func (p *PostgresStore) MarkDisabled(ctx context.Context, secret string, code int, note string) error {
	return p.markStatus(ctx, secret, StatusDisabled, true, ActionDisableKey, code, note)
}

// MarkCooldown transitions a key to Cooldown.
func (p *PostgresStore) MarkCooldown(ctx context.Context, secret string, code int, note string) error {
	return p.markStatus(ctx, secret, StatusCooldown, true, ActionCooldownStart, code, note)
}

// MarkEnabled transitions a key back to Enabled.
func (p *PostgresStore) MarkEnabled(ctx context.Context, secret, action, note string) error {
	return p.markStatus(ctx, secret, StatusEnabled, false, action, 0, note)
}

// LogOutcome appends an audit entry without changing key state.
func (p *PostgresStore) LogOutcome(ctx context.Context, secret string, code int, note string) error {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM keys WHERE secret = $1)`, secret).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return ErrKeyNotFound
	}

	var codeArg any
	if code != 0 {
		codeArg = code
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO audit_log (key_secret, action, code, note) VALUES ($1, $2, $3, $4)
	`, secret, ActionOutcome, codeArg, note)
	return err
}

// QueryAudit returns audit entries newest first.
func (p *PostgresStore) QueryAudit(ctx context.Context, q AuditQuery) ([]*AuditEntry, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	query := `SELECT id, key_secret, action, COALESCE(code, 0), COALESCE(note, ''), created_at FROM audit_log WHERE 1=1`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.Key != "" {
		query += ` AND key_secret = ` + arg(q.Key)
	}
	if q.Action != "" {
		query += ` AND action = ` + arg(q.Action)
	}
	if !q.BeforeAt.IsZero() {
		query += ` AND (created_at, id) < (` + arg(q.BeforeAt) + `, ` + arg(q.BeforeID) + `)`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ` + arg(q.Limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Key, &e.Action, &e.Code, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// PruneAudit deletes audit entries older than before.
func (p *PostgresStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
