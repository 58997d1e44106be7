package coord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// conflictRetries bounds how many times an Update script is replayed
// when badger detects a serialization conflict.
const conflictRetries = 5

// BadgerStore backs the coordination store with an embedded BadgerDB so
// cooldown and cursor state survive process restarts. Entries carry
// badger-native TTLs; expired items are invisible to all reads.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens a BadgerStore at path, creating the directory if
// needed. An empty path opens an in-memory database.
func OpenBadger(path string, logger *slog.Logger) (*BadgerStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, fmt.Errorf("create coord directory %s: %w", path, err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open coord store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var value string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		value = string(raw)
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("coord get %s: %w", key, err)
	}
	return value, nil
}

// Set implements Store.
func (s *BadgerStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return setEntry(txn, key, value, ttl)
	})
	if err != nil {
		return fmt.Errorf("coord set %s: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("coord delete %s: %w", key, err)
	}
	return nil
}

// Scan implements Store. Like MemoryStore, fn runs against a snapshot so
// it may call back into the store.
func (s *BadgerStore) Scan(ctx context.Context, prefix string, fn func(key, value string) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	type kv struct{ k, v string }
	var live []kv

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			live = append(live, kv{k: string(item.Key()), v: string(raw)})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("coord scan %s: %w", prefix, err)
	}

	for _, e := range live {
		if err := fn(e.k, e.v); err != nil {
			return err
		}
	}
	return nil
}

// Update implements Store. Scripts are replayed on serialization
// conflicts up to conflictRetries times.
func (s *BadgerStore) Update(ctx context.Context, fn func(tx Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		err = s.db.Update(func(txn *badger.Txn) error {
			return fn(&badgerTxn{txn: txn})
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("coord update: %w", err)
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func setEntry(txn *badger.Txn, key, value string, ttl time.Duration) error {
	e := badger.NewEntry([]byte(key), []byte(value))
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return txn.SetEntry(e)
}

type badgerTxn struct {
	txn *badger.Txn
}

func (t *badgerTxn) Get(key string) (string, error) {
	item, err := t.txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (t *badgerTxn) Set(key, value string, ttl time.Duration) error {
	return setEntry(t.txn, key, value, ttl)
}

func (t *badgerTxn) Delete(key string) error {
	return t.txn.Delete([]byte(key))
}

// badgerLogger adapts slog to badger's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any)   { l.logger.Error(fmt.Sprintf(format, args...)) }
func (l *badgerLogger) Warningf(format string, args ...any) { l.logger.Warn(fmt.Sprintf(format, args...)) }
func (l *badgerLogger) Infof(format string, args ...any)    { l.logger.Debug(fmt.Sprintf(format, args...)) }
func (l *badgerLogger) Debugf(format string, args ...any)   { l.logger.Debug(fmt.Sprintf(format, args...)) }
