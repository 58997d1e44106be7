// Package settings serves runtime tunables from the persistent store
// with a short read-through cache. Operators change behavior (cooldown
// length, outcome-code classification, selection strategy, concurrency
// ceiling) without a restart; absent rows fall back to deployment
// defaults.
package settings

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Setting names understood by the typed getters.
const (
	NameCooldownSeconds = "cooldown_seconds"
	NameDisableCodes    = "disable_codes"
	NameCooldownCodes   = "cooldown_codes"
	NameStrategy        = "selection_strategy"
	NameMaxConcurrent   = "max_concurrent"
)

// Selection strategies.
const (
	StrategySticky     = "sticky"
	StrategyRoundRobin = "round_robin"
)

// DefaultCacheTTL is how long a loaded snapshot is served before the
// store is consulted again.
const DefaultCacheTTL = 30 * time.Second

// ErrNotFound means no setting row exists under that name.
var ErrNotFound = errors.New("setting not found")

// Store is the persistent half of the settings source.
type Store interface {
	Get(ctx context.Context, name string) (string, error)
	Set(ctx context.Context, name, value string) error
	Delete(ctx context.Context, name string) error
	All(ctx context.Context) (map[string]string, error)
}

// Defaults are the values served when the store has no row. Zero fields
// fall back to the package baselines.
type Defaults struct {
	CooldownSeconds int
	DisableCodes    []int
	CooldownCodes   []int
	Strategy        string
	MaxConcurrent   int
}

func (d Defaults) withBaselines() Defaults {
	if d.CooldownSeconds <= 0 {
		d.CooldownSeconds = 300
	}
	if len(d.DisableCodes) == 0 {
		d.DisableCodes = []int{401}
	}
	if len(d.CooldownCodes) == 0 {
		d.CooldownCodes = []int{429}
	}
	if d.Strategy != StrategySticky && d.Strategy != StrategyRoundRobin {
		d.Strategy = StrategySticky
	}
	if d.MaxConcurrent < 0 {
		d.MaxConcurrent = 0
	}
	return d
}

// Source reads settings through a cached snapshot of the whole table.
// A load failure serves the previous snapshot and retries on the next
// call, so a flapping store degrades to stale values, not defaults.
type Source struct {
	store    Store
	ttl      time.Duration
	defaults Defaults
	logger   *slog.Logger

	mu       sync.RWMutex
	values   map[string]string
	lastLoad time.Time
}

// NewSource creates a Source over store. ttl <= 0 uses DefaultCacheTTL.
func NewSource(store Store, ttl time.Duration, d Defaults, logger *slog.Logger) *Source {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		store:    store,
		ttl:      ttl,
		defaults: d.withBaselines(),
		logger:   logger,
	}
}

// Invalidate drops the cached snapshot so the next read hits the store.
// Called after an administrative write.
func (s *Source) Invalidate() {
	s.mu.Lock()
	s.lastLoad = time.Time{}
	s.mu.Unlock()
}

func (s *Source) lookup(ctx context.Context, name string) (string, bool) {
	s.mu.RLock()
	if time.Since(s.lastLoad) < s.ttl {
		v, ok := s.values[name]
		s.mu.RUnlock()
		return v, ok
	}
	s.mu.RUnlock()

	values, err := s.store.All(ctx)
	if err != nil {
		s.logger.Warn("settings load failed, serving stale snapshot", "error", err)
		s.mu.Lock()
		s.lastLoad = time.Time{}
		v, ok := s.values[name]
		s.mu.Unlock()
		return v, ok
	}

	s.mu.Lock()
	s.values = values
	s.lastLoad = time.Now()
	v, ok := values[name]
	s.mu.Unlock()
	return v, ok
}

// CooldownDuration returns the suspension length for cooldown-triggered
// keys.
func (s *Source) CooldownDuration(ctx context.Context) time.Duration {
	if v, ok := s.lookup(ctx, NameCooldownSeconds); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
		s.logger.Warn("ignoring bad setting", "name", NameCooldownSeconds, "value", v)
	}
	return time.Duration(s.defaults.CooldownSeconds) * time.Second
}

// DisableCodes returns the outcome codes that permanently disable a key.
func (s *Source) DisableCodes(ctx context.Context) map[int]struct{} {
	return s.codeSet(ctx, NameDisableCodes, s.defaults.DisableCodes)
}

// CooldownCodes returns the outcome codes that suspend a key.
func (s *Source) CooldownCodes(ctx context.Context) map[int]struct{} {
	return s.codeSet(ctx, NameCooldownCodes, s.defaults.CooldownCodes)
}

func (s *Source) codeSet(ctx context.Context, name string, fallback []int) map[int]struct{} {
	if v, ok := s.lookup(ctx, name); ok {
		codes, err := ParseCodes(v)
		if err == nil {
			return codes
		}
		s.logger.Warn("ignoring bad setting", "name", name, "value", v, "error", err)
	}
	out := make(map[int]struct{}, len(fallback))
	for _, c := range fallback {
		out[c] = struct{}{}
	}
	return out
}

// Strategy returns the configured selection strategy name.
func (s *Source) Strategy(ctx context.Context) string {
	if v, ok := s.lookup(ctx, NameStrategy); ok {
		switch strings.TrimSpace(v) {
		case StrategySticky:
			return StrategySticky
		case StrategyRoundRobin:
			return StrategyRoundRobin
		}
		s.logger.Warn("ignoring bad setting", "name", NameStrategy, "value", v)
	}
	return s.defaults.Strategy
}

// MaxConcurrent returns the default per-key concurrency ceiling.
// Zero means no ceiling.
func (s *Source) MaxConcurrent(ctx context.Context) int {
	if v, ok := s.lookup(ctx, NameMaxConcurrent); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			return n
		}
		s.logger.Warn("ignoring bad setting", "name", NameMaxConcurrent, "value", v)
	}
	return s.defaults.MaxConcurrent
}

// ParseCodes parses a comma-separated code list like "401,404".
func ParseCodes(v string) (map[int]struct{}, error) {
	out := make(map[int]struct{})
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, errors.New("bad code list " + strconv.Quote(v))
		}
		out[n] = struct{}{}
	}
	return out, nil
}

// FormatCodes renders a code set in the stored form, sorted for
// stable output.
func FormatCodes(codes map[int]struct{}) string {
	list := make([]int, 0, len(codes))
	for c := range codes {
		list = append(list, c)
	}
	sort.Ints(list)
	parts := make([]string, len(list))
	for i, c := range list {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, ",")
}
