//go:build integration

package settings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/keymux/internal/testutil"
)

func TestPostgresStore_RoundTrip(t *testing.T) {
	store := NewPostgres(testutil.OpenDB(t))
	ctx := context.Background()

	_, err := store.Get(ctx, "strategy")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Set(ctx, "strategy", "round_robin"))
	v, err := store.Get(ctx, "strategy")
	require.NoError(t, err)
	assert.Equal(t, "round_robin", v)

	// Upsert overwrites in place.
	require.NoError(t, store.Set(ctx, "strategy", "sticky"))
	v, err = store.Get(ctx, "strategy")
	require.NoError(t, err)
	assert.Equal(t, "sticky", v)

	require.NoError(t, store.Set(ctx, "cooldown_seconds", "120"))
	all, err := store.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"strategy": "sticky", "cooldown_seconds": "120"}, all)

	require.NoError(t, store.Delete(ctx, "cooldown_seconds"))
	assert.ErrorIs(t, store.Delete(ctx, "cooldown_seconds"), ErrNotFound)
}

func TestPostgresStore_SourceReadsThrough(t *testing.T) {
	store := NewPostgres(testutil.OpenDB(t))
	src := NewSource(store, time.Minute, Defaults{}, nil)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "cooldown_seconds", "45"))
	require.NoError(t, store.Set(ctx, "strategy", "round_robin"))
	src.Invalidate()

	assert.Equal(t, 45*time.Second, src.CooldownDuration(ctx))
	assert.Equal(t, StrategyRoundRobin, src.Strategy(ctx))
}
