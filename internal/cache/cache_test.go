package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewWithClient(client)
	t.Cleanup(func() { store.Close() })

	return store, mr
}

func TestStore_SetGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "op:t1:read:res.partner:abc", []byte(`{"id":1}`), time.Minute))

	got, err := store.Get(ctx, "op:t1:read:res.partner:abc")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"id":1}`), got)
}

func TestStore_GetMiss(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestStore_TTLExpiry(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), 300*time.Second))

	mr.FastForward(301 * time.Second)

	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestStore_Delete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, store.Delete(ctx, "k"))

	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestStore_DeletePattern(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	// Populate keys across two tenants and two models.
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("op:t1:search_read:res.partner:%04d", i)
		require.NoError(t, store.Set(ctx, key, []byte("x"), 0))
	}
	require.NoError(t, store.Set(ctx, "op:t1:search_read:sale.order:aaaa", []byte("x"), 0))
	require.NoError(t, store.Set(ctx, "op:t2:search_read:res.partner:bbbb", []byte("x"), 0))

	n, err := store.DeletePattern(ctx, "op:t1:search_read:res.partner:*")
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	// Other tenants and models untouched.
	ok, err := store.Exists(ctx, "op:t1:search_read:sale.order:aaaa")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Exists(ctx, "op:t2:search_read:res.partner:bbbb")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_DeletePattern_NoMatches(t *testing.T) {
	store, _ := newTestStore(t)

	n, err := store.DeletePattern(context.Background(), "op:none:*")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_IncrementAndExpire(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	n, err := store.Increment(ctx, "rl:t1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.Increment(ctx, "rl:t1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, store.Expire(ctx, "rl:t1", 60*time.Second))
	mr.FastForward(61 * time.Second)

	n, err = store.Increment(ctx, "rl:t1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "counter should restart after window expiry")
}
