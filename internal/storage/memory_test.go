package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_GetSet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", "v"))
	val, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)
}

func TestMemoryStore_SetExExpires(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SetEx(ctx, "k", "v", 10*time.Millisecond))
	val, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	time.Sleep(30 * time.Millisecond)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	// A plain Set clears a previous expiry.
	require.NoError(t, s.SetEx(ctx, "k2", "v", 10*time.Millisecond))
	require.NoError(t, s.Set(ctx, "k2", "v2"))
	time.Sleep(30 * time.Millisecond)
	val, err = s.Get(ctx, "k2")
	require.NoError(t, err)
	assert.Equal(t, "v2", val)
}

func TestMemoryStore_Del(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", "1"))
	require.NoError(t, s.ZAdd(ctx, "z", 1, "m"))
	require.NoError(t, s.HSet(ctx, "h", map[string]string{"f": "1"}))

	n, err := s.Del(ctx, "a", "z", "h", "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ZRangeOrdering(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.ZAdd(ctx, "z", 3, "c"))
	require.NoError(t, s.ZAdd(ctx, "z", 1, "a"))
	require.NoError(t, s.ZAdd(ctx, "z", 2, "b"))
	require.NoError(t, s.ZAdd(ctx, "z", 2, "aa")) // ties break on member

	members, err := s.ZRange(ctx, "z", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "aa", "b", "c"}, members)

	// Re-adding a member updates its score in place.
	require.NoError(t, s.ZAdd(ctx, "z", 0, "c"))
	members, err = s.ZRange(ctx, "z", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "aa", "b"}, members)

	card, err := s.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, int64(4), card)
}

func TestMemoryStore_ZRangeBounds(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i, m := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.ZAdd(ctx, "z", float64(i), m))
	}

	members, err := s.ZRange(ctx, "z", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, members)

	members, err = s.ZRange(ctx, "z", -2, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, members)

	members, err = s.ZRange(ctx, "z", 0, 100)
	require.NoError(t, err)
	assert.Len(t, members, 4)

	members, err = s.ZRange(ctx, "z", 10, 20)
	require.NoError(t, err)
	assert.Empty(t, members)

	members, err = s.ZRange(ctx, "nosuch", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestMemoryStore_Hashes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	out, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Empty(t, out)

	require.NoError(t, s.HSet(ctx, "h", map[string]string{"a": "1", "b": "2"}))
	require.NoError(t, s.HSet(ctx, "h", map[string]string{"b": "3"}))

	out, err = s.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "3"}, out)
}

func TestMemoryStore_KeysGlob(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "cache:churn:u1", "1"))
	require.NoError(t, s.Set(ctx, "cache:churn:u2", "2"))
	require.NoError(t, s.Set(ctx, "cache:sentiment:u1", "3"))
	require.NoError(t, s.ZAdd(ctx, "stream:u1", 1, "m"))

	keys, err := s.Keys(ctx, "cache:churn:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"cache:churn:u1", "cache:churn:u2"}, keys)

	keys, err = s.Keys(ctx, "cache:*:u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"cache:churn:u1", "cache:sentiment:u1"}, keys)

	keys, err = s.Keys(ctx, "cache:churn:u?")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	// Sorted-set keys are visible to scans.
	keys, err = s.Keys(ctx, "stream:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"stream:u1"}, keys)

	// Expired string keys are not.
	require.NoError(t, s.SetEx(ctx, "cache:churn:u3", "3", time.Millisecond))
	time.Sleep(10 * time.Millisecond)
	keys, err = s.Keys(ctx, "cache:churn:*")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestMemoryStore_Multi(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.Multi(ctx, func(tx Tx) error {
		tx.Set("a", "1")
		tx.SetEx("b", "2", time.Minute)
		tx.ZAdd("z", 1, "m")
		tx.HSet("h", map[string]string{"f": "v"})
		return nil
	})
	require.NoError(t, err)

	val, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", val)

	val, err = s.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "2", val)

	members, err := s.ZRange(ctx, "z", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"m"}, members)

	// A callback error discards every queued write.
	err = s.Multi(ctx, func(tx Tx) error {
		tx.Set("c", "3")
		return assert.AnError
	})
	assert.Error(t, err)
	_, err = s.Get(ctx, "c")
	assert.ErrorIs(t, err, ErrNotFound)
}
