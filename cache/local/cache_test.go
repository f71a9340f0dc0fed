package local

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *LocalCache {
	c, err := NewCache(Config{GCInterval: time.Minute})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestGetSet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	err := c.Set(ctx, "session:42", `{"user_id":42}`, 0)
	require.NoError(t, err)

	v, err := c.Get(ctx, "session:42")
	require.NoError(t, err)
	assert.Equal(t, `{"user_id":42}`, v)
}

func TestGetMissing(t *testing.T) {
	c := newTestCache(t)
	_, err := c.Get(context.Background(), "session:missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTTLExpiry(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	err := c.Set(ctx, "session:7", "tok", 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, err = c.Get(ctx, "session:7")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDel(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	_ = c.Set(ctx, "session:9", "tok", 0)
	_ = c.Del(ctx, "session:9")
	_, err := c.Get(ctx, "session:9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExists(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	_ = c.Set(ctx, "session:9", "tok", 0)
	exists, err := c.Exists(ctx, "session:9")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSetNX_SingleHolder(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "lock:stale_requests", "node-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, "lock:stale_requests", "node-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok) // already held
}

func TestSetNX_ExpiredLockReacquired(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "lock:stale_requests", "node-a", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	ok, err = c.SetNX(ctx, "lock:stale_requests", "node-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExpire(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "conv:1:2", "cached", 0))
	require.NoError(t, c.Expire(ctx, "conv:1:2", 10*time.Millisecond))

	time.Sleep(20 * time.Millisecond)
	_, err := c.Get(ctx, "conv:1:2")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, c.Expire(ctx, "conv:missing", time.Minute), ErrNotFound)
}

func TestZSet_RecentConversationRanking(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.ZAdd(ctx, "recent:1", 100, "2"))
	require.NoError(t, c.ZAdd(ctx, "recent:1", 200, "3"))
	require.NoError(t, c.ZAdd(ctx, "recent:1", 50, "4"))

	members, err := c.ZRevRange(ctx, "recent:1", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "2", "4"}, members)

	// A new message bumps an existing conversation to the top.
	require.NoError(t, c.ZAdd(ctx, "recent:1", 300, "4"))
	members, err = c.ZRevRange(ctx, "recent:1", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"4", "3"}, members)
}

func TestList_ConversationTail(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, c.LPush(ctx, "conv:1:2", fmt.Sprintf(`{"id":%d}`, i)))
	}
	items, err := c.LRange(ctx, "conv:1:2", 0, -1)
	require.NoError(t, err)
	// LPush keeps the newest message at the head.
	assert.Equal(t, []string{`{"id":3}`, `{"id":2}`, `{"id":1}`}, items)

	require.NoError(t, c.LTrim(ctx, "conv:1:2", 0, 1))
	items, _ = c.LRange(ctx, "conv:1:2", 0, -1)
	assert.Equal(t, []string{`{"id":3}`, `{"id":2}`}, items)
}
