package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	c, err := New(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestGetSet(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	v, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestDeletePrefix(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)

	require.NoError(t, mr.Set("quota:a:x", "1"))
	require.NoError(t, mr.Set("quota:a:y", "1"))
	require.NoError(t, mr.Set("quota:b:x", "1"))

	n, err := c.DeletePrefix(ctx, "quota:a:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, mr.Exists("quota:a:x"))
	assert.True(t, mr.Exists("quota:b:x"))
}

func TestIncrWindows_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	windows := []Window{
		{Key: "w:hour", Size: time.Hour, Ceiling: 10},
		{Key: "w:day", Size: 24 * time.Hour, Ceiling: 2},
	}

	for i := 0; i < 2; i++ {
		out, err := c.IncrWindows(ctx, now, 1, windows)
		require.NoError(t, err)
		assert.True(t, out.Allowed)
		require.Len(t, out.Counts, 2)
		assert.Equal(t, int64(i+1), out.Counts[0].Count)
	}

	out, err := c.IncrWindows(ctx, now, 1, windows)
	require.NoError(t, err)
	assert.False(t, out.Allowed)
	assert.Equal(t, 1, out.Rejected)
	assert.Equal(t, int64(2), out.Counts[0].Count)

	// The hour window was not incremented by the rejected call.
	counts, err := c.PeekWindows(ctx, now, windows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[0].Count)
	assert.Equal(t, int64(2), counts[1].Count)
}

func TestIncrWindows_ExpiredWindowRestarts(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	windows := []Window{{Key: "w:hour", Size: time.Hour, Ceiling: 1}}

	out, err := c.IncrWindows(ctx, now, 1, windows)
	require.NoError(t, err)
	assert.True(t, out.Allowed)

	out, err = c.IncrWindows(ctx, now.Add(59*time.Minute), 1, windows)
	require.NoError(t, err)
	assert.False(t, out.Allowed)

	later := now.Add(time.Hour)
	out, err = c.IncrWindows(ctx, later, 1, windows)
	require.NoError(t, err)
	assert.True(t, out.Allowed)
	assert.Equal(t, int64(1), out.Counts[0].Count)
	assert.Equal(t, later.UnixMilli(), out.Counts[0].Start.UnixMilli())
}
