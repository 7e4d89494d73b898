package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetSetDelete(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Set(ctx, "day:kalshi:2025-01-02", []byte(`{"state":"ACTIVE"}`)))
	v, err := c.Get(ctx, "day:kalshi:2025-01-02")
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"ACTIVE"}`, string(v))

	require.NoError(t, c.Delete(ctx, "day:kalshi:2025-01-02"))
	_, err = c.Get(ctx, "day:kalshi:2025-01-02")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryListByPrefix(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	require.NoError(t, c.Set(ctx, "day:kalshi:2025-01-01", []byte("a")))
	require.NoError(t, c.Set(ctx, "day:kalshi:2025-01-02", []byte("b")))
	require.NoError(t, c.Set(ctx, "day:polymarket:2025-01-01", []byte("c")))

	got, err := c.ListByPrefix(ctx, "day:kalshi:")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, []byte("b"), got["day:kalshi:2025-01-02"])
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()

	type snapshot struct {
		Shards int `json:"shards"`
	}
	require.NoError(t, SetJSON(ctx, c, "shards:kalshi", snapshot{Shards: 3}))

	var got snapshot
	require.NoError(t, GetJSON(ctx, c, "shards:kalshi", &got))
	assert.Equal(t, 3, got.Shards)

	require.NoError(t, c.Set(ctx, "bad", []byte("{")))
	assert.Error(t, GetJSON(ctx, c, "bad", &got))
}
