package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-js-sandbox/internal/sandbox"
)

func successResult(value string) *sandbox.Result {
	return &sandbox.Result{
		Status:        sandbox.StatusSuccess,
		ReturnedValue: json.RawMessage(value),
		Stats:         &sandbox.Stats{WallTimeMS: 1},
		ConsoleOutput: []string{"line"},
	}
}

func TestKey(t *testing.T) {
	limits := sandbox.DefaultConfig()

	a := Key("return 1", limits)
	assert.Len(t, a, 64)
	assert.Equal(t, a, Key("return 1", limits))
	assert.NotEqual(t, a, Key("return 2", limits))

	other := limits
	other.MemoryLimitMB = 64
	assert.NotEqual(t, a, Key("return 1", other))

	other = limits
	other.Timeout = time.Second
	assert.NotEqual(t, a, Key("return 1", other))
}

func TestMemoryCache_GetSet(t *testing.T) {
	c := NewMemoryCache(time.Minute, 10)
	ctx := context.Background()

	_, err := c.Get(ctx, "k")
	assert.True(t, errors.Is(err, ErrMiss))

	require.NoError(t, c.Set(ctx, "k", successResult("1")))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.JSONEq(t, "1", string(got.ReturnedValue))
	assert.Equal(t, []string{"line"}, got.ConsoleOutput)

	// Returned results are copies.
	got.ConsoleOutput[0] = "mutated"
	again, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "line", again.ConsoleOutput[0])
}

func TestMemoryCache_SkipsFailures(t *testing.T) {
	c := NewMemoryCache(time.Minute, 10)
	ctx := context.Background()

	res := &sandbox.Result{
		Status:  sandbox.StatusFailure,
		Failure: &sandbox.Failure{Kind: sandbox.KindTimeoutError, Message: "Execution timed out after 5ms"},
	}
	require.NoError(t, c.Set(ctx, "k", res))

	assert.Equal(t, 0, c.Len())
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache(50*time.Millisecond, 10)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", successResult("1")))
	_, err := c.Get(ctx, "k")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := c.Get(ctx, "k")
		return errors.Is(err, ErrMiss)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMemoryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewMemoryCache(time.Minute, 2)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "first", successResult("1")))
	require.NoError(t, c.Set(ctx, "second", successResult("2")))
	// Touch first so second becomes the eviction candidate.
	_, err := c.Get(ctx, "first")
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, "third", successResult("3")))

	assert.Equal(t, 2, c.Len())
	_, err = c.Get(ctx, "second")
	assert.True(t, errors.Is(err, ErrMiss), "least recently used entry should be evicted")
	_, err = c.Get(ctx, "first")
	assert.NoError(t, err)
	_, err = c.Get(ctx, "third")
	assert.NoError(t, err)
}

func TestMemoryCache_CloseEmpties(t *testing.T) {
	c := NewMemoryCache(time.Minute, 4)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", successResult("1")))
	require.NoError(t, c.Close())

	assert.Equal(t, 0, c.Len())
	_, err := c.Get(ctx, "k")
	assert.True(t, errors.Is(err, ErrMiss))
}

func TestNew_DefaultsToMemory(t *testing.T) {
	c, err := New(context.Background(), Options{TTL: time.Minute})
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.(*MemoryCache)
	assert.True(t, ok)
}

func TestNewRedisCache_RequiresAddress(t *testing.T) {
	_, err := NewRedisCache(context.Background(), RedisConfig{})
	assert.Error(t, err)
}
