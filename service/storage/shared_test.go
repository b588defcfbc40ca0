package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	cb "github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "comm:conn:7_web_1700000000000", ConnKey("7_web_1700000000000"))
	assert.Equal(t, "comm:user:7", UserKey(7))
}

func TestMemSharedHashTTL(t *testing.T) {
	clk := &clock{now: time.Unix(1000, 0)}
	m := NewMemShared(clk.Now)
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "k", map[string]string{"a": "1"}, 10*time.Second))
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "1", got["a"])

	clk.Add(9 * time.Second)
	require.NoError(t, m.Expire(ctx, "k", 10*time.Second))
	clk.Add(9 * time.Second)
	got, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.NotNil(t, got, "expire should have refreshed ttl")

	clk.Add(2 * time.Second)
	got, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemSharedSets(t *testing.T) {
	m := NewMemShared(nil)
	ctx := context.Background()

	require.NoError(t, m.AddToSet(ctx, "s", "b", "a", "b"))
	got, err := m.Members(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	require.NoError(t, m.RemoveFromSet(ctx, "s", "a", "b"))
	got, err = m.Members(ctx, "s")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, m.AddToSet(ctx, "s", "x"))
	require.NoError(t, m.Delete(ctx, "s"))
	got, _ = m.Members(ctx, "s")
	assert.Empty(t, got)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := NewMemShared(nil)
	inner.FailWith = errors.New("redis down")
	b := NewBreakerShared(inner, BreakerConfig{ConsecutiveFails: 3, OpenTimeout: time.Hour})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := b.Put(ctx, "k", nil, time.Second)
		assert.EqualError(t, err, "redis down")
	}
	assert.Equal(t, cb.StateOpen, b.State())

	inner.FailWith = nil
	err := b.Put(ctx, "k", nil, time.Second)
	assert.ErrorIs(t, err, cb.ErrOpenState)
}

func TestBreakerPassesThrough(t *testing.T) {
	b := NewBreakerShared(NewMemShared(nil), BreakerConfig{})
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "k", map[string]string{"f": "v"}, time.Minute))
	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got["f"])

	require.NoError(t, b.AddToSet(ctx, "s", "m"))
	mem, err := b.Members(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"m"}, mem)
	assert.Equal(t, cb.StateClosed, b.State())
}
