package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testBreaker(t *testing.T) (*Breaker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)}
	b, err := NewBreaker(testDB(t), clock.Now)
	require.NoError(t, err)
	return b, clock
}

func TestBreakerAllowsByDefault(t *testing.T) {
	b, _ := testBreaker(t)
	ok, err := b.Allow(context.Background(), "ESSAI", "resto-1", OpTransaction)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := testBreaker(t)
	ctx := context.Background()

	for i := 0; i < BreakerThreshold-1; i++ {
		require.NoError(t, b.RecordFailure(ctx, "ESSAI", "resto-1", OpTransaction))
		ok, err := b.Allow(ctx, "ESSAI", "resto-1", OpTransaction)
		require.NoError(t, err)
		assert.True(t, ok, "failure %d should not open the circuit", i+1)
	}

	require.NoError(t, b.RecordFailure(ctx, "ESSAI", "resto-1", OpTransaction))
	ok, err := b.Allow(ctx, "ESSAI", "resto-1", OpTransaction)
	require.NoError(t, err)
	assert.False(t, ok, "fifth consecutive failure opens the circuit")
}

func TestBreakerCooldownHalfOpens(t *testing.T) {
	b, clock := testBreaker(t)
	ctx := context.Background()

	for i := 0; i < BreakerThreshold; i++ {
		require.NoError(t, b.RecordFailure(ctx, "ESSAI", "resto-1", OpTransaction))
	}

	ok, err := b.Allow(ctx, "ESSAI", "resto-1", OpTransaction)
	require.NoError(t, err)
	require.False(t, ok)

	clock.Advance(BreakerCooldown - time.Second)
	ok, err = b.Allow(ctx, "ESSAI", "resto-1", OpTransaction)
	require.NoError(t, err)
	assert.False(t, ok, "still inside the cooldown window")

	clock.Advance(2 * time.Second)
	ok, err = b.Allow(ctx, "ESSAI", "resto-1", OpTransaction)
	require.NoError(t, err)
	assert.True(t, ok, "cooldown elapsed, circuit half-opens")
}

func TestBreakerSuccessResets(t *testing.T) {
	b, _ := testBreaker(t)
	ctx := context.Background()

	for i := 0; i < BreakerThreshold-1; i++ {
		require.NoError(t, b.RecordFailure(ctx, "ESSAI", "resto-1", OpTransaction))
	}
	require.NoError(t, b.RecordSuccess(ctx, "ESSAI", "resto-1", OpTransaction))

	// The streak restarts from zero.
	for i := 0; i < BreakerThreshold-1; i++ {
		require.NoError(t, b.RecordFailure(ctx, "ESSAI", "resto-1", OpTransaction))
	}
	ok, err := b.Allow(ctx, "ESSAI", "resto-1", OpTransaction)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBreakerIsolation(t *testing.T) {
	b, _ := testBreaker(t)
	ctx := context.Background()

	for i := 0; i < BreakerThreshold; i++ {
		require.NoError(t, b.RecordFailure(ctx, "ESSAI", "resto-1", OpTransaction))
	}

	// A different tenant, operation, or environment is unaffected.
	for _, key := range []struct {
		env, tenant string
		op          Operation
	}{
		{"ESSAI", "resto-2", OpTransaction},
		{"ESSAI", "resto-1", OpClosing},
		{"PROD", "resto-1", OpTransaction},
	} {
		ok, err := b.Allow(ctx, key.env, key.tenant, key.op)
		require.NoError(t, err)
		assert.True(t, ok, "%s/%s/%s should be unaffected", key.env, key.tenant, key.op)
	}

	ok, err := b.Allow(ctx, "ESSAI", "resto-1", OpTransaction)
	require.NoError(t, err)
	assert.False(t, ok)
}
