package ratelimit_test

import (
	"testing"
	"time"

	"github.com/ispchecker/ispchecker/internal/ratelimit"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestTokenBucket_Burst(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		rate     float64
		capacity int
	}{
		{1, 1},
		{1, 10},
		{2, 5},
		{10, 3},
	}
	for _, tc := range testCases {
		b := ratelimit.NewTokenBucket(tc.rate, tc.capacity, t0)
		require.Equal(t, float64(tc.capacity), b.TokensAt(t0))
		for i := range tc.capacity {
			require.Truef(t, b.ConsumeAt(t0, 1), "consume %d of %d", i+1, tc.capacity)
		}
		require.False(t, b.ConsumeAt(t0, 1))
		require.Equal(t, 1, b.RetryAfterAt(t0))

		// exactly one token after 1/R seconds
		next := t0.Add(time.Duration(float64(time.Second) / tc.rate))
		require.True(t, b.ConsumeAt(next, 1))
		require.False(t, b.ConsumeAt(next, 1))
	}
}

func TestTokenBucket_NoPartialConsumption(t *testing.T) {
	t.Parallel()
	b := ratelimit.NewTokenBucket(1, 3, t0)
	require.True(t, b.ConsumeAt(t0, 2))
	require.False(t, b.ConsumeAt(t0, 2))
	require.Equal(t, 1.0, b.TokensAt(t0))
}

func TestTokenBucket_Capacity(t *testing.T) {
	t.Parallel()
	b := ratelimit.NewTokenBucket(5, 4, t0)
	require.True(t, b.ConsumeAt(t0, 4))
	later := t0.Add(24 * time.Hour)
	require.Equal(t, 4.0, b.TokensAt(later))
	require.True(t, b.ConsumeAt(later, 4))
	require.False(t, b.ConsumeAt(later, 1))
	require.Equal(t, later, b.LastUpdate())
}

func TestTokenBucket_RetryAfter(t *testing.T) {
	t.Parallel()
	// one token every 10s
	b := ratelimit.NewTokenBucket(0.1, 1, t0)
	require.Equal(t, 0, b.RetryAfterAt(t0))
	require.True(t, b.ConsumeAt(t0, 1))

	prev := b.RetryAfterAt(t0)
	require.Equal(t, 10, prev)
	for s := 1; s <= 10; s++ {
		now := t0.Add(time.Duration(s) * time.Second)
		got := b.RetryAfterAt(now)
		require.LessOrEqual(t, got, prev)
		prev = got
	}
	require.Equal(t, 0, prev)

	// half a second into a 1/s bucket rounds up
	b = ratelimit.NewTokenBucket(1, 1, t0)
	require.True(t, b.ConsumeAt(t0, 1))
	require.Equal(t, 1, b.RetryAfterAt(t0.Add(500*time.Millisecond)))
}
