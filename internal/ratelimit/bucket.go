package ratelimit

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket holds up to capacity tokens refilled continuously at rate
// tokens per second. All methods take the current time explicitly.
//
// TokenBucket is not safe for concurrent use, Limiter serializes access to
// its buckets so refill and consumption happen as a single step.
type TokenBucket struct {
	lim      *rate.Limiter
	rate     float64
	capacity int
	last     time.Time
}

// NewTokenBucket returns a full bucket, ratePerSecond must be positive.
func NewTokenBucket(ratePerSecond float64, capacity int, now time.Time) *TokenBucket {
	lim := rate.NewLimiter(rate.Limit(ratePerSecond), capacity)
	// a fresh rate.Limiter refills to burst on first use, pin it to now
	lim.AllowN(now, 0)
	return &TokenBucket{
		lim:      lim,
		rate:     ratePerSecond,
		capacity: capacity,
		last:     now,
	}
}

// ConsumeAt refills the bucket up to now and takes n tokens if at least n
// are available. Nothing is taken on failure.
func (b *TokenBucket) ConsumeAt(now time.Time, n int) bool {
	if now.After(b.last) {
		b.last = now
	}
	return b.lim.AllowN(now, n)
}

// TokensAt returns the number of tokens available at now.
func (b *TokenBucket) TokensAt(now time.Time) float64 {
	return math.Min(b.lim.TokensAt(now), float64(b.capacity))
}

// RetryAfterAt returns seconds until one token is available, 0 if one is
// available already.
func (b *TokenBucket) RetryAfterAt(now time.Time) int {
	tokens := b.TokensAt(now)
	if tokens >= 1 {
		return 0
	}
	return int(math.Ceil((1 - tokens) / b.rate))
}

// LastUpdate returns the time of the latest consumption attempt.
func (b *TokenBucket) LastUpdate() time.Time {
	return b.last
}

func (b *TokenBucket) Capacity() int {
	return b.capacity
}

func (b *TokenBucket) Rate() float64 {
	return b.rate
}
