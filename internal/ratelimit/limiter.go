// Package ratelimit implements per-client admission control with token
// buckets keyed by client identity and endpoint.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/ispchecker/ispchecker/internal/metrics"
)

type Config struct {
	RequestsPerMinute int
	// RequestsPerHour adds an hourly ceiling on top of the minute bucket, 0
	// disables it.
	RequestsPerHour int
	BurstSize       int
}

type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

// Limiter admits or denies requests per key. The bucket map is guarded by a
// single mutex, so a decision for one key is atomic with respect to all
// other callers.
type Limiter struct {
	cfg     Config
	now     func() time.Time
	metrics *metrics.Metrics

	mx      sync.Mutex
	buckets map[string]*entry
}

type entry struct {
	minute *TokenBucket
	hour   *TokenBucket // nil when no hourly ceiling is configured
}

func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Config() Config {
	return l.cfg
}

// Key combines the client identity with the requested endpoint, so each
// endpoint is accounted independently.
func Key(identity, endpoint string) string {
	return identity + ":" + endpoint
}

// Admit takes one token for key. When denied, retryAfter is the number of
// seconds until a retry may succeed.
func (l *Limiter) Admit(key string) (allowed bool, retryAfter int) {
	now := l.now()

	l.mx.Lock()
	e, ok := l.buckets[key]
	if !ok {
		e = l.newEntry(now)
		l.buckets[key] = e
	}
	allowed, retryAfter = e.admit(now)
	size := len(l.buckets)
	l.mx.Unlock()

	l.metrics.RateLimitDecision(allowed)
	if !ok {
		l.metrics.SetRateLimitBuckets(size)
	}
	return allowed, retryAfter
}

func (l *Limiter) newEntry(now time.Time) *entry {
	e := &entry{
		minute: NewTokenBucket(float64(l.cfg.RequestsPerMinute)/60, l.cfg.BurstSize, now),
	}
	if l.cfg.RequestsPerHour > 0 {
		e.hour = NewTokenBucket(float64(l.cfg.RequestsPerHour)/3600, l.cfg.RequestsPerHour, now)
	}
	return e
}

// admit consumes from both buckets or from none.
func (e *entry) admit(now time.Time) (bool, int) {
	if e.hour == nil {
		if e.minute.ConsumeAt(now, 1) {
			return true, 0
		}
		return false, e.minute.RetryAfterAt(now)
	}

	if e.minute.TokensAt(now) >= 1 && e.hour.TokensAt(now) >= 1 {
		e.minute.ConsumeAt(now, 1)
		e.hour.ConsumeAt(now, 1)
		return true, 0
	}
	e.minute.ConsumeAt(now, 0)
	e.hour.ConsumeAt(now, 0)
	return false, max(e.minute.RetryAfterAt(now), e.hour.RetryAfterAt(now))
}

// Cleanup forgets buckets not used for longer than maxAge and returns how
// many were removed.
func (l *Limiter) Cleanup(maxAge time.Duration) int {
	cutoff := l.now().Add(-maxAge)

	l.mx.Lock()
	var removed int
	for key, e := range l.buckets {
		if e.minute.LastUpdate().Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	size := len(l.buckets)
	l.mx.Unlock()

	l.metrics.SetRateLimitBuckets(size)
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mx.Lock()
	defer l.mx.Unlock()
	return len(l.buckets)
}

// StartJanitor runs Cleanup(maxAge) every interval until ctx is done. The
// returned channel is closed once the scheduler has stopped.
func (l *Limiter) StartJanitor(ctx context.Context, interval, maxAge time.Duration) (<-chan struct{}, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if n := l.Cleanup(maxAge); n > 0 {
				slog.DebugContext(ctx, "rate limit buckets removed", "removed", n, "remaining", l.Len())
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}

	s.Start()
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		if err := s.Shutdown(); err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}()
	return done, nil
}
