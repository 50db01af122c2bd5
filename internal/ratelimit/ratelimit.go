// Package ratelimit throttles repeated background work per key, such as
// artifact recounts for a run that is polled every few seconds.
//
// MemoryLimiter is an in-process token bucket. The Limiter interface lets a
// shared implementation coordinate several console instances.
package ratelimit

import "context"

// Limiter decides whether the work identified by key may run now.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether the work should proceed. Keys are opaque
	// (e.g. "refresh:<run id>"). An error signals a limiter malfunction;
	// callers treat it as allowed.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources.
	Close() error
}

// NoopLimiter allows everything.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// Every returns the token rate for one run of the work per interval.
func Every(interval float64) float64 {
	if interval <= 0 {
		return 0
	}
	return 1 / interval
}
