package llm

import (
	"context"
	"sync"
	"time"
)

// RateLimiter throttles provider calls with two sliding windows: one
// second for QPS and sixty seconds for QPM. Acquire blocks until both
// windows have room. Acquirers are serialized under the mutex, so
// waiters drain in arrival order.
type RateLimiter struct {
	qps float64
	qpm float64

	secondSpan time.Duration
	minuteSpan time.Duration

	mu     sync.Mutex
	second []time.Time
	minute []time.Time

	now func() time.Time
}

// RateLimiterStats is a point-in-time view of both windows.
type RateLimiterStats struct {
	QPSCurrent   int     `json:"qps_current"`
	QPSLimit     float64 `json:"qps_limit"`
	QPSAvailable int     `json:"qps_available"`
	QPMCurrent   int     `json:"qpm_current"`
	QPMLimit     float64 `json:"qpm_limit"`
	QPMAvailable int     `json:"qpm_available"`
}

// NewRateLimiter creates a limiter with the given per-second and
// per-minute budgets.
func NewRateLimiter(qps, qpm float64) *RateLimiter {
	return &RateLimiter{
		qps:        qps,
		qpm:        qpm,
		secondSpan: time.Second,
		minuteSpan: time.Minute,
		now:        time.Now,
	}
}

func evict(window []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	return window[i:]
}

func (r *RateLimiter) evictExpired(now time.Time) {
	r.second = evict(r.second, now.Add(-r.secondSpan))
	r.minute = evict(r.minute, now.Add(-r.minuteSpan))
}

// waitTime returns how long the caller must wait for both windows to
// have room, assuming the windows are already evicted. A zero budget
// keeps a full-window wait even when the window is empty, so the
// caller blocks until its context ends.
func (r *RateLimiter) waitTime(now time.Time) time.Duration {
	var wait time.Duration
	if float64(len(r.second)) >= r.qps {
		w := r.secondSpan
		if len(r.second) > 0 {
			w = r.secondSpan - now.Sub(r.second[0])
		}
		if w > wait {
			wait = w
		}
	}
	if float64(len(r.minute)) >= r.qpm {
		w := r.minuteSpan
		if len(r.minute) > 0 {
			w = r.minuteSpan - now.Sub(r.minute[0])
		}
		if w > wait {
			wait = w
		}
	}
	return wait
}

// Acquire blocks until a call slot is available in both windows, then
// records the call. Returns the context error if ctx is done first.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		now := r.now()
		r.evictExpired(now)

		wait := r.waitTime(now)
		if wait <= 0 {
			break
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	now := r.now()
	r.second = append(r.second, now)
	r.minute = append(r.minute, now)
	return nil
}

// Stats reports current window occupancy.
func (r *RateLimiter) Stats() RateLimiterStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictExpired(r.now())

	stats := RateLimiterStats{
		QPSCurrent: len(r.second),
		QPSLimit:   r.qps,
		QPMCurrent: len(r.minute),
		QPMLimit:   r.qpm,
	}
	if avail := int(r.qps) - stats.QPSCurrent; avail > 0 {
		stats.QPSAvailable = avail
	}
	if avail := int(r.qpm) - stats.QPMCurrent; avail > 0 {
		stats.QPMAvailable = avail
	}
	return stats
}
