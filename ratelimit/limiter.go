// Package ratelimit implements the Rate Limiter component (spec §4.1): it
// tracks Discord's global window, per-bucket quotas reported by response
// headers, and an optional client-side sliding-window policy, and answers
// "may this request proceed" / "how long until it may".
//
// Grounded on the teacher's rateLimiter.go, which wraps a single bucket in
// a github.com/sasha-s/go-csync cancellable mutex; this module generalizes
// that to one bucket per route plus a global window, and adds the
// sliding-window local policy from original_source/src/api/rate_limiter.cpp
// (RateLimiter::set_endpoint_limit / cleanup_old_requests), built on
// golang.org/x/time/rate the way other_examples/diamondburned-arikawa's
// throttler.go builds its send/identify limiters.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/sasha-s/go-csync"
	"golang.org/x/time/rate"
)

// clockNow is swappable in tests; production always uses the monotonic
// clock per spec §4.1 ("Monotonic clock only for all durations and
// deadlines").
var clockNow = time.Now

// bucketState is Discord's per-route rate-limit bucket, as reported by
// response headers.
type bucketState struct {
	remaining int
	limit     int
	reset     time.Time
	global    bool
}

// ResponseInfo carries the rate-limit hints read off an HTTP response.
type ResponseInfo struct {
	Remaining int
	Limit     int
	Reset     time.Time
	Global    bool
}

// Limiter is the Rate Limiter component. One Limiter instance is shared by
// an entire rest.Pipeline; routes are keyed by their bucket signature
// (method + templated path, per Discord's own bucket-sharing rules).
type Limiter struct {
	mu sync.Mutex

	globalReset time.Time
	buckets     map[string]*bucketState
	local       map[string]*localPolicy
	gates       map[string]*csync.Mutex
}

type localPolicy struct {
	limiter *rate.Limiter
	window  time.Duration
}

// New builds an empty Limiter: no bucket has been observed yet, so every
// route is initially unrestricted until the first response updates it.
func New() *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucketState),
		local:   make(map[string]*localPolicy),
		gates:   make(map[string]*csync.Mutex),
	}
}

// CanProceed reports whether route may be dispatched right now: the global
// window has elapsed, the bucket either has remaining quota or has reset,
// and any local policy window is not saturated (peeked via the token
// bucket's current token count, never consumed).
func (l *Limiter) CanProceed(route string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waitDuration(route) <= 0
}

// WaitUntilClear blocks the caller until route is clear to proceed: the
// latest of the global reset, the route's bucket reset, and its
// local-policy slot. Returns ctx.Err() if ctx is canceled first.
//
// The cooperative wait is gated by a per-route github.com/sasha-s/go-csync
// mutex, the same "lock a ctx can interrupt" idiom the teacher's
// rateLimiterImpl.Wait/Unlock uses around its single bucket: CLock blocks
// (cancellably) behind any other caller already waiting on this route, and
// is released once this caller is clear to proceed.
func (l *Limiter) WaitUntilClear(ctx context.Context, route string) error {
	gate := l.gateFor(route)
	if err := gate.CLock(ctx); err != nil {
		return err
	}
	defer gate.Unlock()

	for {
		l.mu.Lock()
		d := l.waitDuration(route)
		l.mu.Unlock()

		if d <= 0 {
			break
		}

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	lp := l.localLimiterFor(route)
	if lp == nil {
		return nil
	}
	return lp.limiter.Wait(ctx)
}

func (l *Limiter) gateFor(route string) *csync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.gates[route]
	if !ok {
		g = &csync.Mutex{}
		l.gates[route] = g
	}
	return g
}

// waitDuration computes the maximum of the global, bucket, and local-policy
// deadlines, expressed as a duration from now. Must be called with mu held.
func (l *Limiter) waitDuration(route string) time.Duration {
	now := clockNow()
	var until time.Time

	if l.globalReset.After(now) {
		until = l.globalReset
	}

	if b, ok := l.buckets[route]; ok {
		if b.remaining <= 0 && b.reset.After(now) && b.reset.After(until) {
			until = b.reset
		}
	}

	if lp, ok := l.local[route]; ok {
		if localUntil := now.Add(localPolicyWait(lp)); localUntil.After(until) {
			until = localUntil
		}
	}

	if until.IsZero() || until.Before(now) {
		return 0
	}
	return until.Sub(now)
}

// localPolicyWait reports how long until lp's token bucket next has a
// token available, without consuming one (spec §4.1's can_proceed must be
// side-effect-free; only WaitUntilClear's actual Wait call consumes).
func localPolicyWait(lp *localPolicy) time.Duration {
	tokens := lp.limiter.Tokens()
	if tokens >= 1 {
		return 0
	}
	limit := float64(lp.limiter.Limit())
	if limit <= 0 {
		return 0
	}
	d := time.Duration((1 - tokens) / limit * float64(time.Second))
	if d < 0 {
		return 0
	}
	return d
}

// UpdateFromResponse records the rate-limit hints from a completed
// response. After this call remaining is always >= 0.
func (l *Limiter) UpdateFromResponse(route string, info ResponseInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()

	remaining := info.Remaining
	if remaining < 0 {
		remaining = 0
	}

	l.buckets[route] = &bucketState{
		remaining: remaining,
		limit:     info.Limit,
		reset:     info.Reset,
		global:    info.Global,
	}

	if info.Global {
		l.globalReset = info.Reset
	}
}

// SetGlobalRetryAfter records a 429 response's global retry-after, used
// when Discord signals a global (not per-bucket) rate limit.
func (l *Limiter) SetGlobalRetryAfter(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	reset := clockNow().Add(d)
	if reset.After(l.globalReset) {
		l.globalReset = reset
	}
}

// SetRouteRetryAfter records a 429 response's retry-after for a single
// route's bucket, leaving every other route's state untouched. Used when
// Discord signals a per-bucket (not global) rate limit, keeping the two
// independent per spec §4.1.
func (l *Limiter) SetRouteRetryAfter(route string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	reset := clockNow().Add(d)
	b, ok := l.buckets[route]
	if !ok {
		l.buckets[route] = &bucketState{remaining: 0, reset: reset}
		return
	}
	b.remaining = 0
	if reset.After(b.reset) {
		b.reset = reset
	}
}

// SetLocalPolicy installs a pre-emptive client-side throttle for route,
// independent of any server-reported bucket. maxRequests per window.
func (l *Limiter) SetLocalPolicy(route string, maxRequests int, window time.Duration) {
	if maxRequests <= 0 || window <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.local[route] = &localPolicy{
		limiter: rate.NewLimiter(rate.Every(window/time.Duration(maxRequests)), maxRequests),
		window:  window,
	}
}

func (l *Limiter) localLimiterFor(route string) *localPolicy {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.local[route]
}
