package gateway

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	core "discordcore/errs"
	"discordcore/logging"
)

// nonResumableCodes lists the gateway close codes that require the session
// to be dropped, per spec §6. Every code not listed is resumable: the
// [1000, 2000) range as well as 4000-4003, 4005 and 4007-4009, which permit
// a resume attempt with the session preserved.
var nonResumableCodes = map[int]bool{
	4004: true, 4010: true, 4011: true, 4012: true, 4013: true, 4014: true,
}

// ClassifyClose reports whether a gateway close code permits a resume
// attempt (true) or requires the session to be dropped (false).
func ClassifyClose(code int) bool {
	return !nonResumableCodes[code]
}

// ReconnectConfig configures a ReconnectController's retry policy.
type ReconnectConfig struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	AutoReconnect bool
}

// DefaultReconnectConfig matches spec §4.3's defaults.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    5,
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		AutoReconnect: true,
	}
}

// ReconnectController is the Reconnection Controller component (spec
// §4.3): it owns a connection's session identity and retry counter,
// classifies close causes, and runs exponential backoff with jitter.
//
// Grounded on the teacher's Session.Reconnect, which sleeps a fixed 30s
// then reconnects unconditionally; this module generalizes that single
// fixed wait into the jittered exponential series from
// original_source/src/gateway/shard_manager.cpp's
// calculate_reconnect_delay, and adds the resumable/non-resumable
// classification and max-retries termination the teacher has none of.
type ReconnectController struct {
	cfg      ReconnectConfig
	identity *Identity
	log      *logging.Logger

	attempts int64 // atomic

	stop chan struct{}
	done chan struct{}
}

// NewReconnectController builds a controller sharing identity with the
// Connection it supervises.
func NewReconnectController(cfg ReconnectConfig, identity *Identity) *ReconnectController {
	return &ReconnectController{
		cfg:      cfg,
		identity: identity,
		log:      logging.Default().With("reconnect"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// OnClose classifies a close code and prepares the identity for the next
// attempt. It returns whether a reconnect should be scheduled.
func (r *ReconnectController) OnClose(code int, reason string) bool {
	if !ClassifyClose(code) {
		r.log.Info("non-resumable close %d (%s): dropping session", code, reason)
		r.identity.Clear()
	} else {
		r.log.Info("resumable close %d (%s)", code, reason)
	}
	return r.cfg.AutoReconnect
}

// OnInvalidSession mirrors OpInvalidSession handling: when resumable is
// false the session identity is dropped before the next attempt.
func (r *ReconnectController) OnInvalidSession(resumable bool) bool {
	if !resumable {
		r.identity.Clear()
	}
	return r.cfg.AutoReconnect
}

// OnConnectionRestored resets the retry counter once a connection reaches
// Ready again.
func (r *ReconnectController) OnConnectionRestored() {
	atomic.StoreInt64(&r.attempts, 0)
}

// Stop cancels any in-progress backoff wait. Non-blocking.
func (r *ReconnectController) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}

// NextDelay computes the backoff delay for the current attempt counter and
// increments it, per spec §4.3: min(max_delay, base_delay * 2^k * U[0.8,1.2]).
func (r *ReconnectController) NextDelay() time.Duration {
	k := atomic.AddInt64(&r.attempts, 1) - 1
	return backoffDelay(r.cfg.BaseDelay, r.cfg.MaxDelay, int(k))
}

// Attempts reports the number of reconnect attempts made so far.
func (r *ReconnectController) Attempts() int {
	return int(atomic.LoadInt64(&r.attempts))
}

// Exhausted reports whether max retries has been reached.
func (r *ReconnectController) Exhausted() bool {
	return r.Attempts() >= r.cfg.MaxRetries
}

// Wait blocks for the computed backoff delay, cancellable via ctx or Stop.
// Returns a fatal error once max retries is exhausted.
func (r *ReconnectController) Wait(ctx context.Context) error {
	if r.Exhausted() {
		return core.NewGatewayCloseError(0, "max reconnect attempts exhausted")
	}

	delay := r.NextDelay()
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stop:
		return core.NewShutdownError()
	}
}

// backoffDelay is split out for direct unit testing of the jitter bounds.
func backoffDelay(base, max time.Duration, k int) time.Duration {
	factor := 1 << k // 2^k
	raw := time.Duration(int64(base) * int64(factor))
	jitter := 0.8 + rand.Float64()*0.4 // U[0.8, 1.2]
	d := time.Duration(float64(raw) * jitter)
	if d > max {
		return max
	}
	return d
}
