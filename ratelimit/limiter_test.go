package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withFrozenClock(t *testing.T, now time.Time) func() {
	t.Helper()
	orig := clockNow
	clockNow = func() time.Time { return now }
	return func() { clockNow = orig }
}

func TestCanProceed_NoBucketObserved(t *testing.T) {
	l := New()
	assert.True(t, l.CanProceed("GET /users/@me"))
}

func TestCanProceed_BlockedUntilReset(t *testing.T) {
	base := time.Now()
	restore := withFrozenClock(t, base)
	defer restore()

	l := New()
	route := "POST /channels/1/messages"
	l.UpdateFromResponse(route, ResponseInfo{Remaining: 0, Limit: 5, Reset: base.Add(2 * time.Second)})

	assert.False(t, l.CanProceed(route), "remaining=0 before reset must block")

	clockNow = func() time.Time { return base.Add(2 * time.Second) }
	assert.True(t, l.CanProceed(route), "at reset instant, must unblock")
}

func TestGlobalWindow_OverridesBucket(t *testing.T) {
	base := time.Now()
	restore := withFrozenClock(t, base)
	defer restore()

	l := New()
	route := "GET /gateway/bot"
	l.UpdateFromResponse(route, ResponseInfo{Remaining: 10, Limit: 10, Reset: base.Add(time.Second)})
	l.SetGlobalRetryAfter(5 * time.Second)

	assert.False(t, l.CanProceed(route), "global window must override a clear bucket")
}

func TestWaitUntilClear_UnblocksAtDeadline(t *testing.T) {
	base := time.Now()
	restore := withFrozenClock(t, base)
	defer restore()

	l := New()
	route := "PATCH /guilds/1"
	l.UpdateFromResponse(route, ResponseInfo{Remaining: 0, Reset: base.Add(30 * time.Millisecond)})

	start := time.Now()
	clockNow = time.Now // let real time pass so the wait loop observes progress
	err := l.WaitUntilClear(context.Background(), route)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestWaitUntilClear_CanceledContext(t *testing.T) {
	base := time.Now()
	restore := withFrozenClock(t, base)
	defer restore()

	l := New()
	route := "DELETE /channels/1"
	l.UpdateFromResponse(route, ResponseInfo{Remaining: 0, Reset: base.Add(time.Hour)})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	clockNow = time.Now
	err := l.WaitUntilClear(ctx, route)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalPolicy_SaturatesIndependentlyOfBucket(t *testing.T) {
	l := New()
	route := "POST /webhooks/1/1"
	l.SetLocalPolicy(route, 1, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	require.NoError(t, l.WaitUntilClear(context.Background(), route), "first call within budget")
	err := l.WaitUntilClear(ctx, route)
	assert.Error(t, err, "second call exceeds the 1-per-hour local policy and the short ctx times out")
}

func TestCanProceed_AgreesWithWaitUntilClearOnLocalPolicy(t *testing.T) {
	l := New()
	route := "POST /webhooks/1/1"
	l.SetLocalPolicy(route, 1, time.Hour)

	require.NoError(t, l.WaitUntilClear(context.Background(), route), "consume the one token in the window")
	assert.False(t, l.CanProceed(route), "CanProceed must see the saturated local policy too, not just WaitUntilClear")
}

func TestUpdateFromResponse_NeverNegativeRemaining(t *testing.T) {
	l := New()
	l.UpdateFromResponse("GET /x", ResponseInfo{Remaining: -3, Reset: time.Now()})
	l.mu.Lock()
	b := l.buckets["GET /x"]
	l.mu.Unlock()
	require.NotNil(t, b)
	assert.Equal(t, 0, b.remaining)
}

func TestSetRouteRetryAfter_DoesNotBlockOtherRoutes(t *testing.T) {
	l := New()
	l.SetRouteRetryAfter("POST /a", time.Hour)
	assert.False(t, l.CanProceed("POST /a"))
	assert.True(t, l.CanProceed("GET /b"), "a per-route 429 must not back off unrelated routes")
}

func TestSetGlobalRetryAfter_BlocksEveryRoute(t *testing.T) {
	l := New()
	l.SetGlobalRetryAfter(time.Hour)
	assert.False(t, l.CanProceed("POST /a"))
	assert.False(t, l.CanProceed("GET /b"))
}
