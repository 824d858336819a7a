package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyClose(t *testing.T) {
	resumable := []int{1000, 1001, 1006, 1009, 1011, 1012, 1013, 1014, 1500, 4000, 4002, 4005, 4008}
	for _, code := range resumable {
		assert.True(t, ClassifyClose(code), "code %d should be resumable", code)
	}

	nonResumable := []int{4004, 4010, 4011, 4012, 4013, 4014}
	for _, code := range nonResumable {
		assert.False(t, ClassifyClose(code), "code %d should be non-resumable", code)
	}
}

func TestOnClose_NonResumableClearsSession(t *testing.T) {
	id := &Identity{SessionID: "abc", Resumable: true}
	id.SetSequence(42)

	rc := NewReconnectController(DefaultReconnectConfig(), id)
	should := rc.OnClose(4004, "authentication failed")

	assert.True(t, should)
	assert.False(t, id.CanResume())
	assert.Empty(t, id.SessionID)
}

func TestOnClose_ResumablePreservesSession(t *testing.T) {
	id := &Identity{SessionID: "abc", Resumable: true}
	id.SetSequence(42)

	rc := NewReconnectController(DefaultReconnectConfig(), id)
	rc.OnClose(1006, "abnormal closure")

	assert.True(t, id.CanResume())
	assert.Equal(t, "abc", id.SessionID)
}

func TestBackoffDelay_WithinJitterBounds(t *testing.T) {
	base := 1 * time.Second
	max := 30 * time.Second

	for k := 0; k < 6; k++ {
		for i := 0; i < 50; i++ {
			d := backoffDelay(base, max, k)

			lower := time.Duration(float64(base) * 0.8 * float64(int64(1)<<k))
			upper := time.Duration(float64(base) * 1.2 * float64(int64(1)<<k))
			if upper > max {
				upper = max
			}
			if lower > max {
				lower = max
			}

			assert.GreaterOrEqual(t, d, lower)
			assert.LessOrEqual(t, d, upper)
		}
	}
}

func TestReconnectController_ExhaustedAfterMaxRetries(t *testing.T) {
	cfg := DefaultReconnectConfig()
	cfg.MaxRetries = 2
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond

	rc := NewReconnectController(cfg, &Identity{})

	require.NoError(t, rc.Wait(context.Background()))
	require.NoError(t, rc.Wait(context.Background()))

	assert.True(t, rc.Exhausted())
	err := rc.Wait(context.Background())
	require.Error(t, err)
}

func TestReconnectController_WaitCancellableByStop(t *testing.T) {
	cfg := DefaultReconnectConfig()
	cfg.BaseDelay = time.Minute
	cfg.MaxDelay = time.Minute

	rc := NewReconnectController(cfg, &Identity{})

	done := make(chan error, 1)
	go func() { done <- rc.Wait(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	rc.Stop()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Stop")
	}
}

func TestOnConnectionRestored_ResetsCounter(t *testing.T) {
	rc := NewReconnectController(DefaultReconnectConfig(), &Identity{})
	rc.NextDelay()
	rc.NextDelay()
	assert.Equal(t, 2, rc.Attempts())

	rc.OnConnectionRestored()
	assert.Equal(t, 0, rc.Attempts())
}
