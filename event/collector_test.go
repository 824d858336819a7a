package event

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCollector_DisposesAtMaxMatches(t *testing.T) {
	d := New()
	c := d.CreateCollector("MESSAGE_CREATE", nil, CollectorConfig{
		Timeout:    time.Second,
		MaxMatches: 2,
	})

	d.Emit(Payload{Type: "MESSAGE_CREATE", Data: []byte(`{"content":"one"}`)})
	assert.True(t, c.Active())

	d.Emit(Payload{Type: "MESSAGE_CREATE", Data: []byte(`{"content":"two"}`)})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	all := c.WaitForAll(ctx)

	assert.Len(t, all, 2)
	assert.False(t, c.Active())
	assert.Equal(t, 0, d.HandlerCount())
}

func TestCollector_WaitForFirstReturnsEarly(t *testing.T) {
	d := New()
	c := d.CreateCollector("TYPING_START", nil, CollectorConfig{
		Timeout:    time.Second,
		MaxMatches: 5,
	})

	go func() {
		time.Sleep(5 * time.Millisecond)
		d.Emit(Payload{Type: "TYPING_START", Data: []byte(`{"user_id":"1"}`)})
	}()

	p, ok := c.WaitForFirst(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "TYPING_START", p.Type)
	assert.True(t, c.Active()) // max_matches=5, one match so far
}

func TestCollector_TimesOutAndDisposes(t *testing.T) {
	d := New()
	c := d.CreateCollector("GUILD_CREATE", nil, CollectorConfig{
		Timeout:          10 * time.Millisecond,
		MaxMatches:       5,
		DisposeOnTimeout: true,
	})

	time.Sleep(30 * time.Millisecond)
	assert.False(t, c.Active())
	assert.Equal(t, 0, d.HandlerCount())
}

func TestCollector_TimeoutWithoutDisposeStaysRegistered(t *testing.T) {
	d := New()
	c := d.CreateCollector("GUILD_CREATE", nil, CollectorConfig{
		Timeout:          10 * time.Millisecond,
		MaxMatches:       5,
		DisposeOnTimeout: false,
	})

	time.Sleep(30 * time.Millisecond)
	assert.True(t, c.Active())
	assert.Equal(t, 1, d.HandlerCount())
	c.Stop()
}

func TestCollector_FilterExcludesNonMatching(t *testing.T) {
	d := New()
	c := d.CreateCollector("MESSAGE_CREATE", ByUserID("99"), CollectorConfig{
		Timeout:    50 * time.Millisecond,
		MaxMatches: 5,
	})

	d.Emit(Payload{Type: "MESSAGE_CREATE", Data: []byte(`{"user_id":"1"}`)})
	d.Emit(Payload{Type: "MESSAGE_CREATE", Data: []byte(`{"user_id":"99"}`)})

	assert.Equal(t, 1, c.Count())
}

func TestCollector_ActiveCountReflectedInStatistics(t *testing.T) {
	d := New()
	d.CreateCollector("A", nil, CollectorConfig{Timeout: time.Second, MaxMatches: 1})
	assert.Equal(t, 1, d.Statistics().ActiveCollectors)
}
