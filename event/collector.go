package event

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CollectorConfig parameterizes a Collector. Defaults match
// EventCollector's original defaults: a 30s timeout, one match, disposed
// on timeout.
type CollectorConfig struct {
	Timeout          time.Duration
	MaxMatches       int
	DisposeOnTimeout bool
}

// DefaultCollectorConfig returns {30s, 1, true}.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{Timeout: 30 * time.Second, MaxMatches: 1, DisposeOnTimeout: true}
}

// Collector accumulates matching payloads for one event until it has seen
// MaxMatches or Timeout elapses. Grounded on
// original_source/include/discord/events/event_dispatcher.h's
// EventCollector<T> template.
type Collector struct {
	id         string
	dispatcher *Dispatcher
	eventName  string
	filter     Filter
	cfg        CollectorConfig

	handlerID string

	mu        sync.Mutex
	collected []Payload
	active    bool

	firstCh  chan struct{}
	firstSet sync.Once

	done     chan struct{}
	doneOnce sync.Once
}

// CreateCollector registers a Collector for eventName, applying filter to
// incoming payloads. The collector disposes itself (removing its
// handler) once it reaches cfg.MaxMatches, or on timeout if
// cfg.DisposeOnTimeout is set.
func (d *Dispatcher) CreateCollector(eventName string, filter Filter, cfg CollectorConfig) *Collector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxMatches <= 0 {
		cfg.MaxMatches = 1
	}

	c := &Collector{
		dispatcher: d,
		eventName:  eventName,
		filter:     filter,
		cfg:        cfg,
		active:     true,
		firstCh:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	c.id = fmt.Sprintf("collector_%p", c)
	c.handlerID = d.On(eventName, c.onEvent, 0, "", false)

	d.collectorsMu.Lock()
	d.collectors[c.id] = c
	d.collectorsMu.Unlock()

	time.AfterFunc(cfg.Timeout, c.onTimeout)

	return c
}

func (c *Collector) onEvent(p Payload) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	if c.filter != nil && !c.filter(p) {
		c.mu.Unlock()
		return
	}
	c.collected = append(c.collected, p)
	n := len(c.collected)
	c.mu.Unlock()

	c.firstSet.Do(func() { close(c.firstCh) })

	if n >= c.cfg.MaxMatches {
		c.dispose()
	}
}

func (c *Collector) onTimeout() {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if !active {
		return
	}
	if c.cfg.DisposeOnTimeout {
		c.dispose()
		return
	}
	c.doneOnce.Do(func() { close(c.done) })
}

// dispose removes the collector's handler and retires it from the
// dispatcher's active set.
func (c *Collector) dispose() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.mu.Unlock()

	c.dispatcher.Off(c.eventName, c.handlerID)

	c.dispatcher.collectorsMu.Lock()
	delete(c.dispatcher.collectors, c.id)
	c.dispatcher.collectorsMu.Unlock()

	c.doneOnce.Do(func() { close(c.done) })
}

// WaitForFirst blocks until the first matching payload arrives, the
// collector is disposed with none collected, or ctx is cancelled.
func (c *Collector) WaitForFirst(ctx context.Context) (Payload, bool) {
	select {
	case <-c.firstCh:
	case <-c.done:
	case <-ctx.Done():
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.collected) == 0 {
		return Payload{}, false
	}
	return c.collected[0], true
}

// WaitForAll blocks until the collector disposes (MaxMatches reached or
// timeout), or ctx is cancelled, returning everything collected so far.
func (c *Collector) WaitForAll(ctx context.Context) []Payload {
	select {
	case <-c.done:
	case <-ctx.Done():
	}
	return c.Collected()
}

// Active reports whether the collector is still accepting matches.
func (c *Collector) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Count reports how many payloads have been collected so far.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.collected)
}

// Collected returns a snapshot of everything collected so far.
func (c *Collector) Collected() []Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Payload, len(c.collected))
	copy(out, c.collected)
	return out
}

// Clear empties the collected list without disposing the collector.
func (c *Collector) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collected = nil
}

// Stop disposes the collector early, as if it had timed out.
func (c *Collector) Stop() {
	c.dispose()
}
