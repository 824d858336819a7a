// Package event implements the Event Dispatcher (spec §4.6): priority-
// ordered, filtered subscription with one-shot semantics, wait_for,
// collectors, and a middleware chain, sitting between the gateway engine
// and user code.
//
// Grounded on original_source/src/events/event_dispatcher.cpp's
// EventDispatcher (on/off/emit/emit_filtered/wait_for,
// EventHandlerInfo's priority+created_at ordering, the middleware chain's
// execute_middleware_chain) — the teacher has no dispatcher at all (a
// single inline switch over opcodes in websocket.go's onEvent); this
// package is new code, written in the teacher's plain mutex-guarded style
// rather than the original's shared_mutex + template machinery, since Go
// has no direct shared_mutex/template equivalent worth forcing in.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"discordcore/logging"
)

// Payload is one decoded gateway dispatch, shard-annotated per spec §4.5's
// "Event aggregation".
type Payload struct {
	ShardID int
	Type    string
	Data    json.RawMessage
}

// Handler receives a matching Payload.
type Handler func(Payload)

// Filter reports whether a Payload should be delivered.
type Filter func(Payload) bool

type subscription struct {
	id        string
	event     string
	priority  int
	once      bool
	createdAt time.Time
	seq       uint64
	filter    Filter
	handler   Handler
}

// Stats is the dispatcher's running statistics (spec §4.6 "Statistics"),
// shaped after event_dispatcher.cpp's get_statistics/reset_statistics.
type Stats struct {
	UptimeSeconds    float64          `json:"uptime_seconds"`
	EventsDispatched uint64           `json:"events_dispatched"`
	HandlersExecuted uint64           `json:"handlers_executed"`
	PerEventCounts   map[string]uint64 `json:"per_event_counts"`
	ActiveCollectors int              `json:"active_collectors"`
}

// Dispatcher is the Event Dispatcher component.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]*subscription
	seqNext  uint64

	middlewareMu sync.RWMutex
	middleware   []Middleware

	collectorsMu sync.Mutex
	collectors   map[string]*Collector

	eventsDispatched uint64 // atomic
	handlersExecuted uint64 // atomic
	perEventMu       sync.Mutex
	perEventCounts   map[string]uint64

	startTime time.Time
	log       *logging.Logger
}

// New builds an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{
		handlers:       make(map[string][]*subscription),
		collectors:     make(map[string]*Collector),
		perEventCounts: make(map[string]uint64),
		startTime:      time.Now(),
		log:            logging.Default().With("event"),
	}
}

// On registers a handler for event, returning its id. If id is empty, one
// is synthesized. Insertion is stable within a priority class: ties break
// by insertion order (spec invariant).
func (d *Dispatcher) On(eventName string, handler Handler, priority int, id string, once bool) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	seq := d.seqNext
	d.seqNext++

	if id == "" {
		id = fmt.Sprintf("h_%d", seq)
	}

	sub := &subscription{
		id:        id,
		event:     eventName,
		priority:  priority,
		once:      once,
		createdAt: time.Now(),
		seq:       seq,
		handler:   handler,
	}

	d.handlers[eventName] = append(d.handlers[eventName], sub)
	sortHandlers(d.handlers[eventName])
	return id
}

func sortHandlers(subs []*subscription) {
	sort.SliceStable(subs, func(i, j int) bool {
		if subs[i].priority != subs[j].priority {
			return subs[i].priority > subs[j].priority
		}
		return subs[i].seq < subs[j].seq
	})
}

// Off removes a single handler by id from eventName's table.
func (d *Dispatcher) Off(eventName, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	subs := d.handlers[eventName]
	for i, s := range subs {
		if s.id == id {
			d.handlers[eventName] = append(subs[:i:i], subs[i+1:]...)
			return true
		}
	}
	return false
}

// OffAll removes every handler registered for eventName, returning how
// many were removed.
func (d *Dispatcher) OffAll(eventName string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.handlers[eventName])
	delete(d.handlers, eventName)
	return n
}

// Clear removes a handler id from every event's handler table. Per
// SPEC_FULL.md's decision on the ambiguous "clear_all"/"off" bulk-teardown
// semantics: bulk teardown removes by id across every event, not just one.
func (d *Dispatcher) Clear(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for name, subs := range d.handlers {
		filtered := subs[:0]
		for _, s := range subs {
			if s.id == id {
				removed++
				continue
			}
			filtered = append(filtered, s)
		}
		d.handlers[name] = filtered
	}
	return removed
}

// Dispatch wraps a decoded gateway payload and emits it. This is the entry
// point gateway/shard code calls for every inbound DISPATCH.
func (d *Dispatcher) Dispatch(shardID int, eventType string, data json.RawMessage) {
	d.Emit(Payload{ShardID: shardID, Type: eventType, Data: data})
}

// Emit runs data through the middleware chain, then delivers to handlers
// in priority order. One-shot handlers are removed atomically with their
// first firing. A handler panic is recovered and logged; it never aborts
// delivery to subsequent handlers.
func (d *Dispatcher) Emit(p Payload) {
	d.recordDispatch(p.Type)

	d.middlewareMu.RLock()
	chain := append([]Middleware(nil), d.middleware...)
	d.middlewareMu.RUnlock()

	if !runMiddlewareChain(chain, &p) {
		return
	}

	d.deliver(p, nil)
}

// EmitFiltered delivers p only if every filter accepts it, after the same
// middleware chain as Emit.
func (d *Dispatcher) EmitFiltered(p Payload, filters ...Filter) {
	d.recordDispatch(p.Type)

	d.middlewareMu.RLock()
	chain := append([]Middleware(nil), d.middleware...)
	d.middlewareMu.RUnlock()

	if !runMiddlewareChain(chain, &p) {
		return
	}

	d.deliver(p, filters)
}

func (d *Dispatcher) recordDispatch(eventType string) {
	atomic.AddUint64(&d.eventsDispatched, 1)
	d.perEventMu.Lock()
	d.perEventCounts[eventType]++
	d.perEventMu.Unlock()
}

// deliver takes a snapshot of the handler list under a read lock, releases
// it, then invokes handlers — per spec §5: "Handler callbacks are invoked
// while no dispatcher lock is held."
func (d *Dispatcher) deliver(p Payload, filters []Filter) {
	d.mu.RLock()
	snapshot := append([]*subscription(nil), d.handlers[p.Type]...)
	d.mu.RUnlock()

	var fired []*subscription

	for _, s := range snapshot {
		if !matchesAll(p, filters) {
			continue
		}
		if s.filter != nil && !s.filter(p) {
			continue
		}
		d.invoke(s, p)
		if s.once {
			fired = append(fired, s)
		}
	}

	if len(fired) > 0 {
		d.mu.Lock()
		for _, s := range fired {
			d.removeByIdentity(p.Type, s)
		}
		d.mu.Unlock()
	}
}

func (d *Dispatcher) removeByIdentity(eventName string, target *subscription) {
	subs := d.handlers[eventName]
	for i, s := range subs {
		if s == target {
			d.handlers[eventName] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (d *Dispatcher) invoke(s *subscription, p Payload) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler %s for %s panicked: %v", s.id, p.Type, r)
		}
	}()
	s.handler(p)
	atomic.AddUint64(&d.handlersExecuted, 1)
}

func matchesAll(p Payload, filters []Filter) bool {
	for _, f := range filters {
		if f == nil {
			continue
		}
		if !f(p) {
			return false
		}
	}
	return true
}

// WaitFor registers a one-shot filtered handler and blocks until it fires
// or timeout elapses, returning the first matching payload. The synthetic
// handler is removed on timeout.
func (d *Dispatcher) WaitFor(ctx context.Context, eventName string, filter Filter, timeout time.Duration) (Payload, bool) {
	result := make(chan Payload, 1)

	id := d.On(eventName, func(p Payload) {
		select {
		case result <- p:
		default:
		}
	}, 0, "", true)

	if filter != nil {
		d.mu.Lock()
		for _, s := range d.handlers[eventName] {
			if s.id == id {
				s.filter = filter
				break
			}
		}
		d.mu.Unlock()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p := <-result:
		return p, true
	case <-timer.C:
		d.Off(eventName, id)
		return Payload{}, false
	case <-ctx.Done():
		d.Off(eventName, id)
		return Payload{}, false
	}
}

// HandlerCount reports the total number of registered handlers across all
// events.
func (d *Dispatcher) HandlerCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, subs := range d.handlers {
		n += len(subs)
	}
	return n
}

// Statistics reports the dispatcher's running totals.
func (d *Dispatcher) Statistics() Stats {
	d.perEventMu.Lock()
	counts := make(map[string]uint64, len(d.perEventCounts))
	for k, v := range d.perEventCounts {
		counts[k] = v
	}
	d.perEventMu.Unlock()

	d.collectorsMu.Lock()
	active := 0
	for _, c := range d.collectors {
		if c.Active() {
			active++
		}
	}
	d.collectorsMu.Unlock()

	return Stats{
		UptimeSeconds:    time.Since(d.startTime).Seconds(),
		EventsDispatched: atomic.LoadUint64(&d.eventsDispatched),
		HandlersExecuted: atomic.LoadUint64(&d.handlersExecuted),
		PerEventCounts:   counts,
		ActiveCollectors: active,
	}
}

// ResetStatistics zeroes the running counters without touching handlers.
func (d *Dispatcher) ResetStatistics() {
	atomic.StoreUint64(&d.eventsDispatched, 0)
	atomic.StoreUint64(&d.handlersExecuted, 0)
	d.perEventMu.Lock()
	d.perEventCounts = make(map[string]uint64)
	d.perEventMu.Unlock()
	d.startTime = time.Now()
}
