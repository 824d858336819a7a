package event

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"discordcore/logging"
)

// Middleware intercepts a Payload before it reaches handlers. Process
// returns false to stop the chain (and suppress delivery); it must call
// next() to continue to the next middleware, or skip the call to short-
// circuit. p is passed by pointer so a middleware like Transformer can
// rewrite the payload in place and have every downstream middleware and
// handler observe the rewrite.
//
// Grounded on original_source/include/discord/events/event_dispatcher.h's
// IEventMiddleware (process/get_priority/get_name).
type Middleware interface {
	Name() string
	Priority() int
	Process(p *Payload, next func() bool) bool
}

// AddMiddleware installs m into the chain, sorted by descending priority
// (ties keep insertion order).
func (d *Dispatcher) AddMiddleware(m Middleware) {
	d.middlewareMu.Lock()
	defer d.middlewareMu.Unlock()
	d.middleware = append(d.middleware, m)
	sort.SliceStable(d.middleware, func(i, j int) bool {
		return d.middleware[i].Priority() > d.middleware[j].Priority()
	})
}

// RemoveMiddleware removes the first middleware registered under name.
func (d *Dispatcher) RemoveMiddleware(name string) bool {
	d.middlewareMu.Lock()
	defer d.middlewareMu.Unlock()
	for i, m := range d.middleware {
		if m.Name() == name {
			d.middleware = append(d.middleware[:i:i], d.middleware[i+1:]...)
			return true
		}
	}
	return false
}

// runMiddlewareChain executes mw in order, each wrapping the call to the
// next. Returns false (delivery suppressed) the moment any middleware
// declines to call next.
func runMiddlewareChain(mw []Middleware, p *Payload) bool {
	var step func(i int) bool
	step = func(i int) bool {
		if i >= len(mw) {
			return true
		}
		return mw[i].Process(p, func() bool { return step(i + 1) })
	}
	return step(0)
}

// RateLimiterMiddleware drops payloads once an event type exceeds its
// configured rate, using one token bucket per event type. Grounded on
// EventMiddleware::RateLimiter (priority 100 — runs first).
type RateLimiterMiddleware struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
	log      *logging.Logger
}

// NewRateLimiterMiddleware builds a RateLimiterMiddleware allowing up to
// eventsPerSecond sustained events per event type, with bursts of at most
// burst events.
func NewRateLimiterMiddleware(eventsPerSecond float64, burst int) *RateLimiterMiddleware {
	return &RateLimiterMiddleware{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(eventsPerSecond),
		burst:    burst,
		log:      logging.Default().With("event.ratelimit"),
	}
}

func (m *RateLimiterMiddleware) Name() string  { return "rate_limiter" }
func (m *RateLimiterMiddleware) Priority() int { return 100 }

func (m *RateLimiterMiddleware) Process(p *Payload, next func() bool) bool {
	m.mu.Lock()
	l, ok := m.limiters[p.Type]
	if !ok {
		l = rate.NewLimiter(m.r, m.burst)
		m.limiters[p.Type] = l
	}
	m.mu.Unlock()

	if !l.Allow() {
		return false
	}
	return next()
}

// LoggerMiddleware logs every payload that reaches it. Grounded on
// EventMiddleware::Logger (priority -100 — runs after every built-in
// middleware that can suppress delivery; only DebuggerMiddleware, at -200,
// runs later).
type LoggerMiddleware struct {
	log *logging.Logger
}

func NewLoggerMiddleware(log *logging.Logger) *LoggerMiddleware {
	if log == nil {
		log = logging.Default()
	}
	return &LoggerMiddleware{log: log.With("event.dispatch")}
}

func (m *LoggerMiddleware) Name() string  { return "logger" }
func (m *LoggerMiddleware) Priority() int { return -100 }

func (m *LoggerMiddleware) Process(p *Payload, next func() bool) bool {
	m.log.Debug("shard %d dispatching %s", p.ShardID, p.Type)
	return next()
}

// ValidatorFunc reports whether a payload is well-formed enough to
// deliver.
type ValidatorFunc func(Payload) error

// ValidatorMiddleware rejects payloads that fail validation. Grounded on
// EventMiddleware::Validator (priority 50).
type ValidatorMiddleware struct {
	validate ValidatorFunc
	log      *logging.Logger
}

func NewValidatorMiddleware(validate ValidatorFunc) *ValidatorMiddleware {
	return &ValidatorMiddleware{validate: validate, log: logging.Default().With("event.validator")}
}

func (m *ValidatorMiddleware) Name() string  { return "validator" }
func (m *ValidatorMiddleware) Priority() int { return 50 }

func (m *ValidatorMiddleware) Process(p *Payload, next func() bool) bool {
	if m.validate == nil {
		return next()
	}
	if err := m.validate(*p); err != nil {
		m.log.Warn("payload %s rejected by validator: %s", p.Type, err)
		return false
	}
	return next()
}

// MetricsMiddleware counts payloads per event type without affecting
// delivery. It always calls next.
type MetricsMiddleware struct {
	mu     sync.Mutex
	counts map[string]uint64
}

func NewMetricsMiddleware() *MetricsMiddleware {
	return &MetricsMiddleware{counts: make(map[string]uint64)}
}

func (m *MetricsMiddleware) Name() string  { return "metrics" }
func (m *MetricsMiddleware) Priority() int { return -50 }

func (m *MetricsMiddleware) Process(p *Payload, next func() bool) bool {
	m.mu.Lock()
	m.counts[p.Type]++
	m.mu.Unlock()
	return next()
}

// Counts returns a snapshot of per-event-type counts observed so far.
func (m *MetricsMiddleware) Counts() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out
}

// middlewareFunc adapts a plain function into a named, prioritized
// Middleware, for one-off inline chains (tests, demo wiring).
type middlewareFunc struct {
	name     string
	priority int
	fn       func(*Payload, func() bool) bool
}

// NewFuncMiddleware builds an ad-hoc Middleware from a function.
func NewFuncMiddleware(name string, priority int, fn func(*Payload, func() bool) bool) Middleware {
	return &middlewareFunc{name: name, priority: priority, fn: fn}
}

func (m *middlewareFunc) Name() string  { return m.name }
func (m *middlewareFunc) Priority() int { return m.priority }
func (m *middlewareFunc) Process(p *Payload, next func() bool) bool {
	return m.fn(p, next)
}

// DebuggerMiddleware logs full payload bodies at debug level; distinct
// from LoggerMiddleware, which only logs the envelope. Grounded on the
// spec's middleware chain list (§4.6) naming a Debugger alongside Logger.
type DebuggerMiddleware struct {
	log *logging.Logger
}

func NewDebuggerMiddleware(log *logging.Logger) *DebuggerMiddleware {
	if log == nil {
		log = logging.Default()
	}
	return &DebuggerMiddleware{log: log.With("event.debug")}
}

func (m *DebuggerMiddleware) Name() string  { return "debugger" }
func (m *DebuggerMiddleware) Priority() int { return -200 }

func (m *DebuggerMiddleware) Process(p *Payload, next func() bool) bool {
	m.log.Debug("shard %d %s payload: %s", p.ShardID, p.Type, string(p.Data))
	return next()
}

// AuthFunc decides whether a payload carries acceptable credentials (a
// bot token and/or a resolved user id, per caller policy).
type AuthFunc func(Payload) bool

// AuthenticationMiddleware rejects payloads that fail an auth check.
// Grounded on EventMiddleware::Authentication; optional in the chain
// since most gateway dispatches carry no credential of their own to
// check (the token lives on the connection, not the payload) — callers
// that need this wire a predicate appropriate to their own domain data.
type AuthenticationMiddleware struct {
	check AuthFunc
	log   *logging.Logger
}

func NewAuthenticationMiddleware(check AuthFunc) *AuthenticationMiddleware {
	return &AuthenticationMiddleware{check: check, log: logging.Default().With("event.auth")}
}

func (m *AuthenticationMiddleware) Name() string  { return "authentication" }
func (m *AuthenticationMiddleware) Priority() int { return 90 }

func (m *AuthenticationMiddleware) Process(p *Payload, next func() bool) bool {
	if m.check == nil || m.check(*p) {
		return next()
	}
	m.log.Warn("payload %s rejected: failed authentication check", p.Type)
	return false
}

// PermissionsMiddleware rejects payloads whose event type requires a
// bitmask the caller hasn't granted. Grounded on
// EventMiddleware::Permissions (per-event required_permissions bitmask).
type PermissionsMiddleware struct {
	mu       sync.Mutex
	required map[string]uint64
	granted  uint64
	log      *logging.Logger
}

func NewPermissionsMiddleware(granted uint64) *PermissionsMiddleware {
	return &PermissionsMiddleware{
		required: make(map[string]uint64),
		granted:  granted,
		log:      logging.Default().With("event.permissions"),
	}
}

// Require sets the permission bitmask required for eventName.
func (m *PermissionsMiddleware) Require(eventName string, mask uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.required[eventName] = mask
}

func (m *PermissionsMiddleware) Name() string  { return "permissions" }
func (m *PermissionsMiddleware) Priority() int { return 80 }

func (m *PermissionsMiddleware) Process(p *Payload, next func() bool) bool {
	m.mu.Lock()
	mask, ok := m.required[p.Type]
	m.mu.Unlock()

	if !ok || mask&m.granted == mask {
		return next()
	}
	m.log.Warn("payload %s rejected: missing required permission bits", p.Type)
	return false
}

// TransformFunc rewrites a payload's data before delivery, returning the
// (possibly unchanged) replacement bytes.
type TransformFunc func(Payload) ([]byte, error)

// TransformerMiddleware rewrites matching payloads' Data in place.
// Grounded on EventMiddleware::Transformer (per-event data rewrite, spec
// §9's "Transformer").
type TransformerMiddleware struct {
	transforms map[string]TransformFunc
	log        *logging.Logger
}

func NewTransformerMiddleware() *TransformerMiddleware {
	return &TransformerMiddleware{
		transforms: make(map[string]TransformFunc),
		log:        logging.Default().With("event.transformer"),
	}
}

// On registers fn to rewrite every payload of eventName.
func (m *TransformerMiddleware) On(eventName string, fn TransformFunc) {
	m.transforms[eventName] = fn
}

func (m *TransformerMiddleware) Name() string  { return "transformer" }
func (m *TransformerMiddleware) Priority() int { return 10 }

func (m *TransformerMiddleware) Process(p *Payload, next func() bool) bool {
	fn, ok := m.transforms[p.Type]
	if !ok {
		return next()
	}
	rewritten, err := fn(*p)
	if err != nil {
		m.log.Warn("transformer for %s failed: %s", p.Type, err)
		return next()
	}
	p.Data = rewritten
	return next()
}

// idSeen is a TTL-bounded record of an "id" field already processed,
// used by CacheMiddleware to drop duplicate deliveries.
type idSeen struct {
	at time.Time
}

// CacheMiddleware drops payloads whose top-level "id" field was already
// seen within ttl, protecting handlers from re-processing a duplicate
// dispatch (Discord occasionally redelivers after a resume). Grounded on
// EventMiddleware::Cache (dedup on id with TTL).
type CacheMiddleware struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]idSeen
	log  *logging.Logger
}

func NewCacheMiddleware(ttl time.Duration) *CacheMiddleware {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CacheMiddleware{
		ttl:  ttl,
		seen: make(map[string]idSeen),
		log:  logging.Default().With("event.cache"),
	}
}

func (m *CacheMiddleware) Name() string  { return "cache" }
func (m *CacheMiddleware) Priority() int { return 60 }

func (m *CacheMiddleware) Process(p *Payload, next func() bool) bool {
	c := parseCommon(*p)
	if c.ID == "" {
		return next()
	}

	now := time.Now()
	key := p.Type + ":" + c.ID

	m.mu.Lock()
	if len(m.seen) > 4096 {
		m.sweepLocked(now)
	}
	if last, ok := m.seen[key]; ok && now.Sub(last.at) < m.ttl {
		m.mu.Unlock()
		return false
	}
	m.seen[key] = idSeen{at: now}
	m.mu.Unlock()

	return next()
}

func (m *CacheMiddleware) sweepLocked(now time.Time) {
	for k, v := range m.seen {
		if now.Sub(v.at) >= m.ttl {
			delete(m.seen, k)
		}
	}
}
