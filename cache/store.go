// Package cache implements the in-memory TTL cache (spec §6): set/get
// with expiry, persistent entries that never expire, bulk and
// pattern-matching accessors, and a JSON export/import pair for
// persisting cache state across restarts.
//
// Grounded on original_source/src/cache/cache_manager.cpp's CacheManager
// (the fuller of the two original cache implementations — memory_cache.cpp
// is a stripped sibling with no stats/eviction/export) — the teacher has
// no caching layer at all. New code in the teacher's plain mutex-guarded
// style.
package cache

import (
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	core "discordcore/errs"
	"discordcore/logging"
)

var wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Config parameterizes a Store. Defaults mirror CacheConfig's defaults:
// 10000 max entries, 1h default TTL, 5m cleanup interval, 0.8 cleanup
// threshold.
type Config struct {
	MaxEntries       int
	DefaultTTL       time.Duration
	CleanupInterval  time.Duration
	CleanupThreshold float64
}

// DefaultConfig returns CacheConfig's original defaults.
func DefaultConfig() Config {
	return Config{
		MaxEntries:       10000,
		DefaultTTL:       time.Hour,
		CleanupInterval:  5 * time.Minute,
		CleanupThreshold: 0.8,
	}
}

// Stats is a point-in-time snapshot of the cache's bookkeeping
// (CacheManager::get_stats).
type Stats struct {
	TotalEntries      int
	ExpiredEntries    int
	PersistentEntries int
	MemoryUsageBytes  int
	LastCleanup       time.Time
}

// EvictionCallback is notified whenever an entry leaves the cache,
// whether by explicit removal, expiry cleanup, or LRU-style eviction.
type EvictionCallback func(key string, value []byte)

type entry struct {
	value      []byte
	createdAt  time.Time
	expiresAt  time.Time
	persistent bool
}

func (e *entry) expired() bool {
	if e.persistent {
		return false
	}
	return time.Now().After(e.expiresAt)
}

// Store is the TTL Cache component.
type Store struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry

	patterns    *patternCache
	lastCleanup time.Time

	callbacks []EvictionCallback

	log *logging.Logger
}

// New builds a Store with cfg, defaulting zero-valued fields per
// DefaultConfig.
func New(cfg Config) *Store {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultConfig().DefaultTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	if cfg.CleanupThreshold <= 0 {
		cfg.CleanupThreshold = DefaultConfig().CleanupThreshold
	}
	return &Store{
		cfg:         cfg,
		entries:     make(map[string]*entry),
		patterns:    newPatternCache(),
		lastCleanup: time.Now(),
		log:         logging.Default().With("cache"),
	}
}

// Set stores value under key with ttl (0 uses the configured default).
func (s *Store) Set(key string, value interface{}, ttl time.Duration) error {
	if key == "" {
		return core.NewValidationError("cache: key must not be empty")
	}
	body, err := wireJSON.Marshal(value)
	if err != nil {
		return core.NewValidationError("cache: marshal value for %q: %s", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.maybeCleanup()
	if len(s.entries) >= s.cfg.MaxEntries {
		s.evict(0)
	}

	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	now := time.Now()
	s.entries[key] = &entry{value: body, createdAt: now, expiresAt: now.Add(ttl)}
	return nil
}

// SetPersistent stores value under key with no expiry.
func (s *Store) SetPersistent(key string, value interface{}) error {
	if key == "" {
		return core.NewValidationError("cache: key must not be empty")
	}
	body, err := wireJSON.Marshal(value)
	if err != nil {
		return core.NewValidationError("cache: marshal value for %q: %s", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.maybeCleanup()
	if len(s.entries) >= s.cfg.MaxEntries {
		s.evict(0)
	}

	s.entries[key] = &entry{value: body, createdAt: time.Now(), persistent: true}
	return nil
}

// Get returns the raw JSON stored under key. An expired entry is removed
// and reported as a miss.
func (s *Store) Get(key string) ([]byte, bool) {
	if key == "" {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired() {
		s.removeLocked(key)
		return nil, false
	}
	return e.value, true
}

// Exists reports whether key is present and unexpired.
func (s *Store) Exists(key string) bool {
	if key == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false
	}
	if e.expired() {
		s.removeLocked(key)
		return false
	}
	return true
}

// Remove deletes key, notifying eviction callbacks if it was present.
func (s *Store) Remove(key string) {
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(key)
}

func (s *Store) removeLocked(key string) {
	e, ok := s.entries[key]
	if !ok {
		return
	}
	delete(s.entries, key)
	s.notify(key, e.value)
}

// Clear removes every entry, notifying eviction callbacks for each.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		s.notify(key, e.value)
	}
	s.entries = make(map[string]*entry)
}

// Keys returns every unexpired key matching pattern ("*" and "?"
// wildcards, anchored).
func (s *Store) Keys(pattern string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cleanupExpiredLocked()

	if pattern == "" || pattern == "*" {
		out := make([]string, 0, len(s.entries))
		for k := range s.entries {
			out = append(out, k)
		}
		return out
	}

	re := s.patterns.compile(pattern)
	var out []string
	for k, e := range s.entries {
		if !e.expired() && re.MatchString(k) {
			out = append(out, k)
		}
	}
	return out
}

// GetMultiple returns every present, unexpired entry among keys.
func (s *Store) GetMultiple(keys []string) map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]byte)
	for _, k := range keys {
		if e, ok := s.entries[k]; ok && !e.expired() {
			out[k] = e.value
		}
	}
	return out
}

// SetMultiple stores every key/value pair in entries with a shared ttl.
func (s *Store) SetMultiple(values map[string]interface{}, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maybeCleanup()
	if len(s.entries)+len(values) > s.cfg.MaxEntries {
		s.evict(len(values))
	}

	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	now := time.Now()

	for k, v := range values {
		if k == "" {
			continue
		}
		body, err := wireJSON.Marshal(v)
		if err != nil {
			return core.NewValidationError("cache: marshal value for %q: %s", k, err)
		}
		s.entries[k] = &entry{value: body, createdAt: now, expiresAt: now.Add(ttl)}
	}
	return nil
}

// RemoveMultiple deletes every key in keys, notifying eviction callbacks.
func (s *Store) RemoveMultiple(keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.removeLocked(k)
	}
}

// GetMatching returns every unexpired key/value pair matching pattern.
func (s *Store) GetMatching(pattern string) map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	re := s.patterns.compile(pattern)
	out := make(map[string][]byte)
	for k, e := range s.entries {
		if !e.expired() && re.MatchString(k) {
			out[k] = e.value
		}
	}
	return out
}

// Size reports the total number of entries, expired or not.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Empty reports whether the cache holds no entries.
func (s *Store) Empty() bool {
	return s.Size() == 0
}

// TTL reports the remaining time-to-live for key, 0 if absent/expired,
// and a very large duration for persistent entries.
func (s *Store) TTL(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired() {
		return 0
	}
	if e.persistent {
		return time.Duration(1<<62 - 1)
	}
	remaining := time.Until(e.expiresAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// UpdateTTL re-arms key's expiry without touching its value. A ttl of 0
// makes the entry effectively non-expiring until updated again (it does
// not flip the persistent flag).
func (s *Store) UpdateTTL(key string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.persistent {
		return
	}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	} else {
		e.expiresAt = time.Now().Add(100 * 365 * 24 * time.Hour)
	}
}

// AddEvictionCallback registers cb to be called whenever an entry leaves
// the cache.
func (s *Store) AddEvictionCallback(cb EvictionCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

func (s *Store) notify(key string, value []byte) {
	for _, cb := range s.callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("eviction callback for %q panicked: %v", key, r)
				}
			}()
			cb(key, value)
		}()
	}
}

// ForceCleanup removes every expired entry regardless of the cleanup
// interval.
func (s *Store) ForceCleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupExpiredLocked()
}

func (s *Store) maybeCleanup() {
	if time.Since(s.lastCleanup) >= s.cfg.CleanupInterval {
		s.cleanupExpiredLocked()
	}
}

func (s *Store) cleanupExpiredLocked() {
	removed := 0
	for k, e := range s.entries {
		if e.expired() {
			s.notify(k, e.value)
			delete(s.entries, k)
			removed++
		}
	}
	s.lastCleanup = time.Now()
	if removed > 0 {
		s.log.Debug("cleaned up %d expired cache entries", removed)
	}
}

// evict removes non-persistent entries to make room, mirroring
// CacheManager::evict_lru's approximation (no real access-order tracking,
// just a bounded sweep over the map).
func (s *Store) evict(requiredSpace int) {
	toRemove := requiredSpace
	if toRemove <= 0 {
		toRemove = int(float64(len(s.entries)) * s.cfg.CleanupThreshold)
	}
	if toRemove <= 0 {
		toRemove = 1
	}

	removed := 0
	for k, e := range s.entries {
		if removed >= toRemove {
			break
		}
		if e.persistent {
			continue
		}
		s.notify(k, e.value)
		delete(s.entries, k)
		removed++
	}
}

// Statistics returns a snapshot of the cache's current bookkeeping.
func (s *Store) Statistics() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats Stats
	stats.LastCleanup = s.lastCleanup
	stats.TotalEntries = len(s.entries)
	for _, e := range s.entries {
		if e.expired() {
			stats.ExpiredEntries++
		}
		if e.persistent {
			stats.PersistentEntries++
		}
		stats.MemoryUsageBytes += len(e.value)
	}
	return stats
}
