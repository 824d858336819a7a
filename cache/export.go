package cache

import (
	"time"

	core "discordcore/errs"
)

// exportedEntry is the wire shape for one cache entry, matching
// CacheManager::export_cache's layout exactly (field names and the
// epoch-seconds timestamp encoding), restored per SPEC_FULL.md's
// "Cache export/import layout" supplemented feature.
type exportedEntry struct {
	Value      interface{} `json:"value"`
	CreatedAt  int64       `json:"created_at"`
	ExpiresAt  int64       `json:"expires_at"`
	Persistent bool        `json:"is_persistent"`
}

type exportedConfig struct {
	MaxEntries       int     `json:"max_entries"`
	DefaultTTL       int64   `json:"default_ttl"`
	CleanupInterval  int64   `json:"cleanup_interval"`
	EnablePersistence bool   `json:"enable_persistence"`
	EnableCompression bool   `json:"enable_compression"`
	CleanupThreshold float64 `json:"cleanup_threshold"`
}

type exportedCache struct {
	Entries map[string]exportedEntry `json:"entries"`
	Config  exportedConfig           `json:"config"`
}

// Export serializes every unexpired entry plus the current config to the
// JSON layout CacheManager::export_cache produces.
func (s *Store) Export() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := exportedCache{
		Entries: make(map[string]exportedEntry, len(s.entries)),
		Config: exportedConfig{
			MaxEntries:       s.cfg.MaxEntries,
			DefaultTTL:       int64(s.cfg.DefaultTTL / time.Second),
			CleanupInterval:  int64(s.cfg.CleanupInterval / time.Second),
			CleanupThreshold: s.cfg.CleanupThreshold,
		},
	}

	for key, e := range s.entries {
		if e.expired() {
			continue
		}
		var raw interface{}
		if err := wireJSON.Unmarshal(e.value, &raw); err != nil {
			continue
		}
		out.Entries[key] = exportedEntry{
			Value:      raw,
			CreatedAt:  e.createdAt.Unix(),
			ExpiresAt:  e.expiresAt.Unix(),
			Persistent: e.persistent,
		}
	}

	return wireJSON.Marshal(out)
}

// Import loads entries from data (the Export layout). Existing keys are
// skipped unless overwrite is set, matching
// CacheManager::import_cache(data, overwrite).
func (s *Store) Import(data []byte, overwrite bool) error {
	var in exportedCache
	if err := wireJSON.Unmarshal(data, &in); err != nil {
		return core.NewValidationError("cache: import: %s", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, ee := range in.Entries {
		if key == "" {
			continue
		}
		if !overwrite {
			if _, exists := s.entries[key]; exists {
				continue
			}
		}

		body, err := wireJSON.Marshal(ee.Value)
		if err != nil {
			s.log.Error("cache: import entry %q: %s", key, err)
			continue
		}

		s.entries[key] = &entry{
			value:      body,
			createdAt:  time.Unix(ee.CreatedAt, 0),
			expiresAt:  time.Unix(ee.ExpiresAt, 0),
			persistent: ee.Persistent,
		}
	}
	return nil
}
