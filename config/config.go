// Package config loads and hot-reloads the JSON document that drives a
// discordcore client: token/intents, shard policy, reconnect policy, and
// local rate-limit policy.
//
// Grounded on the teacher's util.go (loadConfig/reloadConfig/
// watchConfigChanges, all built on encoding/json + radovskyb/watcher
// against a single config.json), generalized from the teacher's
// sniping-specific configStruct (webhooks, alt accounts, claim tokens) to
// the shard/reconnect/rate-limit policy document this module actually
// needs.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/radovskyb/watcher"

	core "discordcore/errs"
	"discordcore/logging"
)

// ReconnectPolicy mirrors gateway.ReconnectConfig in JSON-friendly form.
type ReconnectPolicy struct {
	MaxRetries    int  `json:"max_retries"`
	BaseDelayMs   int  `json:"base_delay_ms"`
	MaxDelayMs    int  `json:"max_delay_ms"`
	AutoReconnect bool `json:"auto_reconnect"`
}

// RateLimitPolicy mirrors ratelimit.Limiter's local policy knobs.
type RateLimitPolicy struct {
	LocalEventsPerSecond float64 `json:"local_events_per_second"`
	LocalBurst           int     `json:"local_burst"`
}

// Document is the full on-disk configuration shape.
type Document struct {
	Token          string          `json:"token"`
	Intents        int             `json:"intents"`
	Compress       bool            `json:"compress"`
	ShardCount     int             `json:"shard_count"`
	AutoSharding   bool            `json:"auto_sharding"`
	MaxConcurrency int             `json:"max_concurrency"`
	ConnectDelayMs int             `json:"connect_delay_ms"`
	Reconnect      ReconnectPolicy `json:"reconnect"`
	RateLimit      RateLimitPolicy `json:"rate_limit"`
}

// Default returns a Document matching the factory defaults elsewhere in
// the module (gateway.DefaultReconnectConfig, shard.DefaultConfig).
func Default() Document {
	return Document{
		Intents:        0,
		Compress:       true,
		AutoSharding:   true,
		MaxConcurrency: 1,
		ConnectDelayMs: 5000,
		Reconnect: ReconnectPolicy{
			MaxRetries:    5,
			BaseDelayMs:   1000,
			MaxDelayMs:    30000,
			AutoReconnect: true,
		},
		RateLimit: RateLimitPolicy{
			LocalEventsPerSecond: 50,
			LocalBurst:           10,
		},
	}
}

// Load reads and parses the document at path.
func Load(path string) (Document, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Document{}, core.NewValidationError("config: read %s: %s", path, err)
	}

	doc := Default()
	if err := json.Unmarshal(body, &doc); err != nil {
		return Document{}, core.NewValidationError("config: parse %s: %s", path, err)
	}
	return doc, nil
}

// Save writes doc to path as indented JSON, creating the file if absent.
func Save(path string, doc Document) error {
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return core.NewValidationError("config: marshal: %s", err)
	}
	if err := os.WriteFile(path, body, 0644); err != nil {
		return core.NewValidationError("config: write %s: %s", path, err)
	}
	return nil
}

// Watcher hot-reloads a Document from path, pushing every successfully
// reparsed version down Changes. A failed reload is logged and skipped —
// the last good Document stays in effect, matching the teacher's
// reloadConfig, which silently keeps the previous globals on parse error.
type Watcher struct {
	Changes <-chan Document

	w    *watcher.Watcher
	log  *logging.Logger
}

// Watch starts polling path for changes at the given interval (the
// teacher's watchConfigChanges always uses 1s; this is generalized to a
// caller-supplied interval). Call Stop to release the underlying watcher.
func Watch(path string, interval time.Duration, log *logging.Logger) (*Watcher, error) {
	if log == nil {
		log = logging.Default()
	}
	log = log.With("config")

	if interval <= 0 {
		interval = time.Second
	}

	w := watcher.New()
	changes := make(chan Document, 1)

	if err := w.Add(path); err != nil {
		return nil, core.NewValidationError("config: watch %s: %s", path, err)
	}

	go func() {
		for {
			select {
			case <-w.Event:
				doc, err := Load(path)
				if err != nil {
					log.Error("reload %s: %s", path, err)
					continue
				}
				select {
				case changes <- doc:
				default:
					// Drain the stale pending value so Changes always
					// reflects the most recent reload.
					select {
					case <-changes:
					default:
					}
					changes <- doc
				}
			case err := <-w.Error:
				log.Error("watch %s: %s", path, err)
			case <-w.Closed:
				close(changes)
				return
			}
		}
	}()

	go func() { w.Wait() }()

	cw := &Watcher{Changes: changes, w: w, log: log}

	go func() {
		if err := w.Start(interval); err != nil {
			log.Error("start watch %s: %s", path, err)
		}
	}()

	return cw, nil
}

// Stop releases the underlying filesystem watcher.
func (w *Watcher) Stop() {
	w.w.Close()
}
