package discordcore

import (
	"context"
	"time"

	"discordcore/cache"
	"discordcore/config"
	"discordcore/event"
	"discordcore/gateway"
	"discordcore/logging"
	"discordcore/ratelimit"
	"discordcore/rest"
	"discordcore/shard"
)

// Client wires the Rate Limiter, REST Pipeline, Shard Manager, Event
// Dispatcher, and TTL Cache into one handle, the way main.go assembles
// discordClient/apiClient/webhookClient/config/claimToken into package
// globals before starting the sniping loop — generalized here into a
// reusable, non-global value with no component defined more than once
// (per SPEC_FULL.md's Open Question #1 decision).
type Client struct {
	Rest       *rest.Pipeline
	Shards     *shard.Manager
	Dispatcher *event.Dispatcher
	Cache      *cache.Store

	log *logging.Logger
}

// Options configures New. Doc is typically produced by config.Load.
type Options struct {
	Doc    config.Document
	Logger *logging.Logger
}

// New assembles a Client from doc without starting any shards. Call
// Start to connect.
func New(opts Options) (*Client, error) {
	if opts.Doc.Token == "" {
		return nil, NewValidationError("client: token must not be empty")
	}

	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}

	limiter := ratelimit.New()
	if opts.Doc.RateLimit.LocalEventsPerSecond > 0 {
		maxRequests := int(opts.Doc.RateLimit.LocalEventsPerSecond)
		if opts.Doc.RateLimit.LocalBurst > maxRequests {
			maxRequests = opts.Doc.RateLimit.LocalBurst
		}
		limiter.SetLocalPolicy("gateway.identify", maxRequests, time.Second)
	}

	pipeline, err := rest.New(opts.Doc.Token, limiter, rest.WithLogger(log))
	if err != nil {
		return nil, err
	}

	dispatcher := event.New()

	shardCfg := shard.DefaultConfig()
	shardCfg.Token = opts.Doc.Token
	shardCfg.Intents = opts.Doc.Intents
	shardCfg.Compress = opts.Doc.Compress
	shardCfg.Logger = log
	shardCfg.Reconnect = gateway.ReconnectConfig{
		MaxRetries:    opts.Doc.Reconnect.MaxRetries,
		BaseDelay:     time.Duration(opts.Doc.Reconnect.BaseDelayMs) * time.Millisecond,
		MaxDelay:      time.Duration(opts.Doc.Reconnect.MaxDelayMs) * time.Millisecond,
		AutoReconnect: opts.Doc.Reconnect.AutoReconnect,
	}
	if opts.Doc.ShardCount > 0 {
		shardCfg.ShardCount = opts.Doc.ShardCount
		shardCfg.AutoSharding = opts.Doc.AutoSharding
	}
	if opts.Doc.MaxConcurrency > 0 {
		shardCfg.MaxConcurrency = opts.Doc.MaxConcurrency
	}
	if opts.Doc.ConnectDelayMs > 0 {
		shardCfg.ConnectDelay = time.Duration(opts.Doc.ConnectDelayMs) * time.Millisecond
	}

	manager := shard.New(shardCfg, pipeline, dispatcher)

	return &Client{
		Rest:       pipeline,
		Shards:     manager,
		Dispatcher: dispatcher,
		Cache:      cache.New(cache.DefaultConfig()),
		log:        log.With("client"),
	}, nil
}

// Start connects the shard manager. It blocks until every shard has been
// launched (not until they're all Ready — see shard.Manager.Start).
func (c *Client) Start(ctx context.Context) error {
	return c.Shards.Start(ctx)
}

// Stop disconnects every shard and closes the REST pipeline.
func (c *Client) Stop() {
	c.Shards.Stop()
	c.Rest.Close()
}

// On registers a dispatcher handler, returning its id.
func (c *Client) On(eventName string, handler event.Handler) string {
	return c.Dispatcher.On(eventName, handler, 0, "", false)
}

// Once registers a one-shot dispatcher handler.
func (c *Client) Once(eventName string, handler event.Handler) string {
	return c.Dispatcher.On(eventName, handler, 0, "", true)
}
