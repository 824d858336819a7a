// Package shard implements the Shard Manager (spec §4.5): it owns N
// gateway connections, starts them within Discord's session-start-limit
// budget, routes guild-scoped sends to the owning shard, and aggregates
// events with a shard-id annotation.
//
// Grounded on original_source/src/gateway/shard_manager.cpp's
// ShardManager (start/connect_shard/get_shard_for_guild/
// wait_for_session_slot) — the teacher has no sharding concept at all
// (one fixed Session, one token); this package is new code written in the
// teacher's low-ceremony, mutex-guarded style.
package shard

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	core "discordcore/errs"
	"discordcore/event"
	"discordcore/gateway"
	"discordcore/logging"
	"discordcore/rest"

	"golang.org/x/time/rate"
)

// Config parameterizes a Manager.
type Config struct {
	Token          string
	Intents        int
	Compress       bool
	ShardCount     int  // 0 means: consult /gateway/bot for the recommended count
	AutoSharding   bool
	MaxConcurrency int
	ConnectDelay   time.Duration
	Reconnect      gateway.ReconnectConfig
	Logger         *logging.Logger
}

// DefaultConfig mirrors ShardConfig's defaults in the original source.
func DefaultConfig() Config {
	return Config{
		AutoSharding:   true,
		MaxConcurrency: 1,
		ConnectDelay:   5 * time.Second,
		Compress:       true,
		Reconnect:      gateway.DefaultReconnectConfig(),
	}
}

// SmallBotConfig, MediumBotConfig, LargeBotConfig are the ShardFactory
// presets from original_source/include/discord/gateway/shard_manager.h.
func SmallBotConfig() Config {
	c := DefaultConfig()
	c.ShardCount, c.AutoSharding = 1, false
	c.MaxConcurrency = 1
	c.ConnectDelay = 5 * time.Second
	return c
}

func MediumBotConfig() Config {
	c := DefaultConfig()
	c.ShardCount, c.AutoSharding = 4, false
	c.MaxConcurrency = 2
	c.ConnectDelay = 2500 * time.Millisecond
	return c
}

func LargeBotConfig() Config {
	c := DefaultConfig()
	c.ShardCount, c.AutoSharding = 16, false
	c.MaxConcurrency = 4
	c.ConnectDelay = 1 * time.Second
	return c
}

// RecommendedShardCount applies Discord's guidance of one shard per ~2000
// guilds (ShardFactory::calculate_optimal_shards).
func RecommendedShardCount(guildCount int) int {
	const guildsPerShard = 2000
	n := (guildCount + guildsPerShard - 1) / guildsPerShard
	if n < 1 {
		return 1
	}
	return n
}

// ConfigForGuildCount builds a Config sized for guildCount guilds
// (ShardFactory::create_config_for_guild_count).
func ConfigForGuildCount(guildCount int) Config {
	n := RecommendedShardCount(guildCount)
	c := DefaultConfig()
	c.ShardCount, c.AutoSharding = n, false
	if n < 4 {
		c.MaxConcurrency = n
	} else {
		c.MaxConcurrency = 4
	}
	delayMs := 5000 / n
	if delayMs < 500 {
		delayMs = 500
	}
	c.ConnectDelay = time.Duration(delayMs) * time.Millisecond
	return c
}

// sessionLimit is the session-start-limit bookkeeping from
// GatewaySession/update_session_limits.
type sessionLimit struct {
	mu        sync.Mutex
	total     int
	remaining int
	resetAfter time.Duration
	lastReset time.Time
}

func (s *sessionLimit) update() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastReset.IsZero() {
		s.lastReset = time.Now()
		return
	}
	if time.Since(s.lastReset) >= s.resetAfter {
		s.remaining = s.total
		s.lastReset = time.Now()
	}
}

func (s *sessionLimit) canStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining > 0
}

func (s *sessionLimit) consume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remaining > 0 {
		s.remaining--
	}
}

func (s *sessionLimit) set(total, remaining int, resetAfter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total, s.remaining, s.resetAfter = total, remaining, resetAfter
	s.lastReset = time.Now()
}

// shardState tracks one shard's connection and bookkeeping.
type shardState struct {
	id        int
	conn      *gateway.Connection
	identity  *gateway.Identity
	reconnect *gateway.ReconnectController
	connectAt time.Time
}

// Manager is the Shard Manager component.
type Manager struct {
	cfg        Config
	rest       *rest.Pipeline
	dispatcher *event.Dispatcher
	log        *logging.Logger

	gatewayURL string
	limit      sessionLimit

	mu     sync.RWMutex
	shards map[int]*shardState

	// identifyLimiter enforces max_concurrency: up to MaxConcurrency
	// identify attempts may be in flight at once, with the bucket
	// refilling every ConnectDelay thereafter.
	identifyLimiter *rate.Limiter

	stopping chan struct{}
	stopOnce sync.Once
}

// New builds a Manager. It does not start any shards; call Start.
func New(cfg Config, pipeline *rest.Pipeline, dispatcher *event.Dispatcher) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.ConnectDelay <= 0 {
		cfg.ConnectDelay = 5 * time.Second
	}
	return &Manager{
		cfg:             cfg,
		rest:            pipeline,
		dispatcher:      dispatcher,
		log:             cfg.Logger.With("shard"),
		shards:          make(map[int]*shardState),
		identifyLimiter: rate.NewLimiter(rate.Every(cfg.ConnectDelay), cfg.MaxConcurrency),
		stopping:        make(chan struct{}),
	}
}

type gatewayBotResponse struct {
	URL    string `json:"url"`
	Shards int    `json:"shards"`
	SessionStartLimit struct {
		Total      int `json:"total"`
		Remaining  int `json:"remaining"`
		ResetAfter int `json:"reset_after"`
	} `json:"session_start_limit"`
}

// Start consults /gateway/bot, resolves the shard count, and launches
// shards in order subject to the connection delay and the session-start
// limit.
func (m *Manager) Start(ctx context.Context) error {
	if m.cfg.Token == "" {
		return core.NewValidationError("shard: token must not be empty")
	}

	var resp gatewayBotResponse
	if err := m.rest.RequestJSON(ctx, "GET", "/gateway/bot", nil, &resp, nil); err != nil {
		return err
	}

	m.gatewayURL = resp.URL
	m.limit.set(resp.SessionStartLimit.Total, resp.SessionStartLimit.Remaining,
		time.Duration(resp.SessionStartLimit.ResetAfter)*time.Millisecond)

	count := m.cfg.ShardCount
	if m.cfg.AutoSharding || count <= 0 {
		count = resp.Shards
		if count <= 0 {
			count = 1
		}
	}
	m.cfg.ShardCount = count

	// Shards are handed out in order, but identify itself is capped at
	// MaxConcurrency in flight: the limiter's burst lets that many
	// through immediately, after which it paces new admissions one per
	// ConnectDelay, so the steady-state launch rate still honors the
	// minimum inter-connect delay.
	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		select {
		case <-m.stopping:
			wg.Wait()
			return core.NewShutdownError()
		default:
		}

		if err := m.identifyLimiter.Wait(ctx); err != nil {
			wg.Wait()
			return err
		}
		if err := m.waitForSessionSlot(ctx); err != nil {
			wg.Wait()
			return err
		}

		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := m.connectShard(ctx, id); err != nil {
				m.log.Error("shard %d failed to connect: %s", id, err)
			}
		}(i)
	}
	wg.Wait()
	return nil
}

func (m *Manager) waitForSessionSlot(ctx context.Context) error {
	for {
		m.limit.update()
		if m.limit.canStart() {
			return nil
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopping:
			return core.NewShutdownError()
		}
	}
}

func (m *Manager) connectShard(ctx context.Context, id int) error {
	identity := &gateway.Identity{}
	reconnect := gateway.NewReconnectController(m.cfg.Reconnect, identity)

	conn := gateway.NewConnection(gateway.Config{
		Token:      m.cfg.Token,
		Intents:    m.cfg.Intents,
		Compress:   m.cfg.Compress,
		ShardID:    id,
		ShardCount: m.cfg.ShardCount,
		Logger:     m.cfg.Logger,
		OnEvent: func(shardID int, eventType string, sequence int64, data json.RawMessage) {
			if m.dispatcher != nil {
				m.dispatcher.Dispatch(shardID, eventType, data)
			}
		},
		OnClose: func(code int, reason string) {
			m.handleClose(id, code, reason)
		},
	}, identity)

	state := &shardState{id: id, conn: conn, identity: identity, reconnect: reconnect, connectAt: time.Now()}
	m.mu.Lock()
	m.shards[id] = state
	m.mu.Unlock()

	m.limit.consume()
	return conn.Connect(ctx, m.gatewayURL)
}

func (m *Manager) handleClose(id int, code int, reason string) {
	m.mu.RLock()
	state, ok := m.shards[id]
	m.mu.RUnlock()
	if !ok {
		return
	}

	shouldReconnect := state.reconnect.OnClose(code, reason)
	if !shouldReconnect {
		return
	}

	go func() {
		ctx := context.Background()
		if err := state.reconnect.Wait(ctx); err != nil {
			m.log.Error("shard %d reconnect abandoned: %s", id, err)
			return
		}
		if err := m.identifyLimiter.Wait(ctx); err != nil {
			return
		}
		if err := m.waitForSessionSlot(ctx); err != nil {
			return
		}
		m.limit.consume()
		if err := state.conn.Connect(ctx, m.gatewayURL); err != nil {
			m.log.Error("shard %d reconnect failed: %s", id, err)
			return
		}
		state.reconnect.OnConnectionRestored()
	}()
}

// ShardForGuild applies the mandatory shard-for-guild formula: (guild_id
// >> 22) mod shard_count.
func ShardForGuild(guildID uint64, shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	return int((guildID >> 22) % uint64(shardCount))
}

// Send routes a payload to the shard owning guildID.
func (m *Manager) Send(ctx context.Context, guildID uint64, op int, data interface{}) error {
	id := ShardForGuild(guildID, m.cfg.ShardCount)
	m.mu.RLock()
	state, ok := m.shards[id]
	m.mu.RUnlock()
	if !ok {
		return core.NewValidationError("shard: no connection for shard %d", id)
	}
	return state.conn.Send(ctx, op, data)
}

// Broadcast sends a payload to every shard, returning the number of shards
// it was sent to successfully.
func (m *Manager) Broadcast(ctx context.Context, op int, data interface{}) int {
	m.mu.RLock()
	states := make([]*shardState, 0, len(m.shards))
	for _, s := range m.shards {
		states = append(states, s)
	}
	m.mu.RUnlock()

	sent := 0
	for _, s := range states {
		if err := s.conn.Send(ctx, op, data); err == nil {
			sent++
		}
	}
	return sent
}

// ForceIdentifyAll clears every shard's session and reconnects them
// sequentially.
func (m *Manager) ForceIdentifyAll(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]int, 0, len(m.shards))
	for id := range m.shards {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.mu.RLock()
		state := m.shards[id]
		m.mu.RUnlock()

		state.identity.Clear()
		state.conn.Disconnect()
		if err := m.waitForSessionSlot(ctx); err != nil {
			return err
		}
		m.limit.consume()
		if err := state.conn.Connect(ctx, m.gatewayURL); err != nil {
			return fmt.Errorf("shard %d: %w", id, err)
		}
	}
	return nil
}

// ConnectedShardCount reports how many shards are currently Ready.
func (m *Manager) ConnectedShardCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.shards {
		if s.conn.State() == gateway.StateReady {
			n++
		}
	}
	return n
}

// TotalShardCount reports the configured shard count.
func (m *Manager) TotalShardCount() int { return m.cfg.ShardCount }

// Stop disconnects every shard and cancels any in-flight reconnect waits.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopping) })

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.shards {
		s.reconnect.Stop()
		s.conn.Disconnect()
	}
}
