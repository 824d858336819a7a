// Package gateway implements the WebSocket Gateway Connection (spec §4.4):
// a single TLS WebSocket session running Discord's identify/resume
// protocol, heartbeat loop, and compressed-stream decoding.
//
// Grounded on the teacher's session.go/websocket.go, which pair a
// *websocket.Conn with a csync-guarded send path and a ticker-driven
// heartbeat goroutine; this module keeps that shape (one connection, one
// send mutex, one heartbeat goroutine) and generalizes it from a single
// fixed Identify payload to the full state machine in
// original_source/src/gateway/shard_manager.cpp (GatewayConnection::
// connect/on_hello/on_dispatch).
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/sasha-s/go-csync"

	core "discordcore/errs"
	"discordcore/logging"
)

var wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// State is one of the Gateway Connection states from spec §3.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingHello
	StateIdentifying
	StateResuming
	StateReady
	StateReconnecting
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateIdentifying:
		return "identifying"
	case StateResuming:
		return "resuming"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// EventHandler receives a decoded DISPATCH payload. shardID is -1 when the
// connection is used standalone (outside a shard.Manager).
type EventHandler func(shardID int, eventType string, sequence int64, data json.RawMessage)

// CloseHandler is notified whenever the transport closes, with the raw
// close code and reason; classifying it (resumable or not) and deciding
// whether to reconnect is the Reconnection Controller's job, not the
// connection's own.
type CloseHandler func(code int, reason string)

// Config parameterizes a Connection. Token, Intents are required.
type Config struct {
	Token      string
	Intents    int
	Compress   bool
	ShardID    int
	ShardCount int

	OnEvent EventHandler
	OnClose CloseHandler
	Logger  *logging.Logger
}

// Connection is the WebSocket Gateway Connection component.
type Connection struct {
	cfg    Config
	dialer *websocket.Dialer
	log    *logging.Logger

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	inflate    *inflateStream
	gatewayURL string

	identity *Identity

	// sendMu is the outbound send path's cancellable lock, playing the
	// role the teacher's socketMutex+RateLimiter pairing plays in
	// websocket.go's Send: every write (app payload or internal
	// heartbeat/identify/resume) serializes through it.
	sendMu csync.Mutex

	heartbeatInterval time.Duration
	lastHeartbeatAck  atomic.Int64 // unix nanos
	lastHeartbeatSent atomic.Int64

	helloCh chan helloPayload

	stopHeartbeat chan struct{}
	readerDone    chan struct{}
	closeOnce     sync.Once
}

// NewConnection builds a Connection bound to cfg and a session identity
// (shared with the owning Reconnection Controller so a RESUME carries the
// right session id and sequence).
func NewConnection(cfg Config, identity *Identity) *Connection {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Connection{
		cfg:      cfg,
		dialer:   websocket.DefaultDialer,
		log:      cfg.Logger.With(fmt.Sprintf("gw:%d", cfg.ShardID)),
		state:    StateDisconnected,
		identity: identity,
	}
}

// State reports the connection's current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect dials gatewayURL, waits for HELLO, starts the heartbeat loop, and
// issues IDENTIFY or RESUME depending on whether the session identity is
// resumable. It returns once the opening handshake through
// identify/resume has been sent; READY/RESUMED arrive asynchronously via
// cfg.OnEvent and move the state to Ready.
func (c *Connection) Connect(ctx context.Context, gatewayURL string) error {
	c.setState(StateConnecting)

	headers := http.Header{}
	uri := gatewayURL
	if uri == "" {
		uri = DefaultGateway
	}
	uri = fmt.Sprintf("%s?v=%s&encoding=json", uri, GatewayVersion)
	if c.cfg.Compress {
		uri += "&compress=zlib-stream"
	}

	conn, _, err := c.dialer.DialContext(ctx, uri, headers)
	if err != nil {
		c.setState(StateDisconnected)
		return core.NewTransportError(err)
	}

	c.mu.Lock()
	c.conn = conn
	c.gatewayURL = gatewayURL
	c.inflate = &inflateStream{}
	c.helloCh = make(chan helloPayload, 1)
	c.stopHeartbeat = make(chan struct{})
	c.readerDone = make(chan struct{})
	c.closeOnce = sync.Once{} // re-arm Disconnect for this transport
	c.mu.Unlock()

	conn.SetCloseHandler(func(code int, text string) error {
		c.onTransportClosed(code, text)
		return nil
	})

	c.setState(StateAwaitingHello)
	go c.readLoop()

	select {
	case hello := <-c.helloCh:
		c.heartbeatInterval = hello.HeartbeatInterval * time.Millisecond
	case <-ctx.Done():
		c.Disconnect()
		return ctx.Err()
	case <-c.readerDone:
		return core.NewTransportError(fmt.Errorf("gateway: connection closed before HELLO"))
	}

	c.lastHeartbeatAck.Store(time.Now().UnixNano())
	go c.heartbeatLoop()

	if c.identity.CanResume() {
		c.setState(StateResuming)
		return c.sendResume(ctx)
	}

	c.setState(StateIdentifying)
	return c.sendIdentify(ctx)
}

// Disconnect closes the transport with a normal close code. Non-blocking
// beyond the write itself; does not wait for the reader goroutine to
// observe the close.
func (c *Connection) Disconnect() {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)

		c.mu.Lock()
		conn := c.conn
		stopHB := c.stopHeartbeat
		c.mu.Unlock()

		if stopHB != nil {
			close(stopHB)
		}
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		}
		if c.inflate != nil {
			_ = c.inflate.Close()
		}

		c.setState(StateDisconnected)
	})
}

// Send transmits an application payload (PRESENCE_UPDATE,
// VOICE_STATE_UPDATE, REQUEST_GUILD_MEMBERS). Per spec §4.4, callers may
// only send while Ready.
func (c *Connection) Send(ctx context.Context, op int, data interface{}) error {
	if c.State() != StateReady {
		return core.NewValidationError("gateway: send requires a Ready connection")
	}
	return c.sendRaw(ctx, map[string]interface{}{"op": op, "d": data})
}

func (c *Connection) sendIdentify(ctx context.Context) error {
	payload := identifyPayload{
		Op: OpIdentify,
		Data: identifyData{
			Token:    c.cfg.Token,
			Intents:  c.cfg.Intents,
			Compress: false, // transport compression is negotiated via the URL, not this flag
			Properties: identifyProps{
				OS:      "linux",
				Browser: "discordcore",
				Device:  "discordcore",
			},
		},
	}
	if c.cfg.ShardCount > 0 {
		payload.Data.Shard = &[2]int{c.cfg.ShardID, c.cfg.ShardCount}
	}
	return c.sendRaw(ctx, payload)
}

func (c *Connection) sendResume(ctx context.Context) error {
	var payload resumePayload
	payload.Op = OpResume
	payload.Data.Token = c.cfg.Token
	payload.Data.SessionID = c.identity.SessionID
	payload.Data.Sequence = c.identity.LastSequence()
	return c.sendRaw(ctx, payload)
}

func (c *Connection) sendHeartbeat(ctx context.Context) error {
	seq := c.identity.LastSequence()
	var d *int64
	if seq > 0 {
		d = &seq
	}
	err := c.sendRaw(ctx, heartbeatPayload{Op: OpHeartbeat, Data: d})
	if err == nil {
		c.lastHeartbeatSent.Store(time.Now().UnixNano())
	}
	return err
}

// sendRaw serializes payload to JSON text and writes it, serialized
// through sendMu exactly like the teacher's socketMutex-guarded Send.
func (c *Connection) sendRaw(ctx context.Context, payload interface{}) error {
	if err := c.sendMu.CLock(ctx); err != nil {
		return ctx.Err()
	}
	defer c.sendMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return core.NewShutdownError()
	}

	body, err := wireJSON.Marshal(payload)
	if err != nil {
		return core.NewValidationError("gateway: marshal payload: %s", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		return core.NewTransportError(err)
	}
	return nil
}

// readLoop owns the transport's read side: one ReadMessage call at a time,
// feeding frames through the inflate context when compression is enabled
// and dispatching decoded payloads to onFrame.
func (c *Connection) readLoop() {
	defer close(c.readerDone)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return // SetCloseHandler already fired onTransportClosed for clean closes
		}
		c.onFrame(messageType, message)
	}
}

func (c *Connection) onFrame(messageType int, message []byte) {
	payload := message

	if messageType == websocket.BinaryMessage {
		decoded, complete, err := c.inflate.Feed(message)
		if err != nil {
			c.log.Warn("inflate error: %s", err)
			return
		}
		if !complete {
			return
		}
		payload = decoded
	}

	var p Payload
	if err := wireJSON.Unmarshal(payload, &p); err != nil {
		c.log.Warn("malformed frame: %s", err)
		return
	}

	c.onPayload(p)
}

func (c *Connection) onPayload(p Payload) {
	switch p.Op {
	case OpDispatch:
		c.identity.SetSequence(p.Sequence)
		c.onDispatch(p)

	case OpHeartbeat:
		_ = c.sendHeartbeat(context.Background())

	case OpReconnect:
		c.log.Info("server requested reconnect")
		c.onTransportClosed(4000, "server requested reconnect")
		c.Disconnect()

	case OpInvalidSession:
		var resumable bool
		_ = wireJSON.Unmarshal(p.Data, &resumable)
		if !resumable {
			c.identity.Clear()
		}
		c.onTransportClosed(4900, "invalid session")
		c.Disconnect()

	case OpHello:
		var h helloPayload
		if err := wireJSON.Unmarshal(p.Data, &h); err != nil {
			return
		}
		select {
		case c.helloCh <- h:
		default:
		}

	case OpHeartbeatACK:
		c.lastHeartbeatAck.Store(time.Now().UnixNano())
	}
}

func (c *Connection) onDispatch(p Payload) {
	switch p.Type {
	case "READY":
		var r readyData
		if err := wireJSON.Unmarshal(p.Data, &r); err == nil {
			c.identity.SetReady(r.SessionID, r.ResumeGatewayURL)
		}
		c.setState(StateReady)

	case "RESUMED":
		c.setState(StateReady)
	}

	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(c.cfg.ShardID, p.Type, p.Sequence, p.Data)
	}
}

func (c *Connection) onTransportClosed(code int, reason string) {
	c.setState(StateReconnecting)
	if c.cfg.OnClose != nil {
		c.cfg.OnClose(code, reason)
	}
}
