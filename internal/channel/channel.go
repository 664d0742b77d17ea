// Package channel owns one persistent real-time connection per logical
// hub. It exposes a typed event subscription surface, request/response
// invokes over the socket, and automatic reconnection with a fixed
// backoff ladder. The auth token is re-read from the token source at
// every attempt so a refreshed token is always the one presented.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opscrm/chatsync/internal/apperr"
	"github.com/opscrm/chatsync/internal/event"
	"github.com/opscrm/chatsync/internal/metrics"
	"github.com/opscrm/chatsync/internal/model"
	"github.com/opscrm/chatsync/internal/pubsub"
)

type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Handler receives the raw payload of one server-pushed event.
// Handlers run on the read loop, in arrival order.
type Handler func(payload json.RawMessage)

type Config struct {
	Name          string // hub name, used for logging and metrics
	URL           string
	RetryDelays   []time.Duration
	MaxAttempts   int
	Handshake     time.Duration
	WriteDeadline time.Duration
	PingInterval  time.Duration
	InvokeTimeout time.Duration
	MaxMsgSize    int64
}

type invokeResult struct {
	payload json.RawMessage
	err     error
}

type Client struct {
	cfg    Config
	tokens TokenSource
	log    *zap.SugaredLogger

	mu       sync.Mutex
	state    model.ConnectionState
	conn     *websocket.Conn
	gen      int // connection generation; guards callbacks from dead sockets
	handlers map[string][]Handler
	pending  map[string]chan invokeResult
	runCtx   context.Context
	cancel   context.CancelFunc

	writeMu sync.Mutex
	states  *pubsub.Stream[model.ConnectionState]
}

func New(cfg Config, tokens TokenSource, log *zap.SugaredLogger) *Client {
	if cfg.Handshake == 0 {
		cfg.Handshake = 10 * time.Second
	}
	if cfg.WriteDeadline == 0 {
		cfg.WriteDeadline = 10 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.InvokeTimeout == 0 {
		cfg.InvokeTimeout = 15 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.MaxMsgSize == 0 {
		cfg.MaxMsgSize = 64 * 1024
	}
	return &Client{
		cfg:      cfg,
		tokens:   tokens,
		log:      log,
		state:    model.StateDisconnected,
		handlers: make(map[string][]Handler),
		pending:  make(map[string]chan invokeResult),
		states:   pubsub.NewStream[model.ConnectionState](),
	}
}

// On registers a handler for a named server-pushed event.
func (c *Client) On(name string, h Handler) {
	c.mu.Lock()
	c.handlers[name] = append(c.handlers[name], h)
	c.mu.Unlock()
}

func (c *Client) State() model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StateChanges exposes the connection state stream.
func (c *Client) StateChanges() *pubsub.Stream[model.ConnectionState] {
	return c.states
}

// Connect establishes the channel. A dial failure leaves the client
// Disconnected and is returned to the caller; the retry ladder only
// runs for drops of an established connection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == model.StateConnected || c.state == model.StateConnecting || c.state == model.StateReconnecting {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.runCtx, c.cancel = runCtx, cancel
	changed := c.setStateLocked(model.StateConnecting)
	c.mu.Unlock()
	if changed {
		c.states.Publish(model.StateConnecting)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		changed = c.setStateLocked(model.StateDisconnected)
		c.mu.Unlock()
		if changed {
			c.states.Publish(model.StateDisconnected)
		}
		return &apperr.ChannelError{Method: "connect", Err: err}
	}
	c.attach(conn)
	c.log.Infow("hub connected", "hub", c.cfg.Name)
	return nil
}

// Disconnect tears the channel down. In-flight invokes fail.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.gen++
	conn := c.conn
	c.conn = nil
	c.failPendingLocked(errors.New("channel closed"))
	changed := c.setStateLocked(model.StateDisconnected)
	c.mu.Unlock()

	if changed {
		c.states.Publish(model.StateDisconnected)
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

// Invoke sends a command over the channel and waits for the server's
// result. It fails fast while not Connected instead of queuing.
func (c *Client) Invoke(ctx context.Context, method string, args any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state != model.StateConnected || c.conn == nil {
		cause := apperr.ErrNotConnected
		if c.state == model.StateFailed {
			cause = apperr.ErrConnectionFailed
		}
		c.mu.Unlock()
		return nil, &apperr.ChannelError{Method: method, Err: cause}
	}
	conn := c.conn
	id := uuid.NewString()
	ch := make(chan invokeResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			c.dropPending(id)
			return nil, &apperr.ChannelError{Method: method, Err: err}
		}
		raw = b
	}
	env := event.Envelope{Type: event.FrameInvoke, ID: id, Method: method, Args: raw}
	if err := c.write(conn, env); err != nil {
		c.dropPending(id)
		return nil, &apperr.ChannelError{Method: method, Err: err}
	}

	timer := time.NewTimer(c.cfg.InvokeTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, &apperr.ChannelError{Method: method, Err: r.err}
		}
		return r.payload, nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, &apperr.ChannelError{Method: method, Err: ctx.Err()}
	case <-timer.C:
		c.dropPending(id)
		return nil, &apperr.ChannelError{Method: method, Err: errors.New("invoke timed out")}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.Handshake}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return conn, nil
}

// attach installs a live connection and starts its pumps.
func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.conn = conn
	runCtx := c.runCtx
	changed := c.setStateLocked(model.StateConnected)
	c.mu.Unlock()

	conn.SetReadLimit(c.cfg.MaxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(2 * c.cfg.PingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * c.cfg.PingInterval))
	})
	go c.readLoop(conn, gen)
	go c.pingLoop(runCtx, conn, gen)

	// publish after the pumps are live so subscribers can invoke
	// from inside the state handler
	if changed {
		c.states.Publish(model.StateConnected)
	}
}

func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(conn, gen, err)
			return
		}
		var env event.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Debugw("bad frame", "hub", c.cfg.Name, "err", err)
			continue
		}
		switch env.Type {
		case event.FrameResult:
			c.deliverResult(env)
		case event.FrameEvent:
			c.dispatch(env.Event, env.Payload)
		default:
			// ignore unknown frame types
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := gen != c.gen
			c.mu.Unlock()
			if stale {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteDeadline)); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleDrop(conn *websocket.Conn, gen int, cause error) {
	_ = conn.Close()
	c.mu.Lock()
	if gen != c.gen || c.state == model.StateDisconnected {
		// deliberate disconnect or an already-replaced socket
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.failPendingLocked(errors.New("connection dropped"))
	runCtx := c.runCtx
	changed := c.setStateLocked(model.StateReconnecting)
	c.mu.Unlock()

	if changed {
		c.states.Publish(model.StateReconnecting)
	}
	c.log.Warnw("hub connection dropped", "hub", c.cfg.Name, "err", cause)
	go c.reconnect(runCtx)
}

func (c *Client) reconnect(ctx context.Context) {
	op := func() error {
		metrics.ReconnectAttempts.WithLabelValues(c.cfg.Name).Inc()
		conn, err := c.dial(ctx)
		if err != nil {
			c.log.Warnw("reconnect attempt failed", "hub", c.cfg.Name, "err", err)
			return err
		}
		c.attach(conn)
		return nil
	}
	b := newLadder(c.cfg.RetryDelays, c.cfg.MaxAttempts)
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if ctx.Err() != nil {
			return // torn down while retrying
		}
		c.mu.Lock()
		changed := c.setStateLocked(model.StateFailed)
		c.mu.Unlock()
		if changed {
			c.states.Publish(model.StateFailed)
		}
		c.log.Errorw("hub reconnect exhausted", "hub", c.cfg.Name, "err", err)
		c.dispatch(event.ConnectionTerminal, nil)
		return
	}
	c.log.Infow("hub reconnected", "hub", c.cfg.Name)
}

func (c *Client) write(conn *websocket.Conn, env event.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteDeadline))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) deliverResult(env event.Envelope) {
	c.mu.Lock()
	ch, ok := c.pending[env.ID]
	delete(c.pending, env.ID)
	c.mu.Unlock()
	if !ok {
		return // timed out or cancelled
	}
	if env.Error != "" {
		ch <- invokeResult{err: errors.New(env.Error)}
		return
	}
	ch <- invokeResult{payload: env.Payload}
}

func (c *Client) dispatch(name string, payload json.RawMessage) {
	c.mu.Lock()
	hs := make([]Handler, len(c.handlers[name]))
	copy(hs, c.handlers[name])
	c.mu.Unlock()
	for _, h := range hs {
		h(payload)
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) failPendingLocked(cause error) {
	for id, ch := range c.pending {
		ch <- invokeResult{err: cause}
		delete(c.pending, id)
	}
}

// setStateLocked mutates under c.mu and reports whether the state
// changed; the caller publishes after releasing the lock so handlers
// can call back into the client.
func (c *Client) setStateLocked(s model.ConnectionState) bool {
	if c.state == s {
		return false
	}
	c.state = s
	return true
}
