// Package channel implements the event channel the room engine rides on:
// a single WebSocket connection shared by every session in the process,
// re-dialed with exponential backoff when it drops, fanning decoded events
// out to per-session subscriptions.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/segmentio/ksuid"

	cidpkg "homeroom/internal/cid"
	"homeroom/pkg/protocol"
)

// State is the connection lifecycle of the channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

var (
	ErrNotConnected   = errors.New("channel not connected")
	ErrChannelClosed  = errors.New("channel closed")
	ErrAlreadyStarted = errors.New("channel already connected")
)

const (
	DefaultBackoffBase = time.Second
	DefaultBackoffCap  = 30 * time.Second
)

// Config holds the dial target and tuning for one Channel.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://host:port/ws.
	URL string
	// Token is sent as a bearer Authorization header on every dial.
	Token     string
	UserAgent string
	// BackoffBase and BackoffCap bound the reconnect delay. Zero values
	// take the package defaults.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Logger      *slog.Logger
}

// Handler receives decoded server events for one subscribed event type.
// Handlers run on the read goroutine, so events arrive in server order.
type Handler func(protocol.Event)

// StateHandler observes connection state transitions.
type StateHandler func(State)

// Subscription identifies one registered handler so the owner can remove
// exactly the handlers it added and no others.
type Subscription struct {
	id    string
	event protocol.EventType
	state bool
}

type subscriber struct {
	id string
	fn Handler
}

type stateSubscriber struct {
	id string
	fn StateHandler
}

// Channel is safe for concurrent use. It is built once per process and
// shared across sessions; Close tears it down for good.
type Channel struct {
	cfg Config
	log *slog.Logger

	writeMu sync.Mutex

	mu        sync.RWMutex
	conn      *websocket.Conn
	state     State
	started   bool
	closed    bool
	handlers  map[protocol.EventType][]subscriber
	stateSubs []stateSubscriber
	cancel    context.CancelFunc
	runDone   chan struct{}
}

func New(cfg Config) *Channel {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "homeroom/1.0.0"
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultBackoffCap
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		cfg:      cfg,
		log:      log,
		state:    StateDisconnected,
		handlers: make(map[protocol.EventType][]subscriber),
	}
}

// buildDialHeaders constructs the HTTP header map used for websocket.Dial.
// Extracted to allow unit testing of header propagation.
func buildDialHeaders(ctx context.Context, userAgent, token string) map[string][]string {
	headers := map[string][]string{"User-Agent": {userAgent}}
	if token != "" {
		headers["Authorization"] = []string{"Bearer " + token}
	}
	cidpkg.AddHeaderFromContext(headers, ctx)
	return headers
}

// Connect dials the server and starts the read loop. It returns once the
// connection is up; from then on the channel keeps itself connected until
// Close. A failed Connect leaves the channel reusable.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	c.transition(StateConnecting)
	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		c.transition(StateDisconnected)
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client closed")
		return ErrChannelClosed
	}
	c.conn = conn
	c.cancel = cancel
	c.runDone = make(chan struct{})
	c.mu.Unlock()
	c.transition(StateConnected)

	go c.run(runCtx)
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{
		HTTPHeader: buildDialHeaders(ctx, c.cfg.UserAgent, c.cfg.Token),
	})
	return conn, err
}

// run owns the connection after a successful Connect: it reads until the
// connection drops, then keeps redialing until Close.
func (c *Channel) run(ctx context.Context) {
	defer close(c.runDoneRef())
	for {
		err := c.readLoop(ctx)
		if ctx.Err() != nil || c.isClosed() {
			c.transition(StateDisconnected)
			return
		}
		c.log.Warn("event channel lost, reconnecting", "error", err)
		c.transition(StateReconnecting)
		if !c.redial(ctx) {
			c.transition(StateDisconnected)
			return
		}
		c.transition(StateConnected)
	}
}

func (c *Channel) readLoop(ctx context.Context) error {
	conn := c.currentConn()
	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return err
		}
		c.dispatch(env)
	}
}

func (c *Channel) dispatch(env protocol.Envelope) {
	ev, err := protocol.DecodeServerEvent(env)
	if err != nil {
		c.log.Debug("dropping undecodable event", "type", env.Type, "error", err)
		return
	}
	c.mu.RLock()
	subs := slices.Clone(c.handlers[env.Type])
	c.mu.RUnlock()
	for _, s := range subs {
		s.fn(ev)
	}
}

// redial retries with exponential backoff until it lands a connection.
// The attempt counter starts over on every outage. Returns false only when
// the channel is shutting down.
func (c *Channel) redial(ctx context.Context) bool {
	for attempt := 0; ; attempt++ {
		delay := Backoff(attempt, c.cfg.BackoffBase, c.cfg.BackoffCap)
		c.log.Info("reconnect attempt", "attempt", attempt+1, "delay", delay)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			c.log.Warn("reconnect failed", "attempt", attempt+1, "error", err)
			continue
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		return true
	}
}

// Backoff returns the delay before reconnect attempt n (zero-based): the
// base doubled per attempt, never above ceiling.
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if ceiling <= 0 {
		ceiling = DefaultBackoffCap
	}
	if attempt >= 32 {
		return ceiling
	}
	d := base << uint(attempt)
	if d <= 0 || d > ceiling {
		return ceiling
	}
	return d
}

// Emit frames and sends one event. It never queues: while the channel is
// anything but connected it fails immediately with ErrNotConnected so the
// caller can roll back whatever the event was carrying.
func (c *Channel) Emit(ctx context.Context, t protocol.EventType, roomID string, payload any) error {
	env, err := protocol.NewEnvelope(t, roomID, payload)
	if err != nil {
		return err
	}
	c.mu.RLock()
	conn, state, closed := c.conn, c.state, c.closed
	c.mu.RUnlock()
	if closed {
		return fmt.Errorf("emit %s: %w", t, ErrChannelClosed)
	}
	if state != StateConnected || conn == nil {
		return fmt.Errorf("emit %s: %w", t, ErrNotConnected)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsjson.Write(ctx, conn, env); err != nil {
		return fmt.Errorf("emit %s: %w", t, err)
	}
	return nil
}

// Subscribe registers fn for events of type t. Handlers for one type run
// in registration order. Subscriptions survive reconnects.
func (c *Channel) Subscribe(t protocol.EventType, fn Handler) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := Subscription{id: ksuid.New().String(), event: t}
	c.handlers[t] = append(c.handlers[t], subscriber{id: sub.id, fn: fn})
	return sub
}

// OnStateChange registers fn for connection state transitions.
func (c *Channel) OnStateChange(fn StateHandler) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := Subscription{id: ksuid.New().String(), state: true}
	c.stateSubs = append(c.stateSubs, stateSubscriber{id: sub.id, fn: fn})
	return sub
}

// Unsubscribe removes the handler sub refers to. Unknown or already removed
// subscriptions are a no-op.
func (c *Channel) Unsubscribe(sub Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub.state {
		for i, s := range c.stateSubs {
			if s.id == sub.id {
				c.stateSubs = append(c.stateSubs[:i:i], c.stateSubs[i+1:]...)
				break
			}
		}
		return
	}
	subs := c.handlers[sub.event]
	for i, s := range subs {
		if s.id == sub.id {
			c.handlers[sub.event] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(c.handlers[sub.event]) == 0 {
		delete(c.handlers, sub.event)
	}
}

func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Close shuts the channel down for good. Safe to call more than once and
// before Connect.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	cancel := c.cancel
	done := c.runDone
	c.mu.Unlock()

	// Close the connection before cancelling the run loop so the close
	// handshake completes while the reader is still pumping frames.
	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	c.transition(StateDisconnected)
	return err
}

// transition records the new state and notifies observers outside the lock.
// Same-state transitions are swallowed.
func (c *Channel) transition(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	subs := slices.Clone(c.stateSubs)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.fn(s)
	}
}

func (c *Channel) currentConn() *websocket.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Channel) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Channel) runDoneRef() chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runDone
}
