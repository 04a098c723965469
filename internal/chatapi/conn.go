package chatapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// EventPrefix namespaces realtime events on the bus.
const EventPrefix = "chat."

const (
	handshakeTimeout  = 10 * time.Second
	heartbeatInterval = 30 * time.Second
	readLimit         = 1 << 20
)

// ConnConfig configures the websocket connection.
type ConnConfig struct {
	URL        string
	APIKey     string
	Token      string
	UserID     string
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Handshake runs after the server assigned a connection id and before the
// connection is reported as connected.
type Handshake func(ctx context.Context, connectionID string) error

// Connection keeps a websocket to the chat service open, publishes every
// event on the bus as "chat.<type>" and drives the status machine.
type Connection struct {
	cfg       ConnConfig
	status    *status.Machine
	bus       *bus.Bus
	handshake Handshake
	logger    *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConnection creates a connection; it dials on Start.
func NewConnection(cfg ConnConfig, machine *status.Machine, b *bus.Bus, handshake Handshake, logger *zap.Logger) *Connection {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		cfg:       cfg,
		status:    machine,
		bus:       b,
		handshake: handshake,
		logger:    logger,
	}
}

// Start connects in the background and reconnects with backoff until Stop.
func (c *Connection) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
}

// Stop closes the connection and waits for the read loop to exit.
func (c *Connection) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Connection) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	b := newBackoff(c.cfg.MinBackoff, c.cfg.MaxBackoff)
	for {
		err := c.session(ctx, b)
		if ctx.Err() != nil {
			return
		}
		delay := b.next()
		c.logger.Warn("connection lost, reconnecting", zap.Error(err), zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// session runs one connection attempt until it fails or ctx ends.
func (c *Connection) session(ctx context.Context, b *backoff) error {
	if err := c.status.Transition(status.Connecting); err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, c.dialURL(), nil)
	if err != nil {
		c.disconnected(err)
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	if err := c.status.Transition(status.WaitingForConnectionID); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		c.disconnected(err)
		return err
	}

	connectionID, err := c.readConnectionID(ctx, conn)
	if err == nil && c.handshake != nil {
		err = c.handshake(ctx, connectionID)
	}
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		c.disconnected(err)
		return err
	}
	if err := c.status.Connected(connectionID); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		c.disconnected(err)
		return err
	}
	b.markConnected()
	c.logger.Info("connected", zap.String("connection_id", connectionID))

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go c.heartbeat(hbCtx, conn)
	err = c.readLoop(ctx, conn)
	stopHeartbeat()

	if ctx.Err() != nil {
		_ = c.status.Transition(status.Disconnecting)
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
		_ = c.status.Disconnected(nil)
		return ctx.Err()
	}
	_ = conn.Close(websocket.StatusGoingAway, "")
	c.disconnected(err)
	return err
}

func (c *Connection) disconnected(cause error) {
	if err := c.status.Disconnected(cause); err != nil {
		c.logger.Debug("status transition skipped", zap.Error(err))
	}
}

func (c *Connection) dialURL() string {
	details, _ := json.Marshal(map[string]any{"user_id": c.cfg.UserID})
	q := url.Values{}
	q.Set("api_key", c.cfg.APIKey)
	q.Set("authorization", c.cfg.Token)
	q.Set("stream-auth-type", "jwt")
	q.Set("json", string(details))
	return c.cfg.URL + "?" + q.Encode()
}

// readConnectionID waits for the first health.check frame.
func (c *Connection) readConnectionID(ctx context.Context, conn *websocket.Conn) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return "", fmt.Errorf("read handshake: %w", err)
	}
	evt, err := DecodeEvent(data)
	if err != nil {
		return "", err
	}
	if evt.Type != EventHealthCheck || evt.ConnectionID == "" {
		return "", fmt.Errorf("expected %s with connection_id, got %q", EventHealthCheck, evt.Type)
	}
	return evt.ConnectionID, nil
}

func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		evt, err := DecodeEvent(data)
		if err != nil {
			c.logger.Warn("dropping undecodable event", zap.Error(err))
			continue
		}
		if evt.Type == EventHealthCheck {
			continue
		}
		c.bus.Publish(bus.Event{Kind: EventPrefix + evt.Type, Payload: evt})
	}
}

func (c *Connection) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Warn("heartbeat failed", zap.Error(err))
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// backoff computes exponential reconnect delays with jitter. The attempt
// counter resets once a connection stayed up for a minute.
type backoff struct {
	min, max    time.Duration
	attempt     int
	connectedAt time.Time
}

func newBackoff(min, max time.Duration) *backoff {
	return &backoff{min: min, max: max}
}

func (b *backoff) markConnected() {
	b.connectedAt = time.Now()
}

func (b *backoff) next() time.Duration {
	if !b.connectedAt.IsZero() && time.Since(b.connectedAt) > time.Minute {
		b.attempt = 0
	}
	b.connectedAt = time.Time{}
	d := b.min << min(b.attempt, 16)
	if d <= 0 || d > b.max {
		d = b.max
	}
	b.attempt++
	jitter := time.Duration(rand.Int64N(int64(d)/4 + 1))
	return min(d+jitter, b.max)
}
