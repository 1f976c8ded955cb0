package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"hyperfeed/internal/infra"
)

// Client is the duplex connection to the exchange's WebSocket API.
// It owns the reconnect loop, the application-level ping, and the active
// subscription set (replayed after every reconnect). Decoded messages go to
// the single registered handler on the read goroutine.
type Client struct {
	url string

	mu        sync.RWMutex
	conn      *websocket.Conn
	connDone  chan struct{} // closed when the current connection dies
	writeMu   sync.Mutex
	connected atomic.Bool

	handlerMu sync.RWMutex
	handler   func(Message)

	subsMu sync.Mutex
	subs   map[string]map[string]any // key -> subscription body

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	ReadTimeout  time.Duration
	PingInterval time.Duration
}

// NewClient creates a client for the given WebSocket endpoint.
// Call Connect to open the connection.
func NewClient(url string) *Client {
	return &Client{
		url:          url,
		subs:         make(map[string]map[string]any),
		ReadTimeout:  60 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// SetMessageHandler registers the callback invoked with every decoded
// message. The callback runs on the read goroutine and must not block.
func (c *Client) SetMessageHandler(fn func(Message)) {
	c.handlerMu.Lock()
	c.handler = fn
	c.handlerMu.Unlock()
}

// Connect starts the background connection loop. Idempotent.
// Use IsConnected to observe when the connection is actually up.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runLoop(ctx)
}

// Close terminates the connection loop and closes the socket.
func (c *Client) Close() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.closeConn()
	c.wg.Wait()
}

// IsConnected reports whether the socket is currently up.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// stableSessionAge is how long a connection must survive before the retry
// counter resets. A server that accepts and immediately drops would
// otherwise trigger a zero-backoff reconnect storm.
const stableSessionAge = 5 * time.Second

func (c *Client) runLoop(ctx context.Context) {
	defer c.wg.Done()
	retry := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.dial(ctx); err != nil {
			slog.Warn("WS connection failed", "url", c.url, "err", err, "retry", retry)
			retry++
			if !c.backoff(ctx, retry-1) {
				return
			}
			continue
		}

		started := time.Now()
		c.readLoop(ctx)
		c.closeConn()

		if time.Since(started) >= stableSessionAge {
			retry = 0
			continue
		}
		retry++
		if !c.backoff(ctx, retry-1) {
			return
		}
	}
}

func (c *Client) backoff(ctx context.Context, retry int) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(infra.CalculateBackoff(retry)):
		return true
	}
}

func (c *Client) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, http.Header{})
	if err != nil {
		return err
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.connDone = done
	c.mu.Unlock()
	c.connected.Store(true)

	if err := c.replaySubscriptions(); err != nil {
		c.closeConn()
		return fmt.Errorf("resubscribe failed: %w", err)
	}

	if c.PingInterval > 0 {
		go c.pingLoop(ctx, done)
	}

	slog.Info("WS connected", "url", c.url)
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("WS read error", "err", err)
			}
			c.closeConn()
			return
		}

		c.dispatch(raw)
	}
}

// dispatch decodes and delivers one frame. Every failure mode is contained
// here: a bad message for one coin must not take down delivery for the rest.
func (c *Client) dispatch(raw []byte) {
	msg, err := ParseMessage(raw)
	if err != nil {
		if !errors.Is(err, ErrIgnoredChannel) {
			slog.Debug("Dropping frame", "err", err)
		}
		return
	}

	c.handlerMu.RLock()
	handler := c.handler
	c.handlerMu.RUnlock()
	if handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Message handler panicked", "channel", msg.Channel(), "panic", r)
		}
	}()
	handler(msg)
}

// pingLoop runs for the lifetime of one connection: done is closed by
// closeConn when that connection dies, so a reconnect never strands a loop
// from the previous session.
func (c *Client) pingLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(c.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := c.send(map[string]any{"method": "ping"}); err != nil {
				slog.Warn("WS ping failed", "err", err)
				c.closeConn()
				return
			}
		}
	}
}

// SubscribeAllMids subscribes to the aggregate mid-price channel.
func (c *Client) SubscribeAllMids() error {
	return c.subscribe(map[string]any{"type": "allMids"})
}

// UnsubscribeAllMids removes the aggregate mid-price subscription.
func (c *Client) UnsubscribeAllMids() error {
	return c.unsubscribe(map[string]any{"type": "allMids"})
}

// SubscribeL2Book subscribes to the ladder channel for one coin.
func (c *Client) SubscribeL2Book(coin string) error {
	return c.subscribe(map[string]any{"type": "l2Book", "coin": coin})
}

// UnsubscribeL2Book removes the ladder subscription for one coin.
func (c *Client) UnsubscribeL2Book(coin string) error {
	return c.unsubscribe(map[string]any{"type": "l2Book", "coin": coin})
}

// SubscribeUserFills subscribes to trade executions for a user.
func (c *Client) SubscribeUserFills(user string) error {
	return c.subscribe(map[string]any{"type": "userFills", "user": user})
}

// UnsubscribeUserFills removes the fills subscription for a user.
func (c *Client) UnsubscribeUserFills(user string) error {
	return c.unsubscribe(map[string]any{"type": "userFills", "user": user})
}

// SubscribeOrderUpdates subscribes to order status changes for a user.
func (c *Client) SubscribeOrderUpdates(user string) error {
	return c.subscribe(map[string]any{"type": "orderUpdates", "user": user})
}

// UnsubscribeOrderUpdates removes the order updates subscription for a user.
func (c *Client) UnsubscribeOrderUpdates(user string) error {
	return c.unsubscribe(map[string]any{"type": "orderUpdates", "user": user})
}

// SubscribeUserEvents subscribes to position and margin events for a user.
func (c *Client) SubscribeUserEvents(user string) error {
	return c.subscribe(map[string]any{"type": "userEvents", "user": user})
}

// UnsubscribeUserEvents removes the user events subscription for a user.
func (c *Client) UnsubscribeUserEvents(user string) error {
	return c.unsubscribe(map[string]any{"type": "userEvents", "user": user})
}

func subKey(sub map[string]any) string {
	key := fmt.Sprint(sub["type"])
	if coin, ok := sub["coin"]; ok {
		key += ":" + fmt.Sprint(coin)
	}
	if user, ok := sub["user"]; ok {
		key += ":" + fmt.Sprint(user)
	}
	return key
}

// subscribe records the subscription for reconnect replay and sends the
// frame if the socket is up. A send failure is not fatal: the subscription
// is replayed on the next successful connect.
func (c *Client) subscribe(sub map[string]any) error {
	c.subsMu.Lock()
	c.subs[subKey(sub)] = sub
	c.subsMu.Unlock()

	if !c.connected.Load() {
		return nil
	}
	return c.send(map[string]any{"method": "subscribe", "subscription": sub})
}

func (c *Client) unsubscribe(sub map[string]any) error {
	c.subsMu.Lock()
	delete(c.subs, subKey(sub))
	c.subsMu.Unlock()

	if !c.connected.Load() {
		return nil
	}
	return c.send(map[string]any{"method": "unsubscribe", "subscription": sub})
}

func (c *Client) replaySubscriptions() error {
	c.subsMu.Lock()
	subs := make([]map[string]any, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subsMu.Unlock()

	for _, sub := range subs {
		if err := c.send(map[string]any{"method": "subscribe", "subscription": sub}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) send(payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("ws not connected")
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
	c.connected.Store(false)
}
