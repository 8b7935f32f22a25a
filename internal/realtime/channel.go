package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	events "escrowchat/contracts/realtime"
	"escrowchat/pkg/config"
	"escrowchat/pkg/metrics"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var (
	ErrDisconnected = errors.New("realtime: not connected")
	ErrClosed       = errors.New("realtime: channel closed")
)

// Channel is the single duplex push connection for one open conversation.
// It reconnects on its own and re-joins the conversation scope it was
// given; callers only see the Connected flag change.
type Channel struct {
	url            string
	header         http.Header
	dialer         *websocket.Dialer
	router         *Router
	logger         *zap.Logger
	reconnectDelay time.Duration
	maxDelay       time.Duration

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	scope   string

	connected atomic.Bool
	onState   atomic.Value // func(bool)

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

// NewChannel prepares a channel authenticated with the bearer token. Nothing
// is dialled until Connect.
func NewChannel(cfg config.RealtimeConfig, token string, logger *zap.Logger) *Channel {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		url:            cfg.URL,
		header:         header,
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		router:         NewRouter(logger),
		logger:         logger,
		reconnectDelay: cfg.ReconnectDelay,
		maxDelay:       cfg.MaxReconnect,
		ctx:            ctx,
		cancel:         cancel,
	}
	if c.reconnectDelay <= 0 {
		c.reconnectDelay = time.Second
	}
	if c.maxDelay < c.reconnectDelay {
		c.maxDelay = c.reconnectDelay
	}
	return c
}

// On registers a handler for an inbound event type. Register before Connect.
func (c *Channel) On(eventType string, h HandlerFunc) {
	c.router.Register(eventType, h)
}

// OnStateChange is called whenever the connected flag flips.
func (c *Channel) OnStateChange(fn func(connected bool)) {
	c.onState.Store(fn)
}

// Connect dials once and starts the read/reconnect loop. A failed first
// dial is returned but the loop still runs and keeps redialling.
func (c *Channel) Connect(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	conn, err := c.dial(ctx)
	if err == nil && !c.attach(conn) {
		return ErrClosed
	}

	c.wg.Add(1)
	go c.run()
	return err
}

// Join sets the conversation scope and subscribes to it. The scope is
// replayed after every reconnect.
func (c *Channel) Join(conversationID string) error {
	c.mu.Lock()
	c.scope = conversationID
	c.mu.Unlock()
	return c.Emit(events.EventJoinChat, events.JoinChatPayload{ChatID: conversationID})
}

// Emit 发送事件；断线时返回 ErrDisconnected，不排队
func (c *Channel) Emit(eventType string, payload any) error {
	evt, err := NewEvent(eventType, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	if conn == nil {
		return ErrDisconnected
	}
	return c.write(conn, websocket.TextMessage, b)
}

func (c *Channel) Connected() bool {
	return c.connected.Load()
}

// Close 释放连接，可重复调用
func (c *Channel) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = c.write(conn, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
			_ = conn.Close()
		}
	})
	c.wg.Wait()
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime dial %s: status %d: %w", c.url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime dial %s: %w", c.url, err)
	}
	return conn, nil
}

// attach 在锁内复查 ctx：Close 之后到达的连接直接关掉
func (c *Channel) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return false
	}
	c.conn = conn
	c.mu.Unlock()
	c.setConnected(true)
	return true
}

func (c *Channel) detach() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.setConnected(false)
}

func (c *Channel) setConnected(v bool) {
	if c.connected.Swap(v) == v {
		return
	}
	if fn, ok := c.onState.Load().(func(bool)); ok && fn != nil {
		fn(v)
	}
}

func (c *Channel) write(conn *websocket.Conn, messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(messageType, data)
}

func (c *Channel) run() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			// 首次拨号失败
			if !c.reconnect() {
				return
			}
			continue
		}

		err := c.serve(conn)
		c.detach()
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("Realtime channel disconnected", zap.Error(err))

		if !c.reconnect() {
			return
		}
	}
}

// serve reads until the connection fails, pinging in the background.
func (c *Channel) serve(conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := c.write(conn, websocket.PingMessage, nil); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			c.logger.Warn("Dropping malformed realtime frame", zap.Int("size", len(data)), zap.Error(err))
			continue
		}
		metrics.IncRealtimeEvent(evt.Type)
		c.router.Handle(c.ctx, evt)
	}
}

// reconnect 指数退避重连，成功后重新加入原会话
func (c *Channel) reconnect() bool {
	delay := c.reconnectDelay
	for {
		t := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}

		metrics.RealtimeReconnects.Inc()
		conn, err := c.dial(c.ctx)
		if err != nil {
			c.logger.Debug("Realtime reconnect failed", zap.Duration("delay", delay), zap.Error(err))
			delay *= 2
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
			continue
		}
		if !c.attach(conn) {
			return false
		}

		c.mu.Lock()
		scope := c.scope
		c.mu.Unlock()
		if scope != "" {
			if err := c.Join(scope); err != nil {
				c.logger.Warn("Realtime re-join failed", zap.String("chat_id", scope), zap.Error(err))
			}
		}
		c.logger.Info("Realtime channel reconnected", zap.String("chat_id", scope))
		return true
	}
}
