// Package websocket 仪表盘实时推送
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/replyhub/replyhub/internal/infrastructure/eventbus"
	"github.com/replyhub/replyhub/pkg/safego"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4 * 1024
	sendBuffer     = 256
)

// TenantHeader 携带租户身份的请求头
const TenantHeader = "X-Tenant-ID"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // 身份由网关注入的租户头决定
	},
}

// FrameType 服务端帧类型
type FrameType string

const (
	FrameEvent        FrameType = "event"
	FrameSubscribed   FrameType = "subscribed"
	FrameUnsubscribed FrameType = "unsubscribed"
	FrameError        FrameType = "error"
	FramePong         FrameType = "pong"
)

// ClientFrame 客户端请求
type ClientFrame struct {
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`
}

// ServerFrame 服务端推送
type ServerFrame struct {
	Type      FrameType       `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Event     *eventbus.Event `json:"event,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Subscriber 事件源
type Subscriber interface {
	Subscribe(tenantID, channel string, handler eventbus.Handler) (eventbus.Subscription, error)
	Unsubscribe(id eventbus.Subscription)
}

// Client 一个仪表盘连接, 只属于一个租户
type Client struct {
	ID       string
	TenantID string

	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	hub    *Hub
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]eventbus.Subscription
}

// Hub 连接中心
type Hub struct {
	bus        Subscriber
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	logger     *zap.Logger
	mu         sync.RWMutex
	dropped    atomic.Uint64
}

// NewHub 创建连接中心
func NewHub(bus Subscriber, logger *zap.Logger) *Hub {
	return &Hub{
		bus:        bus,
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.With(zap.String("component", "ws_hub")),
	}
}

// Run 运行连接中心, ctx 结束时断开全部连接
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, c := range h.clients {
				c.close()
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.logger.Info("Client connected",
				zap.String("client_id", client.ID),
				zap.String("tenant_id", client.TenantID),
			)
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
			}
			h.mu.Unlock()
			client.close()
			h.logger.Info("Client disconnected", zap.String("client_id", client.ID))
		}
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped 因客户端过慢而丢弃的事件数
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// ServeWS 升级连接. 租户取自 X-Tenant-ID, 缺失时拒绝.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(TenantHeader)
	if tenantID == "" {
		http.Error(w, "missing "+TenantHeader, http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		hub:      h,
		logger:   h.logger,
		subs:     make(map[string]eventbus.Subscription),
	}
	h.register <- client

	safego.Go(h.logger, "ws-write", client.writePump)
	safego.Go(h.logger, "ws-read", client.readPump)
}

// deliver 非阻塞投递, 客户端跟不上时丢弃
func (c *Client) deliver(frame ServerFrame) {
	frame.Timestamp = time.Now().Unix()
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Warn("Failed to encode frame", zap.Error(err))
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.hub.dropped.Add(1)
	}
}

func (c *Client) subscribe(channel string) {
	c.mu.Lock()
	_, exists := c.subs[channel]
	c.mu.Unlock()
	if exists {
		c.deliver(ServerFrame{Type: FrameSubscribed, Channel: channel})
		return
	}

	id, err := c.hub.bus.Subscribe(c.TenantID, channel, func(_ context.Context, ev eventbus.Event) {
		c.deliver(ServerFrame{Type: FrameEvent, Channel: ev.Channel, Event: &ev})
	})
	if err != nil {
		c.logger.Warn("Subscription refused",
			zap.String("tenant_id", c.TenantID),
			zap.String("channel", channel),
			zap.Error(err),
		)
		c.deliver(ServerFrame{Type: FrameError, Channel: channel, Error: err.Error()})
		return
	}

	c.mu.Lock()
	c.subs[channel] = id
	c.mu.Unlock()
	c.deliver(ServerFrame{Type: FrameSubscribed, Channel: channel})
}

func (c *Client) unsubscribe(channel string) {
	c.mu.Lock()
	id, ok := c.subs[channel]
	delete(c.subs, channel)
	c.mu.Unlock()
	if ok {
		c.hub.bus.Unsubscribe(id)
	}
	c.deliver(ServerFrame{Type: FrameUnsubscribed, Channel: channel})
}

// close 取消全部订阅并结束写协程
func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		for ch, id := range c.subs {
			c.hub.bus.Unsubscribe(id)
			delete(c.subs, ch)
		}
		c.mu.Unlock()
	})
}

// readPump 读取客户端请求
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.deliver(ServerFrame{Type: FrameError, Error: "malformed frame"})
			continue
		}
		switch frame.Action {
		case "subscribe":
			c.subscribe(frame.Channel)
		case "unsubscribe":
			c.unsubscribe(frame.Channel)
		case "ping":
			c.deliver(ServerFrame{Type: FramePong})
		default:
			c.deliver(ServerFrame{Type: FrameError, Error: "unknown action " + frame.Action})
		}
	}
}

// writePump 写出推送与心跳
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
