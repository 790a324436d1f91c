// Package eventbus 租户隔离的实时事件总线, 实现 service.Fanout
package eventbus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/replyhub/replyhub/internal/domain/service"
	"github.com/replyhub/replyhub/pkg/safego"
	"go.uber.org/zap"
)

// Event 推送给仪表盘的事件
type Event struct {
	TenantID  string    `json:"tenant_id"`
	Channel   string    `json:"channel"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Handler 事件处理函数, 必须非阻塞
type Handler func(ctx context.Context, event Event)

// Subscription 订阅句柄
type Subscription uint64

type subscriber struct {
	id      Subscription
	channel string
	handler Handler
}

// InMemoryBus 内存事件总线
// 发布是非阻塞的: 缓冲区满时直接丢弃 (至多一次), 客户端通过快照接口补齐.
type InMemoryBus struct {
	mu        sync.RWMutex
	subs      map[string]map[Subscription]*subscriber // tenant -> 订阅
	eventChan chan eventWrapper
	closed    bool
	logger    *zap.Logger
	wg        sync.WaitGroup

	nextID    atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64
}

type eventWrapper struct {
	ctx   context.Context
	event Event
}

// NewInMemoryBus 创建内存事件总线
func NewInMemoryBus(logger *zap.Logger, bufferSize int) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	bus := &InMemoryBus{
		subs:      make(map[string]map[Subscription]*subscriber),
		eventChan: make(chan eventWrapper, bufferSize),
		logger:    logger,
	}

	// 启动事件分发协程
	bus.wg.Add(1)
	safego.Go(logger, "eventbus-dispatch", bus.dispatch)

	return bus
}

// Publish 实现 service.Fanout. 频道不属于 tenantID 时拒绝.
func (b *InMemoryBus) Publish(ctx context.Context, tenantID, channel, eventType string, payload any) error {
	if err := service.AuthorizeChannel(tenantID, channel); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}

	ev := Event{
		TenantID:  tenantID,
		Channel:   channel,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	// 非阻塞发送
	select {
	case b.eventChan <- eventWrapper{ctx: context.WithoutCancel(ctx), event: ev}:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
		b.logger.Warn("Event buffer full, dropping event",
			zap.String("type", eventType),
			zap.String("channel", channel),
		)
	}
	return nil
}

// Subscribe 订阅频道. 订阅租户频道会收到该租户所有会话的事件.
func (b *InMemoryBus) Subscribe(tenantID, channel string, handler Handler) (Subscription, error) {
	if err := service.AuthorizeChannel(tenantID, channel); err != nil {
		return 0, err
	}
	id := Subscription(b.nextID.Add(1))

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[tenantID] == nil {
		b.subs[tenantID] = make(map[Subscription]*subscriber)
	}
	b.subs[tenantID][id] = &subscriber{id: id, channel: channel, handler: handler}

	b.logger.Debug("Handler subscribed",
		zap.String("tenant_id", tenantID),
		zap.String("channel", channel),
	)
	return id, nil
}

// Unsubscribe 取消订阅
func (b *InMemoryBus) Unsubscribe(id Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for tenant, subs := range b.subs {
		if _, ok := subs[id]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subs, tenant)
			}
			return
		}
	}
}

// Stats 已发布 / 已丢弃事件数
func (b *InMemoryBus) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}

// Close 关闭事件总线
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.eventChan)
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Info("Event bus closed")
}

// dispatch 事件分发循环
func (b *InMemoryBus) dispatch() {
	defer b.wg.Done()

	for wrapper := range b.eventChan {
		b.dispatchEvent(wrapper.ctx, wrapper.event)
	}
}

// dispatchEvent 只投递给同租户且频道匹配的订阅者
func (b *InMemoryBus) dispatchEvent(ctx context.Context, event Event) {
	b.mu.RLock()
	var handlers []Handler
	for _, s := range b.subs[event.TenantID] {
		if channelMatches(s.channel, event.Channel) {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		handler := h
		_ = safego.Run(b.logger, "eventbus-handler", func() error {
			handler(ctx, event)
			return nil
		})
	}
}

// channelMatches 订阅频道等于事件频道, 或是它的上级频道
func channelMatches(subscribed, published string) bool {
	return subscribed == published || strings.HasPrefix(published, subscribed+":")
}
