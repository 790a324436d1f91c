package monitoring

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/service"
)

// Metrics 指标收集器
type Metrics struct {
	// HTTP 请求
	RequestsTotal  uint64
	RequestsFailed uint64

	// 延迟 (纳秒)
	RequestLatencySum   uint64
	RequestLatencyCount uint64

	// 消息流水线
	InboundMessages uint64
	BotReplies      uint64
	AgentReplies    uint64
	ReplyFailures   uint64
	DeadLettered    uint64
	FanoutErrors    uint64
	ModelTokensUsed uint64

	// 启动时间
	StartTime time.Time
}

// Monitor 性能监控器
type Monitor struct {
	metrics *Metrics

	mu     sync.RWMutex
	events map[string]uint64 // 按事件类型计数
}

// NewMonitor 创建监控器
func NewMonitor() *Monitor {
	return &Monitor{
		metrics: &Metrics{
			StartTime: time.Now(),
		},
		events: make(map[string]uint64),
	}
}

// ObserveRequest 记录一次 HTTP 请求
func (m *Monitor) ObserveRequest(status int, d time.Duration) {
	atomic.AddUint64(&m.metrics.RequestsTotal, 1)
	if status >= 500 {
		atomic.AddUint64(&m.metrics.RequestsFailed, 1)
	}
	atomic.AddUint64(&m.metrics.RequestLatencySum, uint64(d.Nanoseconds()))
	atomic.AddUint64(&m.metrics.RequestLatencyCount, 1)
}

// ObserveEvent 按事件类型累计流水线计数
func (m *Monitor) ObserveEvent(eventType string, payload any) {
	m.mu.Lock()
	m.events[eventType]++
	m.mu.Unlock()

	switch eventType {
	case service.EventMessageCreated:
		msg, ok := payload.(*entity.Message)
		if !ok {
			return
		}
		switch msg.Role {
		case entity.RoleCustomer:
			atomic.AddUint64(&m.metrics.InboundMessages, 1)
		case entity.RoleBot:
			atomic.AddUint64(&m.metrics.BotReplies, 1)
			if msg.Usage != nil {
				atomic.AddUint64(&m.metrics.ModelTokensUsed, uint64(msg.Usage.TotalTokens))
			}
		case entity.RoleAgent:
			atomic.AddUint64(&m.metrics.AgentReplies, 1)
		}
	case service.EventReplyFailed:
		atomic.AddUint64(&m.metrics.ReplyFailures, 1)
	case service.EventDeadLettered:
		atomic.AddUint64(&m.metrics.DeadLettered, 1)
	}
}

// GetStats 获取当前统计
func (m *Monitor) GetStats() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	uptime := time.Since(m.metrics.StartTime)
	avgLatency := float64(0)
	if count := atomic.LoadUint64(&m.metrics.RequestLatencyCount); count > 0 {
		avgLatency = float64(atomic.LoadUint64(&m.metrics.RequestLatencySum)) / float64(count) / 1e6 // ms
	}

	return map[string]interface{}{
		"uptime_seconds":    uptime.Seconds(),
		"requests_total":    atomic.LoadUint64(&m.metrics.RequestsTotal),
		"requests_failed":   atomic.LoadUint64(&m.metrics.RequestsFailed),
		"inbound_messages":  atomic.LoadUint64(&m.metrics.InboundMessages),
		"bot_replies":       atomic.LoadUint64(&m.metrics.BotReplies),
		"agent_replies":     atomic.LoadUint64(&m.metrics.AgentReplies),
		"reply_failures":    atomic.LoadUint64(&m.metrics.ReplyFailures),
		"dead_lettered":     atomic.LoadUint64(&m.metrics.DeadLettered),
		"model_tokens_used": atomic.LoadUint64(&m.metrics.ModelTokensUsed),
		"fanout_errors":     atomic.LoadUint64(&m.metrics.FanoutErrors),
		"avg_latency_ms":    avgLatency,
		"memory_mb":         float64(memStats.Alloc) / 1024 / 1024,
		"goroutines":        runtime.NumGoroutine(),
	}
}

// EventCounts 返回按事件类型排序的计数
func (m *Monitor) EventCounts() []EventCount {
	m.mu.RLock()
	out := make([]EventCount, 0, len(m.events))
	for t, n := range m.events {
		out = append(out, EventCount{Type: t, Count: n})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// EventCount 单个事件类型的计数
type EventCount struct {
	Type  string
	Count uint64
}

// Fanout 包装实时推送, 统计经过的每个事件
func (m *Monitor) Fanout(next service.Fanout) service.Fanout {
	return &countingFanout{next: next, m: m}
}

type countingFanout struct {
	next service.Fanout
	m    *Monitor
}

func (f *countingFanout) Publish(ctx context.Context, tenantID, channel, eventType string, payload any) error {
	f.m.ObserveEvent(eventType, payload)
	err := f.next.Publish(ctx, tenantID, channel, eventType, payload)
	if err != nil {
		atomic.AddUint64(&f.m.metrics.FanoutErrors, 1)
	}
	return err
}
