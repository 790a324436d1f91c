package monitoring

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// PrometheusHandler 以 Prometheus 文本格式输出指标, 挂载在 /metrics
func (m *Monitor) PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		uptime := time.Since(m.metrics.StartTime).Seconds()

		lines := []struct {
			name string
			help string
			typ  string
			val  interface{}
		}{
			// HTTP
			{"replyhub_http_requests_total", "Total HTTP requests served", "counter", atomic.LoadUint64(&m.metrics.RequestsTotal)},
			{"replyhub_http_requests_failed_total", "HTTP requests answered with a 5xx status", "counter", atomic.LoadUint64(&m.metrics.RequestsFailed)},

			// 消息流水线
			{"replyhub_inbound_messages_total", "Customer messages stored", "counter", atomic.LoadUint64(&m.metrics.InboundMessages)},
			{"replyhub_bot_replies_total", "Bot replies delivered and stored", "counter", atomic.LoadUint64(&m.metrics.BotReplies)},
			{"replyhub_agent_replies_total", "Agent replies delivered and stored", "counter", atomic.LoadUint64(&m.metrics.AgentReplies)},
			{"replyhub_reply_failures_total", "Bot turns that failed to generate a reply", "counter", atomic.LoadUint64(&m.metrics.ReplyFailures)},
			{"replyhub_dead_lettered_total", "Outbound messages moved to the dead-letter list", "counter", atomic.LoadUint64(&m.metrics.DeadLettered)},
			{"replyhub_model_tokens_used_total", "Tokens reported by providers for delivered bot replies", "counter", atomic.LoadUint64(&m.metrics.ModelTokensUsed)},
			{"replyhub_fanout_errors_total", "Realtime events that could not be published", "counter", atomic.LoadUint64(&m.metrics.FanoutErrors)},

			// Gauges
			{"replyhub_uptime_seconds", "Process uptime in seconds", "gauge", uptime},

			// Runtime metrics
			{"replyhub_memory_alloc_bytes", "Current memory allocation in bytes", "gauge", memStats.Alloc},
			{"replyhub_memory_sys_bytes", "Total memory obtained from OS", "gauge", memStats.Sys},
			{"replyhub_goroutines", "Number of goroutines", "gauge", runtime.NumGoroutine()},
			{"replyhub_gc_pause_total_ns", "Total GC pause time in nanoseconds", "counter", memStats.PauseTotalNs},
			{"replyhub_gc_cycles_total", "Total number of completed GC cycles", "counter", memStats.NumGC},
		}

		for _, l := range lines {
			fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
			fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.typ)
			switch v := l.val.(type) {
			case uint64:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			case int:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			case float64:
				fmt.Fprintf(w, "%s %f\n", l.name, v)
			case uint32:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			}
			fmt.Fprintln(w)
		}

		// 按事件类型的计数
		fmt.Fprintf(w, "# HELP replyhub_events_total Realtime events published by type\n")
		fmt.Fprintf(w, "# TYPE replyhub_events_total counter\n")
		for _, ec := range m.EventCounts() {
			fmt.Fprintf(w, "replyhub_events_total{type=%q} %d\n", ec.Type, ec.Count)
		}
		fmt.Fprintln(w)

		reqCount := atomic.LoadUint64(&m.metrics.RequestLatencyCount)
		if reqCount > 0 {
			avgMs := float64(atomic.LoadUint64(&m.metrics.RequestLatencySum)) / float64(reqCount) / 1e6
			fmt.Fprintf(w, "# HELP replyhub_http_request_latency_avg_ms Average request latency in milliseconds\n")
			fmt.Fprintf(w, "# TYPE replyhub_http_request_latency_avg_ms gauge\n")
			fmt.Fprintf(w, "replyhub_http_request_latency_avg_ms %f\n\n", avgMs)
		}
	})
}
