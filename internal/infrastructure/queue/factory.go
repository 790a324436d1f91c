package queue

import (
	"fmt"

	"github.com/replyhub/replyhub/internal/domain/service"
	"github.com/replyhub/replyhub/internal/infrastructure/config"
	"go.uber.org/zap"
)

// 逻辑队列名
const (
	InboundQueue  = "inbound"
	OutboundQueue = "outbound"
)

// New 按配置创建名为 name 的队列
func New(cfg config.QueueConfig, name string, logger *zap.Logger) (service.JobQueue, error) {
	opts := Options{
		Workers:         cfg.Workers,
		MaxRedeliveries: cfg.MaxRedeliveries,
		RedeliveryDelay: cfg.RedeliveryDelay,
		DeferDelay:      cfg.DeferDelay,
	}
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryQueue(opts, logger.With(zap.String("queue", name))), nil
	case "amqp":
		return NewAMQPQueue(AMQPOptions{
			Options:        opts,
			URL:            cfg.AMQP.URL,
			Exchange:       cfg.AMQP.Exchange,
			Name:           name,
			Shards:         cfg.AMQP.Shards,
			ReconnectDelay: cfg.AMQP.ReconnectDelay,
			PoolSize:       cfg.AMQP.PoolSize,
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported queue driver: %s", cfg.Driver)
	}
}
