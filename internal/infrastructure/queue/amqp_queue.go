package queue

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/service"
	"github.com/replyhub/replyhub/pkg/safego"
	"go.uber.org/zap"
)

const (
	headerKey     = "x-replyhub-key"
	headerAttempt = "x-replyhub-attempt"
)

// AMQPOptions RabbitMQ 队列参数
type AMQPOptions struct {
	Options
	URL            string
	Exchange       string
	Name           string // 逻辑队列名: inbound / outbound
	Shards         int
	ReconnectDelay time.Duration
	PoolSize       int
	Dial           func(url string) (*amqp.Connection, error)
}

// AMQPQueue 基于 RabbitMQ 的持久队列
// 按 key 的哈希分片到 N 个持久队列, 每个分片一个 prefetch=1 的消费者,
// 同一 key 始终落在同一分片, 从而保持会话内顺序.
type AMQPQueue struct {
	opts   AMQPOptions
	logger *zap.Logger

	mu     sync.RWMutex
	conn   *amqp.Connection
	pool   chan *amqp.Channel
	closed bool

	// 消费端记录的重投次数 (messageId -> 次数), 连接重建后从 0 重新计数
	attemptsMu sync.Mutex
	attempts   map[string]int
}

// NewAMQPQueue 连接 broker 并声明拓扑
func NewAMQPQueue(opts AMQPOptions, logger *zap.Logger) (*AMQPQueue, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("amqp url is required")
	}
	if opts.Name == "" {
		return nil, fmt.Errorf("amqp queue name is required")
	}
	if opts.Exchange == "" {
		opts.Exchange = "replyhub"
	}
	if opts.Shards < 1 {
		opts.Shards = 1
	}
	if opts.PoolSize < 1 {
		opts.PoolSize = 4
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 2 * time.Second
	}
	if opts.Dial == nil {
		opts.Dial = amqp.Dial
	}
	opts.Options = opts.Options.normalized()

	q := &AMQPQueue{
		opts:     opts,
		logger:   logger.With(zap.String("queue", opts.Name)),
		attempts: make(map[string]int),
	}

	host := ""
	if u, err := url.Parse(opts.URL); err == nil {
		host = u.Host
	}
	q.logger.Info("Connecting to RabbitMQ", zap.String("host", host), zap.Int("shards", opts.Shards))

	if err := q.connect(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *AMQPQueue) connect() error {
	conn, err := q.opts.Dial(q.opts.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := q.declare(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}
	ch.Close()

	pool := make(chan *amqp.Channel, q.opts.PoolSize)
	for i := 0; i < q.opts.PoolSize; i++ {
		pch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return fmt.Errorf("open publish channel: %w", err)
		}
		if err := pch.Confirm(false); err != nil {
			conn.Close()
			return fmt.Errorf("confirm mode: %w", err)
		}
		pool <- pch
	}

	q.mu.Lock()
	old := q.conn
	q.conn = conn
	q.pool = pool
	q.mu.Unlock()
	if old != nil && !old.IsClosed() {
		_ = old.Close()
	}
	return nil
}

// declare 声明 direct exchange, 分片队列和死信队列
func (q *AMQPQueue) declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(q.opts.Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	for i := 0; i < q.opts.Shards; i++ {
		name := q.shardQueue(i)
		// 多实例时每个分片只有一个活跃消费者, 否则同一会话的消息会被并行处理
		if _, err := ch.QueueDeclare(name, true, false, false, false, shardArgs()); err != nil {
			return fmt.Errorf("declare queue %s: %w", name, err)
		}
		if err := ch.QueueBind(name, name, q.opts.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", name, err)
		}
	}
	dead := q.deadQueue()
	if _, err := ch.QueueDeclare(dead, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", dead, err)
	}
	if err := ch.QueueBind(dead, dead, q.opts.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", dead, err)
	}
	return nil
}

func shardArgs() amqp.Table {
	return amqp.Table{"x-single-active-consumer": true}
}

func (q *AMQPQueue) shardQueue(i int) string {
	return q.opts.Exchange + "." + q.opts.Name + "." + strconv.Itoa(i)
}

func (q *AMQPQueue) deadQueue() string {
	return q.opts.Exchange + "." + q.opts.Name + ".dead"
}

// ShardFor 返回 key 对应的分片序号
func ShardFor(key string, shards int) int {
	if shards <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(shards))
}

// Publish 持久化发布并等待 broker 确认
func (q *AMQPQueue) Publish(ctx context.Context, job service.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	routing := q.shardQueue(ShardFor(job.Key, q.opts.Shards))
	return q.publish(ctx, routing, job)
}

func (q *AMQPQueue) publish(ctx context.Context, routing string, job service.Job) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return service.ErrQueueClosed
	}
	pool := q.pool
	q.mu.RUnlock()

	var ch *amqp.Channel
	select {
	case ch = <-pool:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() {
		if ch.IsClosed() {
			return
		}
		select {
		case pool <- ch:
		default:
			ch.Close()
		}
	}()

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, q.opts.Exchange, routing, true, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         job.Body,
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    time.Now().UTC(),
		Headers: amqp.Table{
			headerKey:     job.Key,
			headerAttempt: int64(job.Attempt),
		},
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", routing, err)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("publish confirm %s: %w", routing, err)
	}
	if !acked {
		return fmt.Errorf("publish %s: nacked by broker", routing)
	}
	return nil
}

// Consume 每个分片一个消费者, 连接断开后按 ReconnectDelay 重连并重新订阅
func (q *AMQPQueue) Consume(ctx context.Context, handler service.JobHandler) error {
	for {
		q.mu.RLock()
		conn := q.conn
		q.mu.RUnlock()

		connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
		shardCtx, cancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		for i := 0; i < q.opts.Shards; i++ {
			shard := i
			wg.Add(1)
			safego.Go(q.logger, "amqp-consumer", func() {
				defer wg.Done()
				if err := q.consumeShard(shardCtx, conn, shard, handler); err != nil {
					q.logger.Error("Shard consumer stopped", zap.Int("shard", shard), zap.Error(err))
				}
			})
		}

		select {
		case <-ctx.Done():
			cancel()
			wg.Wait()
			return ctx.Err()
		case amqpErr := <-connClosed:
			cancel()
			wg.Wait()
			q.logger.Error("RabbitMQ connection closed, reconnecting", zap.Any("error", amqpErr))
		}

		for {
			if err := sleepCtx(ctx, q.opts.ReconnectDelay); err != nil {
				return err
			}
			if err := q.connect(); err != nil {
				q.logger.Error("Reconnect failed", zap.Error(err))
				continue
			}
			q.logger.Info("Reconnected to RabbitMQ")
			break
		}
	}
}

func (q *AMQPQueue) consumeShard(ctx context.Context, conn *amqp.Connection, shard int, handler service.JobHandler) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.Qos(1, 0, false); err != nil {
		return err
	}
	name := q.shardQueue(shard)
	deliveries, err := ch.Consume(name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			q.handleDelivery(ctx, ch, d, handler)
		}
	}
}

func (q *AMQPQueue) handleDelivery(ctx context.Context, ch *amqp.Channel, d amqp.Delivery, handler service.JobHandler) {
	job := q.jobFor(d)

	err := safego.Run(q.logger, "queue-job", func() error { return handler(ctx, job) })
	switch {
	case err == nil:
		q.forget(job.ID)
		_ = d.Ack(false)

	case errors.Is(err, entity.ErrLeaseHeld):
		// 租约过期前一直等待, 不消耗重投次数
		q.logger.Debug("Job deferred, key is leased elsewhere",
			zap.String("job_id", job.ID),
			zap.String("key", job.Key),
		)
		_ = sleepCtx(ctx, q.opts.DeferDelay)
		_ = d.Nack(false, true)

	case errors.Is(err, entity.ErrPoison) || job.Attempt >= q.opts.MaxRedeliveries:
		q.logger.Error("Job moved to dead letters",
			zap.String("job_id", job.ID),
			zap.String("key", job.Key),
			zap.Int("attempt", job.Attempt),
			zap.Error(err),
		)
		q.forget(job.ID)
		if perr := q.toDead(ctx, ch, d); perr != nil {
			q.logger.Error("Dead letter publish failed", zap.String("job_id", job.ID), zap.Error(perr))
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)

	default:
		q.bump(job.ID)
		q.logger.Warn("Job failed, requeueing",
			zap.String("job_id", job.ID),
			zap.String("key", job.Key),
			zap.Int("attempt", job.Attempt+1),
			zap.Error(err),
		)
		// prefetch=1: 分片内后续消息在延迟期间不会被投递, 顺序得以保持
		_ = sleepCtx(ctx, q.opts.RedeliveryDelay)
		_ = d.Nack(false, true)
	}
}

// jobFor 还原作业. broker 标记为重投的消息至少算一次尝试:
// 进程崩溃后本地计数丢失, 但上一次处理可能已经开始.
func (q *AMQPQueue) jobFor(d amqp.Delivery) service.Job {
	attempt := headerInt(d.Headers, headerAttempt) + q.attemptsOf(d.MessageId)
	if d.Redelivered && attempt == 0 {
		attempt = 1
	}
	return service.Job{
		ID:      d.MessageId,
		Key:     headerString(d.Headers, headerKey),
		Body:    d.Body,
		Attempt: attempt,
		Final:   attempt >= q.opts.MaxRedeliveries,
	}
}

func (q *AMQPQueue) toDead(ctx context.Context, ch *amqp.Channel, d amqp.Delivery) error {
	return ch.PublishWithContext(ctx, q.opts.Exchange, q.deadQueue(), false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		Body:         d.Body,
		Headers:      d.Headers,
		MessageId:    d.MessageId,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
	})
}

func (q *AMQPQueue) attemptsOf(id string) int {
	q.attemptsMu.Lock()
	defer q.attemptsMu.Unlock()
	return q.attempts[id]
}

func (q *AMQPQueue) bump(id string) {
	q.attemptsMu.Lock()
	q.attempts[id]++
	q.attemptsMu.Unlock()
}

func (q *AMQPQueue) forget(id string) {
	q.attemptsMu.Lock()
	delete(q.attempts, id)
	q.attemptsMu.Unlock()
}

// Close 关闭发布通道和连接
func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
drain:
	for {
		select {
		case ch := <-q.pool:
			_ = ch.Close()
		default:
			break drain
		}
	}
	if q.conn != nil && !q.conn.IsClosed() {
		return q.conn.Close()
	}
	return nil
}

func headerString(h amqp.Table, key string) string {
	s, _ := h[key].(string)
	return s
}

func headerInt(h amqp.Table, key string) int {
	switch v := h[key].(type) {
	case int64:
		return int(v)
	case int32:
		return int(v)
	case int:
		return v
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
