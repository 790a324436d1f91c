package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/replyhub/replyhub/internal/domain/entity"
	"github.com/replyhub/replyhub/internal/domain/service"
	"github.com/replyhub/replyhub/pkg/safego"
	"go.uber.org/zap"
)

// Options 队列公共参数
type Options struct {
	Workers         int
	MaxRedeliveries int
	RedeliveryDelay time.Duration
	// 会话租约被占用时的重试间隔, 不计入重投次数
	DeferDelay      time.Duration
}

func (o Options) normalized() Options {
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.MaxRedeliveries < 0 {
		o.MaxRedeliveries = 0
	}
	if o.RedeliveryDelay < 0 {
		o.RedeliveryDelay = 0
	}
	if o.DeferDelay <= 0 {
		o.DeferDelay = o.RedeliveryDelay
	}
	if o.DeferDelay <= 0 {
		o.DeferDelay = time.Second
	}
	return o
}

// MemoryQueue 进程内队列
// 同一个 key 的任务严格按发布顺序串行处理, 不同 key 之间并发.
// 失败的任务放回该 key 的队首, 延迟后重投, 保证后续任务不会越过它.
type MemoryQueue struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string][]service.Job // key -> 待处理任务 (FIFO)
	ready   []string                 // 可调度的 key
	busy    map[string]bool          // 正在处理或等待重投的 key
	dead    []service.Job
	closed  bool

	wake chan struct{}
	wg   sync.WaitGroup
}

// NewMemoryQueue 创建进程内队列
func NewMemoryQueue(opts Options, logger *zap.Logger) *MemoryQueue {
	return &MemoryQueue{
		opts:    opts.normalized(),
		logger:  logger,
		pending: make(map[string][]service.Job),
		busy:    make(map[string]bool),
		wake:    make(chan struct{}, 1),
	}
}

// Publish 入队
func (q *MemoryQueue) Publish(_ context.Context, job service.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return service.ErrQueueClosed
	}
	q.pending[job.Key] = append(q.pending[job.Key], job)
	if !q.busy[job.Key] && len(q.pending[job.Key]) == 1 {
		q.ready = append(q.ready, job.Key)
		q.signal()
	}
	return nil
}

// Consume 启动 worker 池, 阻塞直到 ctx 结束
func (q *MemoryQueue) Consume(ctx context.Context, handler service.JobHandler) error {
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		safego.Go(q.logger, "queue-worker", func() {
			defer q.wg.Done()
			q.work(ctx, handler)
		})
	}
	<-ctx.Done()
	q.wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) work(ctx context.Context, handler service.JobHandler) {
	for {
		job, ok := q.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}

		job.Final = job.Attempt >= q.opts.MaxRedeliveries
		err := safego.Run(q.logger, "queue-job", func() error { return handler(ctx, job) })
		q.settle(job, err)

		if ctx.Err() != nil {
			return
		}
	}
}

// next 取出一个可调度 key 的队首任务, 并把该 key 标记为 busy
func (q *MemoryQueue) next() (service.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.ready) > 0 {
		key := q.ready[0]
		q.ready = q.ready[1:]
		jobs := q.pending[key]
		if len(jobs) == 0 {
			delete(q.pending, key)
			continue
		}
		job := jobs[0]
		q.pending[key] = jobs[1:]
		q.busy[key] = true
		if len(q.ready) > 0 {
			q.signal()
		}
		return job, true
	}
	return service.Job{}, false
}

func (q *MemoryQueue) settle(job service.Job, err error) {
	switch {
	case err == nil:
		q.release(job.Key)

	case errors.Is(err, entity.ErrPoison):
		q.logger.Warn("Poison job dropped",
			zap.String("job_id", job.ID),
			zap.String("key", job.Key),
			zap.Error(err),
		)
		q.mu.Lock()
		q.dead = append(q.dead, job)
		q.mu.Unlock()
		q.release(job.Key)

	case errors.Is(err, entity.ErrLeaseHeld):
		// 租约过期前一直等待, 不消耗重投次数
		q.logger.Debug("Job deferred, key is leased elsewhere",
			zap.String("job_id", job.ID),
			zap.String("key", job.Key),
		)
		q.requeue(job, q.opts.DeferDelay)

	case job.Attempt >= q.opts.MaxRedeliveries:
		q.logger.Error("Job exceeded redeliveries, moved to dead letters",
			zap.String("job_id", job.ID),
			zap.String("key", job.Key),
			zap.Int("attempt", job.Attempt),
			zap.Error(err),
		)
		q.mu.Lock()
		q.dead = append(q.dead, job)
		q.mu.Unlock()
		q.release(job.Key)

	default:
		job.Attempt++
		q.logger.Warn("Job failed, redelivering",
			zap.String("job_id", job.ID),
			zap.String("key", job.Key),
			zap.Int("attempt", job.Attempt),
			zap.Error(err),
		)
		q.requeue(job, q.opts.RedeliveryDelay)
	}
}

// requeue 放回队首, delay 之后 key 重新可调度
func (q *MemoryQueue) requeue(job service.Job, delay time.Duration) {
	q.mu.Lock()
	q.pending[job.Key] = append([]service.Job{job}, q.pending[job.Key]...)
	q.mu.Unlock()
	if delay == 0 {
		q.release(job.Key)
		return
	}
	time.AfterFunc(delay, func() { q.release(job.Key) })
}

// release 解除 key 的 busy 状态, 若还有任务则重新变为可调度
func (q *MemoryQueue) release(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.busy, key)
	if len(q.pending[key]) == 0 {
		delete(q.pending, key)
		return
	}
	q.ready = append(q.ready, key)
	q.signal()
}

// signal 非阻塞唤醒一个空闲 worker (调用方持有锁)
func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Dead 返回进入死信的任务副本
func (q *MemoryQueue) Dead() []service.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]service.Job, len(q.dead))
	copy(out, q.dead)
	return out
}

// Depth 返回尚未处理的任务数
func (q *MemoryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, jobs := range q.pending {
		n += len(jobs)
	}
	return n
}

// Close 拒绝后续发布, 已入队的任务保留到进程退出
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}
