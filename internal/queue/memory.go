package queue

import (
	"context"
	"sync"
	"time"

	xerrors "MAHA-Orchestrator/internal/errors"
	"MAHA-Orchestrator/pkg/logger"
)

const (
	defaultMemoryBuffer   = 64
	defaultMemoryAttempts = 5
	defaultMemoryDelay    = 10 * time.Millisecond
	maxMemoryDelay        = 2 * time.Second
)

// MemoryQueue 使用带缓冲的 channel 实现进程内队列，适合单实例部署与测试。
// 处理失败的执行按指数退避延迟重投，超过上限后丢弃。
type MemoryQueue struct {
	ch          chan string
	mu          sync.RWMutex
	closed      bool
	attemptsMu  sync.Mutex
	attempts    map[string]int
	maxAttempts int
	baseDelay   time.Duration
}

// MemoryOption 调整内存队列的重投策略。
type MemoryOption func(*MemoryQueue)

// WithMemoryRetry 设置最大投递次数与首次重投延迟。
func WithMemoryRetry(maxAttempts int, baseDelay time.Duration) MemoryOption {
	return func(q *MemoryQueue) {
		if maxAttempts > 0 {
			q.maxAttempts = maxAttempts
		}
		if baseDelay > 0 {
			q.baseDelay = baseDelay
		}
	}
}

// NewMemoryQueue 创建一个容量为 size 的内存队列。
func NewMemoryQueue(size int, opts ...MemoryOption) *MemoryQueue {
	if size <= 0 {
		size = defaultMemoryBuffer
	}
	q := &MemoryQueue{
		ch:          make(chan string, size),
		attempts:    make(map[string]int),
		maxAttempts: defaultMemoryAttempts,
		baseDelay:   defaultMemoryDelay,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Publish 将执行投递到队列，队列满时阻塞直到 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, executionID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
	select {
	case q.ch <- executionID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume 启动 workerCount 个工作协程，直到 ctx 结束或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx, handler)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) work(ctx context.Context, handler Handler) {
	for {
		var id string
		select {
		case <-ctx.Done():
			return
		case v, ok := <-q.ch:
			if !ok {
				return
			}
			id = v
		}
		if err := handler(ctx, id); err != nil {
			q.retry(ctx, id)
			continue
		}
		q.forget(id)
	}
}

// retry 记录一次失败并在退避延迟后重投；达到上限时丢弃。
func (q *MemoryQueue) retry(ctx context.Context, executionID string) {
	q.attemptsMu.Lock()
	q.attempts[executionID]++
	n := q.attempts[executionID]
	if n >= q.maxAttempts {
		delete(q.attempts, executionID)
	}
	q.attemptsMu.Unlock()

	if n >= q.maxAttempts {
		logger.Named("queue").Error("执行超过最大投递次数，已丢弃",
			"driver", "memory", "execution_id", executionID, "attempts", n)
		return
	}
	delay := q.baseDelay << (n - 1)
	if delay <= 0 || delay > maxMemoryDelay {
		delay = maxMemoryDelay
	}
	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
			_ = q.Publish(ctx, executionID)
		}
	}()
}

func (q *MemoryQueue) forget(executionID string) {
	q.attemptsMu.Lock()
	delete(q.attempts, executionID)
	q.attemptsMu.Unlock()
}

// Close 关闭队列，之后的 Publish 都会失败。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}
