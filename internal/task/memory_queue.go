package task

import (
	"context"
	"sync"
	"time"

	xerrors "SmartFlow-Orchestrator/internal/errors"
	"SmartFlow-Orchestrator/internal/observability/metrics"
)

const defaultRequeueDelay = 200 * time.Millisecond

// MemoryQueue 使用 channel 实现进程内队列。处理器返回可重试错误时，运行 ID 会延迟后重新入队。
type MemoryQueue struct {
	ch           chan string
	requeueDelay time.Duration

	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size), requeueDelay: defaultRequeueDelay}
}

// Len 返回排队中的运行数量。
func (q *MemoryQueue) Len() int { return len(q.ch) }

// Publish 将运行投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, runID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- runID:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列，直到 ctx 结束或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case runID, ok := <-q.ch:
					if !ok {
						return
					}
					if err := handler(ctx, runID); err != nil && xerrors.RetryableError(err) {
						time.AfterFunc(q.requeueDelay, func() { q.requeue(runID) })
					}
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// requeue 不阻塞地放回队列，缓冲区已满或队列已关闭时丢弃。
func (q *MemoryQueue) requeue(runID string) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		metrics.ObserveQueueEvent("dropped")
		return
	}
	select {
	case q.ch <- runID:
		metrics.ObserveQueueEvent("requeued")
	default:
		metrics.ObserveQueueEvent("dropped")
	}
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	return nil
}
