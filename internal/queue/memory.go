package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned when enqueueing on a closed queue.
var ErrClosed = errors.New("queue closed")

// MemoryQueue is an in-process Queue with the same retry semantics as RedisQueue.
// Tasks do not survive a restart.
type MemoryQueue struct {
	*router
	concurrency int

	mu       sync.Mutex
	ready    []*Task
	inflight int
	dead     []*Task
	closed   bool
	timers   []*time.Timer
	notify   chan struct{}
}

// NewMemoryQueue creates a MemoryQueue served by concurrency workers.
func NewMemoryQueue(concurrency int) *MemoryQueue {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &MemoryQueue{
		router:      newRouter(),
		concurrency: concurrency,
		notify:      make(chan struct{}, 1),
	}
}

// Enqueue schedules a task for immediate delivery.
func (q *MemoryQueue) Enqueue(ctx context.Context, name string, payload interface{}, policy RetryPolicy) (string, error) {
	task, err := newTask(name, payload, policy)
	if err != nil {
		return "", err
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrClosed
	}
	q.inflight++
	q.ready = append(q.ready, task)
	q.mu.Unlock()
	q.signal()
	return task.ID, nil
}

// Run starts the workers and blocks until ctx is cancelled.
func (q *MemoryQueue) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < q.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) work(ctx context.Context) {
	for {
		task := q.pop()
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.notify:
				continue
			}
		}

		switch q.deliver(ctx, task) {
		case outcomeRetry:
			delay := task.Policy.Delay(task.Attempt)
			task.Attempt++
			q.schedule(task, delay)
		case outcomeDead:
			q.mu.Lock()
			q.dead = append(q.dead, task)
			q.inflight--
			q.mu.Unlock()
		default:
			q.mu.Lock()
			q.inflight--
			q.mu.Unlock()
		}
	}
}

func (q *MemoryQueue) pop() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return nil
	}
	task := q.ready[0]
	q.ready = q.ready[1:]
	if len(q.ready) > 0 {
		q.signal()
	}
	return task
}

func (q *MemoryQueue) schedule(task *Task, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.timers = append(q.timers, time.AfterFunc(delay, func() {
		q.mu.Lock()
		q.ready = append(q.ready, task)
		q.mu.Unlock()
		q.signal()
	}))
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// WaitIdle blocks until every enqueued task has finished or been dead-lettered.
func (q *MemoryQueue) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		q.mu.Lock()
		idle := q.inflight == 0
		q.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DeadLetters returns a copy of the dead-lettered tasks.
func (q *MemoryQueue) DeadLetters() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Task(nil), q.dead...)
}

// Close stops accepting tasks and cancels pending retries.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for _, t := range q.timers {
		t.Stop()
	}
	return nil
}
