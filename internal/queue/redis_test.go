package queue

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/timmy/clipforge/internal/config"
	"github.com/timmy/clipforge/internal/domain"
)

func newTestRedisQueue(t *testing.T, mr *miniredis.Miniredis) *RedisQueue {
	t.Helper()
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := newRedisQueue(cli, &config.QueueConfig{
		Namespace:    "test",
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
		HeartbeatTTL: 3 * time.Second,
	})
	t.Cleanup(func() { q.Close() })
	return q
}

func runRedisQueue(t *testing.T, q *RedisQueue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func listLen(mr *miniredis.Miniredis, key string) int {
	items, err := mr.List(key)
	if err != nil {
		return 0
	}
	return len(items)
}

func TestRedisQueueAcknowledgesFinishedTask(t *testing.T) {
	mr := miniredis.RunT(t)
	q := newTestRedisQueue(t, mr)

	var got atomic.Value
	q.OnTaskReceived(TaskClipProcess, func(ctx context.Context, task *Task) error {
		var p struct {
			ClipID string `json:"clip_id"`
		}
		if err := task.Decode(&p); err != nil {
			return err
		}
		got.Store(p.ClipID)
		return nil
	})
	runRedisQueue(t, q)

	if _, err := q.Enqueue(context.Background(), TaskClipProcess, map[string]string{"clip_id": "c1"}, RetryPolicy{}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	eventually(t, "task acknowledged", func() bool {
		return got.Load() == "c1" && listLen(mr, q.processingKey) == 0 && listLen(mr, q.readyKey) == 0
	})
	if n := listLen(mr, q.deadKey); n != 0 {
		t.Errorf("dead letters = %d, want 0", n)
	}
}

func TestRedisQueueRetryThenDeadLetter(t *testing.T) {
	testCases := []struct {
		name         string
		err          error
		maxRetries   int
		wantAttempts int32
	}{
		{"retryable goes through delayed set", domain.NewToolError("ffmpeg", "exit status 1", nil), 2, 3},
		{"permanent dead-lettered at once", domain.NewPermanentToolError("ffmpeg", "not installed", nil), 2, 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mr := miniredis.RunT(t)
			q := newTestRedisQueue(t, mr)

			var attempts int32
			q.OnTaskReceived(TaskAgentRun, func(ctx context.Context, task *Task) error {
				if n := atomic.AddInt32(&attempts, 1); int32(task.Attempt) != n {
					t.Errorf("delivery %d carried attempt %d", n, task.Attempt)
				}
				return tc.err
			})
			runRedisQueue(t, q)

			policy := RetryPolicy{MaxRetries: tc.maxRetries, Backoff: time.Millisecond}
			if _, err := q.Enqueue(context.Background(), TaskAgentRun, map[string]string{}, policy); err != nil {
				t.Fatalf("Enqueue() error = %v", err)
			}

			eventually(t, "dead letter", func() bool { return listLen(mr, q.deadKey) == 1 })

			if got := atomic.LoadInt32(&attempts); got != tc.wantAttempts {
				t.Errorf("attempts = %d, want %d", got, tc.wantAttempts)
			}
			if mr.Exists(q.delayedKey) {
				t.Errorf("delayed set should be drained")
			}
			if n := listLen(mr, q.processingKey); n != 0 {
				t.Errorf("processing list = %d, want 0", n)
			}

			dead, _ := mr.List(q.deadKey)
			var task Task
			if err := json.Unmarshal([]byte(dead[0]), &task); err != nil {
				t.Fatalf("decode dead letter: %v", err)
			}
			if task.LastError == "" {
				t.Errorf("dead letter should carry the last error")
			}
		})
	}
}

func TestRedisQueuePromotesDueRetries(t *testing.T) {
	mr := miniredis.RunT(t)
	q := newTestRedisQueue(t, mr)
	ctx := context.Background()

	due := &redis.Z{Score: float64(time.Now().Add(-time.Second).UnixMilli()), Member: "due"}
	later := &redis.Z{Score: float64(time.Now().Add(time.Hour).UnixMilli()), Member: "later"}
	if err := q.cli.ZAdd(ctx, q.delayedKey, due, later).Err(); err != nil {
		t.Fatalf("ZAdd() error = %v", err)
	}

	if err := promoteDue.Run(ctx, q.cli, []string{q.delayedKey, q.readyKey}, time.Now().UnixMilli()).Err(); err != nil {
		t.Fatalf("promote error = %v", err)
	}

	ready, _ := mr.List(q.readyKey)
	if len(ready) != 1 || ready[0] != "due" {
		t.Errorf("ready = %v, want [due]", ready)
	}
	delayed, _ := mr.ZMembers(q.delayedKey)
	if len(delayed) != 1 || delayed[0] != "later" {
		t.Errorf("delayed = %v, want [later]", delayed)
	}
}

func TestRedisQueueReclaimOnlyExpiredConsumers(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	holder := newTestRedisQueue(t, mr)
	if err := holder.heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat() error = %v", err)
	}
	if _, err := holder.Enqueue(ctx, TaskClipProcess, map[string]string{"clip_id": "c1"}, RetryPolicy{}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	// The holder pops the task and is mid-delivery.
	if err := holder.cli.RPopLPush(ctx, holder.readyKey, holder.processingKey).Err(); err != nil {
		t.Fatalf("pop error = %v", err)
	}

	other := newTestRedisQueue(t, mr)

	n, err := other.reclaim(ctx)
	if err != nil {
		t.Fatalf("reclaim() error = %v", err)
	}
	if n != 0 || listLen(mr, holder.processingKey) != 1 || listLen(mr, other.readyKey) != 0 {
		t.Fatalf("live consumer's task was requeued (n=%d)", n)
	}

	mr.FastForward(holder.heartbeatTTL + time.Second)

	n, err = other.reclaim(ctx)
	if err != nil {
		t.Fatalf("reclaim() error = %v", err)
	}
	if n != 1 {
		t.Errorf("reclaimed %d tasks, want 1", n)
	}
	if listLen(mr, other.readyKey) != 1 || mr.Exists(holder.processingKey) {
		t.Errorf("expired consumer's task should be back on the ready list")
	}
	if ok, _ := mr.IsMember(holder.consumersKey, holder.consumerID); ok {
		t.Errorf("expired consumer should be forgotten")
	}
}

func TestRedisQueueSecondRunLeavesLiveTask(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	holder := newTestRedisQueue(t, mr)
	started := make(chan struct{})
	release := make(chan struct{})
	var deliveries int32
	handler := func(ctx context.Context, task *Task) error {
		if atomic.AddInt32(&deliveries, 1) == 1 {
			close(started)
		}
		<-release
		return nil
	}
	holder.OnTaskReceived(TaskClipProcess, handler)
	runRedisQueue(t, holder)
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
	})

	if _, err := holder.Enqueue(ctx, TaskClipProcess, map[string]string{"clip_id": "c1"}, RetryPolicy{}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never delivered")
	}

	second := newTestRedisQueue(t, mr)
	second.OnTaskReceived(TaskClipProcess, handler)
	runRedisQueue(t, second)

	time.Sleep(100 * time.Millisecond)
	close(release)

	eventually(t, "task acknowledged", func() bool { return listLen(mr, holder.processingKey) == 0 })
	if got := atomic.LoadInt32(&deliveries); got != 1 {
		t.Errorf("deliveries = %d, want 1", got)
	}
}
