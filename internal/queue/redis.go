package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/oklog/ulid/v2"
	"github.com/timmy/clipforge/internal/config"
	"github.com/timmy/clipforge/internal/logger"
	"github.com/timmy/clipforge/internal/metrics"
)

// promoteDue moves delayed tasks whose due time has passed onto the ready list.
var promoteDue = redis.NewScript(`
local items = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, item in ipairs(items) do
	redis.call("ZREM", KEYS[1], item)
	redis.call("LPUSH", KEYS[2], item)
end
return #items`)

// RedisQueue is a Queue backed by Redis lists and a sorted set of delayed retries.
//
// Keys under the namespace:
//   - <ns>:ready             tasks waiting for a worker (LPUSH / BRPOPLPUSH)
//   - <ns>:processing:<id>   tasks held by consumer id until acknowledged
//   - <ns>:heartbeat:<id>    expiring key refreshed while consumer id is alive
//   - <ns>:consumers         set of consumer ids that may hold tasks
//   - <ns>:delayed           retries scored by their due time in unix milliseconds
//   - <ns>:dead              tasks that exhausted their retry policy
//
// A consumer's processing list is only requeued once its heartbeat has
// expired, so tasks held by a live worker in another process are never
// redelivered.
type RedisQueue struct {
	*router
	cli          *redis.Client
	concurrency  int
	pollInterval time.Duration
	heartbeatTTL time.Duration

	ns            string
	consumerID    string
	readyKey      string
	processingKey string
	consumersKey  string
	delayedKey    string
	deadKey       string
}

// NewRedisQueue connects to the broker at cfg.RedisURL.
// Parameters:
//   - ctx: context for the connectivity check.
//   - cfg: queue configuration.
// Returns:
//   - *RedisQueue: connected queue.
//   - error: non-nil if the URL is invalid or the broker is unreachable.
func NewRedisQueue(ctx context.Context, cfg *config.QueueConfig) (*RedisQueue, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		cli.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return newRedisQueue(cli, cfg), nil
}

func newRedisQueue(cli *redis.Client, cfg *config.QueueConfig) *RedisQueue {
	ns := cfg.Namespace
	if ns == "" {
		ns = "clipforge"
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	ttl := cfg.HeartbeatTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	id := ulid.Make().String()
	return &RedisQueue{
		router:        newRouter(),
		cli:           cli,
		concurrency:   concurrency,
		pollInterval:  poll,
		heartbeatTTL:  ttl,
		ns:            ns,
		consumerID:    id,
		readyKey:      ns + ":ready",
		processingKey: ns + ":processing:" + id,
		consumersKey:  ns + ":consumers",
		delayedKey:    ns + ":delayed",
		deadKey:       ns + ":dead",
	}
}

func (q *RedisQueue) heartbeatKey(consumerID string) string {
	return q.ns + ":heartbeat:" + consumerID
}

// Enqueue pushes a task onto the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, name string, payload interface{}, policy RetryPolicy) (string, error) {
	task, err := newTask(name, payload, policy)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	if err := q.cli.LPush(ctx, q.readyKey, data).Err(); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", name, err)
	}
	return task.ID, nil
}

// Run registers this consumer, requeues tasks held by consumers whose
// heartbeat expired, then consumes tasks until ctx is cancelled.
func (q *RedisQueue) Run(ctx context.Context) error {
	ctx = logger.WithField(ctx, "consumer_id", q.consumerID)
	if err := q.heartbeat(ctx); err != nil {
		return err
	}
	if _, err := q.reclaim(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		q.promoteLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		q.heartbeatLoop(ctx)
	}()
	for i := 0; i < q.concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			q.work(logger.WithField(ctx, "worker_id", workerID))
		}(i)
	}
	wg.Wait()

	// Let the next reclaim pass pick up anything left unacknowledged.
	q.cli.Del(context.Background(), q.heartbeatKey(q.consumerID))
	return ctx.Err()
}

// heartbeat refreshes this consumer's liveness key and registers it.
// The key is written before the set membership so a registered consumer
// without a heartbeat is always a dead one.
func (q *RedisQueue) heartbeat(ctx context.Context) error {
	_, err := q.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.heartbeatKey(q.consumerID), time.Now().UnixMilli(), q.heartbeatTTL)
		pipe.SAdd(ctx, q.consumersKey, q.consumerID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("refresh consumer heartbeat: %w", err)
	}
	return nil
}

func (q *RedisQueue) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(q.heartbeatTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := q.heartbeat(ctx); err != nil {
			if ctx.Err() == nil {
				logger.CtxError(ctx, "Failed to refresh heartbeat: %v", err)
			}
			continue
		}
		if _, err := q.reclaim(ctx); err != nil && ctx.Err() == nil {
			logger.CtxError(ctx, "Failed to reclaim tasks: %v", err)
		}
	}
}

// reclaim moves the processing lists of consumers whose heartbeat has
// expired back onto the ready list and forgets those consumers.
func (q *RedisQueue) reclaim(ctx context.Context) (int, error) {
	members, err := q.cli.SMembers(ctx, q.consumersKey).Result()
	if err != nil {
		return 0, fmt.Errorf("list consumers: %w", err)
	}
	total := 0
	for _, id := range members {
		if id == q.consumerID {
			continue
		}
		alive, err := q.cli.Exists(ctx, q.heartbeatKey(id)).Result()
		if err != nil {
			return total, fmt.Errorf("check heartbeat of %s: %w", id, err)
		}
		if alive > 0 {
			continue
		}
		n, err := q.requeue(ctx, q.ns+":processing:"+id)
		total += n
		if err != nil {
			return total, err
		}
		if err := q.cli.SRem(ctx, q.consumersKey, id).Err(); err != nil {
			return total, fmt.Errorf("forget consumer %s: %w", id, err)
		}
		if n > 0 {
			logger.With(logger.Fields{"dead_consumer": id, logger.FieldCount: n}).
				Warn(ctx, "Requeued tasks held by an expired consumer")
		}
	}
	return total, nil
}

// requeue drains list onto the ready list one entry at a time.
func (q *RedisQueue) requeue(ctx context.Context, list string) (int, error) {
	n := 0
	for {
		err := q.cli.RPopLPush(ctx, list, q.readyKey).Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("requeue %s: %w", list, err)
		}
		n++
	}
}

func (q *RedisQueue) work(ctx context.Context) {
	for ctx.Err() == nil {
		raw, err := q.cli.BRPopLPush(ctx, q.readyKey, q.processingKey, q.pollInterval).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.CtxError(ctx, "Failed to pop task: %v", err)
			sleep(ctx, q.pollInterval)
			continue
		}

		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			logger.CtxError(ctx, "Dropping undecodable task: %v", err)
			q.finish(ctx, raw, func(pipe redis.Pipeliner) {
				pipe.LPush(ctx, q.deadKey, raw)
			})
			continue
		}

		switch q.deliver(ctx, &task) {
		case outcomeRetry:
			due := time.Now().Add(task.Policy.Delay(task.Attempt))
			task.Attempt++
			data, err := json.Marshal(&task)
			if err != nil {
				logger.CtxError(ctx, "Failed to encode retry: %v", err)
				continue
			}
			q.finish(ctx, raw, func(pipe redis.Pipeliner) {
				pipe.ZAdd(ctx, q.delayedKey, &redis.Z{Score: float64(due.UnixMilli()), Member: data})
			})
		case outcomeDead:
			data, _ := json.Marshal(&task)
			q.finish(ctx, raw, func(pipe redis.Pipeliner) {
				pipe.LPush(ctx, q.deadKey, data)
			})
		default:
			q.finish(ctx, raw, nil)
		}
	}
}

// finish acknowledges raw and applies then in one MULTI/EXEC.
func (q *RedisQueue) finish(ctx context.Context, raw string, then func(redis.Pipeliner)) {
	// acknowledgement must survive worker shutdown
	ackCtx := context.Background()
	_, err := q.cli.TxPipelined(ackCtx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ackCtx, q.processingKey, 1, raw)
		if then != nil {
			then(pipe)
		}
		return nil
	})
	if err != nil {
		logger.CtxError(ctx, "Failed to acknowledge task: %v", err)
	}
}

func (q *RedisQueue) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now().UnixMilli()
		if err := promoteDue.Run(ctx, q.cli, []string{q.delayedKey, q.readyKey}, now).Err(); err != nil && ctx.Err() == nil {
			logger.CtxError(ctx, "Failed to promote delayed tasks: %v", err)
		}
		q.reportDepth(ctx)
	}
}

func (q *RedisQueue) reportDepth(ctx context.Context) {
	pipe := q.cli.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey)
	processing := pipe.LLen(ctx, q.processingKey)
	delayed := pipe.ZCard(ctx, q.delayedKey)
	dead := pipe.LLen(ctx, q.deadKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return
	}
	metrics.SetQueueDepth("ready", ready.Val())
	metrics.SetQueueDepth("processing", processing.Val())
	metrics.SetQueueDepth("delayed", delayed.Val())
	metrics.SetQueueDepth("dead", dead.Val())
}

// Close closes the broker connection.
func (q *RedisQueue) Close() error {
	return q.cli.Close()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
