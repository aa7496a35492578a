package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/timmy/clipforge/internal/config"
	"github.com/timmy/clipforge/internal/domain"
	"github.com/timmy/clipforge/internal/logger"
	"github.com/timmy/clipforge/internal/metrics"
)

// Task names understood by the workers.
const (
	TaskAgentRun         = "agent.run"
	TaskClipProcess      = "clip.process"
	TaskArtifactsCleanup = "artifacts.cleanup"
)

// RetryPolicy bounds redelivery of a failing task.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries"`
	Backoff    time.Duration `json:"backoff"`
	MaxBackoff time.Duration `json:"max_backoff"`
}

// PolicyFromConfig converts a configured retry policy.
func PolicyFromConfig(c config.RetryPolicyConfig, maxBackoff time.Duration) RetryPolicy {
	return RetryPolicy{MaxRetries: c.MaxRetries, Backoff: c.Backoff, MaxBackoff: maxBackoff}
}

// Delay returns the wait before redelivering a task whose attempt-th delivery failed.
// The backoff doubles per attempt and is capped by MaxBackoff when set.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Task is one unit of queued work.
type Task struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	Policy     RetryPolicy     `json:"policy"`
	LastError  string          `json:"last_error,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Decode unmarshals the task payload into v.
func (t *Task) Decode(v interface{}) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Name, err)
	}
	return nil
}

// LastAttempt reports whether a failure of this delivery will not be retried.
func (t *Task) LastAttempt() bool {
	return t.Attempt > t.Policy.MaxRetries
}

func newTask(name string, payload interface{}, policy RetryPolicy) (*Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", name, err)
	}
	return &Task{
		ID:         ulid.Make().String(),
		Name:       name,
		Payload:    raw,
		Attempt:    1,
		Policy:     policy,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Handler processes one delivery of a task. Returning an error that
// domain.IsRetryable accepts schedules a redelivery while attempts remain;
// any other error dead-letters the task.
type Handler func(ctx context.Context, task *Task) error

// Queue is a durable task queue with per-task retry policies.
type Queue interface {
	// Enqueue schedules a task and returns its ID.
	Enqueue(ctx context.Context, name string, payload interface{}, policy RetryPolicy) (string, error)

	// OnTaskReceived registers the handler for a task name. Must be called before Run.
	OnTaskReceived(name string, h Handler)

	// Run consumes tasks until ctx is cancelled.
	Run(ctx context.Context) error

	// Close releases queue resources.
	Close() error
}

// New creates a Queue for the configured driver.
// Parameters:
//   - ctx: context used for the initial broker connection.
//   - cfg: queue configuration.
// Returns:
//   - Queue: redis or in-memory implementation.
//   - error: non-nil if the broker is unreachable or the driver unknown.
func New(ctx context.Context, cfg *config.QueueConfig) (Queue, error) {
	switch cfg.Driver {
	case "redis", "":
		return NewRedisQueue(ctx, cfg)
	case "memory":
		return NewMemoryQueue(cfg.Concurrency), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
}

type outcome string

const (
	outcomeDone  outcome = "done"
	outcomeRetry outcome = "retry"
	outcomeDead  outcome = "dead"
)

// router holds registered handlers and applies the retry decision shared by all drivers.
type router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func newRouter() *router {
	return &router{handlers: make(map[string]Handler)}
}

func (r *router) OnTaskReceived(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func (r *router) handler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// deliver runs the handler for task and decides what happens to it next.
func (r *router) deliver(ctx context.Context, task *Task) outcome {
	ctx = logger.SetTask(ctx, task.ID, task.Name)
	ctx = logger.WithField(ctx, logger.FieldAttempt, task.Attempt)

	h, ok := r.handler(task.Name)
	if !ok {
		logger.CtxError(ctx, "No handler registered for task %q, dead-lettering", task.Name)
		task.LastError = "no handler registered"
		metrics.ObserveTask(task.Name, string(outcomeDead), 0)
		return outcomeDead
	}

	start := time.Now()
	err := safeCall(ctx, h, task)
	elapsed := time.Since(start)

	var result outcome
	switch {
	case err == nil:
		result = outcomeDone
	case domain.IsRetryable(err) && !task.LastAttempt():
		result = outcomeRetry
	default:
		result = outcomeDead
	}
	metrics.ObserveTask(task.Name, string(result), elapsed)

	entry := logger.With(logger.Fields{
		logger.FieldDurationMs: elapsed.Milliseconds(),
		logger.FieldStatus:     string(result),
	})
	switch result {
	case outcomeDone:
		entry.Debug(ctx, "Task finished")
	case outcomeRetry:
		task.LastError = err.Error()
		entry.Warn(ctx, "Task failed, retrying in %s: %v", task.Policy.Delay(task.Attempt), err)
	case outcomeDead:
		task.LastError = err.Error()
		entry.Error(ctx, "Task failed permanently: %v", err)
	}
	return result
}

func safeCall(ctx context.Context, h Handler, task *Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.CtxError(ctx, "Task handler panicked: %v\n%s", rec, debug.Stack())
			err = &domain.UnexpectedError{Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	return h(ctx, task)
}
