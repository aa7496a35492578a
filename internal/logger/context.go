package logger

import (
	"context"
	"sync"
)

type ctxKey struct{}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(nil)
)

// Default returns the process-wide logger.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefaultLogger replaces the process-wide logger. nil is ignored.
func SetDefaultLogger(l *Logger) {
	if l == nil {
		return
	}
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// FromContext returns the logger stored in ctx, or the default logger.
func FromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*Logger); ok {
			return l
		}
	}
	return Default()
}

// WithFields returns a child of ctx whose logger also carries fields.
// Parameters:
//   - ctx: parent context.
//   - fields: fields to add.
// Returns:
//   - context.Context: derived context.
func WithFields(ctx context.Context, fields Fields) context.Context {
	return context.WithValue(ctx, ctxKey{}, FromContext(ctx).WithFields(fields))
}

// WithField is WithFields for a single key.
func WithField(ctx context.Context, key string, value interface{}) context.Context {
	return context.WithValue(ctx, ctxKey{}, FromContext(ctx).WithField(key, value))
}

func SetJobID(ctx context.Context, id string) context.Context { return WithField(ctx, FieldJobID, id) }
func SetClipID(ctx context.Context, id string) context.Context { return WithField(ctx, FieldClipID, id) }
func SetRunID(ctx context.Context, id string) context.Context { return WithField(ctx, FieldRunID, id) }
func SetBatchID(ctx context.Context, id string) context.Context { return WithField(ctx, FieldBatchID, id) }

// SetComponent names the subsystem emitting the logs (api, worker, reconciler).
func SetComponent(ctx context.Context, name string) context.Context {
	return WithField(ctx, FieldComponent, name)
}

// SetTask tags ctx with the queue task being delivered.
func SetTask(ctx context.Context, id, name string) context.Context {
	return WithFields(ctx, Fields{FieldTaskID: id, FieldTask: name})
}
