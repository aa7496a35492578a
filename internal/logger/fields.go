package logger

// Fields is a set of structured log fields.
type Fields map[string]interface{}

// Correlation fields, carried on the context logger.
const (
	FieldRequestID = "request_id"
	FieldJobID     = "job_id"
	FieldClipID    = "clip_id"
	FieldRunID     = "run_id"
	FieldBatchID   = "batch_id"
	FieldTaskID    = "task_id"
	FieldTask      = "task"
	FieldAgentType = "agent_type"
	FieldComponent = "component"
)

// Measurement fields, attached per line.
const (
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldSize       = "size"
	FieldStatus     = "status"
	FieldStage      = "stage"
	FieldAttempt    = "attempt"
)
