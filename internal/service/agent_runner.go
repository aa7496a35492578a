package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/clipforge/internal/domain"
	"github.com/timmy/clipforge/internal/logger"
	"github.com/timmy/clipforge/internal/metrics"
	"github.com/timmy/clipforge/internal/queue"
	"github.com/timmy/clipforge/internal/repository"
)

// AgentResult is what a successful agent execution reports back.
type AgentResult struct {
	Summary string
	Data    interface{}
}

// AgentSpec is one entry of the agent dispatch table. Only Execute is required.
type AgentSpec struct {
	// OnStart runs after the run moved to Running and before Execute.
	OnStart func(ctx context.Context, run *domain.AgentRun) error
	// Execute performs the external action.
	Execute func(ctx context.Context, run *domain.AgentRun) (*AgentResult, error)
	// OnSuccess runs once the run is recorded as Success.
	OnSuccess func(ctx context.Context, run *domain.AgentRun, result *AgentResult) error
	// OnFailure runs once the run is recorded as Failed.
	OnFailure func(ctx context.Context, run *domain.AgentRun, cause error) error
}

type agentRunPayload struct {
	RunID string `json:"run_id"`
}

// AgentRunner records and executes agent runs.
type AgentRunner struct {
	store  *repository.Store
	queue  queue.Queue
	policy queue.RetryPolicy

	mu    sync.RWMutex
	specs map[domain.AgentType]AgentSpec
}

// NewAgentRunner creates an AgentRunner with an empty dispatch table.
func NewAgentRunner(store *repository.Store, q queue.Queue, policy queue.RetryPolicy) *AgentRunner {
	return &AgentRunner{
		store:  store,
		queue:  q,
		policy: policy,
		specs:  make(map[domain.AgentType]AgentSpec),
	}
}

// Register adds or replaces the spec for an agent type.
func (r *AgentRunner) Register(agentType domain.AgentType, spec AgentSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[agentType] = spec
}

func (r *AgentRunner) spec(agentType domain.AgentType) (AgentSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[agentType]
	return spec, ok
}

// Dispatch records a Pending run and enqueues its execution.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - agentType: registered agent to run.
//   - jobID: job the run belongs to.
//   - targetID: optional narrower target (e.g. a clip).
//   - params: agent-specific parameters stored on the run.
// Returns:
//   - string: ID of the new run.
//   - error: ValidationError for unknown agents, ConflictError if a run of the
//     same type is already active for the job, or the enqueue error.
func (r *AgentRunner) Dispatch(ctx context.Context, agentType domain.AgentType, jobID string, targetID *string, params domain.JSONMap) (string, error) {
	run, err := r.create(ctx, agentType, jobID, targetID, params)
	if err != nil {
		return "", err
	}

	if _, err := r.queue.Enqueue(ctx, queue.TaskAgentRun, agentRunPayload{RunID: run.ID}, r.policy); err != nil {
		// Free the active slot so the caller can dispatch again.
		msg := fmt.Sprintf("enqueue failed: %v", err)
		if _, terr := r.store.Runs.Transition(ctx, run.ID, []domain.AgentRunStatus{domain.AgentRunPending}, domain.AgentRunFailed,
			map[string]interface{}{"error_message": msg, "finished_at": time.Now()}); terr != nil {
			logger.CtxError(ctx, "Failed to release agent run %s: %v", run.ID, terr)
		}
		return "", fmt.Errorf("enqueue agent run: %w", err)
	}

	logger.With(logger.Fields{
		logger.FieldRunID:     run.ID,
		logger.FieldAgentType: string(agentType),
	}).Info(ctx, "Dispatched agent run")
	return run.ID, nil
}

// Run creates a run and executes it inline, without the queue.
// Returns the run ID together with the execution error, if any.
func (r *AgentRunner) Run(ctx context.Context, agentType domain.AgentType, jobID string, targetID *string, params domain.JSONMap) (string, error) {
	run, err := r.create(ctx, agentType, jobID, targetID, params)
	if err != nil {
		return "", err
	}
	return run.ID, r.Execute(logger.SetRunID(ctx, run.ID), run.ID, 1, true)
}

func (r *AgentRunner) create(ctx context.Context, agentType domain.AgentType, jobID string, targetID *string, params domain.JSONMap) (*domain.AgentRun, error) {
	if _, ok := r.spec(agentType); !ok {
		return nil, domain.NewValidationError("agent_type", "unknown agent %q", agentType)
	}
	run := &domain.AgentRun{
		ID:        uuid.NewString(),
		JobID:     jobID,
		AgentType: agentType,
		TargetID:  targetID,
		Status:    domain.AgentRunPending,
		Params:    params,
	}
	if err := r.store.Runs.Create(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// Execute claims a Pending run and performs it. A run that is already Running
// or finalized is left alone, which makes redelivered tasks no-ops.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - runID: run to execute.
//   - attempt: delivery attempt, stored on the run.
//   - final: whether a retryable failure will not be retried.
// Returns:
//   - error: the agent error when the run failed; nil otherwise.
func (r *AgentRunner) Execute(ctx context.Context, runID string, attempt int, final bool) error {
	run, err := r.store.Runs.GetByID(ctx, runID)
	if err != nil {
		if repository.IsNotFound(err) {
			logger.CtxWarn(ctx, "Agent run %s no longer exists, dropping task", runID)
			return nil
		}
		return domain.NewToolError("store", "load agent run", err)
	}
	ctx = logger.SetJobID(ctx, run.JobID)
	ctx = logger.WithField(ctx, logger.FieldAgentType, string(run.AgentType))

	spec, ok := r.spec(run.AgentType)
	if !ok {
		cause := domain.NewValidationError("agent_type", "unknown agent %q", run.AgentType)
		r.finalizeFailure(ctx, run, AgentSpec{}, []domain.AgentRunStatus{domain.AgentRunPending}, cause)
		return cause
	}

	now := time.Now()
	claimed, err := r.store.Runs.Transition(ctx, run.ID, []domain.AgentRunStatus{domain.AgentRunPending}, domain.AgentRunRunning,
		map[string]interface{}{"started_at": now, "attempt": attempt, "error_message": nil})
	if err != nil {
		return domain.NewToolError("store", "claim agent run", err)
	}
	if !claimed {
		logger.CtxInfo(ctx, "Agent run %s is %s, nothing to do", run.ID, run.Status)
		return nil
	}
	run.Status = domain.AgentRunRunning
	run.StartedAt = &now
	run.Attempt = attempt
	metrics.IncAgentRun(string(run.AgentType), string(domain.AgentRunRunning))

	start := time.Now()
	result, err := r.invoke(ctx, run, spec)
	elapsed := time.Since(start)
	if err == nil {
		r.finalizeSuccess(ctx, run, spec, result, elapsed)
		return nil
	}

	if domain.IsRetryable(err) && !final {
		if _, terr := r.store.Runs.Transition(ctx, run.ID, []domain.AgentRunStatus{domain.AgentRunRunning}, domain.AgentRunPending,
			map[string]interface{}{"error_message": err.Error()}); terr != nil {
			logger.CtxError(ctx, "Failed to return agent run to Pending: %v", terr)
		}
		logger.With(logger.Fields{logger.FieldDurationMs: elapsed.Milliseconds()}).
			Warn(ctx, "Agent run attempt %d failed, will retry: %v", attempt, err)
		return err
	}

	r.finalizeFailure(ctx, run, spec, []domain.AgentRunStatus{domain.AgentRunRunning}, err)
	return err
}

// invoke runs the OnStart hook and Execute, turning panics into UnexpectedError.
func (r *AgentRunner) invoke(ctx context.Context, run *domain.AgentRun, spec AgentSpec) (result *AgentResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.CtxError(ctx, "Agent %s panicked: %v\n%s", run.AgentType, rec, debug.Stack())
			err = &domain.UnexpectedError{Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	if spec.OnStart != nil {
		if err := spec.OnStart(ctx, run); err != nil {
			return nil, err
		}
	}
	if spec.Execute == nil {
		return nil, &domain.UnexpectedError{Err: fmt.Errorf("agent %s has no executor", run.AgentType)}
	}
	result, err = spec.Execute(ctx, run)
	if err == nil && result == nil {
		result = &AgentResult{}
	}
	return result, err
}

func (r *AgentRunner) finalizeSuccess(ctx context.Context, run *domain.AgentRun, spec AgentSpec, result *AgentResult, elapsed time.Duration) {
	summary := result.Summary
	moved, err := r.store.Runs.Transition(ctx, run.ID, []domain.AgentRunStatus{domain.AgentRunRunning}, domain.AgentRunSuccess,
		map[string]interface{}{"result_summary": summary, "finished_at": time.Now(), "error_message": nil})
	if err != nil {
		logger.CtxError(ctx, "Failed to record agent run success: %v", err)
		return
	}
	if !moved {
		logger.CtxWarn(ctx, "Agent run %s was finalized elsewhere, skipping success callback", run.ID)
		return
	}
	run.Status = domain.AgentRunSuccess
	run.ResultSummary = &summary
	metrics.IncAgentRun(string(run.AgentType), string(domain.AgentRunSuccess))

	logger.With(logger.Fields{logger.FieldDurationMs: elapsed.Milliseconds()}).
		Info(ctx, "Agent run succeeded: %s", summary)

	if spec.OnSuccess != nil {
		if err := spec.OnSuccess(ctx, run, result); err != nil {
			logger.CtxError(ctx, "Agent success callback failed: %v", err)
		}
	}
}

// finalizeFailure records the run as Failed and fires OnFailure. The error
// message is stored verbatim.
func (r *AgentRunner) finalizeFailure(ctx context.Context, run *domain.AgentRun, spec AgentSpec, from []domain.AgentRunStatus, cause error) bool {
	msg := cause.Error()
	moved, err := r.store.Runs.Transition(ctx, run.ID, from, domain.AgentRunFailed,
		map[string]interface{}{"error_message": msg, "finished_at": time.Now()})
	if err != nil {
		logger.CtxError(ctx, "Failed to record agent run failure: %v", err)
		return false
	}
	if !moved {
		return false
	}
	run.Status = domain.AgentRunFailed
	run.ErrorMessage = &msg
	metrics.IncAgentRun(string(run.AgentType), string(domain.AgentRunFailed))
	logger.CtxError(ctx, "Agent run failed: %s", msg)

	if spec.OnFailure != nil {
		if err := spec.OnFailure(ctx, run, cause); err != nil {
			logger.CtxError(ctx, "Agent failure callback failed: %v", err)
		}
	}
	return true
}

// Fail marks a Pending or Running run as Failed through the normal failure
// path. It reports whether the run was still active.
func (r *AgentRunner) Fail(ctx context.Context, run *domain.AgentRun, cause error) bool {
	spec, _ := r.spec(run.AgentType)
	ctx = logger.SetRunID(logger.SetJobID(ctx, run.JobID), run.ID)
	return r.finalizeFailure(ctx, run, spec, []domain.AgentRunStatus{domain.AgentRunPending, domain.AgentRunRunning}, cause)
}

// HandleTask is the queue handler for agent.run.
func (r *AgentRunner) HandleTask(ctx context.Context, task *queue.Task) error {
	var p agentRunPayload
	if err := task.Decode(&p); err != nil {
		return err
	}
	if p.RunID == "" {
		return errors.New("agent.run payload has no run_id")
	}
	ctx = logger.SetComponent(logger.SetRunID(ctx, p.RunID), "agent_runner")
	return r.Execute(ctx, p.RunID, task.Attempt, task.LastAttempt())
}
