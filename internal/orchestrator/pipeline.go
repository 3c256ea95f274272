package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/taskpipe/internal/bus"
	"github.com/basket/taskpipe/internal/persistence"
	"github.com/basket/taskpipe/internal/phase"
	"github.com/basket/taskpipe/internal/session"
)

// startPipeline spawns the per-session pipeline driver. The driver is an
// explicit loop (claim next, run, loop) rather than recursive self-calls,
// so long queues do not grow the stack.
func (o *Orchestrator) startPipeline(ctx context.Context, clientID string) {
	go o.runPipeline(ctx, clientID)
}

func (o *Orchestrator) runPipeline(ctx context.Context, clientID string) {
	entry, ok := o.registry.Lookup(clientID)
	if !ok {
		return
	}
	for {
		if ctx.Err() != nil {
			return
		}
		task, ok := entry.State.ClaimNext()
		if !ok {
			return
		}
		if superseded := o.runTask(ctx, clientID, entry, task); superseded {
			// The active task was cancelled out from under this driver.
			// A fresh driver owns the remaining queue; exit without
			// claiming anything further.
			return
		}
	}
}

// runTask drives one claimed task through its phases. Returns true when
// the driver has been superseded by a cancellation and must exit.
func (o *Orchestrator) runTask(ctx context.Context, clientID string, entry *session.Entry, task session.QueuedTask) bool {
	state := entry.State
	model, researchOnly := state.Settings()
	settings := phase.Settings{
		Model:         model,
		ExpertEnabled: o.opts.ExpertEnabled,
		ResearchOnly:  researchOnly,
		HIL:           o.opts.HIL,
	}

	if o.opts.Provider != nil {
		taskCtx, span := o.opts.Provider.StartTaskSpan(ctx, clientID, task.ID)
		defer span.End()
		ctx = taskCtx
	}
	started := time.Now()

	if err := o.store.UpsertTask(ctx, task.ID, task.Content, clientID, persistence.StatusInProgress, nil); err != nil {
		o.logger.Error("persist in_progress", "client_id", clientID, "task_id", task.ID, "error", err)
	}

	phases := phase.Sequence(researchOnly)
	ran := make([]string, 0, len(phases))
	var previous any

	for _, p := range phases {
		// Phase boundary: a cancelled task is abandoned here, before any
		// further work, emit, or persist.
		if !state.IsActive(task.ID) {
			o.logger.Info("task no longer active, discarding", "client_id", clientID, "task_id", task.ID, "phase", p)
			return true
		}

		state.SetPhase(string(p))
		o.appendLog(ctx, task.ID, clientID, fmt.Sprintf("starting %s phase", p), persistence.LogPhaseChange)
		o.send(ctx, clientID, entry, NewPhaseStarted(string(p), task.ID))
		o.bus.Publish(bus.TopicPhaseStarted, bus.PhaseEvent{ThreadID: clientID, TaskID: task.ID, Phase: string(p)})

		result, err := o.runOnePhase(ctx, clientID, task, p, previous, settings)

		// The collaborator call is not interrupted by cancellation; its
		// result for a now-cancelled task must be discarded, never
		// emitted or persisted.
		if !state.IsActive(task.ID) {
			o.logger.Info("discarding result of cancelled task", "client_id", clientID, "task_id", task.ID, "phase", p)
			return true
		}
		if err != nil {
			o.failTask(ctx, clientID, entry, task, p, err, started)
			return false
		}

		if err := o.store.PutPhaseResult(ctx, clientID, task.ID, string(p), result); err != nil {
			// Serialization failures during phase-result persistence are
			// pipeline errors for this task only.
			o.failTask(ctx, clientID, entry, task, p, err, started)
			return false
		}
		o.appendLog(ctx, task.ID, clientID, fmt.Sprintf("%s phase complete", p), persistence.LogPhaseComplete)
		o.send(ctx, clientID, entry, NewPhaseComplete(string(p), task.ID, result))
		o.bus.Publish(bus.TopicPhaseComplete, bus.PhaseEvent{ThreadID: clientID, TaskID: task.ID, Phase: string(p), Result: result})

		ran = append(ran, string(p))
		previous = result
	}

	if !state.IsActive(task.ID) {
		return true
	}

	o.appendLog(ctx, task.ID, clientID, "task completed", persistence.LogComplete)
	metadata := map[string]any{"phases": ran, "model": model}
	if err := o.store.CompleteTask(ctx, task.ID, clientID, metadata); err != nil {
		o.logger.Error("persist completion", "client_id", clientID, "task_id", task.ID, "error", err)
	}
	o.send(ctx, clientID, entry, NewTaskComplete(task.ID))
	state.MarkComplete(task.ID)
	o.bus.Publish(bus.TopicTaskCompleted, bus.TaskEvent{ThreadID: clientID, TaskID: task.ID, Status: persistence.StatusCompleted})
	if o.opts.Metrics != nil {
		o.opts.Metrics.RecordTask(ctx, clientID, "completed", time.Since(started))
	}
	return false
}

// runOnePhase invokes the collaborator and applies optional result
// validation.
func (o *Orchestrator) runOnePhase(ctx context.Context, clientID string, task session.QueuedTask, p phase.Phase, previous any, settings phase.Settings) (any, error) {
	phaseStart := time.Now()
	if o.opts.Provider != nil {
		phaseCtx, span := o.opts.Provider.StartPhaseSpan(ctx, clientID, task.ID, string(p))
		defer span.End()
		ctx = phaseCtx
	}

	result, err := o.runner.RunPhase(ctx, p, phase.Input{
		ThreadID: clientID,
		TaskID:   task.ID,
		Content:  task.Content,
		Previous: previous,
		Store:    o.store,
	}, settings)
	if o.opts.Metrics != nil {
		o.opts.Metrics.RecordPhase(ctx, string(p), time.Since(phaseStart))
	}
	if err != nil {
		return nil, err
	}

	if o.opts.Validator != nil {
		if verr := o.opts.Validator.Validate(p, result); verr != nil {
			if o.opts.Validator.Strict() {
				return nil, verr
			}
			o.logger.Warn("phase result failed validation", "client_id", clientID, "task_id", task.ID, "phase", p, "error", verr)
		}
	}
	return result, nil
}

// failTask handles a phase error: the pipeline aborts for this task only,
// the slot frees up, and the driver moves on to the next queued task. One
// task's failure never stalls the queue.
func (o *Orchestrator) failTask(ctx context.Context, clientID string, entry *session.Entry, task session.QueuedTask, p phase.Phase, cause error, started time.Time) {
	o.logger.Error("phase failed", "client_id", clientID, "task_id", task.ID, "phase", p, "error", cause)
	o.appendLog(ctx, task.ID, clientID, fmt.Sprintf("error in %s phase: %s", p, cause), persistence.LogError)

	metadata := map[string]any{"phase": string(p), "error": cause.Error()}
	if errors.Is(cause, persistence.ErrNotSerializable) {
		metadata["kind"] = "serialization"
	}
	if err := o.store.UpsertTask(ctx, task.ID, "", clientID, persistence.StatusError, metadata); err != nil {
		o.logger.Error("persist error status", "client_id", clientID, "task_id", task.ID, "error", err)
	}
	o.send(ctx, clientID, entry, NewError(fmt.Sprintf("task failed during %s: %s", p, cause), task.ID))
	entry.State.MarkComplete(task.ID)
	o.bus.Publish(bus.TopicTaskErrored, bus.TaskEvent{ThreadID: clientID, TaskID: task.ID, Status: persistence.StatusError, Error: cause.Error()})
	if o.opts.Metrics != nil {
		o.opts.Metrics.RecordTask(ctx, clientID, "error", time.Since(started))
	}
}
