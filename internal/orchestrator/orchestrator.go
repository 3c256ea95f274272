// Package orchestrator is the message-processing and phase-pipeline
// engine. It consumes inbound client messages in arrival order, mutates
// the session's ConnectionState, drives the three-phase pipeline for the
// active task on a separate goroutine, and persists everything to the
// durable store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/basket/taskpipe/internal/bus"
	"github.com/basket/taskpipe/internal/otel"
	"github.com/basket/taskpipe/internal/persistence"
	"github.com/basket/taskpipe/internal/phase"
	"github.com/basket/taskpipe/internal/session"
)

// Options carries the optional collaborators.
type Options struct {
	// Validator, when set, checks every phase result against a JSON
	// Schema. Strict validators fail the phase; lax ones log.
	Validator *phase.ResultValidator
	// Provider supplies tracing. Nil disables spans.
	Provider *otel.Provider
	// Metrics records task and phase counters. Nil disables.
	Metrics *otel.Metrics
	// ExpertEnabled and HIL are passed through to phase runs.
	ExpertEnabled bool
	HIL           bool
}

// Orchestrator dispatches inbound messages and drives task pipelines.
// One Orchestrator serves all sessions; per-session state lives in the
// registry.
type Orchestrator struct {
	store    *persistence.Store
	registry *session.Registry
	bus      *bus.Bus
	runner   phase.Runner
	logger   *slog.Logger
	opts     Options
}

func New(store *persistence.Store, registry *session.Registry, eventBus *bus.Bus, runner phase.Runner, logger *slog.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		registry: registry,
		bus:      eventBus,
		runner:   runner,
		logger:   logger.With("component", "orchestrator"),
		opts:     opts,
	}
}

// Registry exposes the connection registry (used by the gateway's health
// endpoint).
func (o *Orchestrator) Registry() *session.Registry {
	return o.registry
}

// Store exposes the durable store for the read API.
func (o *Orchestrator) Store() *persistence.Store {
	return o.store
}

// HandleMessage processes one inbound message for clientID. Called from
// the connection's read loop, so messages for one session are handled
// strictly in arrival order.
func (o *Orchestrator) HandleMessage(ctx context.Context, clientID string, msg Message) {
	entry, ok := o.registry.Lookup(clientID)
	if !ok {
		o.logger.Warn("message for unknown client", "client_id", clientID, "msg_type", msg.Type)
		return
	}

	if o.opts.Provider != nil {
		spanCtx, span := o.opts.Provider.StartMessageSpan(ctx, clientID, msg.Type)
		defer span.End()
		ctx = spanCtx
	}
	if o.opts.Metrics != nil {
		o.opts.Metrics.MessagesIn.Add(ctx, 1)
	}

	switch msg.Type {
	case MsgPing:
		o.send(ctx, clientID, entry, NewPong())
	case MsgTask:
		o.handleTask(ctx, clientID, entry, msg)
	case MsgMarkComplete:
		o.handleMarkComplete(ctx, clientID, entry, msg)
	case MsgGetTaskStatus:
		o.handleGetTaskStatus(ctx, clientID, entry, msg)
	case MsgGetTaskLogs:
		o.handleGetTaskLogs(ctx, clientID, entry, msg)
	case MsgCancel:
		o.handleCancel(ctx, clientID, entry, msg)
	case MsgConfigUpdate:
		o.handleConfigUpdate(ctx, clientID, entry, msg)
	default:
		o.send(ctx, clientID, entry, NewError(fmt.Sprintf("unknown message type: %s", msg.Type), ""))
	}
}

func (o *Orchestrator) handleTask(ctx context.Context, clientID string, entry *session.Entry, msg Message) {
	if msg.Content == "" {
		o.send(ctx, clientID, entry, NewError("task content is required", ""))
		return
	}
	taskID := msg.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}

	if err := o.store.UpsertTask(ctx, taskID, msg.Content, clientID, persistence.StatusPending, nil); err != nil {
		o.logger.Error("persist new task", "client_id", clientID, "task_id", taskID, "error", err)
		o.send(ctx, clientID, entry, NewError("failed to persist task", taskID))
		return
	}
	o.appendLog(ctx, taskID, clientID, "task created: "+msg.Content, persistence.LogCreate)

	o.send(ctx, clientID, entry, NewTaskReceived(taskID, msg.Content))
	o.bus.Publish(bus.TopicTaskReceived, bus.TaskEvent{ThreadID: clientID, TaskID: taskID, Status: persistence.StatusPending})

	wasProcessing := entry.State.Processing()
	position := entry.State.Enqueue(session.QueuedTask{ID: taskID, Content: msg.Content})
	if wasProcessing {
		o.appendLog(ctx, taskID, clientID, fmt.Sprintf("queued at position %d", position), persistence.LogQueue)
		o.send(ctx, clientID, entry, NewTaskQueued(taskID, position))
		o.bus.Publish(bus.TopicTaskQueued, bus.TaskEvent{ThreadID: clientID, TaskID: taskID, Status: persistence.StatusPending, Position: position})
		// The driver may have drained the queue and exited between the
		// check above and the enqueue; restart it if so. ClaimNext makes
		// a redundant driver a no-op.
		if !entry.State.Processing() {
			o.startPipeline(ctx, clientID)
		}
		return
	}
	o.startPipeline(ctx, clientID)
}

func (o *Orchestrator) handleMarkComplete(ctx context.Context, clientID string, entry *session.Entry, msg Message) {
	if msg.TaskID == "" {
		o.send(ctx, clientID, entry, NewError("task_id is required", ""))
		return
	}
	err := o.store.CompleteTask(ctx, msg.TaskID, clientID, nil)
	if errors.Is(err, persistence.ErrNotFound) {
		o.send(ctx, clientID, entry, NewError("task not found: "+msg.TaskID, msg.TaskID))
		return
	}
	if err != nil {
		o.logger.Error("complete task", "client_id", clientID, "task_id", msg.TaskID, "error", err)
		o.send(ctx, clientID, entry, NewError("failed to mark task complete", msg.TaskID))
		return
	}
	entry.State.MarkComplete(msg.TaskID)
	o.appendLog(ctx, msg.TaskID, clientID, "task marked complete by client", persistence.LogComplete)
	o.send(ctx, clientID, entry, NewTaskMarkedComplete(msg.TaskID))
	o.bus.Publish(bus.TopicTaskCompleted, bus.TaskEvent{ThreadID: clientID, TaskID: msg.TaskID, Status: persistence.StatusCompleted})

	if entry.State.HasPending() {
		o.startPipeline(ctx, clientID)
	}
}

func (o *Orchestrator) handleGetTaskStatus(ctx context.Context, clientID string, entry *session.Entry, msg Message) {
	if msg.TaskID == "" {
		snap := entry.State.Snapshot()
		recent, err := o.store.ListTasks(ctx, clientID, 20, 0, "")
		if err != nil {
			o.logger.Error("list recent tasks", "client_id", clientID, "error", err)
		}
		o.send(ctx, clientID, entry, NewAllTaskStatus(snap, recent))
		return
	}

	if entry.State.IsActive(msg.TaskID) {
		evt := NewTaskStatus(msg.TaskID, persistence.StatusInProgress)
		evt.Phase = entry.State.CurrentPhase()
		o.send(ctx, clientID, entry, evt)
		return
	}
	if pos := entry.State.QueuePosition(msg.TaskID); pos > 0 {
		evt := NewTaskStatus(msg.TaskID, "queued")
		evt.Position = pos
		o.send(ctx, clientID, entry, evt)
		return
	}
	task, err := o.store.GetTask(ctx, msg.TaskID, clientID)
	if errors.Is(err, persistence.ErrNotFound) {
		o.send(ctx, clientID, entry, NewError("task not found: "+msg.TaskID, msg.TaskID))
		return
	}
	if err != nil {
		o.logger.Error("get task", "client_id", clientID, "task_id", msg.TaskID, "error", err)
		o.send(ctx, clientID, entry, NewError("failed to look up task", msg.TaskID))
		return
	}
	o.send(ctx, clientID, entry, NewTaskStatus(task.TaskID, task.Status))
}

func (o *Orchestrator) handleGetTaskLogs(ctx context.Context, clientID string, entry *session.Entry, msg Message) {
	if msg.TaskID == "" {
		o.send(ctx, clientID, entry, NewError("task_id is required", ""))
		return
	}
	logs, err := o.store.ListLogs(ctx, msg.TaskID, clientID, msg.Limit, msg.Offset, msg.MessageType)
	if err != nil {
		o.logger.Error("list task logs", "client_id", clientID, "task_id", msg.TaskID, "error", err)
		o.send(ctx, clientID, entry, NewError("failed to fetch task logs", msg.TaskID))
		return
	}
	o.send(ctx, clientID, entry, NewTaskLogs(msg.TaskID, logs))
}

func (o *Orchestrator) handleCancel(ctx context.Context, clientID string, entry *session.Entry, msg Message) {
	if msg.TaskID == "" {
		o.cancelAll(ctx, clientID, entry)
		return
	}

	wasActive := entry.State.IsActive(msg.TaskID)
	if !entry.State.Cancel(msg.TaskID) {
		o.send(ctx, clientID, entry, NewError("task not found: "+msg.TaskID, msg.TaskID))
		return
	}
	o.persistCancelled(ctx, clientID, msg.TaskID)
	o.send(ctx, clientID, entry, NewTaskCancelled(msg.TaskID))
	o.bus.Publish(bus.TopicTaskCancelled, bus.TaskEvent{ThreadID: clientID, TaskID: msg.TaskID, Status: persistence.StatusCancelled})
	if o.opts.Metrics != nil {
		o.opts.Metrics.TasksCancelled.Add(ctx, 1)
	}

	// Cancelling the active task frees the slot; the superseded pipeline
	// driver notices at its next phase boundary and exits, so a fresh
	// driver takes over the remaining queue.
	if wasActive && entry.State.HasPending() {
		o.startPipeline(ctx, clientID)
	}
}

func (o *Orchestrator) cancelAll(ctx context.Context, clientID string, entry *session.Entry) {
	active, drained := entry.State.CancelAll()
	var cancelled []string
	if active != "" {
		cancelled = append(cancelled, active)
		o.persistCancelled(ctx, clientID, active)
	}
	for _, task := range drained {
		cancelled = append(cancelled, task.ID)
		o.persistCancelled(ctx, clientID, task.ID)
	}
	o.send(ctx, clientID, entry, NewAllTasksCancelled(cancelled))
	for _, id := range cancelled {
		o.bus.Publish(bus.TopicTaskCancelled, bus.TaskEvent{ThreadID: clientID, TaskID: id, Status: persistence.StatusCancelled})
	}
	if o.opts.Metrics != nil && len(cancelled) > 0 {
		o.opts.Metrics.TasksCancelled.Add(ctx, int64(len(cancelled)))
	}
}

func (o *Orchestrator) persistCancelled(ctx context.Context, clientID, taskID string) {
	if err := o.store.UpsertTask(ctx, taskID, "", clientID, persistence.StatusCancelled, nil); err != nil {
		o.logger.Error("persist cancellation", "client_id", clientID, "task_id", taskID, "error", err)
	}
	o.appendLog(ctx, taskID, clientID, "task cancelled", persistence.LogCancel)
}

func (o *Orchestrator) handleConfigUpdate(ctx context.Context, clientID string, entry *session.Entry, msg Message) {
	if msg.Config == nil {
		o.send(ctx, clientID, entry, NewError("config payload is required", ""))
		return
	}
	model, researchOnly := entry.State.UpdateConfig(msg.Config.Model, msg.Config.ResearchOnly)
	o.logger.Info("session config updated", "client_id", clientID, "model", model, "research_only", researchOnly)
	o.send(ctx, clientID, entry, NewConfigUpdated(model, researchOnly))
}

// send delivers one event to the client. A failed send is treated as an
// implicit disconnect: logged and the connection removed from the
// registry, no further sends attempted.
func (o *Orchestrator) send(ctx context.Context, clientID string, entry *session.Entry, event any) {
	if err := entry.Transport.Send(ctx, event); err != nil {
		o.logger.Warn("send failed, dropping connection", "client_id", clientID, "error", err)
		o.registry.RemoveEntry(clientID, entry)
		return
	}
	if o.opts.Metrics != nil {
		o.opts.Metrics.EventsOut.Add(ctx, 1)
	}
}

func (o *Orchestrator) appendLog(ctx context.Context, taskID, clientID, message, messageType string) {
	if err := o.store.AppendLog(ctx, taskID, clientID, message, messageType); err != nil {
		o.logger.Error("append task log", "client_id", clientID, "task_id", taskID, "error", err)
	}
}
