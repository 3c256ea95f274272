package orchestrator

import (
	"github.com/basket/taskpipe/internal/persistence"
	"github.com/basket/taskpipe/internal/session"
)

// Outbound event types.
const (
	EvtConnectionEstablished = "connection_established"
	EvtPong                  = "pong"
	EvtTaskReceived          = "task_received"
	EvtTaskQueued            = "task_queued"
	EvtPhaseStarted          = "phase_started"
	EvtTaskComplete          = "task_complete"
	EvtTaskMarkedComplete    = "task_marked_complete"
	EvtTaskCancelled         = "task_cancelled"
	EvtAllTasksCancelled     = "all_tasks_cancelled"
	EvtTaskStatus            = "task_status"
	EvtAllTaskStatus         = "all_task_status"
	EvtTaskLogs              = "task_logs"
	EvtConfigUpdated         = "config_updated"
	EvtError                 = "error"
)

// ConnectionEstablishedEvent greets a freshly accepted connection with
// its effective client id.
type ConnectionEstablishedEvent struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
}

func NewConnectionEstablished(clientID string) ConnectionEstablishedEvent {
	return ConnectionEstablishedEvent{Type: EvtConnectionEstablished, ClientID: clientID}
}

type PongEvent struct {
	Type string `json:"type"`
}

func NewPong() PongEvent {
	return PongEvent{Type: EvtPong}
}

// TaskSummary is the task shape embedded in task_received.
type TaskSummary struct {
	TaskID  string `json:"task_id"`
	Content string `json:"content"`
	Status  string `json:"status"`
}

type TaskReceivedEvent struct {
	Type   string      `json:"type"`
	TaskID string      `json:"task_id"`
	Task   TaskSummary `json:"task"`
}

func NewTaskReceived(taskID, content string) TaskReceivedEvent {
	return TaskReceivedEvent{
		Type:   EvtTaskReceived,
		TaskID: taskID,
		Task:   TaskSummary{TaskID: taskID, Content: content, Status: persistence.StatusPending},
	}
}

type TaskQueuedEvent struct {
	Type     string `json:"type"`
	TaskID   string `json:"task_id"`
	Position int    `json:"position"`
}

func NewTaskQueued(taskID string, position int) TaskQueuedEvent {
	return TaskQueuedEvent{Type: EvtTaskQueued, TaskID: taskID, Position: position}
}

type PhaseStartedEvent struct {
	Type   string `json:"type"`
	Phase  string `json:"phase"`
	TaskID string `json:"task_id"`
}

func NewPhaseStarted(phase, taskID string) PhaseStartedEvent {
	return PhaseStartedEvent{Type: EvtPhaseStarted, Phase: phase, TaskID: taskID}
}

// PhaseCompleteEvent is emitted as research_complete, planning_complete
// or implementation_complete depending on the phase that finished.
type PhaseCompleteEvent struct {
	Type    string `json:"type"`
	TaskID  string `json:"task_id"`
	Content any    `json:"content"`
}

func NewPhaseComplete(phase, taskID string, result any) PhaseCompleteEvent {
	return PhaseCompleteEvent{Type: phase + "_complete", TaskID: taskID, Content: result}
}

type TaskCompleteEvent struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}

func NewTaskComplete(taskID string) TaskCompleteEvent {
	return TaskCompleteEvent{Type: EvtTaskComplete, TaskID: taskID}
}

type TaskMarkedCompleteEvent struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}

func NewTaskMarkedComplete(taskID string) TaskMarkedCompleteEvent {
	return TaskMarkedCompleteEvent{Type: EvtTaskMarkedComplete, TaskID: taskID}
}

type TaskCancelledEvent struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}

func NewTaskCancelled(taskID string) TaskCancelledEvent {
	return TaskCancelledEvent{Type: EvtTaskCancelled, TaskID: taskID}
}

type AllTasksCancelledEvent struct {
	Type      string   `json:"type"`
	Cancelled []string `json:"cancelled_task_ids"`
}

func NewAllTasksCancelled(taskIDs []string) AllTasksCancelledEvent {
	return AllTasksCancelledEvent{Type: EvtAllTasksCancelled, Cancelled: taskIDs}
}

// TaskStatusEvent answers get_task_status for a single task.
type TaskStatusEvent struct {
	Type     string `json:"type"`
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Phase    string `json:"phase,omitempty"`
	Position int    `json:"position,omitempty"`
}

func NewTaskStatus(taskID, status string) TaskStatusEvent {
	return TaskStatusEvent{Type: EvtTaskStatus, TaskID: taskID, Status: status}
}

// QueuedTaskStatus is one queue entry in all_task_status, with its
// 1-based position.
type QueuedTaskStatus struct {
	TaskID   string `json:"task_id"`
	Content  string `json:"content"`
	Position int    `json:"position"`
}

// AllTaskStatusEvent answers get_task_status without a task id: a
// snapshot of the session plus recent history.
type AllTaskStatusEvent struct {
	Type         string             `json:"type"`
	CurrentTask  string             `json:"current_task,omitempty"`
	CurrentPhase string             `json:"current_phase,omitempty"`
	QueuedTasks  []QueuedTaskStatus `json:"queued_tasks"`
	RecentTasks  []persistence.Task `json:"recent_tasks"`
}

func NewAllTaskStatus(snap session.StatusSnapshot, recent []persistence.Task) AllTaskStatusEvent {
	queued := make([]QueuedTaskStatus, 0, len(snap.Queued))
	for i, task := range snap.Queued {
		queued = append(queued, QueuedTaskStatus{TaskID: task.ID, Content: task.Content, Position: i + 1})
	}
	if recent == nil {
		recent = []persistence.Task{}
	}
	return AllTaskStatusEvent{
		Type:         EvtAllTaskStatus,
		CurrentTask:  snap.CurrentTask,
		CurrentPhase: snap.CurrentPhase,
		QueuedTasks:  queued,
		RecentTasks:  recent,
	}
}

type TaskLogsEvent struct {
	Type   string                 `json:"type"`
	TaskID string                 `json:"task_id"`
	Logs   []persistence.LogEntry `json:"logs"`
}

func NewTaskLogs(taskID string, logs []persistence.LogEntry) TaskLogsEvent {
	if logs == nil {
		logs = []persistence.LogEntry{}
	}
	return TaskLogsEvent{Type: EvtTaskLogs, TaskID: taskID, Logs: logs}
}

type ConfigUpdatedEvent struct {
	Type         string `json:"type"`
	Model        string `json:"model"`
	ResearchOnly bool   `json:"research_only"`
}

func NewConfigUpdated(model string, researchOnly bool) ConfigUpdatedEvent {
	return ConfigUpdatedEvent{Type: EvtConfigUpdated, Model: model, ResearchOnly: researchOnly}
}

// ErrorEvent reports a validation, not-found, or pipeline failure to the
// client. TaskID is set when the error is task-scoped.
type ErrorEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	TaskID  string `json:"task_id,omitempty"`
}

func NewError(content, taskID string) ErrorEvent {
	return ErrorEvent{Type: EvtError, Content: content, TaskID: taskID}
}
