package orchestrator

// Inbound message types. The dispatch switch in HandleMessage is
// exhaustive over these; anything else is answered with an error event.
const (
	MsgPing          = "ping"
	MsgTask          = "task"
	MsgMarkComplete  = "mark_complete"
	MsgGetTaskStatus = "get_task_status"
	MsgGetTaskLogs   = "get_task_logs"
	MsgCancel        = "cancel"
	MsgConfigUpdate  = "config_update"
)

// Message is the closed inbound envelope. Every frame a client sends
// decodes into this; the type tag selects which fields are meaningful.
type Message struct {
	Type        string         `json:"type"`
	Content     string         `json:"content,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`
	Limit       int            `json:"limit,omitempty"`
	Offset      int            `json:"offset,omitempty"`
	MessageType string         `json:"message_type,omitempty"`
	Config      *ConfigPayload `json:"config,omitempty"`
}

// ConfigPayload carries the two whitelisted per-connection settings.
// Nil pointers mean "leave unchanged".
type ConfigPayload struct {
	Model        *string `json:"model,omitempty"`
	ResearchOnly *bool   `json:"research_only,omitempty"`
}
