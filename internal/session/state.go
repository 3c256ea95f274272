// Package session holds the transient per-connection state and the
// registry of live connections. ConnectionState is the authoritative
// in-memory view of what a client is doing right now; the durable store
// is the historical record.
package session

import (
	"sync"
	"time"
)

// QueuedTask is one submitted task waiting in (or claimed from) a
// session's FIFO queue.
type QueuedTask struct {
	ID          string
	Content     string
	SubmittedAt time.Time
}

// StatusSnapshot is a point-in-time copy of a session's queue and
// pointers, taken under the state lock.
type StatusSnapshot struct {
	ClientID     string
	CurrentTask  string
	CurrentPhase string
	Processing   bool
	Queued       []QueuedTask
	Completed    []string
	Model        string
	ResearchOnly bool
}

// State is the per-connection orchestration state. All fields are guarded
// by mu; handler and pipeline goroutines touch it concurrently.
type State struct {
	mu sync.Mutex

	clientID     string
	model        string
	researchOnly bool

	currentTaskID string
	currentPhase  string
	processing    bool

	queue     []QueuedTask
	completed []string
	metadata  map[string]any
}

// NewState creates the state for one connection with the given defaults.
func NewState(clientID, model string, researchOnly bool) *State {
	return &State{
		clientID:     clientID,
		model:        model,
		researchOnly: researchOnly,
		metadata:     make(map[string]any),
	}
}

func (s *State) ClientID() string {
	return s.clientID
}

// Enqueue appends a task to the queue and returns its 1-based position
// within the queue at enqueue time.
func (s *State) Enqueue(task QueuedTask) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, task)
	return len(s.queue)
}

// PeekNext returns the head of the queue without removing it.
func (s *State) PeekNext() (QueuedTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return QueuedTask{}, false
	}
	return s.queue[0], true
}

// Dequeue removes and returns the head of the queue.
func (s *State) Dequeue() (QueuedTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return QueuedTask{}, false
	}
	task := s.queue[0]
	s.queue = s.queue[1:]
	return task, true
}

// ClaimNext atomically claims the head of the queue as the active task.
// Returns false when the session is already processing or the queue is
// empty. This is the idle-to-processing transition: the claimed task is
// removed from the queue and set as current in the same critical section,
// so the task is never both queued and active.
func (s *State) ClaimNext() (QueuedTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing || len(s.queue) == 0 {
		return QueuedTask{}, false
	}
	task := s.queue[0]
	s.queue = s.queue[1:]
	s.currentTaskID = task.ID
	s.currentPhase = ""
	s.processing = true
	return task, true
}

// MarkComplete clears the active pointers and records the task as
// completed. No-op unless taskID is the current task.
func (s *State) MarkComplete(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if taskID == "" || taskID != s.currentTaskID {
		return false
	}
	s.currentTaskID = ""
	s.currentPhase = ""
	s.processing = false
	s.completed = append(s.completed, taskID)
	return true
}

// Cancel removes taskID from the session. If it is the active task the
// pointers are cleared (and the task is NOT appended to the completed
// list, distinguishing cancelled from done); if it is queued it is
// removed from the queue. Returns false when the task is not found in
// either place.
func (s *State) Cancel(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if taskID != "" && taskID == s.currentTaskID {
		s.currentTaskID = ""
		s.currentPhase = ""
		s.processing = false
		return true
	}
	for i, task := range s.queue {
		if task.ID == taskID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

// CancelAll clears the active pointers and drains the queue, returning
// the cancelled active task id (empty if none) and the drained queue
// entries so the caller can persist their cancellation.
func (s *State) CancelAll() (active string, drained []QueuedTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	active = s.currentTaskID
	s.currentTaskID = ""
	s.currentPhase = ""
	s.processing = false
	drained = s.queue
	s.queue = nil
	return active, drained
}

// HasPending reports whether the queue is non-empty.
func (s *State) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > 0
}

// QueuePosition returns the 1-based position of taskID in the queue, or
// 0 when it is not queued.
func (s *State) QueuePosition(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, task := range s.queue {
		if task.ID == taskID {
			return i + 1
		}
	}
	return 0
}

// IsActive reports whether taskID is the currently processing task. The
// pipeline checks this at every phase boundary so a cancelled task's late
// results are discarded.
func (s *State) IsActive(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing && taskID != "" && taskID == s.currentTaskID
}

// SetPhase records the active task's current phase.
func (s *State) SetPhase(phase string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentPhase = phase
}

// CurrentPhase returns the active task's phase ("" when idle).
func (s *State) CurrentPhase() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentPhase
}

// CurrentTaskID returns the active task id ("" when idle).
func (s *State) CurrentTaskID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTaskID
}

// Processing reports whether a task is currently active.
func (s *State) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// Settings returns the session's effective model and research-only flag.
func (s *State) Settings() (model string, researchOnly bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model, s.researchOnly
}

// UpdateConfig applies the whitelisted config fields and returns the
// effective values. Nil pointers leave the current value unchanged.
func (s *State) UpdateConfig(model *string, researchOnly *bool) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if model != nil {
		s.model = *model
	}
	if researchOnly != nil {
		s.researchOnly = *researchOnly
	}
	return s.model, s.researchOnly
}

// SetMeta stores an ad-hoc metadata value on the session.
func (s *State) SetMeta(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
}

// Meta returns an ad-hoc metadata value.
func (s *State) Meta(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.metadata[key]
	return v, ok
}

// Snapshot copies the session's queue and pointers under the lock.
func (s *State) Snapshot() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := make([]QueuedTask, len(s.queue))
	copy(queued, s.queue)
	completed := make([]string, len(s.completed))
	copy(completed, s.completed)
	return StatusSnapshot{
		ClientID:     s.clientID,
		CurrentTask:  s.currentTaskID,
		CurrentPhase: s.currentPhase,
		Processing:   s.processing,
		Queued:       queued,
		Completed:    completed,
		Model:        s.model,
		ResearchOnly: s.researchOnly,
	}
}
