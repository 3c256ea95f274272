package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskpipe/internal/bus"
	"github.com/basket/taskpipe/internal/persistence"
	"github.com/basket/taskpipe/internal/phase"
	"github.com/basket/taskpipe/internal/session"
)

// recorder is a fake transport capturing every outbound event.
type recorder struct {
	mu     sync.Mutex
	events []any
}

func (r *recorder) Send(_ context.Context, msg any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, msg)
	return nil
}

func (r *recorder) snapshot() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) types() []string {
	var out []string
	for _, e := range r.snapshot() {
		out = append(out, eventType(e))
	}
	return out
}

func (r *recorder) find(typ string) (any, bool) {
	for _, e := range r.snapshot() {
		if eventType(e) == typ {
			return e, true
		}
	}
	return nil, false
}

func (r *recorder) count(typ string) int {
	n := 0
	for _, e := range r.snapshot() {
		if eventType(e) == typ {
			n++
		}
	}
	return n
}

func eventType(e any) string {
	raw, _ := json.Marshal(e)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	typ, _ := m["type"].(string)
	return typ
}

func eventTaskID(e any) string {
	raw, _ := json.Marshal(e)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	id, _ := m["task_id"].(string)
	return id
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// gateRunner blocks each phase call until a token arrives on gate,
// reporting entry on entered. With a nil gate it behaves like EchoRunner.
type gateRunner struct {
	gate    chan struct{}
	entered chan phase.Phase
	fail    func(p phase.Phase, input phase.Input) error
}

func (g *gateRunner) RunPhase(ctx context.Context, p phase.Phase, input phase.Input, settings phase.Settings) (any, error) {
	if g.entered != nil {
		g.entered <- p
	}
	if g.gate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-g.gate:
		}
	}
	if g.fail != nil {
		if err := g.fail(p, input); err != nil {
			return nil, err
		}
	}
	return map[string]any{"phase": string(p), "summary": "done"}, nil
}

type fixture struct {
	orch     *Orchestrator
	store    *persistence.Store
	registry *session.Registry
	rec      *recorder
	state    *session.State
	clientID string
}

func newFixture(t *testing.T, runner phase.Runner, opts Options) *fixture {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskpipe.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	registry := session.NewRegistry()
	eventBus := bus.New()
	orch := New(store, registry, eventBus, runner, nil, opts)

	clientID := "client-1"
	rec := &recorder{}
	state := session.NewState(clientID, "test-model", false)
	registry.Add(clientID, rec, state)

	return &fixture{orch: orch, store: store, registry: registry, rec: rec, state: state, clientID: clientID}
}

func (f *fixture) handle(msg Message) {
	f.orch.HandleMessage(context.Background(), f.clientID, msg)
}

func TestPingPong(t *testing.T) {
	f := newFixture(t, &phase.EchoRunner{}, Options{})
	f.handle(Message{Type: MsgPing})
	if _, ok := f.rec.find(EvtPong); !ok {
		t.Fatalf("no pong, events: %v", f.rec.types())
	}
}

func TestUnknownMessageType(t *testing.T) {
	f := newFixture(t, &phase.EchoRunner{}, Options{})
	f.handle(Message{Type: "bogus"})
	evt, ok := f.rec.find(EvtError)
	if !ok {
		t.Fatalf("no error event, got %v", f.rec.types())
	}
	if e := evt.(ErrorEvent); e.Content != "unknown message type: bogus" {
		t.Fatalf("error content = %q", e.Content)
	}
}

func TestTaskRequiresContent(t *testing.T) {
	f := newFixture(t, &phase.EchoRunner{}, Options{})
	f.handle(Message{Type: MsgTask})
	if _, ok := f.rec.find(EvtError); !ok {
		t.Fatalf("empty content accepted, got %v", f.rec.types())
	}
	// No state mutation, no persistence.
	if f.state.HasPending() || f.state.Processing() {
		t.Fatal("rejected task mutated state")
	}
	tasks, err := f.store.ListTasks(context.Background(), f.clientID, 10, 0, "")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("rejected task persisted: %v", tasks)
	}
}

func TestEndToEndFullPipeline(t *testing.T) {
	f := newFixture(t, &phase.EchoRunner{}, Options{})
	f.handle(Message{Type: MsgTask, Content: "Summarize repo"})

	waitUntil(t, "task_complete", func() bool {
		_, ok := f.rec.find(EvtTaskComplete)
		return ok
	})

	want := []string{
		EvtTaskReceived,
		EvtPhaseStarted, "research_complete",
		EvtPhaseStarted, "planning_complete",
		EvtPhaseStarted, "implementation_complete",
		EvtTaskComplete,
	}
	got := f.rec.types()
	if len(got) != len(want) {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}

	received, _ := f.rec.find(EvtTaskReceived)
	taskID := eventTaskID(received)
	if taskID == "" {
		t.Fatal("task_received missing generated task_id")
	}

	task, err := f.store.GetTask(context.Background(), taskID, f.clientID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != persistence.StatusCompleted || task.CompletedAt == nil {
		t.Fatalf("task = %+v, want completed with timestamp", task)
	}
	if phases, ok := task.Metadata["phases"].([]any); !ok || len(phases) != 3 {
		t.Fatalf("metadata phases = %v", task.Metadata["phases"])
	}

	// Phase results persisted for all three phases.
	for _, p := range []string{"research", "planning", "implementation"} {
		if _, err := f.store.GetPhaseResult(context.Background(), f.clientID, taskID, p); err != nil {
			t.Fatalf("missing %s result: %v", p, err)
		}
	}

	// Session idle again.
	if f.state.Processing() || f.state.CurrentTaskID() != "" {
		t.Fatal("session not idle after completion")
	}
}

func TestResearchOnlyShortCircuit(t *testing.T) {
	f := newFixture(t, &phase.EchoRunner{}, Options{})
	ro := true
	f.state.UpdateConfig(nil, &ro)

	f.handle(Message{Type: MsgTask, Content: "research this", TaskID: "task-ro"})
	waitUntil(t, "task_complete", func() bool {
		_, ok := f.rec.find(EvtTaskComplete)
		return ok
	})

	got := f.rec.types()
	want := []string{EvtTaskReceived, EvtPhaseStarted, "research_complete", EvtTaskComplete}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestSecondTaskQueuesAndAutoStarts(t *testing.T) {
	gate := make(chan struct{}, 16)
	entered := make(chan phase.Phase, 16)
	f := newFixture(t, &gateRunner{gate: gate, entered: entered}, Options{})

	f.handle(Message{Type: MsgTask, Content: "first", TaskID: "t1"})
	<-entered // t1 in research, blocked

	f.handle(Message{Type: MsgTask, Content: "second", TaskID: "t2"})
	queued, ok := f.rec.find(EvtTaskQueued)
	if !ok {
		t.Fatalf("no task_queued, got %v", f.rec.types())
	}
	q := queued.(TaskQueuedEvent)
	if q.TaskID != "t2" || q.Position != 1 {
		t.Fatalf("task_queued = %+v, want t2 at position 1", q)
	}

	// Release both tasks through all phases; t2 must start without a new
	// task message.
	for i := 0; i < 6; i++ {
		gate <- struct{}{}
	}
	waitUntil(t, "both tasks complete", func() bool {
		return f.rec.count(EvtTaskComplete) == 2
	})

	t2, err := f.store.GetTask(context.Background(), "t2", f.clientID)
	if err != nil || t2.Status != persistence.StatusCompleted {
		t.Fatalf("t2 = %+v err=%v", t2, err)
	}
}

func TestPhaseErrorIsolation(t *testing.T) {
	boom := errors.New("model exploded")
	runner := &gateRunner{
		fail: func(p phase.Phase, input phase.Input) error {
			if p == phase.Planning && input.TaskID == "t1" {
				return boom
			}
			return nil
		},
	}
	f := newFixture(t, runner, Options{})

	f.handle(Message{Type: MsgTask, Content: "will fail", TaskID: "t1"})
	f.handle(Message{Type: MsgTask, Content: "will succeed", TaskID: "t2"})

	waitUntil(t, "t2 completion after t1 error", func() bool {
		_, ok := f.rec.find(EvtTaskComplete)
		return ok
	})

	// t1 errored with phase recorded.
	evt, ok := f.rec.find(EvtError)
	if !ok {
		t.Fatalf("no error event: %v", f.rec.types())
	}
	if e := evt.(ErrorEvent); e.TaskID != "t1" {
		t.Fatalf("error event = %+v", e)
	}
	t1, err := f.store.GetTask(context.Background(), "t1", f.clientID)
	if err != nil {
		t.Fatalf("GetTask t1: %v", err)
	}
	if t1.Status != persistence.StatusError {
		t.Fatalf("t1 status = %q", t1.Status)
	}
	if t1.Metadata["phase"] != "planning" {
		t.Fatalf("t1 metadata = %v", t1.Metadata)
	}

	// The queue did not stall: t2 completed.
	t2, err := f.store.GetTask(context.Background(), "t2", f.clientID)
	if err != nil || t2.Status != persistence.StatusCompleted {
		t.Fatalf("t2 = %+v err=%v", t2, err)
	}
}

func TestCancelQueuedTask(t *testing.T) {
	gate := make(chan struct{}, 16)
	entered := make(chan phase.Phase, 16)
	f := newFixture(t, &gateRunner{gate: gate, entered: entered}, Options{})

	f.handle(Message{Type: MsgTask, Content: "A", TaskID: "A"})
	<-entered // A active
	f.handle(Message{Type: MsgTask, Content: "B", TaskID: "B"})
	f.handle(Message{Type: MsgTask, Content: "C", TaskID: "C"})

	f.handle(Message{Type: MsgCancel, TaskID: "B"})
	evt, ok := f.rec.find(EvtTaskCancelled)
	if !ok {
		t.Fatalf("no task_cancelled: %v", f.rec.types())
	}
	if e := evt.(TaskCancelledEvent); e.TaskID != "B" {
		t.Fatalf("cancelled = %+v", e)
	}

	// A still active, queue is exactly [C].
	if f.state.CurrentTaskID() != "A" {
		t.Fatalf("active = %q, want A", f.state.CurrentTaskID())
	}
	snap := f.state.Snapshot()
	if len(snap.Queued) != 1 || snap.Queued[0].ID != "C" {
		t.Fatalf("queue = %v, want [C]", snap.Queued)
	}

	b, err := f.store.GetTask(context.Background(), "B", f.clientID)
	if err != nil || b.Status != persistence.StatusCancelled {
		t.Fatalf("B = %+v err=%v", b, err)
	}

	// Drain the rest.
	for i := 0; i < 6; i++ {
		gate <- struct{}{}
	}
	waitUntil(t, "A and C complete", func() bool {
		return f.rec.count(EvtTaskComplete) == 2
	})
}

func TestCancelActiveDiscardsLateResult(t *testing.T) {
	gate := make(chan struct{}, 16)
	entered := make(chan phase.Phase, 16)
	f := newFixture(t, &gateRunner{gate: gate, entered: entered}, Options{})

	f.handle(Message{Type: MsgTask, Content: "first", TaskID: "t1"})
	<-entered // t1 blocked in research
	f.handle(Message{Type: MsgTask, Content: "second", TaskID: "t2"})

	f.handle(Message{Type: MsgCancel, TaskID: "t1"})
	if _, ok := f.rec.find(EvtTaskCancelled); !ok {
		t.Fatalf("no task_cancelled: %v", f.rec.types())
	}

	// Release the in-flight t1 research call and t2's three phases.
	for i := 0; i < 4; i++ {
		gate <- struct{}{}
	}
	waitUntil(t, "t2 complete", func() bool {
		_, ok := f.rec.find(EvtTaskComplete)
		return ok
	})

	// t1's late research result was discarded: never emitted, never
	// persisted.
	for _, e := range f.rec.snapshot() {
		if eventType(e) == "research_complete" && eventTaskID(e) == "t1" {
			t.Fatal("cancelled task's research result was emitted")
		}
	}
	if _, err := f.store.GetPhaseResult(context.Background(), f.clientID, "t1", "research"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("cancelled task's result persisted: %v", err)
	}
	t1, err := f.store.GetTask(context.Background(), "t1", f.clientID)
	if err != nil || t1.Status != persistence.StatusCancelled {
		t.Fatalf("t1 = %+v err=%v", t1, err)
	}
	t2, err := f.store.GetTask(context.Background(), "t2", f.clientID)
	if err != nil || t2.Status != persistence.StatusCompleted {
		t.Fatalf("t2 = %+v err=%v", t2, err)
	}
}

func TestCancelUnknownTask(t *testing.T) {
	f := newFixture(t, &phase.EchoRunner{}, Options{})
	f.handle(Message{Type: MsgCancel, TaskID: "missing"})
	if _, ok := f.rec.find(EvtError); !ok {
		t.Fatalf("no error for unknown cancel: %v", f.rec.types())
	}
}

func TestCancelAllTasks(t *testing.T) {
	gate := make(chan struct{}, 16)
	entered := make(chan phase.Phase, 16)
	f := newFixture(t, &gateRunner{gate: gate, entered: entered}, Options{})

	f.handle(Message{Type: MsgTask, Content: "A", TaskID: "A"})
	<-entered
	f.handle(Message{Type: MsgTask, Content: "B", TaskID: "B"})
	f.handle(Message{Type: MsgTask, Content: "C", TaskID: "C"})

	f.handle(Message{Type: MsgCancel})
	evt, ok := f.rec.find(EvtAllTasksCancelled)
	if !ok {
		t.Fatalf("no all_tasks_cancelled: %v", f.rec.types())
	}
	all := evt.(AllTasksCancelledEvent)
	if len(all.Cancelled) != 3 {
		t.Fatalf("cancelled = %v, want A B C", all.Cancelled)
	}
	if f.rec.count(EvtAllTasksCancelled) != 1 {
		t.Fatal("all_tasks_cancelled emitted more than once")
	}

	for _, id := range []string{"A", "B", "C"} {
		task, err := f.store.GetTask(context.Background(), id, f.clientID)
		if err != nil || task.Status != persistence.StatusCancelled {
			t.Fatalf("%s = %+v err=%v", id, task, err)
		}
	}
	if f.state.HasPending() || f.state.Processing() {
		t.Fatal("cancel all left pending work")
	}
	gate <- struct{}{} // unblock the abandoned research call
}

func TestMarkComplete(t *testing.T) {
	f := newFixture(t, &phase.EchoRunner{}, Options{})

	f.handle(Message{Type: MsgMarkComplete})
	if _, ok := f.rec.find(EvtError); !ok {
		t.Fatal("missing task_id accepted")
	}

	f.handle(Message{Type: MsgMarkComplete, TaskID: "missing"})
	if got := f.rec.count(EvtError); got != 2 {
		t.Fatalf("unknown task accepted, errors = %d", got)
	}

	if err := f.store.UpsertTask(context.Background(), "t1", "work", f.clientID, persistence.StatusPending, nil); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}
	f.handle(Message{Type: MsgMarkComplete, TaskID: "t1"})
	evt, ok := f.rec.find(EvtTaskMarkedComplete)
	if !ok {
		t.Fatalf("no task_marked_complete: %v", f.rec.types())
	}
	if e := evt.(TaskMarkedCompleteEvent); e.TaskID != "t1" {
		t.Fatalf("event = %+v", e)
	}
	task, err := f.store.GetTask(context.Background(), "t1", f.clientID)
	if err != nil || task.Status != persistence.StatusCompleted {
		t.Fatalf("t1 = %+v err=%v", task, err)
	}
}

func TestGetTaskStatus(t *testing.T) {
	gate := make(chan struct{}, 16)
	entered := make(chan phase.Phase, 16)
	f := newFixture(t, &gateRunner{gate: gate, entered: entered}, Options{})

	f.handle(Message{Type: MsgTask, Content: "active", TaskID: "t1"})
	<-entered
	f.handle(Message{Type: MsgTask, Content: "queued", TaskID: "t2"})

	// Active task reports in_progress with phase.
	f.handle(Message{Type: MsgGetTaskStatus, TaskID: "t1"})
	var active TaskStatusEvent
	for _, e := range f.rec.snapshot() {
		if ts, ok := e.(TaskStatusEvent); ok && ts.TaskID == "t1" {
			active = ts
		}
	}
	if active.Status != persistence.StatusInProgress || active.Phase != "research" {
		t.Fatalf("active status = %+v", active)
	}

	// Queued task reports position.
	f.handle(Message{Type: MsgGetTaskStatus, TaskID: "t2"})
	var queued TaskStatusEvent
	for _, e := range f.rec.snapshot() {
		if ts, ok := e.(TaskStatusEvent); ok && ts.TaskID == "t2" {
			queued = ts
		}
	}
	if queued.Status != "queued" || queued.Position != 1 {
		t.Fatalf("queued status = %+v", queued)
	}

	// Unknown task is an error.
	f.handle(Message{Type: MsgGetTaskStatus, TaskID: "nope"})
	if _, ok := f.rec.find(EvtError); !ok {
		t.Fatal("unknown task status did not error")
	}

	// Omitted task_id returns the snapshot plus recent history.
	f.handle(Message{Type: MsgGetTaskStatus})
	evt, ok := f.rec.find(EvtAllTaskStatus)
	if !ok {
		t.Fatalf("no all_task_status: %v", f.rec.types())
	}
	all := evt.(AllTaskStatusEvent)
	if all.CurrentTask != "t1" || len(all.QueuedTasks) != 1 || all.QueuedTasks[0].Position != 1 {
		t.Fatalf("all_task_status = %+v", all)
	}
	if len(all.RecentTasks) != 2 {
		t.Fatalf("recent = %d, want 2", len(all.RecentTasks))
	}

	for i := 0; i < 6; i++ {
		gate <- struct{}{}
	}
	waitUntil(t, "drain", func() bool { return f.rec.count(EvtTaskComplete) == 2 })
}

func TestGetTaskLogs(t *testing.T) {
	f := newFixture(t, &phase.EchoRunner{}, Options{})

	f.handle(Message{Type: MsgGetTaskLogs})
	if _, ok := f.rec.find(EvtError); !ok {
		t.Fatal("missing task_id accepted")
	}

	f.handle(Message{Type: MsgTask, Content: "work", TaskID: "t1"})
	waitUntil(t, "completion", func() bool {
		_, ok := f.rec.find(EvtTaskComplete)
		return ok
	})

	f.handle(Message{Type: MsgGetTaskLogs, TaskID: "t1"})
	evt, ok := f.rec.find(EvtTaskLogs)
	if !ok {
		t.Fatalf("no task_logs: %v", f.rec.types())
	}
	logs := evt.(TaskLogsEvent)
	if len(logs.Logs) == 0 {
		t.Fatal("no log entries returned")
	}
	// Most recent first: completion is the newest entry.
	if logs.Logs[0].MessageType != persistence.LogComplete {
		t.Fatalf("newest log = %+v", logs.Logs[0])
	}

	// Filtered fetch.
	f.handle(Message{Type: MsgGetTaskLogs, TaskID: "t1", MessageType: persistence.LogPhaseChange})
	var filtered TaskLogsEvent
	for _, e := range f.rec.snapshot() {
		if tl, ok := e.(TaskLogsEvent); ok {
			filtered = tl
		}
	}
	if len(filtered.Logs) != 3 {
		t.Fatalf("phase_change logs = %d, want 3", len(filtered.Logs))
	}
}

func TestConfigUpdate(t *testing.T) {
	f := newFixture(t, &phase.EchoRunner{}, Options{})

	model := "new-model"
	ro := true
	f.handle(Message{Type: MsgConfigUpdate, Config: &ConfigPayload{Model: &model, ResearchOnly: &ro}})
	evt, ok := f.rec.find(EvtConfigUpdated)
	if !ok {
		t.Fatalf("no config_updated: %v", f.rec.types())
	}
	cu := evt.(ConfigUpdatedEvent)
	if cu.Model != "new-model" || !cu.ResearchOnly {
		t.Fatalf("config_updated = %+v", cu)
	}
	gotModel, gotRO := f.state.Settings()
	if gotModel != "new-model" || !gotRO {
		t.Fatalf("state settings = (%q, %v)", gotModel, gotRO)
	}

	f.handle(Message{Type: MsgConfigUpdate})
	if _, ok := f.rec.find(EvtError); !ok {
		t.Fatal("nil config payload accepted")
	}
}

// failingTransport errors on every send.
type failingTransport struct{}

func (failingTransport) Send(context.Context, any) error { return errors.New("broken pipe") }

func TestSendFailureRemovesConnection(t *testing.T) {
	f := newFixture(t, &phase.EchoRunner{}, Options{})
	state := session.NewState("client-2", "", false)
	f.registry.Add("client-2", failingTransport{}, state)

	f.orch.HandleMessage(context.Background(), "client-2", Message{Type: MsgPing})
	if _, ok := f.registry.Lookup("client-2"); ok {
		t.Fatal("failed send left connection registered")
	}
}

func TestStrictValidatorFailsPhase(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","required":["nonexistent"]}`)
	validator, err := phase.NewResultValidator(schema, true)
	if err != nil {
		t.Fatalf("NewResultValidator: %v", err)
	}
	f := newFixture(t, &phase.EchoRunner{}, Options{Validator: validator})

	f.handle(Message{Type: MsgTask, Content: "work", TaskID: "t1"})
	waitUntil(t, "error event", func() bool {
		_, ok := f.rec.find(EvtError)
		return ok
	})

	task, err := f.store.GetTask(context.Background(), "t1", f.clientID)
	if err != nil || task.Status != persistence.StatusError {
		t.Fatalf("t1 = %+v err=%v", task, err)
	}
}
