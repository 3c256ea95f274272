package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/taskpipe/internal/persistence"
	"github.com/basket/taskpipe/internal/phase"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store.Ping(r.Context()) == nil
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy":     dbOK,
		"db_ok":       dbOK,
		"connections": s.cfg.Registry.Len(),
		"config":      s.cfg.ConfigFingerprint,
	})
}

// handleThreads serves the read API:
//
//	GET /api/threads/{client_id}/tasks?limit=&offset=&status=
//	GET /api/threads/{client_id}/tasks/{task_id}
func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/threads/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	switch {
	case len(parts) == 2 && parts[1] == "tasks" && parts[0] != "":
		s.handleListTasks(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "tasks" && parts[0] != "" && parts[2] != "":
		s.handleGetTask(w, r, parts[0], parts[2])
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request, threadID string) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	status := q.Get("status")

	tasks, err := s.cfg.Store.ListTasks(r.Context(), threadID, limit, offset, status)
	if err != nil {
		s.logger.Error("list tasks", "thread_id", threadID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []persistence.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id": threadID,
		"tasks":     tasks,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request, threadID, taskID string) {
	task, err := s.cfg.Store.GetTask(r.Context(), taskID, threadID)
	if errors.Is(err, persistence.ErrNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("get task", "thread_id", threadID, "task_id", taskID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	logs, err := s.cfg.Store.ListLogs(r.Context(), taskID, threadID, 50, 0, "")
	if err != nil {
		s.logger.Error("list logs", "thread_id", threadID, "task_id", taskID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if logs == nil {
		logs = []persistence.LogEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"task":   task,
		"logs":   logs,
		"phases": s.phaseResults(r.Context(), threadID, taskID),
	})
}

// phaseResults collects whatever phase results exist for the task, each
// via the local-then-global lookup.
func (s *Server) phaseResults(ctx context.Context, threadID, taskID string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	for _, p := range phase.Sequence(false) {
		raw, err := s.cfg.Store.GetPhaseResult(ctx, threadID, taskID, string(p))
		if err != nil {
			continue
		}
		out[string(p)] = raw
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
