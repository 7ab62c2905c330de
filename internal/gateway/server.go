// Package gateway is the HTTP and WebSocket surface of the steward daemon:
// task submission and inspection, approval resolution, process supervision,
// and the live event stream.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dohr-michael/steward/internal/approval"
	"github.com/dohr-michael/steward/internal/events"
	"github.com/dohr-michael/steward/internal/gateway/ws"
	"github.com/dohr-michael/steward/internal/queue"
	"github.com/dohr-michael/steward/internal/store"
	"github.com/dohr-michael/steward/internal/store/dirstore"
	"github.com/dohr-michael/steward/internal/task"
	"github.com/dohr-michael/steward/internal/watchdog"
)

// Server is the steward gateway HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	bus        *events.Bus

	queue   *queue.Queue
	tasks   *store.TaskStore
	audit   *store.AuditLog
	gate    *approval.Gate
	dog     *watchdog.Watchdog
	archive *store.Archive
}

// Deps carries everything the gateway serves.
type Deps struct {
	Bus      *events.Bus
	Queue    *queue.Queue
	Tasks    *store.TaskStore
	Audit    *store.AuditLog
	Gate     *approval.Gate
	Watchdog *watchdog.Watchdog
	Archive  *store.Archive // optional
}

// NewServer creates a gateway server.
func NewServer(deps Deps, host string, port int) *Server {
	hub := ws.NewHub(deps.Bus)

	s := &Server{
		hub:     hub,
		bus:     deps.Bus,
		queue:   deps.Queue,
		tasks:   deps.Tasks,
		audit:   deps.Audit,
		gate:    deps.Gate,
		dog:     deps.Watchdog,
		archive: deps.Archive,
	}
	hub.SetHandler(s.handleWSRequest)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ws", hub.ServeWS)
	r.Get("/api/events", s.handleEvents)

	r.Post("/api/tasks", s.handleSubmitTask)
	r.Get("/api/tasks", s.handleListTasks)
	r.Get("/api/tasks/{id}", s.handleGetTask)
	r.Get("/api/tasks/{id}/audit", s.handleTaskAudit)

	r.Get("/api/approvals", s.handleListApprovals)
	r.Post("/api/approvals/{id}/resolve", s.handleResolveApproval)

	r.Get("/api/processes", s.handleProcesses)
	r.Post("/api/processes/{name}/restart", s.handleProcessRestart)
	r.Post("/api/processes/{name}/stop", s.handleProcessStop)
	r.Post("/api/processes/{name}/reset", s.handleProcessReset)

	r.Get("/api/archive", s.handleArchive)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: r,
	}
	return s
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("steward gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}

	history := s.bus.History(limit)

	type eventJSON struct {
		ID        string             `json:"id"`
		TaskID    string             `json:"task_id,omitempty"`
		Type      string             `json:"type"`
		Timestamp string             `json:"timestamp"`
		Source    events.EventSource `json:"source"`
		Payload   map[string]any     `json:"payload"`
	}

	result := make([]eventJSON, len(history))
	for i, e := range history {
		result[i] = eventJSON{
			ID:        e.ID,
			TaskID:    e.TaskID,
			Type:      string(e.Type),
			Timestamp: e.Timestamp.Format(time.RFC3339Nano),
			Source:    e.Source,
			Payload:   e.Payload,
		}
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var sub queue.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, "invalid submission: "+err.Error(), http.StatusBadRequest)
		return
	}

	t, merged, err := s.queue.Enqueue(sub)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	status := http.StatusCreated
	if merged {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"task": t, "merged": merged})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{
		Status: task.Status(r.URL.Query().Get("status")),
		Kind:   task.Kind(r.URL.Query().Get("kind")),
		Source: r.URL.Query().Get("source"),
	}
	list, err := s.tasks.List(filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTaskAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.tasks.Exists(id) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	entries, err := s.audit.Entries(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	filter := approval.ListFilter{
		TaskID:   r.URL.Query().Get("task_id"),
		Decision: task.Decision(r.URL.Query().Get("decision")),
	}
	list, err := s.gate.Store().List(filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Decision string `json:"decision"`
		Notes    string `json:"notes,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}

	a, err := s.gate.Resolve(chi.URLParam(r, "id"), task.Decision(body.Decision), body.Notes)
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrAlreadyResolved), errors.Is(err, store.ErrCASMismatch):
			http.Error(w, err.Error(), http.StatusConflict)
		case isNotFound(err):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dog.Status())
}

func (s *Server) handleProcessRestart(w http.ResponseWriter, r *http.Request) {
	s.processOp(w, chi.URLParam(r, "name"), s.dog.Restart)
}

func (s *Server) handleProcessStop(w http.ResponseWriter, r *http.Request) {
	s.processOp(w, chi.URLParam(r, "name"), s.dog.StopComponent)
}

func (s *Server) handleProcessReset(w http.ResponseWriter, r *http.Request) {
	s.processOp(w, chi.URLParam(r, "name"), s.dog.ResetRestarts)
}

func (s *Server) processOp(w http.ResponseWriter, name string, op func(string) error) {
	if err := op(name); err != nil {
		if errors.Is(err, watchdog.ErrUnknownComponent) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	record, err := s.dog.Get(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		http.Error(w, "archive not configured", http.StatusServiceUnavailable)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	list, err := s.archive.List(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleWSRequest dispatches hub request frames onto the same operations
// the HTTP API exposes.
func (s *Server) handleWSRequest(method ws.Method, params json.RawMessage) (any, error) {
	switch method {
	case ws.MethodSubmitTask:
		var sub queue.Submission
		if err := json.Unmarshal(params, &sub); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		t, merged, err := s.queue.Enqueue(sub)
		if err != nil {
			return nil, err
		}
		return map[string]any{"task": t, "merged": merged}, nil

	case ws.MethodListTasks:
		var filter struct {
			Status string `json:"status,omitempty"`
			Kind   string `json:"kind,omitempty"`
			Source string `json:"source,omitempty"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &filter); err != nil {
				return nil, fmt.Errorf("invalid params: %w", err)
			}
		}
		return s.tasks.List(store.ListFilter{
			Status: task.Status(filter.Status),
			Kind:   task.Kind(filter.Kind),
			Source: filter.Source,
		})

	case ws.MethodGetTask:
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		return s.tasks.Get(p.ID)

	case ws.MethodListApprovals:
		var p struct {
			TaskID   string `json:"task_id,omitempty"`
			Decision string `json:"decision,omitempty"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, fmt.Errorf("invalid params: %w", err)
			}
		}
		return s.gate.Store().List(approval.ListFilter{
			TaskID:   p.TaskID,
			Decision: task.Decision(p.Decision),
		})

	case ws.MethodResolveApproval:
		var p struct {
			ID       string `json:"id"`
			Decision string `json:"decision"`
			Notes    string `json:"notes,omitempty"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		return s.gate.Resolve(p.ID, task.Decision(p.Decision), p.Notes)

	default:
		return nil, fmt.Errorf("unknown method: %s", method)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeStoreError(w http.ResponseWriter, err error) {
	if isNotFound(err) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func isNotFound(err error) bool {
	var nf *dirstore.ErrNotFound
	return errors.As(err, &nf)
}
