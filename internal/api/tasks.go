package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gc3pie/gridrun/internal/errdefs"
	"github.com/gc3pie/gridrun/internal/model"
	"github.com/gc3pie/gridrun/internal/task"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB

	kindLeaf       = "leaf"
	kindParallel   = "parallel"
	kindSequential = "sequential"
)

// createTaskRequest is the JSON body for POST /v1/tasks. Leaf tasks carry a
// command; parallel and sequential tasks carry children and compose
// recursively.
type createTaskRequest struct {
	Kind        string              `json:"kind"`
	Command     []string            `json:"command"`
	Environment map[string]string   `json:"environment"`
	Image       string              `json:"image"`
	OutputDir   string              `json:"output_dir"`
	OutputFiles []string            `json:"output_files"`
	Requires    *requirementsReq    `json:"requires"`
	Children    []createTaskRequest `json:"children"`
}

type requirementsReq struct {
	Cores           int      `json:"cores"`
	MemoryPerCoreMB int      `json:"memory_per_core_mb"`
	WalltimeMinutes int      `json:"walltime_minutes"`
	Architecture    string   `json:"architecture"`
	Resources       []string `json:"resources"`
}

// taskView is the JSON representation of a managed task.
type taskView struct {
	ID         string        `json:"id"`
	Kind       string        `json:"kind"`
	State      model.State   `json:"state"`
	Resource   string        `json:"resource,omitempty"`
	RemoteID   string        `json:"remote_id,omitempty"`
	Returncode *int          `json:"returncode,omitempty"`
	Signal     string        `json:"signal,omitempty"`
	Info       string        `json:"info,omitempty"`
	Children   []string      `json:"children,omitempty"`
	History    []model.Event `json:"history,omitempty"`
}

// listTasksResponse wraps the paginated list response.
type listTasksResponse struct {
	Tasks  []taskView `json:"tasks"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	t, err := buildTask(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.session.Add(r.Context(), t); err != nil {
		s.logger.Error("persist task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to persist task")
		return
	}
	if err := s.engine.Add(t); err != nil {
		s.logger.Error("manage task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to manage task")
		return
	}

	s.writeJSON(w, http.StatusCreated, viewOf(t, false))
}

// buildTask turns a create request into a task tree. Leaf tasks need a
// command; collections need at least their kind and may be empty.
func buildTask(req createTaskRequest) (task.Task, error) {
	kind := req.Kind
	if kind == "" {
		kind = kindLeaf
	}

	switch kind {
	case kindLeaf:
		if len(req.Command) == 0 {
			return nil, errors.New("command is required")
		}
		if len(req.Children) > 0 {
			return nil, errors.New("leaf tasks cannot have children")
		}
		spec := &model.JobSpec{
			Command:     req.Command,
			Environment: req.Environment,
			Image:       req.Image,
			OutputDir:   req.OutputDir,
			OutputFiles: req.OutputFiles,
		}
		var reqs model.Requirements
		if req.Requires != nil {
			reqs = model.Requirements{
				Cores:             req.Requires.Cores,
				MemoryPerCoreMB:   req.Requires.MemoryPerCoreMB,
				WalltimeMinutes:   req.Requires.WalltimeMinutes,
				Architecture:      req.Requires.Architecture,
				ResourceAllowlist: req.Requires.Resources,
			}
		}
		return task.NewLeaf(spec, reqs), nil

	case kindParallel, kindSequential:
		children := make([]task.Task, 0, len(req.Children))
		for _, c := range req.Children {
			child, err := buildTask(c)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		if kind == kindParallel {
			return task.NewParallel(children...), nil
		}
		return task.NewSequential(children...), nil

	default:
		return nil, errors.New("kind must be leaf, parallel or sequential")
	}
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, ok := s.engine.Managed(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}

	s.writeJSON(w, http.StatusOK, viewOf(t, true))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	all := s.engine.Tasks()
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	views := make([]taskView, 0, end-offset)
	for _, t := range all[offset:end] {
		views = append(views, viewOf(t, false))
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  views,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleKillTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.engine.MarkKill(id); err != nil {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}

	t, _ := s.engine.Managed(id)
	s.writeJSON(w, http.StatusAccepted, viewOf(t, false))
}

func (s *Server) handleRedoTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, ok := s.engine.Managed(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err := t.Redo(); err != nil {
		s.writeError(w, http.StatusConflict, "task is not in a redoable state")
		return
	}
	if err := s.session.Save(t); err != nil {
		s.logger.Error("persist redone task", "task", id, "error", err)
	}

	s.writeJSON(w, http.StatusOK, viewOf(t, false))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, ok := s.engine.Managed(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}

	if err := s.engine.Remove(t); err != nil {
		if errors.Is(err, errdefs.ErrInvalidOperation) {
			s.writeError(w, http.StatusConflict, "task is still live; kill it first")
			return
		}
		s.logger.Error("remove task", "task", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to remove task")
		return
	}
	if err := s.session.Remove(r.Context(), id); err != nil {
		s.logger.Error("remove task from session", "task", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to remove task")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// viewOf projects a task onto its JSON representation. History is heavy and
// only included on single-task responses.
func viewOf(t task.Task, withHistory bool) taskView {
	rec := t.Record()
	v := taskView{
		ID:         t.ID(),
		Kind:       kindOf(t),
		State:      rec.State,
		Resource:   rec.ResourceName,
		RemoteID:   rec.RemoteID,
		Returncode: rec.Returncode,
		Signal:     rec.Signal,
		Info:       rec.Info,
	}
	if withHistory {
		v.History = rec.History
	}
	if parent, ok := t.(interface{ Children() []task.Task }); ok {
		for _, c := range parent.Children() {
			v.Children = append(v.Children, c.ID())
		}
	}
	return v
}

func kindOf(t task.Task) string {
	switch t.(type) {
	case *task.Parallel:
		return kindParallel
	case *task.Sequential:
		return kindSequential
	default:
		return kindLeaf
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
