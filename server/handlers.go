package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opslattice/dirigent/engine"
	"github.com/opslattice/dirigent/errors"
	"github.com/opslattice/dirigent/job"
	"github.com/opslattice/dirigent/target"
)

const defaultListLimit = 100

// listLimit reads the ?limit query parameter, capped to keep responses
// bounded.
func listLimit(r *http.Request) int {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	return limit
}

// Lookups accept either the entity UUID or its serial, so external systems
// that only hold the human-readable identifier can resolve records too.

func (s *Server) lookupJob(ref string) (*job.Job, error) {
	j, err := s.jobs.Get(ref)
	if errors.IsNotFoundError(err) {
		return s.jobs.GetBySerial(ref)
	}
	return j, err
}

func (s *Server) lookupTarget(ref string) (*target.Target, error) {
	t, err := s.targets.Get(ref)
	if errors.IsNotFoundError(err) {
		return s.targets.GetBySerial(ref)
	}
	return t, err
}

func (s *Server) lookupExecution(ref string) (*engine.Execution, error) {
	e, err := s.executions.Get(ref)
	if errors.IsNotFoundError(err) {
		return s.executions.GetBySerial(ref)
	}
	return e, err
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("archived") == "true"
	jobs, err := s.jobs.List(includeArchived, listLimit(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.lookupJob(chi.URLParam(r, "ref"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleListJobExecutions(w http.ResponseWriter, r *http.Request) {
	j, err := s.lookupJob(chi.URLParam(r, "ref"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	executions, err := s.executions.ListByJob(j.ID, listLimit(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"executions": executions})
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.targets.List(listLimit(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"targets": targets})
}

func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	t, err := s.lookupTarget(chi.URLParam(r, "ref"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// submitRequest is the body of POST /api/executions. Job and targets accept
// UUIDs or serials.
type submitRequest struct {
	Job         string     `json:"job"`
	Targets     []string   `json:"targets"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	j, err := s.lookupJob(req.Job)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var targetIDs []string
	for _, ref := range req.Targets {
		t, err := s.lookupTarget(ref)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		targetIDs = append(targetIDs, t.ID)
	}

	executionSerial, err := s.dispatcher.Submit(r.Context(), j.ID, targetIDs, req.ScheduledAt)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"execution": executionSerial})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	e, err := s.lookupExecution(chi.URLParam(r, "ref"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleListBranches(w http.ResponseWriter, r *http.Request) {
	e, err := s.lookupExecution(chi.URLParam(r, "ref"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	branches, err := s.branches.ListByExecution(e.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"branches": branches})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	e, err := s.lookupExecution(chi.URLParam(r, "ref"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	entries, err := s.logs.List(e.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": entries})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	e, err := s.lookupExecution(chi.URLParam(r, "ref"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.dispatcher.Cancel(e.Serial); err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusConflict, "execution is not running")
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"execution": e.Serial, "status": "cancelling"})
}

func (s *Server) handleGetBranch(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	b, err := s.branches.Get(ref)
	if errors.IsNotFoundError(err) {
		b, err = s.branches.GetBySerial(ref)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
