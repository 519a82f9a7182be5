package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/petrijr/deckflow/pkg/api"
)

// IdempotencyKeyHeader carries the client's idempotency key on run
// creation.
const IdempotencyKeyHeader = "Idempotency-Key"

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req api.CreateRunRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	req.IdempotencyKey = r.Header.Get(IdempotencyKeyHeader)

	run, created, err := s.engine.CreateRun(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := api.RunFilter{
		ProjectID: q.Get("project_id"),
		Status:    api.RunStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusUnprocessableEntity, api.CodeInvalidRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	runs, err := s.engine.ListRuns(r.Context(), filter)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*api.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := s.engine.ListSteps(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if steps == nil {
		steps = []*api.RunStep{}
	}
	writeJSON(w, http.StatusOK, steps)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.Cancel(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.Approve(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var req api.RegenerateRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	req.ParentRunID = chi.URLParam(r, "runID")
	req.IdempotencyKey = r.Header.Get(IdempotencyKeyHeader)

	run, created, err := s.engine.Regenerate(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, run)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	art, err := s.engine.GetArtifact(r.Context(), chi.URLParam(r, "artifactID"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, art)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	arts, err := s.engine.ListArtifacts(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if arts == nil {
		arts = []*api.ArtifactVersion{}
	}
	writeJSON(w, http.StatusOK, arts)
}
