package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"design-job-queue/internal/jobs"
	"design-job-queue/internal/models"
)

type submitRequest struct {
	Type      models.JobType `json:"type"`
	ProjectID *string        `json:"project_id"`
	Priority  int            `json:"priority"`
	Input     models.Input   `json:"input"`
}

type listResponse struct {
	Jobs []models.Job `json:"jobs"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if !s.allow(w, r, user) {
		return
	}

	job, err := s.manager.Submit(r.Context(), jobs.SubmitRequest{
		Type:      req.Type,
		OwnerID:   user,
		ProjectID: req.ProjectID,
		Priority:  req.Priority,
		Input:     req.Input,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := jobs.ListFilter{
		Status:    models.Status(q.Get("status")),
		Type:      models.JobType(q.Get("type")),
		ProjectID: q.Get("project_id"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.fail(w, r, fmt.Errorf("%w: limit must be an integer", models.ErrValidation))
			return
		}
		filter.Limit = n
	}

	out, err := s.manager.List(r.Context(), userFrom(r), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if out == nil {
		out = []models.Job{}
	}
	writeJSON(w, http.StatusOK, listResponse{Jobs: out})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.GetFor(r.Context(), chi.URLParam(r, "id"), userFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.Cancel(r.Context(), chi.URLParam(r, "id"), userFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
