package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"design-job-queue/internal/models"
)

type createProjectRequest struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Editors []string `json:"editors"`
	Viewers []string `json:"viewers"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	if s.projects == nil {
		writeError(w, http.StatusNotImplemented, "projects are not configured")
		return
	}
	var req createProjectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || len(name) > 200 {
		s.fail(w, r, fmt.Errorf("%w: name is required and at most 200 characters", models.ErrValidation))
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}

	now := s.now()
	p := models.Project{
		ID:        id,
		OwnerID:   userFrom(r),
		Name:      name,
		Editors:   nonEmpty(req.Editors),
		Viewers:   nonEmpty(req.Viewers),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.projects.CreateProject(r.Context(), p); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	if s.projects == nil {
		writeError(w, http.StatusNotImplemented, "projects are not configured")
		return
	}
	id := chi.URLParam(r, "id")
	p, err := s.projects.GetProject(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !p.CanRead(userFrom(r)) {
		s.fail(w, r, fmt.Errorf("project %s: %w", id, models.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
