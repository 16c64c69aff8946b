package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type commentRequest struct {
	Content  string `json:"content" validate:"required"`
	ParentID string `json:"parent_id"`
}

func (s *Server) addComment(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if err := decode(r, &req); err != nil {
		apiError(w, r, err)
		return
	}
	if !s.checkValid(w, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	claims := claimsFrom(r.Context())
	c, err := s.engine.AddComment(r.Context(), id, req.Content, req.ParentID, claims.Username)
	if err != nil {
		apiError(w, r, err)
		return
	}
	if s.notify != nil && len(c.Mentions) > 0 {
		s.notify.NotifyMentions(r.Context(), id, claims.Username, c.Mentions)
	}
	respond(w, http.StatusCreated, c)
}

func (s *Server) updateComment(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if err := decode(r, &req); err != nil {
		apiError(w, r, err)
		return
	}
	if !s.checkValid(w, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	claims := claimsFrom(r.Context())
	c, err := s.engine.UpdateComment(r.Context(), id, chi.URLParam(r, "commentID"), req.Content, claims.Username)
	if err != nil {
		apiError(w, r, err)
		return
	}
	if s.notify != nil && len(c.Mentions) > 0 {
		s.notify.NotifyMentions(r.Context(), id, claims.Username, c.Mentions)
	}
	respond(w, http.StatusOK, c)
}

func (s *Server) deleteComment(w http.ResponseWriter, r *http.Request) {
	err := s.engine.DeleteComment(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "commentID"), claimsFrom(r.Context()).Username)
	if err != nil {
		apiError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "deleted"})
}
