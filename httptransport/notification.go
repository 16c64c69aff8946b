package httptransport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cvelab/cvehub"
)

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	page, err := s.notify.List(r.Context(), claims.Username,
		cvehub.NotificationStatus(r.URL.Query().Get("status")),
		intQuery(r, "skip", 0), intQuery(r, "limit", 20))
	if err != nil {
		apiError(w, r, err)
		return
	}
	w.Header().Set("X-Total-Count", strconv.FormatInt(page.Total, 10))
	w.Header().Set("X-Unread-Count", strconv.FormatInt(page.UnreadCount, 10))
	respond(w, http.StatusOK, page)
}

func (s *Server) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	if err := s.notify.MarkRead(r.Context(), claims.Username, chi.URLParam(r, "id")); err != nil {
		apiError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "read"})
}

func (s *Server) markAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	if err := s.notify.MarkAllRead(r.Context(), claims.Username); err != nil {
		apiError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "read"})
}

type readMultipleRequest struct {
	IDs []string `json:"ids" validate:"required,min=1"`
}

func (s *Server) markManyNotificationsRead(w http.ResponseWriter, r *http.Request) {
	var req readMultipleRequest
	if err := decode(r, &req); err != nil {
		apiError(w, r, err)
		return
	}
	if !s.checkValid(w, &req) {
		return
	}
	claims := claimsFrom(r.Context())
	done, err := s.notify.MarkManyRead(r.Context(), claims.Username, req.IDs)
	if err != nil {
		apiError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]int{"marked": done})
}
