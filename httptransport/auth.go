package httptransport

import (
	"net/http"

	"github.com/cvelab/cvehub"
	"github.com/cvelab/cvehub/activity"
)

type tokenRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (s *Server) token(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decode(r, &req); err != nil {
		apiError(w, r, err)
		return
	}
	if !s.checkValid(w, &req) {
		return
	}
	pair, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		apiError(w, r, err)
		return
	}
	if s.recorder != nil {
		s.recorder.Record(r.Context(), activity.LoginRecord(req.Username, cvehub.Now()))
	}
	respond(w, http.StatusOK, pair)
}

type signupRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Email    string `json:"email" validate:"omitempty,email"`
	Password string `json:"password" validate:"required,min=8"`
}

func (s *Server) signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decode(r, &req); err != nil {
		apiError(w, r, err)
		return
	}
	if !s.checkValid(w, &req) {
		return
	}
	pair, err := s.auth.Signup(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		apiError(w, r, err)
		return
	}
	respond(w, http.StatusCreated, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decode(r, &req); err != nil {
		apiError(w, r, err)
		return
	}
	if !s.checkValid(w, &req) {
		return
	}
	pair, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		apiError(w, r, err)
		return
	}
	respond(w, http.StatusOK, pair)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decode(r, &req); err != nil {
		apiError(w, r, err)
		return
	}
	if err := s.auth.Logout(r.Context(), req.RefreshToken); err != nil {
		apiError(w, r, err)
		return
	}
	claims := claimsFrom(r.Context())
	if s.recorder != nil && claims != nil {
		s.recorder.Record(r.Context(), activity.LogoutRecord(claims.Username, cvehub.Now()))
	}
	respond(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	u, err := s.auth.Me(r.Context(), claimsFrom(r.Context()))
	if err != nil {
		apiError(w, r, err)
		return
	}
	respond(w, http.StatusOK, u)
}
