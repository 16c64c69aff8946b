package httptransport

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cvelab/cvehub"
	"github.com/cvelab/cvehub/datastore"
	"github.com/cvelab/cvehub/engine"
)

func (s *Server) listCVEs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := datastore.ListOpts{
		Page:   intQuery(r, "page", 1),
		Limit:  intQuery(r, "limit", 10),
		Status: cvehub.Status(q.Get("status")),
		Search: q.Get("search"),
	}
	if sev := q.Get("severity"); sev != "" {
		opts.Severity = cvehub.NormalizeSeverity(sev)
		opts.HasSeverity = true
	}
	res, err := s.engine.GetList(r.Context(), opts)
	if err != nil {
		apiError(w, r, err)
		return
	}
	w.Header().Set("X-Total-Count", strconv.FormatInt(res.Total, 10))
	respond(w, http.StatusOK, res)
}

func (s *Server) getCVE(w http.ResponseWriter, r *http.Request) {
	c, err := s.engine.GetDetail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		apiError(w, r, err)
		return
	}
	respond(w, http.StatusOK, c)
}

type createCVERequest struct {
	CVEID       string                  `json:"cve_id" validate:"required"`
	Title       string                  `json:"title"`
	Description string                  `json:"description"`
	Status      cvehub.Status           `json:"status"`
	AssignedTo  string                  `json:"assigned_to"`
	Severity    string                  `json:"severity"`
	Notes       string                  `json:"notes"`
	References  []cvehub.Reference      `json:"references"`
	PoCs        []cvehub.ProofOfConcept `json:"pocs"`
	SnortRules  []cvehub.SnortRule      `json:"snort_rules"`
}

func (s *Server) createCVE(w http.ResponseWriter, r *http.Request) {
	var req createCVERequest
	if err := decode(r, &req); err != nil {
		apiError(w, r, err)
		return
	}
	if !s.checkValid(w, &req) {
		return
	}
	c := cvehub.CVE{
		ID:          req.CVEID,
		Title:       req.Title,
		Description: req.Description,
		Status:      req.Status,
		AssignedTo:  req.AssignedTo,
		Severity:    cvehub.NormalizeSeverity(req.Severity),
		Notes:       req.Notes,
		References:  req.References,
		PoCs:        req.PoCs,
		SnortRules:  req.SnortRules,
	}
	created, err := s.engine.Create(r.Context(), &c, claimsFrom(r.Context()).Username)
	if err != nil {
		apiError(w, r, err)
		return
	}
	respond(w, http.StatusCreated, created)
}

func (s *Server) patchCVE(w http.ResponseWriter, r *http.Request) {
	var p engine.Patch
	if err := decode(r, &p); err != nil {
		apiError(w, r, err)
		return
	}
	claims := claimsFrom(r.Context())
	updated, err := s.engine.Update(r.Context(), chi.URLParam(r, "id"), &p, claims.Username)
	if err != nil {
		apiError(w, r, err)
		return
	}
	// Assignment and status changes also reach the assignee's inbox, not
	// just the CVE's subscribers.
	if s.notify != nil && (p.AssignedTo != nil || p.Status != nil) {
		s.notify.NotifyAssignee(r.Context(), updated.ID, updated.AssignedTo, claims.Username, nil)
	}
	respond(w, http.StatusOK, updated)
}

func (s *Server) deleteCVE(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Delete(r.Context(), id, claimsFrom(r.Context()).Username); err != nil {
		apiError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "deleted", "cve_id": id})
}

func (s *Server) acquireLock(w http.ResponseWriter, r *http.Request) {
	lock, err := s.engine.AcquireLock(r.Context(), chi.URLParam(r, "id"), claimsFrom(r.Context()).Username)
	switch {
	case err == nil:
		respond(w, http.StatusOK, lock)
	case errors.Is(err, cvehub.ErrLocked):
		lockedError(w, err, lock)
	default:
		apiError(w, r, err)
	}
}

func (s *Server) releaseLock(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ReleaseLock(r.Context(), chi.URLParam(r, "id"), claimsFrom(r.Context()).Username); err != nil {
		apiError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) bulkUpsert(w http.ResponseWriter, r *http.Request) {
	var items []engine.Item
	if err := decode(r, &items); err != nil {
		apiError(w, r, err)
		return
	}
	res := s.engine.BulkUpsert(r.Context(), items, claimsFrom(r.Context()).Username)
	respond(w, http.StatusOK, res)
}

func (s *Server) cveStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		apiError(w, r, err)
		return
	}
	respond(w, http.StatusOK, stats)
}
