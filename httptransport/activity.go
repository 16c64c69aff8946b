package httptransport

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cvelab/cvehub"
	"github.com/cvelab/cvehub/datastore"
)

// listActivities serves the combined-filter audit query. target_type and
// action take comma-separated lists that OR within themselves.
func (s *Server) listActivities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := datastore.ActivityOpts{
		Username: q.Get("username"),
		TargetID: q.Get("target_id"),
		Page:     intQuery(r, "page", 1),
		Limit:    intQuery(r, "limit", 20),
	}
	for _, t := range splitList(q.Get("target_type")) {
		opts.TargetTypes = append(opts.TargetTypes, cvehub.ActivityTarget(t))
	}
	for _, a := range splitList(q.Get("action")) {
		opts.Actions = append(opts.Actions, cvehub.ActivityAction(a))
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			apiError(w, r, &cvehub.Error{
				Kind:    cvehub.ErrInvalid,
				Message: "since: want an RFC 3339 timestamp",
				Inner:   err,
			})
			return
		}
		opts.Since = t
	}
	page, err := s.activity.Query(r.Context(), opts)
	if err != nil {
		apiError(w, r, err)
		return
	}
	w.Header().Set("X-Total-Count", strconv.FormatInt(page.Total, 10))
	respond(w, http.StatusOK, page)
}

// targetActivities serves one object's audit timeline.
func (s *Server) targetActivities(w http.ResponseWriter, r *http.Request) {
	page, err := s.activity.ByTarget(r.Context(),
		cvehub.ActivityTarget(chi.URLParam(r, "targetType")),
		chi.URLParam(r, "targetID"),
		intQuery(r, "page", 1), intQuery(r, "limit", 20))
	if err != nil {
		apiError(w, r, err)
		return
	}
	w.Header().Set("X-Total-Count", strconv.FormatInt(page.Total, 10))
	respond(w, http.StatusOK, page)
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
