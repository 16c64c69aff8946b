package httptransport

import (
	"net/http"
	"strconv"

	"github.com/cvelab/cvehub"
	"github.com/cvelab/cvehub/crawler"
	"github.com/cvelab/cvehub/datastore"
)

// recentHistory serves the cross-CVE modification feed. days bounds the
// window (default 7), crawlers_only narrows to entries written by
// registered crawlers, username to one author.
func (s *Server) recentHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days := intQuery(r, "days", 7)
	opts := datastore.HistoryOpts{
		Since: cvehub.Now().AddDate(0, 0, -days),
		Page:  intQuery(r, "page", 1),
		Limit: intQuery(r, "limit", 20),
	}
	if v, _ := strconv.ParseBool(q.Get("crawlers_only")); v {
		opts.Usernames = crawler.Names()
	}
	if u := q.Get("username"); u != "" {
		opts.Usernames = append(opts.Usernames, u)
	}
	total, items, err := s.engine.RecentHistory(r.Context(), opts)
	if err != nil {
		apiError(w, r, err)
		return
	}
	w.Header().Set("X-Total-Count", strconv.FormatInt(total, 10))
	respond(w, http.StatusOK, map[string]any{
		"total": total,
		"items": items,
	})
}

func (s *Server) historyStats(w http.ResponseWriter, r *http.Request) {
	days := intQuery(r, "days", 7)
	stats, err := s.engine.HistoryStats(r.Context(), cvehub.Now().AddDate(0, 0, -days))
	if err != nil {
		apiError(w, r, err)
		return
	}
	respond(w, http.StatusOK, stats)
}
