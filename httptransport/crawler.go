package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cvelab/cvehub/crawler"
	"github.com/cvelab/cvehub/sched"
)

func (s *Server) runCrawler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	reply, err := s.sched.Run(r.Context(), chi.URLParam(r, "id"), claims.Username, false)
	if err != nil {
		apiError(w, r, err)
		return
	}
	respond(w, http.StatusOK, reply)
}

func (s *Server) crawlerStatus(w http.ResponseWriter, r *http.Request) {
	running := s.sched.Running()
	results := make(map[string]*sched.LastResult)
	for _, name := range crawler.Names() {
		if res, ok := s.sched.LastResult(r.Context(), name); ok {
			results[name] = res
		}
	}
	respond(w, http.StatusOK, map[string]any{
		"isRunning":  len(running) > 0,
		"running":    running,
		"lastUpdate": s.sched.LastUpdates(),
		"results":    results,
	})
}

func (s *Server) crawlersAvailable(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
	}
	var out []entry
	for _, c := range crawler.List() {
		out = append(out, entry{ID: c.Name(), DisplayName: c.DisplayName()})
	}
	respond(w, http.StatusOK, out)
}
