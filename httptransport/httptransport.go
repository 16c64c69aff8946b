// Package httptransport is the REST surface: thin chi handlers that
// decode, delegate to the engine and services, and render JSON. All
// business rules live below this package.
package httptransport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cvelab/cvehub"
	"github.com/cvelab/cvehub/activity"
	"github.com/cvelab/cvehub/auth"
	"github.com/cvelab/cvehub/engine"
	"github.com/cvelab/cvehub/notify"
	"github.com/cvelab/cvehub/sched"
)

// Opts carries the collaborators the transport delegates to. Engine and
// Auth are required; the rest disable their routes when nil.
type Opts struct {
	Engine   *engine.Engine
	Auth     *auth.Service
	Notify   *notify.Engine
	Activity *activity.Service
	Recorder *activity.Recorder
	Sched    *sched.Scheduler
	// Socket handles the WebSocket endpoint; the push Hub satisfies it.
	Socket http.Handler
	// CORSOrigins lists the allowed origins. Empty allows none.
	CORSOrigins []string
}

// Server is the assembled HTTP API.
type Server struct {
	engine   *engine.Engine
	auth     *auth.Service
	notify   *notify.Engine
	activity *activity.Service
	recorder *activity.Recorder
	sched    *sched.Scheduler

	validate *validator.Validate
	mux      *chi.Mux
}

// New assembles the router.
func New(opts Opts) (*Server, error) {
	switch {
	case opts.Engine == nil:
		return nil, fmt.Errorf("httptransport: Engine is required")
	case opts.Auth == nil:
		return nil, fmt.Errorf("httptransport: Auth is required")
	}
	s := &Server{
		engine:   opts.Engine,
		auth:     opts.Auth,
		notify:   opts.Notify,
		activity: opts.Activity,
		recorder: opts.Recorder,
		sched:    opts.Sched,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		mux:      chi.NewRouter(),
	}

	r := s.mux
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Total-Count", "X-Unread-Count"},
		AllowCredentials: true,
	}))

	r.Handle("/metrics", promhttp.Handler())
	if opts.Socket != nil {
		r.Handle("/ws", opts.Socket)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Post("/token", s.token)
		r.Post("/refresh", s.refresh)
		r.Post("/signup", s.signup)
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Post("/logout", s.logout)
			r.Get("/me", s.me)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/cves", func(r chi.Router) {
			r.Get("/", s.listCVEs)
			r.Post("/", s.createCVE)
			r.Post("/bulk", s.bulkUpsert)
			r.Get("/stats", s.cveStats)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getCVE)
				r.Patch("/", s.patchCVE)
				r.With(s.adminOnly).Delete("/", s.deleteCVE)
				r.Post("/lock", s.acquireLock)
				r.Delete("/lock", s.releaseLock)
				r.Post("/comments", s.addComment)
				r.Put("/comments/{commentID}", s.updateComment)
				r.Delete("/comments/{commentID}", s.deleteComment)
			})
		})

		if s.sched != nil {
			r.Route("/crawlers", func(r chi.Router) {
				r.With(s.adminOnly).Post("/run/{id}", s.runCrawler)
				r.Get("/status", s.crawlerStatus)
				r.Get("/available", s.crawlersAvailable)
			})
		}

		if s.notify != nil {
			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", s.listNotifications)
				r.Put("/{id}/read", s.markNotificationRead)
				r.Put("/read-all", s.markAllNotificationsRead)
				r.Post("/read-multiple", s.markManyNotificationsRead)
			})
		}

		r.Route("/update-history", func(r chi.Router) {
			r.Get("/recent", s.recentHistory)
			r.Get("/stats", s.historyStats)
		})

		if s.activity != nil {
			r.Route("/activities", func(r chi.Router) {
				r.Get("/", s.listActivities)
				r.Get("/targets/{targetType}/{targetID}", s.targetActivities)
			})
		}
	})

	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// respond writes v as JSON with the given status.
func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	// The status line is already out; an encode failure here means the
	// client hung up.
	_ = json.NewEncoder(w).Encode(v)
}

// decode unmarshals the request body into v, mapping malformed JSON to an
// invalid-kind error.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return &cvehub.Error{
			Op:      "httptransport.decode",
			Kind:    cvehub.ErrInvalid,
			Message: "malformed request body",
			Inner:   err,
		}
	}
	return nil
}

// intQuery parses a positive integer query parameter, falling back to def
// when absent or junk.
func intQuery(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
