package postgres

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queryCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cvehub",
			Subsystem: "datastore",
			Name:      "queries_total",
			Help:      "Total number of database queries issued, by method.",
		},
		[]string{"query", "error"},
	)
	queryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cvehub",
			Subsystem: "datastore",
			Name:      "query_duration_seconds",
			Help:      "The duration of database queries, by method.",
		},
		[]string{"query"},
	)
)

// observe records one query execution. Callers with a named error return
// use it as:
//
//	done := observe("getCVE", time.Now())
//	defer func() { done(err) }()
func observe(query string, start time.Time) func(error) {
	return func(err error) {
		e := "false"
		if err != nil {
			e = "true"
		}
		queryCounter.WithLabelValues(query, e).Inc()
		queryDuration.WithLabelValues(query).Observe(time.Since(start).Seconds())
	}
}
