// Package poolstats exports pgxpool connection-pool counters to
// Prometheus. One Collector is registered per pool, labeled with the
// pool's application name.
package poolstats

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	_ prometheus.Collector = (*Collector)(nil)
	_ stat                 = (*pgxpool.Stat)(nil)
)

// stat mirrors the accessors of pgxpool.Stat, so tests can feed the
// Collector canned numbers.
type stat interface {
	AcquireCount() int64
	AcquireDuration() time.Duration
	AcquiredConns() int32
	CanceledAcquireCount() int64
	ConstructingConns() int32
	EmptyAcquireCount() int64
	IdleConns() int32
	MaxConns() int32
	TotalConns() int32
}

type staterFunc func() stat

// Collector reads a pool's Stat snapshot on every scrape and emits one
// metric per counter. Snapshots are taken at Collect time, never cached.
type Collector struct {
	name string
	stat staterFunc

	acquireCountDesc         *prometheus.Desc
	acquireDurationDesc      *prometheus.Desc
	acquiredConnsDesc        *prometheus.Desc
	canceledAcquireCountDesc *prometheus.Desc
	constructingConnsDesc    *prometheus.Desc
	emptyAcquireCountDesc    *prometheus.Desc
	idleConnsDesc            *prometheus.Desc
	maxConnsDesc             *prometheus.Desc
	totalConnsDesc           *prometheus.Desc
}

// Stater is the one method of pgxpool.Pool the Collector needs.
type Stater interface {
	Stat() *pgxpool.Stat
}

// NewCollector returns a Collector scraping the given pool. The appname
// becomes the application_name label, which keeps pools apart when a
// process opens more than one.
func NewCollector(stater Stater, appname string) *Collector {
	fn := func() stat { return stater.Stat() }
	return newCollector(fn, appname)
}

func newCollector(fn staterFunc, n string) *Collector {
	return &Collector{
		name: n,
		stat: fn,
		acquireCountDesc: prometheus.NewDesc(
			"pgxpool_acquire_count",
			"Count of successful connection acquires since the pool was opened.",
			staticLabels, nil),
		acquireDurationDesc: prometheus.NewDesc(
			"pgxpool_acquire_duration_seconds_total",
			"Time spent in successful connection acquires, in seconds.",
			staticLabels, nil),
		acquiredConnsDesc: prometheus.NewDesc(
			"pgxpool_acquired_conns",
			"Connections currently checked out of the pool.",
			staticLabels, nil),
		canceledAcquireCountDesc: prometheus.NewDesc(
			"pgxpool_canceled_acquire_count",
			"Count of acquires canceled by their context before a connection was handed over.",
			staticLabels, nil),
		constructingConnsDesc: prometheus.NewDesc(
			"pgxpool_constructing_conns",
			"Connections currently being established.",
			staticLabels, nil),
		emptyAcquireCountDesc: prometheus.NewDesc(
			"pgxpool_empty_acquire",
			"Count of successful acquires that had to wait because the pool was empty.",
			staticLabels, nil),
		idleConnsDesc: prometheus.NewDesc(
			"pgxpool_idle_conns",
			"Connections sitting idle in the pool.",
			staticLabels, nil),
		maxConnsDesc: prometheus.NewDesc(
			"pgxpool_max_conns",
			"Configured upper bound on pool size.",
			staticLabels, nil),
		totalConnsDesc: prometheus.NewDesc(
			"pgxpool_total_conns",
			"Connections owned by the pool: constructing, acquired, and idle together.",
			staticLabels, nil),
	}
}

var staticLabels = []string{"application_name"}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	s := c.stat()
	metrics <- prometheus.MustNewConstMetric(
		c.acquireCountDesc,
		prometheus.CounterValue,
		float64(s.AcquireCount()),
		c.name,
	)
	metrics <- prometheus.MustNewConstMetric(
		c.acquireDurationDesc,
		prometheus.CounterValue,
		s.AcquireDuration().Seconds(),
		c.name,
	)
	metrics <- prometheus.MustNewConstMetric(
		c.acquiredConnsDesc,
		prometheus.GaugeValue,
		float64(s.AcquiredConns()),
		c.name,
	)
	metrics <- prometheus.MustNewConstMetric(
		c.canceledAcquireCountDesc,
		prometheus.CounterValue,
		float64(s.CanceledAcquireCount()),
		c.name,
	)
	metrics <- prometheus.MustNewConstMetric(
		c.constructingConnsDesc,
		prometheus.GaugeValue,
		float64(s.ConstructingConns()),
		c.name,
	)
	metrics <- prometheus.MustNewConstMetric(
		c.emptyAcquireCountDesc,
		prometheus.CounterValue,
		float64(s.EmptyAcquireCount()),
		c.name,
	)
	metrics <- prometheus.MustNewConstMetric(
		c.idleConnsDesc,
		prometheus.GaugeValue,
		float64(s.IdleConns()),
		c.name,
	)
	metrics <- prometheus.MustNewConstMetric(
		c.maxConnsDesc,
		prometheus.GaugeValue,
		float64(s.MaxConns()),
		c.name,
	)
	metrics <- prometheus.MustNewConstMetric(
		c.totalConnsDesc,
		prometheus.GaugeValue,
		float64(s.TotalConns()),
		c.name,
	)
}
