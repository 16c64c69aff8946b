// Package sched runs crawlers: on cron triggers registered at startup and
// on demand through the manual-trigger API. One run per crawler at a time;
// the per-crawler last-success instant is durable, the last result is
// cached for a day.
package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quay/zlog"
	"github.com/robfig/cron/v3"

	"github.com/cvelab/cvehub"
	"github.com/cvelab/cvehub/crawler"
	"github.com/cvelab/cvehub/crawler/driver"
	"github.com/cvelab/cvehub/datastore"
	"github.com/cvelab/cvehub/internal/cache"
	"github.com/cvelab/cvehub/push"
)

// DefaultTimezone anchors the wall-clock cron triggers.
const DefaultTimezone = "Asia/Seoul"

// Default trigger specs, in the scheduler's timezone.
const (
	SpecNuclei          = "0 0 * * *" // daily at midnight
	SpecMetasploit      = "0 3 * * 1" // Monday 03:00
	SpecEmergingThreats = "@every 6h"
)

// Progress is the point-in-time state of one running crawl.
type Progress struct {
	Stage     driver.Stage `json:"stage"`
	Percent   int          `json:"percent"`
	Message   string       `json:"message"`
	StartedAt time.Time    `json:"started_at"`
}

// RunReply is the manual-trigger response.
type RunReply struct {
	Status    string    `json:"status"`
	CrawlerID string    `json:"crawler_id"`
	Progress  *Progress `json:"progress,omitempty"`
}

// LastResult is the cached outcome of a crawler's most recent run.
type LastResult struct {
	Count             int            `json:"count"`
	SeverityHistogram map[string]int `json:"severity_histogram,omitempty"`
	Samples           []string       `json:"samples,omitempty"`
	Status            string         `json:"status"`
	Message           string         `json:"message,omitempty"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Scheduler coordinates crawler runs. The mutex guards only the running
// and last-update maps; crawls run outside it.
type Scheduler struct {
	state datastore.StateStore
	cache *cache.Cache
	emit  push.Emitter
	cron  *cron.Cron

	mu         sync.Mutex
	running    map[string]*Progress
	lastUpdate map[string]time.Time

	wg sync.WaitGroup
}

// Opts configures a Scheduler.
type Opts struct {
	Cache *cache.Cache
	Push  push.Emitter
	// Timezone names the location cron specs evaluate in; defaults to
	// Asia/Seoul.
	Timezone string
}

// New returns a stopped Scheduler; call Start after registering triggers.
func New(state datastore.StateStore, opts Opts) (*Scheduler, error) {
	tz := opts.Timezone
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", tz, err)
	}
	return &Scheduler{
		state:      state,
		cache:      opts.Cache,
		emit:       opts.Push,
		cron:       cron.New(cron.WithLocation(loc)),
		running:    make(map[string]*Progress),
		lastUpdate: make(map[string]time.Time),
	}, nil
}

// Schedule registers a cron trigger for a named crawler. Scheduled runs
// are quiet: they log but do not push progress.
func (s *Scheduler) Schedule(name, spec string) error {
	if _, ok := crawler.Get(name); !ok {
		return &cvehub.Error{
			Op:      "sched/Scheduler.Schedule",
			Kind:    cvehub.ErrNotFound,
			Message: fmt.Sprintf("no such crawler: %q", name),
		}
	}
	_, err := s.cron.AddFunc(spec, func() {
		ctx := zlog.ContextWithValues(context.Background(), "component", "sched/Scheduler.Schedule", "crawler", name)
		if _, err := s.Run(ctx, name, "", true); err != nil {
			zlog.Error(ctx).Err(err).Msg("scheduled crawl failed to start")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to register trigger %q for %q: %w", spec, name, err)
	}
	return nil
}

// Start loads the durable last-update map and begins firing triggers.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx = zlog.ContextWithValues(ctx, "component", "sched/Scheduler.Start")
	last, err := s.state.LastUpdates(ctx)
	if err != nil {
		return fmt.Errorf("failed to load last-update state: %w", err)
	}
	s.mu.Lock()
	s.lastUpdate = last
	s.mu.Unlock()
	s.cron.Start()
	zlog.Info(ctx).Int("known_crawlers", len(crawler.List())).Msg("scheduler started")
	return nil
}

// Stop stops firing triggers and waits for in-flight crawls, up to the
// context deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	<-s.cron.Stop().Done()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run triggers one crawl. If the crawler is already running the reply is
// a busy descriptor carrying its current progress; otherwise the crawl is
// spawned and the reply returns immediately.
func (s *Scheduler) Run(ctx context.Context, name, requester string, quiet bool) (*RunReply, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "sched/Scheduler.Run", "crawler", name)
	c, ok := crawler.Get(name)
	if !ok {
		return nil, &cvehub.Error{
			Op:      "sched/Scheduler.Run",
			Kind:    cvehub.ErrNotFound,
			Message: fmt.Sprintf("no such crawler: %q", name),
		}
	}

	s.mu.Lock()
	if cur, ok := s.running[name]; ok {
		snapshot := *cur
		s.mu.Unlock()
		return &RunReply{Status: "already_running", CrawlerID: name, Progress: &snapshot}, nil
	}
	s.running[name] = &Progress{Stage: driver.Preparing, StartedAt: cvehub.Now()}
	s.mu.Unlock()

	rep := s.track(name, crawler.NewProgress(s.emit, c, crawler.ProgressOpts{
		Requester: requester,
		Quiet:     quiet,
	}))
	rep.Report(ctx, driver.Preparing, 0, "starting", nil)

	// The crawl outlives the triggering request.
	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go s.crawl(bg, name, c, rep)

	return &RunReply{Status: "running", CrawlerID: name}, nil
}

// crawl runs to completion and does the completion bookkeeping
// unconditionally, panics included.
func (s *Scheduler) crawl(ctx context.Context, name string, c driver.Crawler, rep driver.Reporter) {
	defer s.wg.Done()
	ctx = zlog.ContextWithValues(ctx, "component", "sched/Scheduler.crawl", "crawler", name)

	var res *driver.Result
	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("crawler panic: %v", p)
			}
		}()
		res, err = c.Crawl(ctx, rep)
	}()
	now := cvehub.Now()
	if err != nil {
		zlog.Error(ctx).Err(err).Msg("crawl failed")
		res = &driver.Result{Status: driver.StatusError, Message: err.Error()}
		rep.Report(ctx, driver.Error, 0, err.Error(), nil)
	} else {
		zlog.Info(ctx).
			Int("updated", res.UpdatedCount).
			Int("failed", res.FailedCount).
			Msg("crawl finished")
	}

	s.mu.Lock()
	delete(s.running, name)
	s.lastUpdate[name] = now
	s.mu.Unlock()

	if err := s.state.SetLastUpdate(ctx, name, now); err != nil {
		zlog.Warn(ctx).Err(err).Msg("failed to persist last-update instant")
	}
	if s.cache != nil {
		s.cache.Set(ctx, cache.PrefixCrawlerResult+name, LastResult{
			Count:             res.UpdatedCount,
			SeverityHistogram: res.SeverityHistogram,
			Samples:           res.Samples,
			Status:            res.Status,
			Message:           res.Message,
			UpdatedAt:         now,
		}, cache.TTLCrawlerResult)
	}
}

// track tees progress reports into the running map before they reach the
// push fabric.
func (s *Scheduler) track(name string, next driver.Reporter) driver.Reporter {
	return reporterFunc(func(ctx context.Context, stage driver.Stage, percent int, message string, extras map[string]any) {
		s.mu.Lock()
		if cur, ok := s.running[name]; ok {
			cur.Stage = stage
			cur.Percent = stage.Clamp(percent)
			cur.Message = message
		}
		s.mu.Unlock()
		next.Report(ctx, stage, percent, message, extras)
	})
}

type reporterFunc func(context.Context, driver.Stage, int, string, map[string]any)

func (f reporterFunc) Report(ctx context.Context, stage driver.Stage, percent int, message string, extras map[string]any) {
	f(ctx, stage, percent, message, extras)
}

// Running returns a snapshot of the crawls in flight.
func (s *Scheduler) Running() map[string]Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Progress, len(s.running))
	for name, p := range s.running {
		out[name] = *p
	}
	return out
}

// AnyRunning reports whether any crawl is in flight.
func (s *Scheduler) AnyRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running) > 0
}

// LastUpdates returns a snapshot of the per-crawler last-success instants.
func (s *Scheduler) LastUpdates() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.lastUpdate))
	for name, at := range s.lastUpdate {
		out[name] = at
	}
	return out
}

// LastResult loads a crawler's cached most-recent outcome.
func (s *Scheduler) LastResult(ctx context.Context, name string) (*LastResult, bool) {
	if s.cache == nil {
		return nil, false
	}
	var out LastResult
	if !s.cache.Get(ctx, cache.PrefixCrawlerResult+name, &out) {
		return nil, false
	}
	return &out, true
}
