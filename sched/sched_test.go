package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cvelab/cvehub/crawler"
	"github.com/cvelab/cvehub/crawler/driver"
	"github.com/cvelab/cvehub/test"
)

type fakeState struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func newFakeState() *fakeState {
	return &fakeState{m: make(map[string]time.Time)}
}

func (s *fakeState) LastUpdates(_ context.Context) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.m))
	for k, v := range s.m {
		out[k] = v
	}
	return out, nil
}

func (s *fakeState) SetLastUpdate(_ context.Context, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[name] = at
	return nil
}

// gateCrawler blocks inside Crawl until released.
type gateCrawler struct {
	name    string
	started chan struct{}
	release chan struct{}
	panics  bool
}

func (c *gateCrawler) Name() string        { return c.name }
func (c *gateCrawler) DisplayName() string { return c.name }

func (c *gateCrawler) Crawl(ctx context.Context, rep driver.Reporter) (*driver.Result, error) {
	rep.Report(ctx, driver.Fetching, 20, "fetching", nil)
	close(c.started)
	<-c.release
	if c.panics {
		panic("synthetic")
	}
	rep.Report(ctx, driver.Completed, 100, "done", nil)
	return &driver.Result{Status: driver.StatusSuccess, UpdatedCount: 3}, nil
}

func TestRunAndBusyDescriptor(t *testing.T) {
	ctx := test.Logging(t)
	gc := &gateCrawler{
		name:    "test-gate",
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	crawler.Register(gc)
	state := newFakeState()
	s, err := New(state, Opts{})
	if err != nil {
		t.Fatal(err)
	}

	reply, err := s.Run(ctx, gc.name, "", true)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Status != "running" || reply.CrawlerID != gc.name {
		t.Fatalf("first run reply: %+v", reply)
	}
	<-gc.started

	busy, err := s.Run(ctx, gc.name, "", true)
	if err != nil {
		t.Fatal(err)
	}
	if busy.Status != "already_running" {
		t.Fatalf("second run reply: %+v", busy)
	}
	if busy.Progress == nil || busy.Progress.Stage != driver.Fetching {
		t.Errorf("busy descriptor progress: %+v", busy.Progress)
	}
	if !s.AnyRunning() {
		t.Error("AnyRunning should report the in-flight crawl")
	}

	close(gc.release)
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatal(err)
	}

	if s.AnyRunning() {
		t.Error("running flag not released")
	}
	if _, ok := s.LastUpdates()[gc.name]; !ok {
		t.Error("last update not recorded in memory")
	}
	state.mu.Lock()
	_, durable := state.m[gc.name]
	state.mu.Unlock()
	if !durable {
		t.Error("last update not persisted")
	}
}

func TestPanickingCrawlReleasesFlag(t *testing.T) {
	ctx := test.Logging(t)
	gc := &gateCrawler{
		name:    "test-panic",
		started: make(chan struct{}),
		release: make(chan struct{}),
		panics:  true,
	}
	crawler.Register(gc)
	state := newFakeState()
	s, err := New(state, Opts{})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Run(ctx, gc.name, "", true); err != nil {
		t.Fatal(err)
	}
	<-gc.started
	close(gc.release)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatal(err)
	}
	if s.AnyRunning() {
		t.Error("running flag not released after panic")
	}
	if _, ok := s.LastUpdates()[gc.name]; !ok {
		t.Error("completion bookkeeping skipped after panic")
	}
}

func TestRunUnknownCrawler(t *testing.T) {
	ctx := test.Logging(t)
	s, err := New(newFakeState(), Opts{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Run(ctx, "no-such-crawler", "", true); err == nil {
		t.Fatal("expected an error")
	}
}
