// Package crawler holds the crawler registry and the shared machinery
// every implementation runs on: throttled progress reporting and result
// bookkeeping. Implementations live in subpackages and register
// themselves explicitly at startup.
package crawler

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cvelab/cvehub"
	"github.com/cvelab/cvehub/crawler/driver"
	"github.com/cvelab/cvehub/engine"
)

var pkg = struct {
	sync.Mutex
	crawlers map[string]driver.Crawler
}{
	crawlers: make(map[string]driver.Crawler),
}

// Register makes a Crawler available by its name. Register panics when
// called twice with the same name.
func Register(c driver.Crawler) {
	pkg.Lock()
	defer pkg.Unlock()
	name := c.Name()
	if _, ok := pkg.crawlers[name]; ok {
		panic(fmt.Sprintf("crawler: Register called twice for %q", name))
	}
	pkg.crawlers[name] = c
}

// Get returns the named Crawler.
func Get(name string) (driver.Crawler, bool) {
	pkg.Lock()
	defer pkg.Unlock()
	c, ok := pkg.crawlers[name]
	return c, ok
}

// List returns every registered Crawler, sorted by name.
func List() []driver.Crawler {
	pkg.Lock()
	defer pkg.Unlock()
	out := make([]driver.Crawler, 0, len(pkg.crawlers))
	for _, c := range pkg.crawlers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Names returns the registered crawler names, sorted. History queries use
// these as the author filter for crawler-written changes.
func Names() []string {
	cs := List()
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Name()
	}
	return out
}

// maxSamples caps how many updated ids a Result carries for display.
const maxSamples = 10

// Tracker accumulates the outcome of a chunked crawl: counts, a severity
// histogram of the updated documents, and a few sample ids.
type Tracker struct {
	Updated int
	Failed  int

	samples    []string
	severities map[string]int
}

// Absorb folds one chunk's bulk upsert outcome into the tracker.
// Unchanged items count as neither updated nor failed.
func (t *Tracker) Absorb(chunk []engine.Item, res *engine.BulkResult) {
	for i := range chunk {
		item := &chunk[i]
		status, ok := res.Success[item.CVEID]
		if !ok || status == engine.StatusUnchanged {
			continue
		}
		t.Updated++
		if len(t.samples) < maxSamples {
			t.samples = append(t.samples, item.CVEID)
		}
		if t.severities == nil {
			t.severities = make(map[string]int)
		}
		t.severities[cvehub.NormalizeSeverity(item.Severity).String()]++
	}
	t.Failed += len(res.Errors)
}

// Finish builds the terminal Result.
func (t *Tracker) Finish(message string) *driver.Result {
	status := driver.StatusSuccess
	if t.Failed > 0 {
		status = driver.StatusPartialSuccess
	}
	return &driver.Result{
		Status:            status,
		UpdatedCount:      t.Updated,
		FailedCount:       t.Failed,
		Message:           message,
		SeverityHistogram: t.severities,
		Samples:           t.samples,
	}
}
