// Package driver holds the interfaces and plumbing types crawler
// implementations conform to.
package driver

import (
	"context"
	"errors"
)

// Unchanged is returned from fetch steps when upstream content has not
// changed since the previous run.
var Unchanged = errors.New("driver: unchanged")

// Fingerprint is some identifying information about upstream content. It
// is treated as opaque by everything but the crawler that produced it; a
// crawler hands back the fingerprint of what it fetched and compares it on
// the next run to skip unchanged downloads.
type Fingerprint string

// Stage is a phase of a crawl. Each stage owns a percent band so progress
// values from different crawlers read uniformly.
type Stage string

const (
	Preparing  Stage = "preparing"
	Fetching   Stage = "fetching"
	Processing Stage = "processing"
	Saving     Stage = "saving"
	Completed  Stage = "completed"
	Error      Stage = "error"
)

// Bounds returns the percent band owned by the stage. Completed pins to
// 100; Error has no band.
func (s Stage) Bounds() (lo, hi int) {
	switch s {
	case Preparing:
		return 0, 10
	case Fetching:
		return 10, 40
	case Processing:
		return 40, 60
	case Saving:
		return 60, 95
	case Completed:
		return 100, 100
	}
	return 0, 0
}

// Terminal reports whether the stage ends a crawl.
func (s Stage) Terminal() bool {
	return s == Completed || s == Error
}

// Clamp pins a percent value into the stage's band.
func (s Stage) Clamp(percent int) int {
	lo, hi := s.Bounds()
	switch {
	case s == Error:
		return percent
	case percent < lo:
		return lo
	case percent > hi:
		return hi
	}
	return percent
}

// Result statuses.
const (
	StatusSuccess        = "success"
	StatusPartialSuccess = "partial_success"
	StatusError          = "error"
)

// Result is the outcome of one crawl.
type Result struct {
	Status       string `json:"status"`
	UpdatedCount int    `json:"updated_count"`
	FailedCount  int    `json:"failed_count"`
	Message      string `json:"message,omitempty"`
	// SeverityHistogram counts the updated documents by normalized
	// severity.
	SeverityHistogram map[string]int `json:"severity_histogram,omitempty"`
	// Samples holds a few of the updated ids for display.
	Samples []string `json:"samples,omitempty"`
}

// Reporter is the progress sink a crawl streams through. Implementations
// throttle and route; crawlers just report.
type Reporter interface {
	Report(ctx context.Context, stage Stage, percent int, message string, extras map[string]any)
}

// Crawler fetches one upstream source and merges what it finds into the
// document store.
type Crawler interface {
	// Name is the stable registry identifier, e.g. "nuclei".
	Name() string
	// DisplayName is the human-facing label.
	DisplayName() string
	// Crawl runs the whole prepare/fetch/parse/save sequence, streaming
	// progress through the Reporter. A returned error means a fetch-level
	// failure; per-item failures are counted in the Result instead.
	Crawl(ctx context.Context, rep Reporter) (*Result, error)
}
