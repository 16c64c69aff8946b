package crawler

import (
	"context"
	"sync"
	"time"

	"github.com/quay/zlog"

	"github.com/cvelab/cvehub"
	"github.com/cvelab/cvehub/crawler/driver"
	"github.com/cvelab/cvehub/push"
)

// Milestone percents that always go out regardless of throttling.
var milestones = map[int]struct{}{0: {}, 25: {}, 50: {}, 75: {}, 100: {}}

// throttleWindow is the minimum gap between two routine progress events of
// the same stage.
const throttleWindow = 200 * time.Millisecond

// Progress streams crawler_update_progress events through the push fabric,
// throttled so chatty crawls don't flood clients. Stage transitions,
// milestones, and terminal stages always go out.
type Progress struct {
	emit      push.Emitter
	crawler   string
	display   string
	requester string
	quiet     bool

	mu        sync.Mutex
	lastStage driver.Stage
	lastEmit  time.Time
}

// ProgressOpts configures a Progress.
type ProgressOpts struct {
	// Requester routes events to one user's sessions instead of
	// broadcasting.
	Requester string
	// Quiet suppresses every emission; scheduled runs use it.
	Quiet bool
}

// NewProgress returns a Progress for one crawl of one crawler.
func NewProgress(emit push.Emitter, c driver.Crawler, opts ProgressOpts) *Progress {
	return &Progress{
		emit:      emit,
		crawler:   c.Name(),
		display:   c.DisplayName(),
		requester: opts.Requester,
		quiet:     opts.Quiet,
	}
}

var _ driver.Reporter = (*Progress)(nil)

// Report implements driver.Reporter.
func (p *Progress) Report(ctx context.Context, stage driver.Stage, percent int, message string, extras map[string]any) {
	percent = stage.Clamp(percent)
	zlog.Debug(ctx).
		Str("crawler", p.crawler).
		Str("stage", string(stage)).
		Int("percent", percent).
		Msg(message)
	if p.quiet || p.emit == nil {
		return
	}
	if !p.admit(stage, percent) {
		return
	}

	data := map[string]any{
		"crawler":      p.crawler,
		"display_name": p.display,
		"stage":        string(stage),
		"percent":      percent,
		"message":      message,
	}
	for k, v := range extras {
		data[k] = v
	}
	if p.requester != "" {
		p.emit.ToUser(ctx, p.requester, cvehub.EventCrawlerProgress, data)
		return
	}
	p.emit.Broadcast(ctx, cvehub.EventCrawlerProgress, data)
}

// admit decides whether an event passes the throttle.
func (p *Progress) admit(stage driver.Stage, percent int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	_, milestone := milestones[percent]
	if !stage.Terminal() && stage == p.lastStage && !milestone && now.Sub(p.lastEmit) < throttleWindow {
		return false
	}
	p.lastStage = stage
	p.lastEmit = now
	return true
}
