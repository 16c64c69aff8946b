// Package nuclei crawls the nuclei-templates repository for CVE detection
// templates under http/cves.
package nuclei

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/quay/zlog"
	"golang.org/x/sync/errgroup"

	"github.com/cvelab/cvehub/crawler"
	"github.com/cvelab/cvehub/crawler/driver"
	"github.com/cvelab/cvehub/engine"
	"github.com/cvelab/cvehub/internal/gitutil"
)

// Upstream defaults.
const (
	DefaultRepo   = "https://github.com/projectdiscovery/nuclei-templates.git"
	DefaultBranch = "main"

	blobBase = "https://github.com/projectdiscovery/nuclei-templates/blob/main"
)

// Year-directory scans run concurrently up to this bound; file batches
// flow to the store in chunks to bound memory.
const (
	yearConcurrency = 4
	chunkSize       = 50
)

// Crawler is the nuclei-templates crawler.
type Crawler struct {
	eng    *engine.Engine
	repo   string
	branch string
	dir    string
}

var _ driver.Crawler = (*Crawler)(nil)

// Opts configures a Crawler. Zero values take upstream defaults.
type Opts struct {
	Repo   string
	Branch string
	// WorkDir is where the shallow checkout lives between runs.
	WorkDir string
}

// New returns a Crawler writing through the given engine.
func New(eng *engine.Engine, opts Opts) *Crawler {
	if opts.Repo == "" {
		opts.Repo = DefaultRepo
	}
	if opts.Branch == "" {
		opts.Branch = DefaultBranch
	}
	if opts.WorkDir == "" {
		opts.WorkDir = filepath.Join(os.TempDir(), "cvehub-nuclei")
	}
	return &Crawler{eng: eng, repo: opts.Repo, branch: opts.Branch, dir: opts.WorkDir}
}

// Name implements driver.Crawler.
func (*Crawler) Name() string { return "nuclei" }

// DisplayName implements driver.Crawler.
func (*Crawler) DisplayName() string { return "Nuclei Templates" }

// Crawl implements driver.Crawler.
func (c *Crawler) Crawl(ctx context.Context, rep driver.Reporter) (*driver.Result, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "crawler/nuclei/Crawler.Crawl")
	rep.Report(ctx, driver.Preparing, 0, "preparing working copy", nil)

	if err := gitutil.Sync(ctx, c.dir, c.repo, c.branch); err != nil {
		rep.Report(ctx, driver.Error, 0, err.Error(), nil)
		return nil, err
	}
	rep.Report(ctx, driver.Fetching, 40, "working copy up to date", nil)

	items, parseFailed, err := c.scan(ctx, rep)
	if err != nil {
		rep.Report(ctx, driver.Error, 0, err.Error(), nil)
		return nil, err
	}

	var track crawler.Tracker
	track.Failed = parseFailed
	for i := 0; i < len(items); i += chunkSize {
		chunk := items[i:min(i+chunkSize, len(items))]
		res := c.eng.BulkUpsert(ctx, chunk, c.DisplayName())
		track.Absorb(chunk, res)
		percent := 60 + 35*(i+len(chunk))/len(items)
		rep.Report(ctx, driver.Saving, percent,
			fmt.Sprintf("saved %d/%d templates", i+len(chunk), len(items)), nil)
	}

	msg := fmt.Sprintf("%d templates scanned, %d updated, %d failed", len(items), track.Updated, track.Failed)
	rep.Report(ctx, driver.Completed, 100, msg, map[string]any{
		"updated_count": track.Updated,
		"failed_count":  track.Failed,
	})
	return track.Finish(msg), nil
}

// scan walks http/cves/<year>/*.yaml with bounded per-year concurrency.
func (c *Crawler) scan(ctx context.Context, rep driver.Reporter) ([]engine.Item, int, error) {
	root := filepath.Join(c.dir, "http", "cves")
	years, err := os.ReadDir(root)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read cves directory: %w", err)
	}

	var (
		mu     sync.Mutex
		items  []engine.Item
		failed int
		done   int
	)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(yearConcurrency)
	for _, y := range years {
		if !y.IsDir() {
			continue
		}
		year := y.Name()
		eg.Go(func() error {
			got, bad := c.scanYear(ctx, year)
			mu.Lock()
			items = append(items, got...)
			failed += bad
			done++
			percent := 40 + 20*done/len(years)
			mu.Unlock()
			rep.Report(ctx, driver.Processing, percent,
				fmt.Sprintf("scanned %s templates", year), nil)
			return ctx.Err()
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, 0, err
	}
	// Deterministic save order across runs.
	sort.Slice(items, func(i, j int) bool { return items[i].CVEID < items[j].CVEID })
	return items, failed, nil
}

func (c *Crawler) scanYear(ctx context.Context, year string) ([]engine.Item, int) {
	dir := filepath.Join(c.dir, "http", "cves", year)
	ents, err := os.ReadDir(dir)
	if err != nil {
		zlog.Warn(ctx).Err(err).Str("year", year).Msg("failed to read year directory")
		return nil, 1
	}

	var out []engine.Item
	var failed int
	for _, ent := range ents {
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			zlog.Warn(ctx).Err(err).Str("file", name).Msg("failed to read template")
			failed++
			continue
		}
		item, err := parseTemplate(raw, year, name, blobBase)
		switch {
		case err != nil:
			zlog.Warn(ctx).Err(err).Str("file", name).Msg("failed to parse template")
			failed++
		case item == nil:
			// Not a CVE template.
		default:
			out = append(out, *item)
		}
	}
	return out, failed
}
