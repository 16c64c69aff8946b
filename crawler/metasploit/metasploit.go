// Package metasploit crawls the Metasploit Framework repository for
// exploit modules that reference CVEs.
package metasploit

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/quay/zlog"

	"github.com/cvelab/cvehub/crawler"
	"github.com/cvelab/cvehub/crawler/driver"
	"github.com/cvelab/cvehub/engine"
	"github.com/cvelab/cvehub/internal/gitutil"
)

// Upstream defaults.
const (
	DefaultRepo   = "https://github.com/rapid7/metasploit-framework.git"
	DefaultBranch = "master"

	blobBase = "https://github.com/rapid7/metasploit-framework/blob/master"
)

const chunkSize = 50

// Crawler is the Metasploit Framework crawler.
type Crawler struct {
	eng    *engine.Engine
	repo   string
	branch string
	dir    string
}

var _ driver.Crawler = (*Crawler)(nil)

// Opts configures a Crawler. Zero values take upstream defaults.
type Opts struct {
	Repo    string
	Branch  string
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
		opts.WorkDir = filepath.Join(os.TempDir(), "cvehub-metasploit")
	}
	return &Crawler{eng: eng, repo: opts.Repo, branch: opts.Branch, dir: opts.WorkDir}
}

// Name implements driver.Crawler.
func (*Crawler) Name() string { return "metasploit" }

// DisplayName implements driver.Crawler.
func (*Crawler) DisplayName() string { return "Metasploit Framework" }

// Crawl implements driver.Crawler.
func (c *Crawler) Crawl(ctx context.Context, rep driver.Reporter) (*driver.Result, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "crawler/metasploit/Crawler.Crawl")
	rep.Report(ctx, driver.Preparing, 0, "preparing working copy", nil)

	if err := gitutil.Sync(ctx, c.dir, c.repo, c.branch); err != nil {
		rep.Report(ctx, driver.Error, 0, err.Error(), nil)
		return nil, err
	}
	rep.Report(ctx, driver.Fetching, 40, "working copy up to date", nil)

	grouped, parseFailed, err := c.walk(ctx, rep)
	if err != nil {
		rep.Report(ctx, driver.Error, 0, err.Error(), nil)
		return nil, err
	}
	items := make([]engine.Item, 0, len(grouped))
	for _, it := range grouped {
		items = append(items, *it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CVEID < items[j].CVEID })

	var track crawler.Tracker
	track.Failed = parseFailed
	for i := 0; i < len(items); i += chunkSize {
		chunk := items[i:min(i+chunkSize, len(items))]
		res := c.eng.BulkUpsert(ctx, chunk, c.DisplayName())
		track.Absorb(chunk, res)
		percent := 60 + 35*(i+len(chunk))/len(items)
		rep.Report(ctx, driver.Saving, percent,
			fmt.Sprintf("saved %d/%d modules", i+len(chunk), len(items)), nil)
	}

	msg := fmt.Sprintf("%d cves referenced, %d updated, %d failed", len(items), track.Updated, track.Failed)
	rep.Report(ctx, driver.Completed, 100, msg, map[string]any{
		"updated_count": track.Updated,
		"failed_count":  track.Failed,
	})
	return track.Finish(msg), nil
}

// walk visits every exploit module and folds CVE-referencing ones into
// one item per CVE.
func (c *Crawler) walk(ctx context.Context, rep driver.Reporter) (map[string]*engine.Item, int, error) {
	root := filepath.Join(c.dir, "modules", "exploits")
	grouped := make(map[string]*engine.Item)
	var visited, failed int
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".rb") {
			return nil
		}
		visited++
		if visited%500 == 0 {
			// The module count is unknown up front, so processing sits in
			// the middle of its band.
			rep.Report(ctx, driver.Processing, 50,
				fmt.Sprintf("scanned %d modules", visited), nil)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			zlog.Warn(ctx).Err(err).Str("module", path).Msg("failed to read module")
			failed++
			return nil
		}
		rel, err := filepath.Rel(c.dir, path)
		if err != nil {
			rel = path
		}
		blobURL := blobBase + "/" + filepath.ToSlash(rel)
		mergeItems(grouped, parseModule(raw, blobURL))
		return ctx.Err()
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to walk modules: %w", err)
	}
	return grouped, failed, nil
}
