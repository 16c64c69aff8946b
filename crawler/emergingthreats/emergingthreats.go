// Package emergingthreats crawls the Emerging Threats open ruleset for
// IDS rules that reference CVEs.
package emergingthreats

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/quay/zlog"

	"github.com/cvelab/cvehub/crawler"
	"github.com/cvelab/cvehub/crawler/driver"
	"github.com/cvelab/cvehub/engine"
	"github.com/cvelab/cvehub/internal/httputil"
	"github.com/cvelab/cvehub/pkg/tmp"
)

// DefaultURL is the upstream "all rules" file.
const DefaultURL = "https://rules.emergingthreats.net/open/suricata/rules/emerging-all.rules"

const chunkSize = 50

// Crawler is the Emerging Threats rules crawler.
type Crawler struct {
	eng    *engine.Engine
	client *http.Client
	url    string
	dir    string
}

var _ driver.Crawler = (*Crawler)(nil)

// Opts configures a Crawler. Zero values take upstream defaults.
type Opts struct {
	URL    string
	Client *http.Client
	// WorkDir holds the fingerprint of the last successfully processed
	// download between runs.
	WorkDir string
}

// New returns a Crawler writing through the given engine.
func New(eng *engine.Engine, opts Opts) *Crawler {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.Client == nil {
		opts.Client = &http.Client{
			Transport: httputil.NewRateLimiter(nil, time.Second),
			Timeout:   5 * time.Minute,
		}
	}
	if opts.WorkDir == "" {
		opts.WorkDir = filepath.Join(os.TempDir(), "cvehub-emergingthreats")
	}
	return &Crawler{eng: eng, client: opts.Client, url: opts.URL, dir: opts.WorkDir}
}

// Name implements driver.Crawler.
func (*Crawler) Name() string { return "emerging-threats" }

// DisplayName implements driver.Crawler.
func (*Crawler) DisplayName() string { return "Emerging Threats" }

func (c *Crawler) fingerprintPath() string {
	return filepath.Join(c.dir, "emerging-all.rules.sha256")
}

// fetch spools the rules file to a temporary file while hashing it.
// [driver.Unchanged] is returned when the content hash matches the stored
// fingerprint of the previous run.
func (c *Crawler) fetch(ctx context.Context) (*tmp.File, driver.Fingerprint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch rules: %w", err)
	}
	defer resp.Body.Close()
	if err := httputil.CheckResponse(resp, http.StatusOK); err != nil {
		return nil, "", err
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, "", err
	}
	spool, err := tmp.NewFile(c.dir, "emerging-all.*.rules")
	if err != nil {
		return nil, "", err
	}
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(spool, h), resp.Body); err != nil {
		spool.Close()
		return nil, "", fmt.Errorf("failed to spool rules: %w", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		spool.Close()
		return nil, "", err
	}
	fp := driver.Fingerprint(hex.EncodeToString(h.Sum(nil)))

	if prev, err := os.ReadFile(c.fingerprintPath()); err == nil && driver.Fingerprint(prev) == fp {
		spool.Close()
		return nil, fp, driver.Unchanged
	}
	return spool, fp, nil
}

// Crawl implements driver.Crawler.
func (c *Crawler) Crawl(ctx context.Context, rep driver.Reporter) (*driver.Result, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "crawler/emergingthreats/Crawler.Crawl")
	rep.Report(ctx, driver.Preparing, 0, "downloading ruleset", nil)

	spool, fp, err := c.fetch(ctx)
	switch {
	case err == nil:
	case errors.Is(err, driver.Unchanged):
		msg := "ruleset unchanged"
		rep.Report(ctx, driver.Completed, 100, msg, nil)
		return (&crawler.Tracker{}).Finish(msg), nil
	default:
		rep.Report(ctx, driver.Error, 0, err.Error(), nil)
		return nil, err
	}
	defer spool.Close()
	rep.Report(ctx, driver.Fetching, 40, "ruleset downloaded", nil)

	grouped, err := parseRules(spool)
	if err != nil {
		rep.Report(ctx, driver.Error, 0, err.Error(), nil)
		return nil, err
	}
	items := flatten(grouped)
	rep.Report(ctx, driver.Processing, 60,
		fmt.Sprintf("parsed %d cve-referencing rules", len(items)), nil)

	var track crawler.Tracker
	for i := 0; i < len(items); i += chunkSize {
		chunk := items[i:min(i+chunkSize, len(items))]
		res := c.eng.BulkUpsert(ctx, chunk, c.DisplayName())
		track.Absorb(chunk, res)
		percent := 60 + 35*(i+len(chunk))/len(items)
		rep.Report(ctx, driver.Saving, percent,
			fmt.Sprintf("saved %d/%d rules", i+len(chunk), len(items)), nil)
	}

	// The fingerprint is only durable once the batch made it through, so
	// a failed run re-processes the same download.
	if track.Failed == 0 {
		if err := os.WriteFile(c.fingerprintPath(), []byte(fp), 0o644); err != nil {
			zlog.Warn(ctx).Err(err).Msg("failed to store ruleset fingerprint")
		}
	}

	msg := fmt.Sprintf("%d cves referenced, %d updated, %d failed", len(items), track.Updated, track.Failed)
	rep.Report(ctx, driver.Completed, 100, msg, map[string]any{
		"updated_count": track.Updated,
		"failed_count":  track.Failed,
	})
	return track.Finish(msg), nil
}
