package engine

import (
	"context"
	"time"

	"github.com/cvelab/cvehub/datastore"
)

// RecentHistory pages modification history entries across all documents,
// newest first. Uncached: the unwind is cheap relative to its access
// frequency and invalidating it on every write would thrash.
func (e *Engine) RecentHistory(ctx context.Context, opts datastore.HistoryOpts) (int64, []datastore.HistoryEntry, error) {
	if opts.Page <= 0 {
		opts.Page = 1
	}
	if opts.Limit <= 0 || opts.Limit > MaxPageSize {
		opts.Limit = 20
	}
	total, items, err := e.store.RecentHistory(ctx, opts)
	if err != nil {
		return 0, nil, err
	}
	if items == nil {
		items = []datastore.HistoryEntry{}
	}
	return total, items, nil
}

// HistoryStats aggregates modification activity since the cutoff.
func (e *Engine) HistoryStats(ctx context.Context, since time.Time) (*datastore.HistoryStats, error) {
	return e.store.HistoryStats(ctx, since)
}
