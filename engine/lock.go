package engine

import (
	"context"
	"fmt"

	"github.com/quay/zlog"

	"github.com/cvelab/cvehub"
)

// AcquireLock takes (or renews) the edit lock on a CVE for the given user
// with the default lease. When another user holds an unexpired lock the
// current lock is returned alongside an error of kind [cvehub.ErrLocked].
func (e *Engine) AcquireLock(ctx context.Context, id, username string) (*cvehub.Lock, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "engine/Engine.AcquireLock")
	id, ok := cvehub.NormalizeCVEID(id)
	if !ok {
		return nil, &cvehub.Error{
			Op:      "engine/Engine.AcquireLock",
			Kind:    cvehub.ErrInvalid,
			Message: fmt.Sprintf("malformed cve id: %q", id),
		}
	}
	cur, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := cvehub.Now()
	if cur.Lock.Held(now) && cur.Lock.LockedBy != username {
		return &cur.Lock, &cvehub.Error{
			Op:      "engine/Engine.AcquireLock",
			Kind:    cvehub.ErrLocked,
			Message: fmt.Sprintf("locked by %s until %s", cur.Lock.LockedBy, cvehub.ISO8601(cur.Lock.LockExpiresAt)),
		}
	}

	lock := cvehub.Lock{
		IsLocked:      true,
		LockedBy:      username,
		LockTimestamp: now,
		LockExpiresAt: now.Add(cvehub.LockLease),
	}
	if err := e.store.UpdateFields(ctx, id, map[string]any{"lock": lock}, nil); err != nil {
		return nil, err
	}
	zlog.Debug(ctx).Str("cve_id", id).Str("user", username).Msg("edit lock acquired")
	e.invalidate(ctx, id, true)
	return &lock, nil
}

// ReleaseLock drops the edit lock. Only the holder may release an
// unexpired lock; releasing an expired or absent lock is a no-op.
func (e *Engine) ReleaseLock(ctx context.Context, id, username string) error {
	ctx = zlog.ContextWithValues(ctx, "component", "engine/Engine.ReleaseLock")
	id, ok := cvehub.NormalizeCVEID(id)
	if !ok {
		return &cvehub.Error{
			Op:      "engine/Engine.ReleaseLock",
			Kind:    cvehub.ErrInvalid,
			Message: fmt.Sprintf("malformed cve id: %q", id),
		}
	}
	cur, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}

	now := cvehub.Now()
	if !cur.Lock.Held(now) {
		return nil
	}
	if cur.Lock.LockedBy != username {
		return &cvehub.Error{
			Op:      "engine/Engine.ReleaseLock",
			Kind:    cvehub.ErrForbidden,
			Message: fmt.Sprintf("lock held by %s", cur.Lock.LockedBy),
		}
	}
	if err := e.store.UpdateFields(ctx, id, map[string]any{"lock": cvehub.Lock{}}, nil); err != nil {
		return err
	}
	zlog.Debug(ctx).Str("cve_id", id).Str("user", username).Msg("edit lock released")
	e.invalidate(ctx, id, true)
	return nil
}
