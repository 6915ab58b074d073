package oauth

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// RequestLock is the distributed-lock override contract (§9 Design Notes,
// §6): lock(key, fn) runs fn with guaranteed mutual exclusion on key and
// returns fn's result. The default in-process implementation uses
// singleflight.Group; a caller may substitute a Redis-backed (or similar)
// implementation with the same contract.
type RequestLock func(ctx context.Context, key string, fn func() (any, error)) (any, error)

// locks holds the two per-identity singleflight groups described in §3:
// restoreLocks keyed by sessionId, refreshLocks keyed by did. Entries exist
// only while the corresponding task is in flight; singleflight.Group
// provides exactly that "removed on completion, shared future while
// pending" contract (§9 Design Notes: Cooperative concurrency).
type locks struct {
	restore singleflight.Group
	refresh singleflight.Group
	custom  RequestLock
}

func newLocks(custom RequestLock) *locks {
	return &locks{custom: custom}
}

// runRestore serializes concurrent restore(sessionId) calls: all observers
// see the same outcome (§5 Ordering guarantees).
func (l *locks) runRestore(ctx context.Context, sessionID string, fn func() (any, error)) (any, error) {
	if l.custom != nil {
		return l.custom(ctx, "restore:"+sessionID, fn)
	}
	v, err, _ := l.restore.Do(sessionID, fn)
	return v, err
}

// runRefresh serializes concurrent refresh(did) calls, whether via the
// default in-memory group or a custom distributed lock (§5).
func (l *locks) runRefresh(ctx context.Context, did string, fn func() (any, error)) (any, error) {
	if l.custom != nil {
		return l.custom(ctx, "refresh:"+did, fn)
	}
	v, err, _ := l.refresh.Do(did, fn)
	return v, err
}
