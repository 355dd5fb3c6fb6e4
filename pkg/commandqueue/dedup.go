package commandqueue

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultDedupTTL = 5 * time.Minute

type replay struct {
	result  taskResult
	expires time.Time
}

// replayCache makes a request id idempotent within a lane. Concurrent
// duplicates share one execution; later duplicates get the stored result
// until it expires. Failed runs are never stored so a retry executes again.
type replayCache struct {
	ttl    time.Duration
	flight singleflight.Group

	mu      sync.Mutex
	results map[string]replay

	done chan struct{}
}

// newReplayCache starts a sweeper that exits when ctx ends.
func newReplayCache(ctx context.Context, ttl time.Duration) *replayCache {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	rc := &replayCache{
		ttl:     ttl,
		results: make(map[string]replay),
		done:    make(chan struct{}),
	}
	go rc.sweep(ctx)
	return rc
}

func (rc *replayCache) lookup(key string) (taskResult, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	r, ok := rc.results[key]
	if !ok {
		return taskResult{}, false
	}
	if time.Now().After(r.expires) {
		delete(rc.results, key)
		return taskResult{}, false
	}
	return r.result, true
}

func (rc *replayCache) store(key string, result taskResult) {
	rc.mu.Lock()
	rc.results[key] = replay{result: result, expires: time.Now().Add(rc.ttl)}
	rc.mu.Unlock()
}

// do returns the stored result for key or runs fn, joining a run already in
// flight. A caller whose ctx ends stops waiting; the shared run continues
// under the context of whoever started it.
func (rc *replayCache) do(ctx context.Context, key string, fn func() taskResult) (taskResult, bool) {
	if r, ok := rc.lookup(key); ok {
		return r, true
	}
	ch := rc.flight.DoChan(key, func() (interface{}, error) {
		if r, ok := rc.lookup(key); ok {
			return r, nil
		}
		r := fn()
		if r.err == nil {
			rc.store(key, r)
		}
		return r, nil
	})
	select {
	case res := <-ch:
		return res.Val.(taskResult), res.Shared
	case <-ctx.Done():
		return taskResult{err: ctx.Err()}, false
	}
}

func (rc *replayCache) size() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.results)
}

func (rc *replayCache) sweep(ctx context.Context) {
	defer close(rc.done)

	every := min(rc.ttl, time.Minute)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rc.mu.Lock()
			for key, r := range rc.results {
				if now.After(r.expires) {
					delete(rc.results, key)
				}
			}
			rc.mu.Unlock()
		}
	}
}
