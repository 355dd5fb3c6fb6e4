package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestReplays(t *testing.T, ttl time.Duration) *replayCache {
	ctx, cancel := context.WithCancel(context.Background())
	rc := newReplayCache(ctx, ttl)
	t.Cleanup(func() {
		cancel()
		<-rc.done
	})
	return rc
}

func TestReplayCache(t *testing.T) {
	t.Run("should stop sweeping when context ends", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		rc := newReplayCache(ctx, 50*time.Millisecond)
		cancel()

		select {
		case <-rc.done:
		case <-time.After(time.Second):
			t.Fatalf("replay sweeper did not stop within timeout")
		}
	})

	t.Run("should expire stored results", func(t *testing.T) {
		rc := setupTestReplays(t, 20*time.Millisecond)

		rc.store("lane/a", taskResult{value: 1})
		got, ok := rc.lookup("lane/a")
		require.True(t, ok)
		assert.Equal(t, 1, got.value)

		assert.Eventually(t, func() bool { return rc.size() == 0 }, time.Second, 10*time.Millisecond)
		_, ok = rc.lookup("lane/a")
		assert.False(t, ok)
	})

	t.Run("should run again after a failure", func(t *testing.T) {
		rc := setupTestReplays(t, time.Minute)
		var runs atomic.Int32
		boom := errors.New("boom")

		r, _ := rc.do(context.Background(), "k", func() taskResult {
			runs.Add(1)
			return taskResult{err: boom}
		})
		assert.ErrorIs(t, r.err, boom)

		r, _ = rc.do(context.Background(), "k", func() taskResult {
			runs.Add(1)
			return taskResult{value: "ok"}
		})
		require.NoError(t, r.err)
		assert.Equal(t, "ok", r.value)
		assert.Equal(t, int32(2), runs.Load())
	})

	t.Run("should share one run among concurrent duplicates", func(t *testing.T) {
		rc := setupTestReplays(t, time.Minute)
		var runs atomic.Int32
		release := make(chan struct{})
		started := make(chan struct{})

		fn := func() taskResult {
			if runs.Add(1) == 1 {
				close(started)
			}
			<-release
			return taskResult{value: "done"}
		}

		var wg sync.WaitGroup
		results := make([]taskResult, 3)
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[0], _ = rc.do(context.Background(), "k", fn)
		}()
		<-started
		for i := 1; i < 3; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], _ = rc.do(context.Background(), "k", fn)
			}(i)
		}
		time.Sleep(20 * time.Millisecond)
		close(release)
		wg.Wait()

		assert.Equal(t, int32(1), runs.Load())
		for _, r := range results {
			assert.Equal(t, "done", r.value)
		}
	})

	t.Run("should stop waiting when the caller gives up", func(t *testing.T) {
		rc := setupTestReplays(t, time.Minute)
		release := make(chan struct{})
		defer close(release)

		started := make(chan struct{})
		go rc.do(context.Background(), "k", func() taskResult {
			close(started)
			<-release
			return taskResult{value: 1}
		})
		<-started

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		r, _ := rc.do(ctx, "k", func() taskResult { return taskResult{value: 2} })
		assert.ErrorIs(t, r.err, context.DeadlineExceeded)
	})
}
