package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name  string
	err   error
	text  string
	calls int
}

func (f *fakeProvider) Provider() string { return f.name }

func (f *fakeProvider) Call(ctx context.Context, req LLMRequest) (*LLMResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &LLMResponse{Content: f.text}, nil
}

func (f *fakeProvider) Stream(ctx context.Context, req LLMRequest, onDelta func(string)) (*LLMResponse, error) {
	resp, err := f.Call(ctx, req)
	if err == nil && onDelta != nil {
		onDelta(resp.Content)
	}
	return resp, err
}

type fakeFactory struct {
	providers map[string]*fakeProvider
}

func (f *fakeFactory) NewProvider(ctx context.Context, profile AuthProfile) (LLMProvider, error) {
	p, ok := f.providers[profile.ID]
	if !ok {
		return nil, errors.New("unknown profile")
	}
	return p, nil
}

func setupTestPool(t *testing.T, providers map[string]*fakeProvider, profiles ...AuthProfile) *Pool {
	t.Helper()
	pool, err := NewPool(PoolConfig{
		Profiles: profiles,
		Factory:  &fakeFactory{providers: providers},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return pool
}

func TestNewPool(t *testing.T) {
	t.Run("should fail without auth profiles", func(t *testing.T) {
		_, err := NewPool(PoolConfig{})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "auth profile")
	})

	t.Run("should sort profiles by priority", func(t *testing.T) {
		pool := setupTestPool(t, nil,
			AuthProfile{ID: "low", Provider: "openai", Priority: 5},
			AuthProfile{ID: "high", Provider: "anthropic", Priority: 1},
		)
		assert.Equal(t, "anthropic", pool.Provider())
	})
}

func TestPoolFailover(t *testing.T) {
	t.Run("should fail over on retryable errors", func(t *testing.T) {
		primary := &fakeProvider{name: "anthropic", err: errors.New("503 overloaded")}
		backup := &fakeProvider{name: "openai", text: "from backup"}
		pool := setupTestPool(t, map[string]*fakeProvider{"a": primary, "b": backup},
			AuthProfile{ID: "a", Provider: "anthropic", Priority: 1},
			AuthProfile{ID: "b", Provider: "openai", Priority: 2},
		)

		resp, err := pool.Call(context.Background(), LLMRequest{})
		require.NoError(t, err)
		assert.Equal(t, "from backup", resp.Content)
		assert.Equal(t, 1, primary.calls)
	})

	t.Run("should skip profiles in cooldown", func(t *testing.T) {
		primary := &fakeProvider{name: "anthropic", err: errors.New("503 overloaded")}
		backup := &fakeProvider{name: "openai", text: "ok"}
		pool := setupTestPool(t, map[string]*fakeProvider{"a": primary, "b": backup},
			AuthProfile{ID: "a", Provider: "anthropic", Priority: 1},
			AuthProfile{ID: "b", Provider: "openai", Priority: 2},
		)

		_, err := pool.Call(context.Background(), LLMRequest{})
		require.NoError(t, err)
		_, err = pool.Call(context.Background(), LLMRequest{})
		require.NoError(t, err)
		assert.Equal(t, 1, primary.calls, "primary cools down after failing")
		assert.Equal(t, 2, backup.calls)

		pool.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		primary.err = nil
		_, err = pool.Call(context.Background(), LLMRequest{})
		require.NoError(t, err)
		assert.Equal(t, 2, primary.calls)
	})

	t.Run("should stop on permanent errors", func(t *testing.T) {
		primary := &fakeProvider{name: "anthropic", err: &ProviderError{Provider: "anthropic", StatusCode: 401, Err: errors.New("bad key")}}
		backup := &fakeProvider{name: "openai", text: "ok"}
		pool := setupTestPool(t, map[string]*fakeProvider{"a": primary, "b": backup},
			AuthProfile{ID: "a", Provider: "anthropic", Priority: 1},
			AuthProfile{ID: "b", Provider: "openai", Priority: 2},
		)

		_, err := pool.Call(context.Background(), LLMRequest{})
		var pe *ProviderError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, 401, pe.StatusCode)
		assert.Equal(t, 0, backup.calls)
	})

	t.Run("should not fail over once text was streamed", func(t *testing.T) {
		primary := &partialStreamer{fakeProvider{name: "anthropic"}}
		backup := &fakeProvider{name: "openai", text: "ok"}
		pool, err := NewPool(PoolConfig{
			Profiles: []AuthProfile{{ID: "a", Priority: 1}, {ID: "b", Priority: 2}},
			Factory:  creatorFunc(func(p AuthProfile) LLMProvider { return map[string]LLMProvider{"a": primary, "b": backup}[p.ID] }),
			Logger:   zerolog.Nop(),
		})
		require.NoError(t, err)

		var deltas []string
		_, err = pool.Stream(context.Background(), LLMRequest{}, func(d string) { deltas = append(deltas, d) })
		assert.Error(t, err)
		assert.Equal(t, []string{"partial"}, deltas)
		assert.Equal(t, 0, backup.calls)
	})
}

type partialStreamer struct {
	fakeProvider
}

func (p *partialStreamer) Stream(ctx context.Context, req LLMRequest, onDelta func(string)) (*LLMResponse, error) {
	onDelta("partial")
	return nil, errors.New("connection reset")
}

type creatorFunc func(AuthProfile) LLMProvider

func (f creatorFunc) NewProvider(ctx context.Context, p AuthProfile) (LLMProvider, error) {
	return f(p), nil
}

func TestCompleter(t *testing.T) {
	t.Run("should return trimmed text", func(t *testing.T) {
		c := NewCompleter(&fakeProvider{name: "x", text: "  summary \n"}, "m", 256)
		out, err := c.CompleteText(context.Background(), "sys", "prompt")
		require.NoError(t, err)
		assert.Equal(t, "summary", out)
	})

	t.Run("should wrap provider failures", func(t *testing.T) {
		c := NewCompleter(&fakeProvider{name: "x", err: errors.New("boom")}, "m", 256)
		_, err := c.CompleteText(context.Background(), "sys", "prompt")
		var pe *ProviderError
		assert.ErrorAs(t, err, &pe)
	})

	t.Run("should fail without provider", func(t *testing.T) {
		_, err := NewCompleter(nil, "m", 0).CompleteText(context.Background(), "", "")
		assert.ErrorIs(t, err, ErrNoProvider)
	})
}
