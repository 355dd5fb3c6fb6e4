package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpc123/agenic-chatBot-sub001/pkg/agent"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/orchestrator"
)

const testSecret = "secret"

type fakeChat struct {
	mu        sync.Mutex
	resp      *orchestrator.Response
	err       error
	events    []agent.Event
	block     bool
	cancelled chan struct{}
	opts      []*orchestrator.ChatOptions
	cleared   []string
	aborted   []string
}

func (f *fakeChat) Chat(ctx context.Context, sessionID, message string, opts *orchestrator.ChatOptions) (*orchestrator.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return nil, f.err
	}
	resp := *f.resp
	resp.SessionID = sessionID
	return &resp, nil
}

func (f *fakeChat) ChatStream(ctx context.Context, sessionID, message string, opts *orchestrator.ChatOptions) *agent.Stream {
	f.mu.Lock()
	f.opts = append(f.opts, opts)
	events, block, cancelled := f.events, f.block, f.cancelled
	f.mu.Unlock()

	return agent.NewStream(ctx, 4, func(ctx context.Context, emit func(agent.Event) bool) {
		for _, ev := range events {
			if !emit(ev) {
				return
			}
		}
		if block {
			<-ctx.Done()
			close(cancelled)
			emit(agent.Event{Type: agent.EventError, Content: "cancelled"})
		}
	})
}

func (f *fakeChat) ClearSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sessionID == "bad..id" {
		return orchestrator.ErrInvalidRequest
	}
	f.cleared = append(f.cleared, sessionID)
	return nil
}

func (f *fakeChat) Abort(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, sessionID)
	return 1
}

func setupTestServer(t *testing.T, chat *fakeChat, mutate func(*Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := Config{
		SharedSecret: testSecret,
		Chat:         chat,
		Logger:       zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postChat(t *testing.T, ts *httptest.Server, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/chat", bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(Config{Chat: &fakeChat{}})
	assert.ErrorContains(t, err, "shared secret")

	_, err = NewServer(Config{SharedSecret: "x"})
	assert.ErrorContains(t, err, "chat service")
}

func TestServer_Chat(t *testing.T) {
	t.Run("should return the aggregated response", func(t *testing.T) {
		chat := &fakeChat{resp: &orchestrator.Response{Text: "4", Iterations: 2}}
		_, ts := setupTestServer(t, chat, nil)

		resp := postChat(t, ts, `{"session_id":"s1","message":"2+2?","permissions":["read"],"top_k":3}`,
			map[string]string{"Idempotency-Key": "key-1"})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body orchestrator.Response
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "4", body.Text)
		assert.Equal(t, "s1", body.SessionID)

		require.Len(t, chat.opts, 1)
		assert.Equal(t, "key-1", chat.opts[0].RequestID)
		assert.Equal(t, 3, chat.opts[0].TopK)
		assert.Len(t, chat.opts[0].AllowedPermissions, 1)
	})

	t.Run("should map engine errors to status codes", func(t *testing.T) {
		tests := []struct {
			err    error
			status int
			kind   string
		}{
			{orchestrator.ErrInvalidRequest, http.StatusBadRequest, KindBadRequest},
			{&agent.ProviderError{Provider: "openai", Err: errors.New("down")}, http.StatusBadGateway, agent.ErrorKindLLMProviderError},
			{agent.ErrCancelled, http.StatusConflict, agent.ErrorKindCancelled},
			{errors.New("disk on fire"), http.StatusInternalServerError, KindInternal},
		}
		for _, tt := range tests {
			_, ts := setupTestServer(t, &fakeChat{err: tt.err}, nil)
			resp := postChat(t, ts, `{"session_id":"s1","message":"hi"}`, nil)
			assert.Equal(t, tt.status, resp.StatusCode)

			var body ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.kind, body.Kind)
		}
	})

	t.Run("should reject malformed bodies", func(t *testing.T) {
		_, ts := setupTestServer(t, &fakeChat{}, nil)
		resp := postChat(t, ts, `{not json`, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("should require the shared secret", func(t *testing.T) {
		_, ts := setupTestServer(t, &fakeChat{resp: &orchestrator.Response{}}, nil)
		resp, err := http.Post(ts.URL+"/v1/chat", "application/json", strings.NewReader(`{}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("should rate limit per client", func(t *testing.T) {
		_, ts := setupTestServer(t, &fakeChat{resp: &orchestrator.Response{}}, func(cfg *Config) {
			cfg.RequestsPerMinute = 2
		})
		assert.Equal(t, http.StatusOK, postChat(t, ts, `{"session_id":"s","message":"a"}`, nil).StatusCode)
		assert.Equal(t, http.StatusOK, postChat(t, ts, `{"session_id":"s","message":"b"}`, nil).StatusCode)
		resp := postChat(t, ts, `{"session_id":"s","message":"c"}`, nil)
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	})
}

func TestServer_Sessions(t *testing.T) {
	chat := &fakeChat{}
	_, ts := setupTestServer(t, chat, nil)

	do := func(method, path string) *http.Response {
		req, err := http.NewRequest(method, ts.URL+path, nil)
		require.NoError(t, err)
		req.Header.Set(SecretHeader, testSecret)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusOK, do(http.MethodDelete, "/v1/sessions/s1").StatusCode)
	assert.Equal(t, http.StatusBadRequest, do(http.MethodDelete, "/v1/sessions/bad..id").StatusCode)
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/v1/sessions/s2/abort").StatusCode)

	assert.Equal(t, []string{"s1"}, chat.cleared)
	assert.Equal(t, []string{"s2"}, chat.aborted)
}

func TestServer_Health(t *testing.T) {
	_, ts := setupTestServer(t, &fakeChat{}, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	metrics, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}

func dialStream(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat/stream?" + query
	header := http.Header{}
	header.Set("Authorization", "Bearer "+testSecret)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvents(t *testing.T, conn *websocket.Conn) []agent.Event {
	t.Helper()
	var events []agent.Event
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var ev agent.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return events
		}
		events = append(events, ev)
	}
}

func TestServer_ChatStream(t *testing.T) {
	script := []agent.Event{
		{Type: agent.EventToolCall, Content: "calculator"},
		{Type: agent.EventToolResult, Content: "4"},
		{Type: agent.EventText, Content: "The answer is 4"},
		{Type: agent.EventComplete, Content: "The answer is 4", Metadata: map[string]interface{}{"iterations": 2}},
	}

	t.Run("should write one event per frame from query parameters", func(t *testing.T) {
		_, ts := setupTestServer(t, &fakeChat{events: script}, nil)
		conn := dialStream(t, ts, "session_id=s1&message=2%2B2%3F")

		events := readEvents(t, conn)
		require.Len(t, events, 4)
		assert.Equal(t, agent.EventToolCall, events[0].Type)
		assert.Equal(t, agent.EventComplete, events[3].Type)
		assert.Equal(t, float64(2), events[3].Metadata["iterations"])
	})

	t.Run("should accept the request as the first frame", func(t *testing.T) {
		chat := &fakeChat{events: script}
		_, ts := setupTestServer(t, chat, nil)
		conn := dialStream(t, ts, "")

		require.NoError(t, conn.WriteJSON(ChatRequest{SessionID: "s1", Message: "2+2?", RequestID: "r1"}))
		events := readEvents(t, conn)
		require.Len(t, events, 4)

		chat.mu.Lock()
		defer chat.mu.Unlock()
		require.Len(t, chat.opts, 1)
		assert.Equal(t, "r1", chat.opts[0].RequestID)
	})

	t.Run("should accept a signed session instead of headers", func(t *testing.T) {
		srv, ts := setupTestServer(t, &fakeChat{events: script}, nil)
		url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat/stream?session_id=s1&message=hi&signature=" + srv.auth.Sign("s1")
		conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		_ = resp.Body.Close()
		defer conn.Close()
		assert.Len(t, readEvents(t, conn), 4)
	})

	t.Run("should cancel the turn when the client aborts", func(t *testing.T) {
		chat := &fakeChat{
			events:    []agent.Event{{Type: agent.EventThinking, Content: "working"}},
			block:     true,
			cancelled: make(chan struct{}),
		}
		_, ts := setupTestServer(t, chat, nil)
		conn := dialStream(t, ts, "session_id=s1&message=long")

		var first agent.Event
		require.NoError(t, conn.ReadJSON(&first))
		assert.Equal(t, agent.EventThinking, first.Type)

		require.NoError(t, conn.WriteJSON(map[string]string{"type": "abort"}))
		select {
		case <-chat.cancelled:
		case <-time.After(2 * time.Second):
			t.Fatal("turn was not cancelled")
		}
	})
}
