package orchestrator_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xpc123/agenic-chatBot-sub001/pkg/agent"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/agent/agenttest"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/contextbuilder"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/coretools"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/intent"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/knowledge"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/orchestrator"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/planner"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/session"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/tokens"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/toolregistry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// started by an init in a genai dependency
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

type testEnv struct {
	orch     *orchestrator.Orchestrator
	sessions *session.Store
	provider *agenttest.Provider
}

func setupTestOrchestrator(t *testing.T, provider *agenttest.Provider, mutate func(*orchestrator.Config)) *testEnv {
	t.Helper()
	logger := zerolog.Nop()

	sessions, err := session.NewStore(session.Config{Logger: logger})
	require.NoError(t, err)

	reg := toolregistry.New(toolregistry.Config{Logger: logger})
	require.NoError(t, coretools.Register(reg, coretools.Options{}))

	builder, err := contextbuilder.New(contextbuilder.Config{Logger: logger})
	require.NoError(t, err)

	classifier, err := intent.New(intent.Config{Logger: logger})
	require.NoError(t, err)

	loop, err := agent.NewLoop(agent.Config{
		Provider:      provider,
		Tools:         reg,
		MaxIterations: 4,
		RetryInterval: time.Millisecond,
		Logger:        logger,
	})
	require.NoError(t, err)

	cfg := orchestrator.Config{
		Sessions:     sessions,
		Builder:      builder,
		Tools:        reg,
		Loop:         loop,
		Classifier:   classifier,
		Persona:      "You are a helpful assistant.",
		SystemPrompt: "Answer briefly.",
		Logger:       logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	orch, err := orchestrator.New(cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, orch.Close())
		classifier.Close()
		assert.NoError(t, sessions.Close())
	})
	return &testEnv{orch: orch, sessions: sessions, provider: provider}
}

func turnsOf(t *testing.T, env *testEnv, id string) []session.Turn {
	t.Helper()
	s, err := env.sessions.GetOrCreate(context.Background(), id)
	require.NoError(t, err)
	return s.Turns()
}

func TestNew(t *testing.T) {
	_, err := orchestrator.New(orchestrator.Config{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "session store is required")
}

func TestChat_Calculator(t *testing.T) {
	env := setupTestOrchestrator(t, agenttest.New(
		agenttest.AnswerFromTool("calculator", map[string]interface{}{"expression": "2+2"}, "The answer is "),
	), nil)

	resp, err := env.orch.Chat(context.Background(), "calc", "2+2?", nil)
	require.NoError(t, err)

	assert.Contains(t, resp.Text, "4")
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "calculator", resp.ToolCalls[0].Name)
	assert.True(t, resp.ToolCalls[0].Success)
	assert.Equal(t, 2, resp.Iterations)
	assert.NotEmpty(t, resp.Intent)

	s, ok := env.sessions.Get("calc")
	require.True(t, ok)
	records := s.ToolResults()
	require.Len(t, records, 1)
	assert.Equal(t, "calculator", records[0].ToolName)
	assert.Contains(t, records[0].Result, "4")

	first := env.provider.Calls()[0]
	assert.Contains(t, first.SystemPrompt, "You are a helpful assistant.")
	assert.Contains(t, first.SystemPrompt, "Answer briefly.")
}

func TestSetPersona(t *testing.T) {
	env := setupTestOrchestrator(t, agenttest.New(agenttest.Text("ok")), nil)

	env.orch.SetPersona("You are a pirate.")
	_, err := env.orch.Chat(context.Background(), "p1", "hello", nil)
	require.NoError(t, err)

	system := env.provider.Calls()[0].SystemPrompt
	assert.Contains(t, system, "You are a pirate.")
	assert.Contains(t, system, "Answer briefly.")
	assert.NotContains(t, system, "helpful assistant")
}

func TestChat_PromptWithinBudget(t *testing.T) {
	const budget = 64
	counter := tokens.NewEstimator(0)
	env := setupTestOrchestrator(t, agenttest.New(agenttest.Text("ok")), func(cfg *orchestrator.Config) {
		builder, err := contextbuilder.New(contextbuilder.Config{Budget: budget, Counter: counter, Logger: zerolog.Nop()})
		require.NoError(t, err)
		cfg.Builder = builder
	})

	message := strings.Repeat("x", 4000)
	_, err := env.orch.Chat(context.Background(), "big", message, nil)
	require.NoError(t, err)

	req := env.provider.Calls()[0]
	parts := []string{req.SystemPrompt}
	for _, m := range req.Messages {
		parts = append(parts, m.Content)
	}
	assert.LessOrEqual(t, counter.Count(strings.Join(parts, "\n")), budget)
	assert.Less(t, len(agenttest.LastMessage(req).Content), len(message))

	turns := turnsOf(t, env, "big")
	require.NotEmpty(t, turns)
	assert.Equal(t, message, turns[0].Content, "the session keeps the full message")
}

func TestChat_PlansMultiStepMessages(t *testing.T) {
	env := setupTestOrchestrator(t, agenttest.New(agenttest.Text("done")), func(cfg *orchestrator.Config) {
		cfg.Planner = planner.NewPlanner(0)
	})

	_, err := env.orch.Chat(context.Background(), "plan", "first, open the box and then count the coins", nil)
	require.NoError(t, err)

	system := env.provider.Calls()[0].SystemPrompt
	assert.Contains(t, system, "Answer briefly.")
	assert.Contains(t, system, "1. open the box")
	assert.Contains(t, system, "2. count the coins")

	_, err = env.orch.Chat(context.Background(), "plain", "hello", nil)
	require.NoError(t, err)
	assert.NotContains(t, env.provider.Calls()[1].SystemPrompt, "1. ")
}

type countingRetriever struct {
	mu      sync.Mutex
	queries []string
}

func (r *countingRetriever) Search(_ context.Context, query string, _ int) ([]knowledge.SearchResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, query)
	return []knowledge.SearchResult{{Source: "faq.md", Content: "Refunds within 30 days.", Score: 0.9}}, nil
}

func (r *countingRetriever) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.queries...)
}

func TestChat_RetrievalFollowsIntent(t *testing.T) {
	retriever := &countingRetriever{}
	env := setupTestOrchestrator(t, agenttest.New(agenttest.Text("ok")), func(cfg *orchestrator.Config) {
		builder, err := contextbuilder.New(contextbuilder.Config{
			Collaborators: contextbuilder.Collaborators{Retriever: retriever},
			Logger:        zerolog.Nop(),
		})
		require.NoError(t, err)
		cfg.Builder = builder
	})
	ctx := context.Background()

	t.Run("should skip retrieval for small talk and tool requests", func(t *testing.T) {
		_, err := env.orch.Chat(ctx, "r1", "hello", nil)
		require.NoError(t, err)
		_, err = env.orch.Chat(ctx, "r2", "what time is it", nil)
		require.NoError(t, err)
		assert.Empty(t, retriever.calls())
	})

	t.Run("should retrieve when the message needs the knowledge base", func(t *testing.T) {
		_, err := env.orch.Chat(ctx, "r3", "according to the docs, how do refunds work", nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"according to the docs, how do refunds work"}, retriever.calls())
	})
}

// recallName answers name questions from the conversation history.
func recallName(req agent.LLMRequest) (*agent.LLMResponse, error) {
	last := agenttest.LastMessage(req)
	if !strings.Contains(last.Content, "什么") {
		return &agent.LLMResponse{Content: "好的，记住了。"}, nil
	}
	for _, m := range req.Messages[:len(req.Messages)-1] {
		if m.Role == agent.RoleUser && strings.HasPrefix(m.Content, "我叫") {
			return &agent.LLMResponse{Content: "你叫" + strings.TrimPrefix(m.Content, "我叫") + "。"}, nil
		}
	}
	return &agent.LLMResponse{Content: "我不知道。"}, nil
}

func TestChat_RemembersEarlierTurns(t *testing.T) {
	env := setupTestOrchestrator(t, agenttest.New(recallName), nil)
	ctx := context.Background()

	_, err := env.orch.Chat(ctx, "s1", "我叫小明", nil)
	require.NoError(t, err)
	resp, err := env.orch.Chat(ctx, "s1", "我叫什么名字", nil)
	require.NoError(t, err)

	assert.Contains(t, resp.Text, "小明")
	assert.Len(t, turnsOf(t, env, "s1"), 4)
}

func TestChat_SameSessionIsSerialized(t *testing.T) {
	env := setupTestOrchestrator(t, agenttest.New(agenttest.Text("ok")).WithDelay(20*time.Millisecond), nil)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, msg := range []string{"first message", "second message"} {
		wg.Add(1)
		go func(msg string) {
			defer wg.Done()
			_, err := env.orch.Chat(context.Background(), "shared", msg, nil)
			errs <- err
		}(msg)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	turns := turnsOf(t, env, "shared")
	require.Len(t, turns, 4)
	assert.Equal(t, session.RoleUser, turns[0].Role)
	assert.Equal(t, session.RoleAssistant, turns[1].Role)
	assert.Equal(t, session.RoleUser, turns[2].Role)
	assert.Equal(t, session.RoleAssistant, turns[3].Role)
	assert.NotEqual(t, turns[0].Content, turns[2].Content)

	// the second turn saw the first one as history
	calls := env.provider.Calls()
	require.Len(t, calls, 2)
	assert.Len(t, calls[1].Messages, 3)
}

func TestChat_DifferentSessionsAreIndependent(t *testing.T) {
	env := setupTestOrchestrator(t, agenttest.New(agenttest.Text("ok")).WithDelay(100*time.Millisecond), nil)

	start := time.Now()
	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := env.orch.Chat(context.Background(), id, "hello there", nil)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	assert.Less(t, time.Since(start), 250*time.Millisecond)
	for _, id := range []string{"a", "b", "c"} {
		assert.Len(t, turnsOf(t, env, id), 2)
	}
}

func TestChatStream(t *testing.T) {
	t.Run("should end with complete and carry metadata", func(t *testing.T) {
		env := setupTestOrchestrator(t, agenttest.New(agenttest.Text("hi")), nil)

		events := agent.Collect(env.orch.ChatStream(context.Background(), "stream", "hello", &orchestrator.ChatOptions{
			Metadata: map[string]interface{}{"channel": "test"},
		}))
		require.NotEmpty(t, events)
		last := events[len(events)-1]
		assert.Equal(t, agent.EventComplete, last.Type)
		assert.Equal(t, "test", last.Metadata["channel"])
		assert.Equal(t, "stream", last.Metadata[orchestrator.MetaSessionID])
		assert.Contains(t, last.Metadata, orchestrator.MetaIntent)
		assert.Contains(t, last.Metadata, orchestrator.MetaSources)
	})

	t.Run("should return independent streams", func(t *testing.T) {
		env := setupTestOrchestrator(t, agenttest.New(agenttest.Text("hi")), nil)
		first := agent.Collect(env.orch.ChatStream(context.Background(), "x", "one", nil))
		second := agent.Collect(env.orch.ChatStream(context.Background(), "x", "two", nil))
		assert.Equal(t, agent.EventComplete, first[len(first)-1].Type)
		assert.Equal(t, agent.EventComplete, second[len(second)-1].Type)
	})

	t.Run("should reject invalid requests", func(t *testing.T) {
		env := setupTestOrchestrator(t, agenttest.New(agenttest.Text("hi")), nil)

		_, err := env.orch.Chat(context.Background(), "s1", "   ", nil)
		assert.ErrorIs(t, err, orchestrator.ErrInvalidRequest)
		_, err = env.orch.Chat(context.Background(), "../etc", "hello", nil)
		assert.ErrorIs(t, err, orchestrator.ErrInvalidRequest)
		assert.Equal(t, 0, env.provider.CallCount())
	})

	t.Run("should restrict tools by permission", func(t *testing.T) {
		env := setupTestOrchestrator(t, agenttest.New(agenttest.Text("hi")), nil)
		_, err := env.orch.Chat(context.Background(), "perm", "what time is it", &orchestrator.ChatOptions{
			AllowedPermissions: []toolregistry.Permission{toolregistry.PermissionExecute},
			TopK:               2,
		})
		require.NoError(t, err)
		for _, spec := range env.provider.Calls()[0].Tools {
			assert.NotEqual(t, "current_time", spec.Name)
		}
	})
}

func TestChat_ProviderFailure(t *testing.T) {
	env := setupTestOrchestrator(t, agenttest.New(
		agenttest.Fail(&agent.ProviderError{Provider: "openai", StatusCode: 401, Err: errors.New("bad key")}),
	), nil)

	_, err := env.orch.Chat(context.Background(), "fail", "hello", nil)
	var pe *agent.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "openai", pe.Provider)

	// the user turn is kept even though the turn failed
	assert.Len(t, turnsOf(t, env, "fail"), 1)
}

func TestChat_RequestIDReplays(t *testing.T) {
	env := setupTestOrchestrator(t, agenttest.New(agenttest.Text("only once")), nil)
	opts := &orchestrator.ChatOptions{RequestID: "req-1"}

	first, err := env.orch.Chat(context.Background(), "idem", "hello", opts)
	require.NoError(t, err)
	second, err := env.orch.Chat(context.Background(), "idem", "hello", opts)
	require.NoError(t, err)

	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, 1, env.provider.CallCount())
	assert.Len(t, turnsOf(t, env, "idem"), 2)
}

func TestChat_RequestIDSharesFailures(t *testing.T) {
	env := setupTestOrchestrator(t, agenttest.New(
		agenttest.Fail(&agent.ProviderError{Provider: "openai", StatusCode: 401, Err: errors.New("bad key")}),
	).WithDelay(200*time.Millisecond), nil)
	opts := &orchestrator.ChatOptions{RequestID: "req-fail"}

	errc := make(chan error, 1)
	go func() {
		_, err := env.orch.Chat(context.Background(), "dup", "hello", opts)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)

	stream := env.orch.ChatStream(context.Background(), "dup", "hello", opts)
	defer stream.Close()
	var last agent.Event
	for ev := range stream.Events() {
		last = ev
	}
	assert.Equal(t, agent.EventError, last.Type)
	assert.Equal(t, agent.ErrorKindLLMProviderError, last.Metadata[agent.MetaErrorKind])
	assert.Equal(t, "openai", last.Metadata[agent.MetaProvider])

	var pe *agent.ProviderError
	require.ErrorAs(t, <-errc, &pe)
	assert.Equal(t, "openai", pe.Provider)
}

func TestAbort(t *testing.T) {
	env := setupTestOrchestrator(t, agenttest.New(agenttest.Text("late")).WithDelay(5*time.Second), nil)

	errc := make(chan error, 1)
	go func() {
		_, err := env.orch.Chat(context.Background(), "slow", "hello", nil)
		errc <- err
	}()
	require.Eventually(t, func() bool { return env.provider.CallCount() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, env.orch.Abort("slow"))
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, agent.ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("abort did not stop the turn")
	}
	assert.Eventually(t, func() bool { return env.orch.ActiveRuns() == 0 }, time.Second, 5*time.Millisecond)
}

func TestClearSession(t *testing.T) {
	env := setupTestOrchestrator(t, agenttest.New(agenttest.Text("ok")), nil)
	ctx := context.Background()

	_, err := env.orch.Chat(ctx, "keep", "hello", nil)
	require.NoError(t, err)
	_, err = env.orch.Chat(ctx, "drop", "hello", nil)
	require.NoError(t, err)

	require.NoError(t, env.orch.ClearSession(ctx, "drop"))

	_, ok := env.sessions.Get("drop")
	assert.False(t, ok)
	assert.Empty(t, turnsOf(t, env, "drop"))
	assert.Len(t, turnsOf(t, env, "keep"), 2)

	assert.ErrorIs(t, env.orch.ClearSession(ctx, ""), orchestrator.ErrInvalidRequest)
}

func TestChat_CompactsOversizedSessions(t *testing.T) {
	var sessions *session.Store
	env := setupTestOrchestrator(t, agenttest.New(agenttest.Text(strings.Repeat("reply ", 40))), func(cfg *orchestrator.Config) {
		sessions = cfg.Sessions
		cfg.Compactor = session.NewCompactor(session.CompactorConfig{
			PreserveRecent: 2,
			Threshold:      50,
			Counter:        sessions.Counter(),
			Logger:         zerolog.Nop(),
		})
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := env.orch.Chat(ctx, "long", strings.Repeat("question ", 20), nil)
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		turns := turnsOf(t, env, "long")
		return len(turns) > 0 && turns[0].Summary
	}, 2*time.Second, 10*time.Millisecond)
}
