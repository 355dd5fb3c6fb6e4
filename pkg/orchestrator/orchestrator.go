package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/xpc123/agenic-chatBot-sub001/internal/tracing"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/agent"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/commandqueue"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/contextbuilder"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/intent"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/planner"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/session"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/toolregistry"
)

const (
	defaultToolTopK    = 8
	defaultEventBuffer = 16
)

// Config wires the orchestrator's collaborators.
type Config struct {
	Sessions *session.Store
	Builder  *contextbuilder.Builder
	Tools    *toolregistry.Registry
	Loop     *agent.Loop

	// Classifier is optional; without one every message gets the default intent.
	Classifier *intent.Classifier
	// Planner is optional; without one multi-step messages run unplanned.
	Planner *planner.Planner
	// Compactor is optional; without one sessions are never compacted.
	Compactor *session.Compactor
	// Queue serializes turns per session. When nil the orchestrator creates
	// and owns one.
	Queue *commandqueue.CommandQueue

	// Persona and SystemPrompt are joined into the system block.
	Persona      string
	SystemPrompt string

	ToolTopK int
	// QueueWarnAfter logs turns that wait longer than this for their session.
	QueueWarnAfter time.Duration
	EventBuffer    int

	Logger zerolog.Logger
}

// Orchestrator is the chat facade. It is safe for concurrent use.
type Orchestrator struct {
	cfg       Config
	queue     *commandqueue.CommandQueue
	ownsQueue bool
	logger    zerolog.Logger

	sysMu  sync.RWMutex
	system string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	seq    uint64
	runs   map[string]map[uint64]context.CancelFunc
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Sessions == nil:
		return nil, fmt.Errorf("session store is required")
	case cfg.Builder == nil:
		return nil, fmt.Errorf("context builder is required")
	case cfg.Tools == nil:
		return nil, fmt.Errorf("tool registry is required")
	case cfg.Loop == nil:
		return nil, fmt.Errorf("execution loop is required")
	}
	if cfg.ToolTopK <= 0 {
		cfg.ToolTopK = defaultToolTopK
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}

	logger := cfg.Logger.With().Str("component", "orchestrator").Logger()
	o := &Orchestrator{
		cfg:    cfg,
		queue:  cfg.Queue,
		system: joinNonEmpty(cfg.Persona, cfg.SystemPrompt),
		logger: logger,
		runs:   make(map[string]map[uint64]context.CancelFunc),
	}
	if o.queue == nil {
		o.queue = commandqueue.New(commandqueue.Config{WarnAfter: cfg.QueueWarnAfter, Logger: cfg.Logger})
		o.ownsQueue = true
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o, nil
}

// SetPersona replaces the persona part of the system block. Turns already
// assembling keep the previous one.
func (o *Orchestrator) SetPersona(persona string) {
	o.sysMu.Lock()
	o.system = joinNonEmpty(persona, o.cfg.SystemPrompt)
	o.sysMu.Unlock()
}

func (o *Orchestrator) systemBlock() string {
	o.sysMu.RLock()
	defer o.sysMu.RUnlock()
	return o.system
}

// ChatStream runs one turn and returns its events. Each call is independent;
// calls on the same session are queued behind each other.
func (o *Orchestrator) ChatStream(ctx context.Context, sessionID, message string, opts *ChatOptions) *agent.Stream {
	start := time.Now()
	return agent.NewStream(ctx, o.cfg.EventBuffer, func(ctx context.Context, emit func(agent.Event) bool) {
		o.submit(ctx, start, sessionID, message, opts, emit)
	})
}

// Chat runs one turn to completion and aggregates its events.
func (o *Orchestrator) Chat(ctx context.Context, sessionID, message string, opts *ChatOptions) (*Response, error) {
	stream := o.ChatStream(ctx, sessionID, message, opts)
	defer stream.Close()

	agg := newAggregator(sessionID, time.Now())
	for ev := range stream.Events() {
		agg.add(ev)
	}
	return agg.result()
}

// submit queues the turn on its session lane and forwards its events.
func (o *Orchestrator) submit(ctx context.Context, start time.Time, sessionID, message string, opts *ChatOptions, emit func(agent.Event) bool) {
	if opts == nil {
		opts = &ChatOptions{}
	}
	if err := session.ValidateID(sessionID); err != nil {
		emit(errorEvent(ErrorKindInvalidRequest, err))
		return
	}
	if strings.TrimSpace(message) == "" {
		emit(errorEvent(ErrorKindInvalidRequest, errors.New("message is empty")))
		return
	}

	ctx, done, err := o.track(ctx, sessionID)
	if err != nil {
		emit(errorEvent(agent.ErrorKindCancelled, err))
		return
	}
	defer done()

	ctx = tracing.NewTurnContext(ctx, sessionID)
	ctx, span := tracing.StartSpan(ctx, tracing.TracerOrchestrator, "orchestrator.chat_stream",
		attribute.String("session_id", sessionID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, o.logger)

	agg := newAggregator(sessionID, start)
	forward := func(ev agent.Event) bool {
		agg.add(ev)
		return emit(ev)
	}

	lane := commandqueue.SessionLane(sessionID)
	value, err := o.queue.Enqueue(ctx, lane, func(taskCtx context.Context) (interface{}, error) {
		o.turn(taskCtx, sessionID, message, opts, forward)
		return agg.result()
	}, &commandqueue.TaskOptions{
		WarnAfter: o.cfg.QueueWarnAfter,
		RequestID: opts.RequestID,
		OnWait: func(wait time.Duration, pos int) {
			logger.Info().Dur("wait", wait).Int("queue_pos", pos).Msg("Turn waiting for session")
		},
	})

	switch {
	case agg.terminal:
		// the loop already delivered its terminal event
		if err != nil {
			tracing.RecordError(span, err)
		}
	case err != nil:
		tracing.RecordError(span, err)
		logger.Info().Err(err).Msg("Turn ended without its own events")
		emit(errorEventFor(err))
		return
	default:
		if resp, ok := value.(*Response); ok {
			logger.Debug().Str("request_id", opts.RequestID).Msg("Replaying cached turn")
			replay(resp, emit)
		}
		return
	}

	o.compactLater(sessionID)
}

// turn is the pipeline of one message; it runs inside the session lane.
func (o *Orchestrator) turn(ctx context.Context, sessionID, message string, opts *ChatOptions, emit func(agent.Event) bool) {
	logger := tracing.LoggerFromContext(ctx, o.logger)

	sess, err := o.cfg.Sessions.GetOrCreate(ctx, sessionID)
	if err != nil {
		if ctx.Err() != nil {
			emit(errorEvent(agent.ErrorKindCancelled, agent.ErrCancelled))
			return
		}
		logger.Error().Err(err).Msg("Failed to load session")
		emit(errorEvent(ErrorKindSessionUnavailable, err))
		return
	}

	history := sess.Turns()
	in := o.classify(ctx, message, history)
	plan := o.plan(ctx, in, message)

	assembled, err := o.cfg.Builder.Build(ctx, contextbuilder.Request{
		System:        joinNonEmpty(o.systemBlock(), plan.Render()),
		History:       history,
		Message:       message,
		SkipRetrieval: skipRetrieval(in),
		RecallHistory: in.ReferencesHistory || in.Capabilities.Memory,
	})
	if err != nil {
		emit(errorEvent(agent.ErrorKindCancelled, agent.ErrCancelled))
		return
	}

	topK := o.cfg.ToolTopK
	if opts.TopK > 0 {
		topK = opts.TopK
	}
	tools := o.cfg.Tools.Select(ctx, message, in, topK, opts.AllowedPermissions...)

	meta := make(map[string]interface{}, len(opts.Metadata)+3)
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	meta[MetaIntent] = string(in.TaskType)
	meta[MetaSources] = assembled.Citations
	meta[MetaSessionID] = sessionID
	if plan != nil {
		meta[MetaPlan] = plan
	}

	logger.Debug().
		Str("task_type", string(in.TaskType)).
		Bool("planned", plan != nil).
		Int("history", len(assembled.History)).
		Int("tools", len(tools)).
		Msg("Running turn")

	o.cfg.Loop.Execute(ctx, agent.RunRequest{
		Session:  sess,
		System:   assembled.System,
		History:  toMessages(assembled.History),
		Message:  assembled.Message,
		Original: message,
		Tools:    tools,
		Metadata: meta,
		Degraded: in.Degraded,
	}, emit)
}

func (o *Orchestrator) plan(ctx context.Context, in intent.Intent, message string) *planner.Plan {
	if o.cfg.Planner == nil {
		return nil
	}
	plan, err := o.cfg.Planner.ForIntent(in, message)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, o.logger)
		logger.Warn().Err(err).Msg("Planning failed, running unplanned")
		return nil
	}
	return plan
}

// skipRetrieval reports whether a confident rule match makes knowledge
// lookup pointless: small talk, or a request a named tool answers.
func skipRetrieval(in intent.Intent) bool {
	if in.Capabilities.RAG || in.Source != intent.SourceRule {
		return false
	}
	return in.TaskType == intent.TaskConversation || len(in.SuggestedTools) > 0
}

func (o *Orchestrator) classify(ctx context.Context, message string, history []session.Turn) intent.Intent {
	if o.cfg.Classifier == nil {
		return intent.Default()
	}
	turns := make([]intent.Turn, 0, len(history))
	for _, t := range history {
		turns = append(turns, intent.Turn{Role: string(t.Role), Content: t.Content})
	}
	return o.cfg.Classifier.Classify(ctx, intent.Request{
		Message:        message,
		History:        turns,
		AvailableTools: o.cfg.Tools.Names(),
	})
}

// compactLater queues compaction behind the session's turns without
// holding up the caller's stream.
func (o *Orchestrator) compactLater(sessionID string) {
	if o.cfg.Compactor == nil {
		return
	}
	sess, ok := o.cfg.Sessions.Get(sessionID)
	if !ok || !o.cfg.Compactor.ShouldCompact(sess) {
		return
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		_, err := o.queue.Enqueue(o.ctx, commandqueue.SessionLane(sessionID), func(ctx context.Context) (interface{}, error) {
			ctx = tracing.WithSessionID(ctx, sessionID)
			return o.cfg.Compactor.Compact(ctx, sess, false), nil
		}, nil)
		if err != nil {
			o.logger.Debug().Err(err).Str("session_id", sessionID).Msg("Compaction skipped")
		}
	}()
}

// ClearSession aborts the session's turns and forgets its state. Other
// sessions are untouched.
func (o *Orchestrator) ClearSession(ctx context.Context, sessionID string) error {
	if err := session.ValidateID(sessionID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	aborted := o.Abort(sessionID)
	cleared := o.queue.ClearLane(commandqueue.SessionLane(sessionID))
	if err := o.cfg.Sessions.Clear(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to clear session %s: %w", sessionID, err)
	}
	logger := tracing.LoggerFromContext(ctx, o.logger)
	logger.Info().
		Str("session_id", sessionID).
		Int("aborted", aborted).
		Int("dequeued", cleared).
		Msg("Session cleared")
	return nil
}

// Abort cancels the running and queued turns of a session and reports how
// many were cancelled.
func (o *Orchestrator) Abort(sessionID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	runs := o.runs[sessionID]
	for _, cancel := range runs {
		cancel()
	}
	return len(runs)
}

// ActiveRuns is the number of turns running or queued.
func (o *Orchestrator) ActiveRuns() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, runs := range o.runs {
		n += len(runs)
	}
	return n
}

// track registers a cancellable turn for Abort.
func (o *Orchestrator) track(ctx context.Context, sessionID string) (context.Context, func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	o.seq++
	id := o.seq
	if o.runs[sessionID] == nil {
		o.runs[sessionID] = make(map[uint64]context.CancelFunc)
	}
	o.runs[sessionID][id] = cancel

	return ctx, func() {
		o.mu.Lock()
		delete(o.runs[sessionID], id)
		if len(o.runs[sessionID]) == 0 {
			delete(o.runs, sessionID)
		}
		o.mu.Unlock()
		cancel()
	}, nil
}

// Close cancels in-flight turns and waits for pending compactions.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	for _, runs := range o.runs {
		for _, cancel := range runs {
			cancel()
		}
	}
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
	if o.ownsQueue {
		return o.queue.Close()
	}
	return nil
}

// replay re-emits a cached answer.
func replay(resp *Response, emit func(agent.Event) bool) {
	if resp.Text != "" {
		if !emit(agent.Event{Type: agent.EventText, Content: resp.Text}) {
			return
		}
	}
	emit(agent.Event{
		Type:    agent.EventComplete,
		Content: resp.Text,
		Metadata: map[string]interface{}{
			agent.MetaIterations: resp.Iterations,
			agent.MetaToolCalls:  len(resp.ToolCalls),
			agent.MetaDegraded:   resp.Degraded,
			MetaIntent:           resp.Intent,
			MetaSources:          resp.Sources,
			MetaSessionID:        resp.SessionID,
			MetaCached:           true,
		},
	})
}

func toMessages(history []contextbuilder.Message) []agent.Message {
	out := make([]agent.Message, 0, len(history))
	for _, m := range history {
		role := agent.RoleUser
		switch m.Role {
		case session.RoleAssistant:
			role = agent.RoleAssistant
		case session.RoleTool:
			role = agent.RoleTool
		}
		out = append(out, agent.Message{Role: role, Content: m.Content})
	}
	return out
}

func joinNonEmpty(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, "\n\n")
}
