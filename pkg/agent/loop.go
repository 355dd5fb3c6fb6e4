package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/xpc123/agenic-chatBot-sub001/internal/observability"
	"github.com/xpc123/agenic-chatBot-sub001/internal/tracing"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/session"
	"github.com/xpc123/agenic-chatBot-sub001/pkg/toolregistry"
)

const (
	defaultMaxIterations = 8
	defaultMaxRetries    = 3
	defaultLLMTimeout    = 60 * time.Second
	defaultRetryInterval = 500 * time.Millisecond
	maxRetryInterval     = 10 * time.Second
)

// Config holds loop configuration
type Config struct {
	Provider LLMProvider
	Tools    *toolregistry.Registry

	Model       string
	Temperature float64
	MaxTokens   int

	MaxIterations int
	// MaxRetries is the number of retries after the first attempt for
	// retryable provider errors.
	MaxRetries    int
	RetryInterval time.Duration
	LLMTimeout    time.Duration
	// Streaming emits text deltas as the provider produces them.
	Streaming   bool
	EventBuffer int

	Logger zerolog.Logger
}

// RunRequest is one user turn to execute.
type RunRequest struct {
	// Session receives the user, tool and assistant turns. Nil runs without
	// persistence.
	Session *session.Session
	System  string
	// History is the assembled prior conversation, oldest first.
	History []Message
	// Message is the user message as sent to the model, possibly trimmed to
	// fit the context budget.
	Message string
	// Original is recorded in the session instead of Message when set.
	Original string
	// Tools are the descriptors offered to the model for this run.
	Tools []toolregistry.Descriptor
	// Metadata is merged into the complete event.
	Metadata map[string]interface{}
	// Degraded marks the run degraded from the start, e.g. after a failed
	// classification.
	Degraded bool
}

// Loop is the ReAct execution controller.
type Loop struct {
	cfg    Config
	logger zerolog.Logger
}

// NewLoop creates an execution loop.
func NewLoop(cfg Config) (*Loop, error) {
	observability.EnsureRegistered()

	if cfg.Provider == nil {
		return nil, ErrNoProvider
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = defaultLLMTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}

	return &Loop{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "agent").Logger(),
	}, nil
}

// MaxIterations returns the iteration cap.
func (l *Loop) MaxIterations() int { return l.cfg.MaxIterations }

// Run executes req in the background and returns its event stream.
func (l *Loop) Run(ctx context.Context, req RunRequest) *Stream {
	return NewStream(ctx, l.cfg.EventBuffer, func(ctx context.Context, emit func(Event) bool) {
		l.Execute(ctx, req, emit)
	})
}

type run struct {
	loop      *Loop
	req       RunRequest
	emit      func(Event) bool
	logger    zerolog.Logger
	state     State
	iteration int
	toolCalls int
	failures  int
	streamed  bool
	offered   map[string]bool
	start     time.Time
}

// Execute runs req synchronously, delivering every event through emit. The
// last event is always complete or error.
func (l *Loop) Execute(ctx context.Context, req RunRequest, emit func(Event) bool) {
	sessionID := ""
	if req.Session != nil {
		sessionID = req.Session.ID()
	}
	ctx, span := tracing.StartSpan(ctx, tracing.TracerAgent, "agent.loop",
		attribute.String("session_id", sessionID),
		attribute.Int("tools.offered", len(req.Tools)),
	)
	defer span.End()

	r := &run{
		loop:    l,
		req:     req,
		emit:    emit,
		logger:  tracing.LoggerFromContext(ctx, l.logger),
		state:   StateThinking,
		offered: make(map[string]bool, len(req.Tools)),
		start:   time.Now(),
	}
	for _, d := range req.Tools {
		r.offered[d.Name] = true
	}

	outcome := r.execute(ctx)
	span.SetAttributes(
		attribute.Int("agent.iterations", r.iteration),
		attribute.String("agent.outcome", outcome),
	)
	observability.RecordLoopRun(r.iteration, outcome)
}

func (r *run) execute(ctx context.Context) string {
	if ctx.Err() != nil {
		return r.cancelled()
	}
	stored := r.req.Original
	if stored == "" {
		stored = r.req.Message
	}
	r.persistTurn(ctx, session.Turn{Role: session.RoleUser, Content: stored})

	messages := make([]Message, 0, len(r.req.History)+1)
	messages = append(messages, r.req.History...)
	messages = append(messages, Message{Role: RoleUser, Content: r.req.Message})
	specs := r.loop.toolSpecs(r.req.Tools)

	var lastObservation string
	for r.iteration < r.loop.cfg.MaxIterations {
		if ctx.Err() != nil {
			return r.cancelled()
		}
		r.iteration++
		r.transition(StateThinking)

		resp, err := r.think(ctx, messages, specs)
		if err != nil {
			if ctx.Err() != nil {
				return r.cancelled()
			}
			return r.failed(err)
		}

		if len(resp.ToolCalls) == 0 {
			r.transition(StateResponding)
			r.respond(ctx, resp.Content, false)
			return "done"
		}

		r.transition(StateActing)
		if resp.Content != "" && !r.loop.cfg.Streaming {
			r.emit(Event{Type: EventThinking, Content: resp.Content, Metadata: map[string]interface{}{MetaIteration: r.iteration}})
		}
		for i := range resp.ToolCalls {
			if resp.ToolCalls[i].ID == "" {
				resp.ToolCalls[i].ID = "call_" + gonanoid.Must()
			}
		}
		messages = append(messages, Message{Role: RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})

		for _, tc := range resp.ToolCalls {
			if ctx.Err() != nil {
				return r.cancelled()
			}
			obs := r.act(ctx, tc)
			lastObservation = obs
			messages = append(messages, Message{Role: RoleTool, Content: obs, ToolCallID: tc.ID, Name: tc.Name})
			if ctx.Err() != nil {
				return r.cancelled()
			}
		}
		r.transition(StateObserving)
	}

	r.logger.Warn().Err(ErrIterationBudgetExceeded).Int("iterations", r.iteration).Msg("Step budget exhausted")
	r.transition(StateResponding)
	r.respond(ctx, budgetMessage(r.loop.cfg.MaxIterations, lastObservation), true)
	return "budget_exhausted"
}

func (r *run) transition(to State) {
	if r.state == to {
		return
	}
	if !CanTransition(r.state, to) {
		r.logger.Error().Str("from", string(r.state)).Str("to", string(to)).Msg("Invalid loop transition")
	}
	r.state = to
}

// think performs one LLM call, retrying retryable provider errors with
// exponential backoff.
func (r *run) think(ctx context.Context, messages []Message, specs []ToolSpec) (*LLMResponse, error) {
	l := r.loop
	ctx, span := tracing.StartSpan(ctx, tracing.TracerAgent, "agent.think", attribute.Int("agent.iteration", r.iteration))
	defer span.End()

	request := LLMRequest{
		Model:        l.cfg.Model,
		SystemPrompt: r.req.System,
		Messages:     messages,
		Tools:        specs,
		Temperature:  l.cfg.Temperature,
		MaxTokens:    l.cfg.MaxTokens,
	}
	provider := l.cfg.Provider
	r.streamed = false

	operation := func() (*LLMResponse, error) {
		callCtx, cancel := context.WithTimeout(ctx, l.cfg.LLMTimeout)
		defer cancel()

		delivered := false
		start := time.Now()
		var resp *LLMResponse
		var err error
		if l.cfg.Streaming {
			resp, err = provider.Stream(callCtx, request, func(delta string) {
				delivered = true
				r.streamed = true
				r.emit(Event{Type: EventText, Content: delta})
			})
		} else {
			resp, err = provider.Call(callCtx, request)
		}
		observability.RecordLLMCall(provider.Provider(), time.Since(start), err == nil)

		if err == nil {
			if resp == nil {
				resp = &LLMResponse{}
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		err = NewProviderError(provider.Provider(), err)
		if delivered || !IsRetryableError(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = l.cfg.RetryInterval
	policy.MaxInterval = maxRetryInterval

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(l.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger.Warn().Err(err).Dur("wait", wait).Int("iteration", r.iteration).Msg("Retrying LLM call")
		}),
	)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	return resp, nil
}

// act runs one tool call and returns the observation fed back to the model.
func (r *run) act(ctx context.Context, tc ToolCall) string {
	r.emit(Event{
		Type:    EventToolCall,
		Content: tc.Name,
		Metadata: map[string]interface{}{
			MetaToolCallID: tc.ID,
			MetaArguments:  tc.Arguments,
			MetaIteration:  r.iteration,
		},
	})

	var res toolregistry.Result
	switch {
	case !r.offered[tc.Name]:
		err := fmt.Errorf("%w: %s is not available", toolregistry.ErrToolNotFound, tc.Name)
		res = toolregistry.Result{Success: false, Error: err.Error(), Err: err}
	case tc.Arguments == nil:
		err := fmt.Errorf("%w: arguments are not a JSON object", toolregistry.ErrInvalidArguments)
		res = toolregistry.Result{Success: false, Error: err.Error(), Err: err}
	default:
		r.transition(StateObserving)
		res = r.loop.cfg.Tools.Invoke(ctx, tc.Name, tc.Arguments)
	}

	obs := res.Observation()
	r.toolCalls++
	if !res.Success {
		r.failures++
	}

	// Calls to tools that were never offered have no descriptor to reference.
	if r.offered[tc.Name] {
		r.persistToolResult(ctx, session.ToolCallRecord{
			ID:         tc.ID,
			ToolName:   tc.Name,
			Arguments:  tc.Arguments,
			Result:     obs,
			Success:    res.Success,
			Error:      res.Error,
			DurationMs: res.Duration.Milliseconds(),
		})
	}
	r.persistTurn(ctx, session.Turn{
		Role:    session.RoleTool,
		Content: obs,
		Metadata: map[string]interface{}{
			session.MetaToolName: tc.Name,
			MetaToolCallID:       tc.ID,
			MetaSuccess:          res.Success,
		},
	})

	r.emit(Event{
		Type:    EventToolResult,
		Content: obs,
		Metadata: map[string]interface{}{
			MetaToolCallID: tc.ID,
			MetaTool:       tc.Name,
			MetaArguments:  tc.Arguments,
			MetaSuccess:    res.Success,
			MetaDurationMs: res.Duration.Milliseconds(),
		},
	})
	return obs
}

func (r *run) respond(ctx context.Context, text string, exhausted bool) {
	if text != "" && (!r.streamed || exhausted) {
		r.emit(Event{Type: EventText, Content: text})
	}
	if text != "" {
		r.persistTurn(ctx, session.Turn{
			Role:    session.RoleAssistant,
			Content: text,
			Metadata: map[string]interface{}{
				MetaIterations: r.iteration,
				MetaToolCalls:  r.toolCalls,
			},
		})
	}

	meta := r.metadata()
	meta[MetaDegraded] = exhausted || r.failures > 0 || r.req.Degraded
	meta[MetaStepBudgetExhausted] = exhausted
	r.transition(StateDone)
	r.emit(Event{Type: EventComplete, Content: text, Metadata: meta})
}

func (r *run) cancelled() string {
	r.transition(StateFailed)
	r.logger.Info().Int("iterations", r.iteration).Msg("Run cancelled")
	meta := r.metadata()
	meta[MetaErrorKind] = ErrorKindCancelled
	r.emit(Event{Type: EventError, Content: ErrCancelled.Error(), Metadata: meta})
	return "cancelled"
}

func (r *run) failed(err error) string {
	r.transition(StateFailed)
	r.logger.Error().Err(err).Int("iterations", r.iteration).Msg("Run failed")
	meta := r.metadata()
	meta[MetaErrorKind] = ErrorKindLLMProviderError
	var pe *ProviderError
	if errors.As(err, &pe) {
		meta[MetaProvider] = pe.Provider
	}
	r.emit(Event{Type: EventError, Content: err.Error(), Metadata: meta})
	return "failed"
}

func (r *run) metadata() map[string]interface{} {
	meta := make(map[string]interface{}, len(r.req.Metadata)+6)
	for k, v := range r.req.Metadata {
		meta[k] = v
	}
	meta[MetaIterations] = r.iteration
	meta[MetaToolCalls] = r.toolCalls
	meta[MetaLatencyMs] = time.Since(r.start).Milliseconds()
	meta[MetaState] = string(r.state)
	return meta
}

// persistTurn appends to the session on a detached context so a cancelled
// run still records what already happened.
func (r *run) persistTurn(ctx context.Context, t session.Turn) {
	if r.req.Session == nil {
		return
	}
	if err := r.req.Session.AppendTurn(tracing.Detach(ctx), t); err != nil {
		r.logger.Warn().Err(err).Str("role", string(t.Role)).Msg("Failed to append turn")
	}
}

func (r *run) persistToolResult(ctx context.Context, rec session.ToolCallRecord) {
	if r.req.Session == nil {
		return
	}
	if err := r.req.Session.AppendToolResult(tracing.Detach(ctx), rec); err != nil {
		r.logger.Warn().Err(err).Str("tool", rec.ToolName).Msg("Failed to append tool result")
	}
}

func (l *Loop) toolSpecs(descs []toolregistry.Descriptor) []ToolSpec {
	specs := make([]ToolSpec, 0, len(descs))
	for _, d := range descs {
		schema, ok := l.cfg.Tools.Schema(d.Name)
		if !ok {
			continue
		}
		specs = append(specs, ToolSpec{Name: d.Name, Description: d.Description, Parameters: schema})
	}
	return specs
}

func budgetMessage(steps int, lastObservation string) string {
	msg := fmt.Sprintf("I could not finish this request within the step budget of %d steps.", steps)
	if lastObservation != "" {
		msg += " The last tool result was: " + truncateText(lastObservation, 300)
	}
	return msg
}

func truncateText(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
