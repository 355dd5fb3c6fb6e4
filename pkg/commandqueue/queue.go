package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/xpc123/agenic-chatBot-sub001/internal/observability"
	"github.com/xpc123/agenic-chatBot-sub001/internal/tracing"
)

var (
	ErrLaneCleared = errors.New("lane cleared")
	ErrLaneReset   = errors.New("lane reset")
	ErrClosed      = errors.New("command queue closed")
)

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions provides configuration for task execution
type TaskOptions struct {
	// WarnAfter logs a warning when the task is still queued after this long.
	// Zero uses the queue default.
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
	// RequestID makes the task idempotent within its lane: a repeated id
	// returns the cached result instead of running again.
	RequestID string
}

// Config configures a CommandQueue.
type Config struct {
	// WarnAfter is the default wait threshold before a queued task is logged.
	WarnAfter time.Duration
	// DedupTTL bounds how long results of tasks with a RequestID are kept.
	DedupTTL time.Duration
	Logger   zerolog.Logger
}

// taskRecord tracks a task's execution state
type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// laneState manages execution state for a single lane
type laneState struct {
	name        string
	generation  int
	concurrency int
	pinned      bool
	queue       []*taskRecord
	running     int
	activeIDs   map[string]bool
	mu          sync.Mutex
}

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Event represents a queue event
type Event struct {
	Type   string                 // "enqueued" or "completed"
	Lane   string                 // Lane name
	TaskID string                 // Task ID
	Data   map[string]interface{} // Additional event data
}

// CommandQueue provides lane-based task serialization with concurrency control
type CommandQueue struct {
	lanes     map[string]*laneState
	taskIDSeq int
	mu        sync.Mutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	warnAfter time.Duration
	replays   *replayCache
	logger    zerolog.Logger
	// Event handling
	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// New creates a new CommandQueue with a default "main" lane.
func New(cfg Config) *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())

	cq := &CommandQueue{
		lanes:         make(map[string]*laneState),
		ctx:           ctx,
		cancel:        cancel,
		warnAfter:     cfg.WarnAfter,
		replays:       newReplayCache(ctx, cfg.DedupTTL),
		logger:        cfg.Logger.With().Str("component", "commandqueue").Logger(),
		eventHandlers: make(map[string][]EventHandler),
	}

	cq.SetConcurrency("main", 1)
	return cq
}

// SessionLane is the lane that serializes turns of one session.
func SessionLane(sessionID string) string {
	return "session-" + sessionID
}

// laneLocked returns the lane, creating a transient one with concurrency 1.
// Caller holds cq.mu.
func (cq *CommandQueue) laneLocked(lane string) *laneState {
	ls, exists := cq.lanes[lane]
	if !exists {
		ls = &laneState{
			name:        lane,
			concurrency: 1,
			activeIDs:   make(map[string]bool),
		}
		cq.lanes[lane] = ls
		cq.logger.Debug().Str("lane", lane).Msg("Lane initialized")
	}
	return ls
}

func (cq *CommandQueue) lookup(lane string) (*laneState, bool) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	ls, ok := cq.lanes[lane]
	return ls, ok
}

// Enqueue adds a task to the specified lane and waits for its result. If ctx
// ends while the task is still queued, the task is withdrawn and ctx's error
// returned; once running, the task observes the cancellation itself.
// Tasks sharing a RequestID on one lane run at most once per DedupTTL.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if cq.ctx.Err() != nil {
		return nil, ErrClosed
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerOrchestrator, "commandqueue.enqueue", attribute.String("lane", lane))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, cq.logger)

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}
	if opts.WarnAfter <= 0 {
		opts.WarnAfter = cq.warnAfter
	}
	var result taskResult
	if opts.RequestID == "" {
		result = cq.submit(ctx, logger, lane, task, opts)
	} else {
		var shared bool
		result, shared = cq.replays.do(ctx, lane+"/"+opts.RequestID, func() taskResult {
			return cq.submit(ctx, logger, lane, task, opts)
		})
		if shared {
			logger.Debug().Str("lane", lane).Str("request_id", opts.RequestID).Msg("Joined duplicate request")
		}
	}
	if result.err != nil {
		tracing.RecordError(span, result.err)
	}
	return result.value, result.err
}

// submit queues one task on lane and blocks until it finishes or ctx ends.
func (cq *CommandQueue) submit(ctx context.Context, logger zerolog.Logger, lane string, task Task, opts TaskOptions) taskResult {
	cq.mu.Lock()
	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}
	ls := cq.laneLocked(lane)
	ls.mu.Lock()
	record.generation = ls.generation
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()
	cq.mu.Unlock()

	logger.Debug().Str("lane", lane).Str("task_id", record.id).Int("queue_size", queueSize).Msg("Task enqueued")
	observability.RecordLaneEnqueue(lane, queueSize)
	cq.emit(Event{
		Type:   "enqueued",
		Lane:   lane,
		TaskID: record.id,
		Data:   map[string]interface{}{"queueSize": queueSize},
	})

	if opts.WarnAfter > 0 {
		defer cq.startWarnTimer(ls, record)()
	}

	cq.processLane(ls)

	select {
	case result := <-record.result:
		return result
	case <-ctx.Done():
		if cq.withdraw(ls, record) {
			cq.prune(ls)
			return taskResult{err: ctx.Err()}
		}
		return <-record.result
	}
}

// withdraw removes a still-queued record. It reports false if the record has
// already been dispatched or rejected.
func (cq *CommandQueue) withdraw(ls *laneState, record *taskRecord) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for i, r := range ls.queue {
		if r == record {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			return true
		}
	}
	return false
}

// processLane dispatches queued tasks while the lane has capacity.
func (cq *CommandQueue) processLane(ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		// Tasks from a previous generation were rejected by ResetLane.
		if record.generation != ls.generation {
			record.result <- taskResult{err: ErrLaneReset}
			continue
		}

		ls.running++
		ls.activeIDs[record.id] = true

		cq.wg.Add(1)
		go cq.executeTask(ls, record)
	}
}

// executeTask executes a single task
func (cq *CommandQueue) executeTask(ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(record.ctx, tracing.TracerOrchestrator, "commandqueue.execute_task",
		attribute.String("lane", ls.name),
		attribute.String("task_id", record.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(taskCtx, cq.logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	wait := time.Since(record.enqueuedAt)
	startTime := time.Now()
	value, err := cq.run(runCtx, record.task)
	duration := time.Since(startTime)

	ls.mu.Lock()
	ls.running--
	delete(ls.activeIDs, record.id)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		tracing.RecordError(span, err)
		logger.Warn().Str("lane", ls.name).Str("task_id", record.id).Dur("duration", duration).Err(err).Msg("Task failed")
	} else {
		logger.Debug().Str("lane", ls.name).Str("task_id", record.id).Dur("wait", wait).Dur("duration", duration).Msg("Task completed")
	}

	observability.RecordLaneCompletion(ls.name, duration, err == nil, queueSize)
	cq.emit(Event{
		Type:   "completed",
		Lane:   ls.name,
		TaskID: record.id,
		Data: map[string]interface{}{
			"duration": duration.Milliseconds(),
			"success":  err == nil,
		},
	})

	cq.processLane(ls)
	cq.prune(ls)
}

func (cq *CommandQueue) run(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v", p)
		}
	}()
	return task(ctx)
}

// prune drops an idle transient lane so per-session lanes do not accumulate.
func (cq *CommandQueue) prune(ls *laneState) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.pinned || ls.running > 0 || len(ls.queue) > 0 {
		return
	}
	if cq.lanes[ls.name] == ls {
		delete(cq.lanes, ls.name)
	}
}

// startWarnTimer logs once if record is still queued after its threshold.
// The returned func stops the timer.
func (cq *CommandQueue) startWarnTimer(ls *laneState, record *taskRecord) func() bool {
	timer := time.AfterFunc(record.options.WarnAfter, func() {
		ls.mu.Lock()
		queuePos := -1
		for i, r := range ls.queue {
			if r == record {
				queuePos = i
				break
			}
		}
		ls.mu.Unlock()

		if queuePos < 0 {
			return
		}
		wait := time.Since(record.enqueuedAt)
		logger := tracing.LoggerFromContext(record.ctx, cq.logger)
		logger.Warn().
			Str("lane", ls.name).
			Str("task_id", record.id).
			Dur("wait", wait).
			Int("queue_pos", queuePos).
			Msg("Task waiting longer than expected")

		if record.options.OnWait != nil {
			record.options.OnWait(wait, queuePos)
		}
	})
	return timer.Stop
}

// GetQueueSize returns the number of queued tasks for a lane
func (cq *CommandQueue) GetQueueSize(lane string) int {
	ls, exists := cq.lookup(lane)
	if !exists {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// GetRunningCount returns the number of currently executing tasks for a lane
func (cq *CommandQueue) GetRunningCount(lane string) int {
	ls, exists := cq.lookup(lane)
	if !exists {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// IsBusy reports whether a lane has a running or queued task.
func (cq *CommandQueue) IsBusy(lane string) bool {
	ls, exists := cq.lookup(lane)
	if !exists {
		return false
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running > 0 || len(ls.queue) > 0
}

// GetStats returns statistics for all lanes
func (cq *CommandQueue) GetStats() map[string]map[string]int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stats := make(map[string]map[string]int, len(cq.lanes))
	for lane, ls := range cq.lanes {
		ls.mu.Lock()
		stats[lane] = map[string]int{
			"queued":      len(ls.queue),
			"running":     ls.running,
			"concurrency": ls.concurrency,
		}
		ls.mu.Unlock()
	}
	return stats
}

// ClearLane rejects all queued tasks of a lane with ErrLaneCleared.
func (cq *CommandQueue) ClearLane(lane string) int {
	ls, exists := cq.lookup(lane)
	if !exists {
		return 0
	}
	count := cq.rejectQueued(ls, ErrLaneCleared, false)
	cq.logger.Info().Str("lane", lane).Int("cleared", count).Msg("Lane cleared")
	return count
}

// ResetLane bumps the lane generation and rejects queued tasks with
// ErrLaneReset.
func (cq *CommandQueue) ResetLane(lane string) {
	ls, exists := cq.lookup(lane)
	if !exists {
		return
	}
	cq.rejectQueued(ls, ErrLaneReset, true)
	cq.logger.Info().Str("lane", lane).Msg("Lane reset")
}

func (cq *CommandQueue) rejectQueued(ls *laneState, err error, bump bool) int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if bump {
		ls.generation++
	}
	count := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- taskResult{err: err}
	}
	ls.queue = nil
	observability.RecordLaneEnqueue(ls.name, 0)
	return count
}

// SetConcurrency updates the concurrency limit for a lane. Lanes configured
// this way are kept even when idle.
func (cq *CommandQueue) SetConcurrency(lane string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	cq.mu.Lock()
	ls := cq.laneLocked(lane)
	ls.mu.Lock()
	oldMax := ls.concurrency
	ls.concurrency = concurrency
	ls.pinned = true
	ls.mu.Unlock()
	cq.mu.Unlock()

	cq.logger.Debug().Str("lane", lane).Int("old_max", oldMax).Int("new_max", concurrency).Msg("Lane concurrency updated")

	if concurrency > oldMax {
		cq.processLane(ls)
	}
}

// WaitForActive waits for all active tasks to complete with timeout
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		allDrained := true
		cq.mu.Lock()
		for _, ls := range cq.lanes {
			ls.mu.Lock()
			if len(ls.activeIDs) > 0 {
				allDrained = false
			}
			ls.mu.Unlock()
		}
		cq.mu.Unlock()

		if allDrained {
			return true
		}
		if time.Now().After(deadline) {
			cq.logger.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close cancels running tasks and waits for them to return.
func (cq *CommandQueue) Close() error {
	cq.cancel()
	cq.wg.Wait()
	<-cq.replays.done
	return nil
}

// On registers an event handler for a specific event type
func (cq *CommandQueue) On(eventType string, handler EventHandler) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()
	cq.eventHandlers[eventType] = append(cq.eventHandlers[eventType], handler)
}

// Off removes an event handler (removes all handlers for the event type)
func (cq *CommandQueue) Off(eventType string) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()
	delete(cq.eventHandlers, eventType)
}

// emit emits an event synchronously to all registered handlers
func (cq *CommandQueue) emit(event Event) {
	cq.eventMu.RLock()
	handlers := cq.eventHandlers[event.Type]
	cq.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
