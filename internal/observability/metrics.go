package observability

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentd"

type moduleMetrics struct {
	laneSize     *prometheus.GaugeVec
	laneEnqueued *prometheus.CounterVec
	laneDone     *prometheus.CounterVec
	laneWait     *prometheus.HistogramVec

	classifications *prometheus.CounterVec
	classifyLatency *prometheus.HistogramVec

	contextTokens   prometheus.Histogram
	contextBlocks   *prometheus.CounterVec
	collaboratorErr *prometheus.CounterVec

	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec

	loopIterations prometheus.Histogram
	loopOutcomes   *prometheus.CounterVec
	llmDuration    *prometheus.HistogramVec
	llmErrors      *prometheus.CounterVec

	activeSessions prometheus.Gauge
	compactions    *prometheus.CounterVec
	compactedRatio prometheus.Histogram

	knowledgeSearch prometheus.Histogram
	knowledgeChunks prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	rateLimited  prometheus.Counter
	streamsOpen  prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			laneSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Name: "lane_queue_size",
				Help: "Queued plus running tasks by lane kind.",
			}, []string{"lane"}),
			laneEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "lane_enqueued_total",
				Help: "Tasks enqueued by lane kind.",
			}, []string{"lane"}),
			laneDone: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "lane_completed_total",
				Help: "Tasks completed by lane kind and status.",
			}, []string{"lane", "status"}),
			laneWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace, Name: "lane_task_duration_seconds",
				Help: "Task run time by lane kind.", Buckets: prometheus.DefBuckets,
			}, []string{"lane"}),

			classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "intent_classifications_total",
				Help: "Intent classifications by source and task type.",
			}, []string{"source", "task_type"}),
			classifyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace, Name: "intent_classification_duration_seconds",
				Help: "Classification latency by source.", Buckets: prometheus.DefBuckets,
			}, []string{"source"}),

			contextTokens: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace, Name: "context_prompt_tokens",
				Help:    "Estimated tokens of assembled prompts.",
				Buckets: prometheus.ExponentialBuckets(64, 2, 10),
			}),
			contextBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "context_blocks_total",
				Help: "Context blocks by source and fate (kept, truncated, dropped).",
			}, []string{"source", "fate"}),
			collaboratorErr: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "context_collaborator_errors_total",
				Help: "Collaborator failures skipped during assembly.",
			}, []string{"collaborator"}),

			toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "tool_invocations_total",
				Help: "Tool invocations by tool and status.",
			}, []string{"tool", "status"}),
			toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace, Name: "tool_invocation_duration_seconds",
				Help: "Tool invocation duration by tool.", Buckets: prometheus.DefBuckets,
			}, []string{"tool"}),

			loopIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace, Name: "loop_iterations",
				Help:    "Think steps per execution loop run.",
				Buckets: prometheus.LinearBuckets(1, 1, 12),
			}),
			loopOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "loop_runs_total",
				Help: "Execution loop runs by outcome.",
			}, []string{"outcome"}),
			llmDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace, Name: "llm_call_duration_seconds",
				Help: "LLM call latency by provider.", Buckets: prometheus.DefBuckets,
			}, []string{"provider"}),
			llmErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "llm_errors_total",
				Help: "LLM call failures by provider.",
			}, []string{"provider"}),

			activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace, Name: "active_sessions",
				Help: "Sessions held in memory.",
			}),
			compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "session_compactions_total",
				Help: "Compactions by mode (summary, truncation, noop).",
			}, []string{"mode"}),
			compactedRatio: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace, Name: "session_compaction_ratio",
				Help:    "Compacted over original token estimate.",
				Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
			}),

			knowledgeSearch: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace, Name: "knowledge_search_duration_seconds",
				Help: "Knowledge store search latency.", Buckets: prometheus.DefBuckets,
			}),
			knowledgeChunks: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace, Name: "knowledge_chunks",
				Help: "Indexed knowledge chunks.",
			}),

			httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: "gateway_requests_total",
				Help: "Gateway requests by route and status code.",
			}, []string{"route", "code"}),
			httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace, Name: "gateway_request_duration_seconds",
				Help: "Gateway request latency by route.", Buckets: prometheus.DefBuckets,
			}, []string{"route"}),
			rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace, Name: "gateway_rate_limited_total",
				Help: "Requests rejected by the per-client rate limiter.",
			}),
			streamsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace, Name: "gateway_open_streams",
				Help: "WebSocket chat streams currently open.",
			}),
		}

		prometheus.MustRegister(
			m.laneSize, m.laneEnqueued, m.laneDone, m.laneWait,
			m.classifications, m.classifyLatency,
			m.contextTokens, m.contextBlocks, m.collaboratorErr,
			m.toolCalls, m.toolDuration,
			m.loopIterations, m.loopOutcomes, m.llmDuration, m.llmErrors,
			m.activeSessions, m.compactions, m.compactedRatio,
			m.knowledgeSearch, m.knowledgeChunks,
			m.httpRequests, m.httpDuration, m.rateLimited, m.streamsOpen,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// laneKind keeps per-session lanes from becoming one label value each.
func laneKind(lane string) string {
	if i := strings.IndexByte(lane, '-'); i > 0 {
		return lane[:i]
	}
	return lane
}

func RecordLaneEnqueue(lane string, size int) {
	lane = laneKind(lane)
	m := getMetrics()
	m.laneEnqueued.WithLabelValues(lane).Inc()
	m.laneSize.WithLabelValues(lane).Set(float64(size))
}

func RecordLaneCompletion(lane string, d time.Duration, success bool, size int) {
	lane = laneKind(lane)
	m := getMetrics()
	m.laneDone.WithLabelValues(lane, status(success)).Inc()
	m.laneWait.WithLabelValues(lane).Observe(d.Seconds())
	m.laneSize.WithLabelValues(lane).Set(float64(size))
}

func RecordClassification(source, taskType string, d time.Duration) {
	m := getMetrics()
	m.classifications.WithLabelValues(source, taskType).Inc()
	m.classifyLatency.WithLabelValues(source).Observe(d.Seconds())
}

func RecordContextAssembly(tokens int) {
	getMetrics().contextTokens.Observe(float64(tokens))
}

func RecordContextBlock(source, fate string) {
	getMetrics().contextBlocks.WithLabelValues(source, fate).Inc()
}

func RecordCollaboratorError(collaborator string) {
	getMetrics().collaboratorErr.WithLabelValues(collaborator).Inc()
}

func RecordToolInvocation(tool string, d time.Duration, success bool) {
	m := getMetrics()
	m.toolCalls.WithLabelValues(tool, status(success)).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func RecordLoopRun(iterations int, outcome string) {
	m := getMetrics()
	m.loopIterations.Observe(float64(iterations))
	m.loopOutcomes.WithLabelValues(outcome).Inc()
}

func RecordLLMCall(provider string, d time.Duration, success bool) {
	m := getMetrics()
	m.llmDuration.WithLabelValues(provider).Observe(d.Seconds())
	if !success {
		m.llmErrors.WithLabelValues(provider).Inc()
	}
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordCompaction(mode string, ratio float64) {
	m := getMetrics()
	m.compactions.WithLabelValues(mode).Inc()
	if mode != "noop" {
		m.compactedRatio.Observe(ratio)
	}
}

func RecordKnowledgeSearch(d time.Duration) {
	getMetrics().knowledgeSearch.Observe(d.Seconds())
}

func SetKnowledgeChunks(total int) {
	getMetrics().knowledgeChunks.Set(float64(total))
}

func RecordGatewayRequest(route string, code int, d time.Duration) {
	m := getMetrics()
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

func RecordRateLimited() {
	getMetrics().rateLimited.Inc()
}

func AddOpenStreams(delta int) {
	getMetrics().streamsOpen.Add(float64(delta))
}
