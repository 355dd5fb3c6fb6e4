package observability

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandler(t *testing.T) {
	RecordClassification("rule", "query", 2*time.Millisecond)
	RecordToolInvocation("calculator", time.Millisecond, true)
	RecordLoopRun(2, "complete")
	RecordCompaction("summary", 0.4)
	RecordCompaction("noop", 1)
	RecordContextBlock("rag", "truncated")
	RecordLaneEnqueue("session-abc", 1)
	RecordGatewayRequest("POST /v1/chat", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, `agentd_intent_classifications_total{source="rule",task_type="query"}`)
	assert.Contains(t, body, `agentd_tool_invocations_total{status="success",tool="calculator"}`)
	assert.Contains(t, body, `agentd_loop_runs_total{outcome="complete"}`)
	assert.Contains(t, body, `agentd_session_compactions_total{mode="noop"}`)
	assert.Contains(t, body, `agentd_context_blocks_total{fate="truncated",source="rag"}`)
	assert.Contains(t, body, `agentd_lane_enqueued_total{lane="session"}`)
	assert.NotContains(t, body, `lane="session-abc"`)
	assert.Contains(t, body, `agentd_gateway_requests_total{code="200",route="POST /v1/chat"}`)
}

func TestAuditLogger(t *testing.T) {
	var buf bytes.Buffer
	SetAuditWriter(&buf)
	defer SetAuditWriter(&bytes.Buffer{})

	RecordToolAudit(context.Background(), "calculator", "s1", false, map[string]interface{}{"error": "boom"})
	RecordSessionAudit(context.Background(), "clear", "s1")

	out := buf.String()
	assert.Contains(t, out, `"action":"invoke:calculator"`)
	assert.Contains(t, out, `"status":"error"`)
	assert.Contains(t, out, `"action":"clear"`)
	require.NoError(t, GetAuditLogger().Close())
}
