package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"Neural-Reflexion/internal/agent"
)

func TestObserveRunRecordsStopReason(t *testing.T) {
	m := New()
	m.RunStarted()
	start := time.Now()
	m.ObserveRun(&agent.RunState{
		StopReason: agent.StopPlateau,
		Iterations: 3,
		Trace:      []agent.IterationRecord{{Score: 40}, {Score: 55}, {Score: 55.2}},
		StartedAt:  start,
		FinishedAt: start.Add(3 * time.Second),
	})

	if got := testutil.ToFloat64(m.runs.WithLabelValues("plateau")); got != 1 {
		t.Fatalf("expected one plateau run, got %v", got)
	}
	if got := testutil.ToFloat64(m.runsInFlight); got != 0 {
		t.Fatalf("in-flight gauge not restored: %v", got)
	}
}

func TestObserveCallsByOutcome(t *testing.T) {
	m := New()
	m.ObserveLLMCall("gemini", "draft", time.Second, nil)
	m.ObserveLLMCall("gemini", "revise", time.Second, context.DeadlineExceeded)
	m.ObserveSearch("tavily", 3, time.Millisecond, nil)
	m.ObserveSearch("tavily", 0, time.Millisecond, errors.New("boom"))

	if got := testutil.ToFloat64(m.llmCalls.WithLabelValues("gemini", "revise", "timeout")); got != 1 {
		t.Fatalf("expected timeout outcome, got %v", got)
	}
	if got := testutil.ToFloat64(m.searches.WithLabelValues("tavily", "error")); got != 1 {
		t.Fatalf("expected search error, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveHTTPRequest("tasks", "POST", 500, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	if !strings.Contains(text, `reflexion_http_requests_total{code="500",handler="tasks",method="POST"} 1`) {
		t.Fatalf("request counter missing:\n%s", text)
	}
	if !strings.Contains(text, "reflexion_http_request_errors_total") {
		t.Fatalf("error counter missing")
	}
}

func TestNilMetricsAreNoop(t *testing.T) {
	var m *Metrics
	m.RunStarted()
	m.ObserveRun(nil)
	m.ObserveQueryFailure("QUERY_FAILURE")
	m.ObserveHTTPRequest("x", "GET", 200, time.Millisecond)
}
