package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestCollectorExposesRecordedMetrics(t *testing.T) {
	c := NewCollector("easel")

	c.RecordHTTPRequest("POST", "/api/images", "200", 120*time.Millisecond)
	c.RecordEdit("http", "ok", 3*time.Second)
	c.RecordWorkflowStep("fetch", "ok")
	c.RecordWorkflowRetry()
	c.RecordTranscriptTurn("dropped")
	c.LiveStreamOpened()

	body := scrape(t, c)
	assert.Contains(t, body, `easel_http_requests_total{method="POST",path="/api/images",status="200"} 1`)
	assert.Contains(t, body, `easel_edits_total{source="http",status="ok"} 1`)
	assert.Contains(t, body, `easel_workflow_steps_total{status="ok",step="fetch"} 1`)
	assert.Contains(t, body, "easel_workflow_retries_total 1")
	assert.Contains(t, body, "easel_transcript_turns_dropped_total 1")
	assert.Contains(t, body, "easel_live_streams_open 1")
}

func TestCollectorsAreIndependent(t *testing.T) {
	a := NewCollector("easel")
	b := NewCollector("easel")
	a.RecordWorkflowRetry()

	assert.Contains(t, scrape(t, a), "easel_workflow_retries_total 1")
	assert.False(t, strings.Contains(scrape(t, b), "easel_workflow_retries_total 1"))
}
