package prometheus

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsEndpointExposesCollectors(t *testing.T) {
	JobsTotal.WithLabelValues("NORMAL", "completed").Inc()
	QueueDepth.WithLabelValues("calls:normal", "waiting").Set(4)

	srv := NewServer("0", 5)

	recorder := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `call_jobs_total{priority="NORMAL",status="completed"}`)
	assert.Contains(t, recorder.Body.String(), `queue_depth{queue="calls:normal",state="waiting"} 4`)
}
