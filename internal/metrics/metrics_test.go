package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Tasks(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.TaskFinished("succeeded", 2*time.Second)
	c.TaskFinished("succeeded", 3*time.Second)
	c.TaskFinished("timed_out", 10*time.Minute)
	c.TaskSkipped()

	assert.Equal(t, float64(2), testutil.ToFloat64(c.tasks.WithLabelValues("succeeded")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.tasks.WithLabelValues("timed_out")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.skipped))
}

func TestCollector_InFlight(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.TaskStarted()
	c.TaskStarted()
	c.TaskDone()
	assert.Equal(t, float64(1), testutil.ToFloat64(c.inFlight))
}

func TestCollector_CyclesAndReaper(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.CycleFinished(3, time.Second)
	c.ZombieReaped()
	c.ZombieReaped()

	assert.Equal(t, float64(1), testutil.ToFloat64(c.cycles))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.reaped))
}

func TestHandler_ServesRegistry(t *testing.T) {
	reg := NewRegistry()
	c := NewCollector(reg)
	c.TaskSkipped()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "refresh_worker_skipped_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	r.TaskStarted()
	r.TaskFinished("failed", time.Second)
	r.TaskDone()
}
