package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/runbox/internal/executor"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

type stubGate struct{}

func (stubGate) Limit() int { return 4 }
func (stubGate) InFlight() int64 { return 2 }
func (stubGate) Waiting() int64 { return 1 }
func (stubGate) Peak() int64 { return 3 }
func (stubGate) Rejected() int64 { return 7 }

func TestExecutionFinished(t *testing.T) {
	m := New()

	m.ExecutionFinished("python", executor.StatusSuccess, 120*time.Millisecond)
	m.ExecutionFinished("python", executor.StatusSuccess, 80*time.Millisecond)
	m.ExecutionFinished("c", executor.StatusCompileError, time.Second)

	text := scrape(t, m)
	assert.Contains(t, text, `runbox_executions_total{language="python",status="Success"} 2`)
	assert.Contains(t, text, `runbox_executions_total{language="c",status="CompileError"} 1`)
	assert.Contains(t, text, `runbox_execution_duration_seconds_count{language="python"} 2`)
}

func TestRateLimited(t *testing.T) {
	m := New()
	m.RateLimited()
	m.RateLimited()
	assert.Contains(t, scrape(t, m), "runbox_rate_limit_hits_total 2")
}

func TestHandler_ExposesGate(t *testing.T) {
	m := New()
	m.ObserveGate(stubGate{})

	text := scrape(t, m)
	for _, want := range []string{
		"runbox_gate_limit 4",
		"runbox_gate_in_flight 2",
		"runbox_gate_waiting 1",
		"runbox_gate_peak_in_flight 3",
		"runbox_gate_rejections_total 7",
	} {
		assert.Contains(t, text, want)
	}
}
