package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPipeline(reg)
	require.NoError(t, err)

	p.Received()
	p.Received()
	p.Outcome(OutcomeGated)
	p.RunStarted(4)
	p.SampleWritten(1)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.received))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.messages.WithLabelValues(string(OutcomeGated))))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.messages.WithLabelValues(string(OutcomeWritten))))
	assert.Equal(t, 0.0, testutil.ToFloat64(p.messages.WithLabelValues(string(OutcomeDecodeFailed))))
	assert.Equal(t, 4.0, testutil.ToFloat64(p.runID))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.runActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.sampleIndex))

	p.RunEnded()
	assert.Equal(t, 0.0, testutil.ToFloat64(p.runActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.runsStarted))
}

func TestPipelineDoubleRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPipeline(reg)
	require.NoError(t, err)

	_, err = NewPipeline(reg)
	assert.Error(t, err)
}

func TestServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPipeline(reg)
	require.NoError(t, err)
	p.Received()

	srv, err := Listen("127.0.0.1:0", reg)
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "pcslog_messages_received_total 1")

	resp, err = http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
