package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.ObserveEvaluation("done", 20*time.Millisecond)
	m.ObserveEvaluation("done", 30*time.Millisecond)
	m.ObserveEvaluation("cancelled", time.Millisecond)
	m.ObserveMatch(true)
	m.ObserveMatch(false)
	m.ObserveMatch(false)
	m.ScriptError("ScriptTimeout")
	m.UpstreamError()
	m.IndexRebuild("ok")
	m.Dropped()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("cancelled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RuleMatchesTotal.WithLabelValues("true")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RuleMatchesTotal.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScriptErrorsTotal.WithLabelValues("ScriptTimeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UpstreamErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexRebuildsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecorderDropped))
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveEvaluation("done", time.Millisecond)
		m.ObserveMatch(true)
		m.ScriptError("x")
		m.UpstreamError()
		m.IndexRebuild("error")
		m.Dropped()
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveMatch(true)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `mockengine_rule_matches_total{matched="true"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	// two instances must not collide on registration
	a := New()
	b := New()
	a.UpstreamError()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.UpstreamErrors))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.UpstreamErrors))
}
