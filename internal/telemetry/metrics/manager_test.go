package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/2beens/fitsync/internal/telemetry/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager(t *testing.T) {
	m, reg := metrics.NewTestManagerAndRegistry()
	require.NotNil(t, m)

	m.CounterQueuedMutations.Inc()
	m.CounterReplays.WithLabelValues("synced").Add(2)
	m.CounterReplays.WithLabelValues("failed").Inc()
	m.GaugeOnline.Set(1)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.CounterQueuedMutations))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.CounterReplays.WithLabelValues("synced")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.GaugeOnline))

	count, err := testutil.GatherAndCount(reg, "fitsync_test_mutation_replays")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestReplayLabels(t *testing.T) {
	m, reg := metrics.NewTestManagerAndRegistry()
	m.CounterReplays.WithLabelValues("synced").Add(3)
	m.CounterReplays.WithLabelValues("skipped").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	var replays *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == "fitsync_test_mutation_replays" {
			replays = mf
		}
	}
	require.NotNil(t, replays)
	assert.Equal(t, dto.MetricType_COUNTER, replays.GetType())

	got := map[string]float64{}
	for _, metric := range replays.GetMetric() {
		require.Len(t, metric.GetLabel(), 1)
		got[metric.GetLabel()[0].GetValue()] = metric.GetCounter().GetValue()
	}
	assert.Equal(t, map[string]float64{"synced": 3, "skipped": 1}, got)
}

func TestHandler(t *testing.T) {
	reg := metrics.SetupPrometheus()
	m := metrics.NewManager("fitsync", "agent", reg)
	m.GaugeLifeSignal.Set(1)

	srv := httptest.NewServer(metrics.Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "fitsync_agent_life_signal 1")
	assert.Contains(t, string(body), "go_goroutines")
}
