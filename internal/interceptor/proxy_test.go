package interceptor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/2beens/fitsync/internal/telemetry/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProxy(t *testing.T, o *origin) (*Proxy, *Worker, *metrics.Manager) {
	t.Helper()
	worker, _ := newTestWorker(t, o, writeManifest(t, t.TempDir(), "v1"))
	registerWorker(t, worker)
	metricsManager := metrics.NewTestManager()
	return NewProxy(worker, o.Client(), metricsManager), worker, metricsManager
}

func TestProxy_CacheHitSkipsNetwork(t *testing.T) {
	o := newOrigin(t, defaultAssets())
	proxy, _, metricsManager := newTestProxy(t, o)

	hits := o.hits.Load()
	rr := httptest.NewRecorder()
	proxy.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/static/css/styles.css", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "body{}", rr.Body.String())
	assert.Equal(t, "hit", rr.Header().Get("X-Fitsync-Cache"))
	assert.Equal(t, hits, o.hits.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(metricsManager.CounterCacheLookups.WithLabelValues("hit")))
}

func TestProxy_MissStoresOK(t *testing.T) {
	o := newOrigin(t, defaultAssets())
	proxy, _, _ := newTestProxy(t, o)
	o.set("/dashboard", "<html>dash</html>")

	rr := httptest.NewRecorder()
	proxy.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "miss", rr.Header().Get("X-Fitsync-Cache"))

	hits := o.hits.Load()
	rr = httptest.NewRecorder()
	proxy.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	assert.Equal(t, "hit", rr.Header().Get("X-Fitsync-Cache"))
	assert.Equal(t, "<html>dash</html>", rr.Body.String())
	assert.Equal(t, hits, o.hits.Load())

	// non-200 responses are returned but not stored
	rr = httptest.NewRecorder()
	proxy.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = httptest.NewRecorder()
	proxy.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, "miss", rr.Header().Get("X-Fitsync-Cache"))
}

func TestProxy_NetworkFailure(t *testing.T) {
	o := newOrigin(t, defaultAssets())
	proxy, _, metricsManager := newTestProxy(t, o)
	o.Close()

	testCases := []struct {
		name           string
		accept         string
		expectedStatus int
		expectedBody   string
		expectedType   string
	}{
		{
			name:           "html gets offline page",
			accept:         "text/html,application/xhtml+xml",
			expectedStatus: http.StatusOK,
			expectedBody:   "<html>offline</html>",
			expectedType:   "text/html",
		},
		{
			name:           "json gets 503",
			accept:         "application/json",
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody:   OfflineBody,
			expectedType:   "text/plain",
		},
		{
			name:           "no accept gets 503",
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody:   OfflineBody,
			expectedType:   "text/plain",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/entries?day=today", nil)
			if tc.accept != "" {
				req.Header.Set("Accept", tc.accept)
			}
			rr := httptest.NewRecorder()
			proxy.ServeHTTP(rr, req)

			assert.Equal(t, tc.expectedStatus, rr.Code)
			assert.Equal(t, tc.expectedBody, rr.Body.String())
			assert.True(t, strings.HasPrefix(rr.Header().Get("Content-Type"), tc.expectedType))
		})
	}
	assert.Equal(t, float64(3), testutil.ToFloat64(metricsManager.CounterCacheLookups.WithLabelValues("offline")))
}

func TestProxy_NonGetPassesThrough(t *testing.T) {
	o := newOrigin(t, defaultAssets())
	proxy, _, metricsManager := newTestProxy(t, o)
	o.set("/add_food", "created")

	hits := o.hits.Load()
	req := httptest.NewRequest(http.MethodPost, "/add_food", strings.NewReader(`{"food-name":"Apple"}`))
	rr := httptest.NewRecorder()
	proxy.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "created", rr.Body.String())
	assert.Empty(t, rr.Header().Get("X-Fitsync-Cache"))
	assert.Equal(t, hits+1, o.hits.Load())

	o.mu.Lock()
	assert.Equal(t, http.MethodPost, o.lastMethod)
	assert.Equal(t, `{"food-name":"Apple"}`, o.lastBody)
	o.mu.Unlock()
	assert.Equal(t, float64(1), testutil.ToFloat64(metricsManager.CounterCacheLookups.WithLabelValues("bypass")))

	// posting twice never serves from cache
	rr = httptest.NewRecorder()
	proxy.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/add_food", strings.NewReader("{}")))
	assert.Equal(t, hits+2, o.hits.Load())
}

func TestProxy_PassThroughOriginDown(t *testing.T) {
	o := newOrigin(t, defaultAssets())
	proxy, _, _ := newTestProxy(t, o)
	o.Close()

	rr := httptest.NewRecorder()
	proxy.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/add_food", strings.NewReader("{}")))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestProxy_WaitingGenerationNotServed(t *testing.T) {
	o := newOrigin(t, defaultAssets())
	manifestDir := t.TempDir()
	worker, _ := newTestWorker(t, o, writeManifest(t, manifestDir, "v9"))
	registerWorker(t, worker)
	proxy := NewProxy(worker, o.Client(), metrics.NewTestManager())

	// v10 sorts before v9 by name
	o.set("/", "<html>home v10</html>")
	writeManifest(t, manifestDir, "v10")
	waiting, version, err := worker.CheckForUpdate(context.Background())
	require.NoError(t, err)
	require.True(t, waiting)
	require.Equal(t, "v10", version)
	require.Equal(t, "v9", worker.Active().Version)

	rr := httptest.NewRecorder()
	proxy.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "hit", rr.Header().Get("X-Fitsync-Cache"))
	assert.Equal(t, "<html>home</html>", rr.Body.String())

	activated, err := worker.SkipWaiting(context.Background())
	require.NoError(t, err)
	require.True(t, activated)

	rr = httptest.NewRecorder()
	proxy.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "<html>home v10</html>", rr.Body.String())
}
