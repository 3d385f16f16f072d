package interceptor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// origin serves a fixed set of paths and counts the requests it sees.
type origin struct {
	*httptest.Server
	mu         sync.Mutex
	assets     map[string]string
	lastMethod string
	lastBody   string
	hits       atomic.Int64
}

func newOrigin(t *testing.T, assets map[string]string) *origin {
	t.Helper()
	o := &origin{assets: assets}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		reqBody, _ := io.ReadAll(r.Body)
		o.mu.Lock()
		body, ok := o.assets[r.URL.Path]
		o.lastMethod = r.Method
		o.lastBody = string(reqBody)
		o.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(o.Close)
	return o
}

func (o *origin) set(path, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.assets[path] = body
}

func defaultAssets() map[string]string {
	return map[string]string{
		"/":                      "<html>home</html>",
		"/static/css/styles.css": "body{}",
		"/static/js/offline.js":  "// offline",
		"/static/manifest.json":  `{"name":"Fitness"}`,
		"/offline":               "<html>offline</html>",
	}
}

func writeManifest(t *testing.T, dir, version string, assets ...string) string {
	t.Helper()
	if len(assets) == 0 {
		assets = []string{"/", "/static/css/styles.css", "/static/js/offline.js", "/static/manifest.json"}
	}
	content := "cache_prefix: fitness-app\nversion: " + version + "\noffline_page: /offline\nassets:\n"
	for _, a := range assets {
		content += "  - " + a + "\n"
	}
	path := filepath.Join(dir, "precache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := NewInMemoryStorage(1024 * 1024)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestWorker(t *testing.T, o *origin, manifestPath string) (*Worker, *Storage) {
	t.Helper()
	storage := newTestStorage(t)
	worker, err := NewWorker(WorkerParams{
		Storage:      storage,
		HttpClient:   o.Client(),
		OriginURL:    o.URL,
		ManifestPath: manifestPath,
	})
	require.NoError(t, err)
	return worker, storage
}

func registerWorker(t *testing.T, worker *Worker) {
	t.Helper()
	_, err := worker.Register(context.Background())
	require.NoError(t, err)
}
