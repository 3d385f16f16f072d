package agent

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/2beens/fitsync/internal/config"
	"github.com/2beens/fitsync/internal/db"
	"github.com/2beens/fitsync/internal/middleware"
	"github.com/2beens/fitsync/internal/offline"
	"github.com/2beens/fitsync/internal/offline/leveldbrepo"
	"github.com/2beens/fitsync/pkg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, adminSecret string) *httptest.Server {
	t.Helper()

	repo, err := leveldbrepo.NewInMemory()
	require.NoError(t, err)
	store := &db.QueueStore{Repo: repo}
	t.Cleanup(store.Close)

	hash := ""
	if adminSecret != "" {
		hash, err = pkg.HashSecret(adminSecret)
		require.NoError(t, err)
	}

	cfg := &config.Config{
		UpstreamURL:         "http://127.0.0.1:1",
		AllowedOrigins:      []string{"http://localhost:8080"},
		FormRateLimitPerMin: 10,
		MessagingSocketDir:  t.TempDir(),
		QueueLevelDBPath:    filepath.Join(t.TempDir(), "unused"),
	}
	s, err := NewServer(NewServerParams{
		Config:         cfg,
		QueueStore:     store,
		AdminTokenHash: hash,
		VersionInfo:    "test",
	})
	require.NoError(t, err)

	ts := httptest.NewServer(s.routerSetup())
	t.Cleanup(ts.Close)
	return ts
}

func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
}

func TestServer_OfflineSubmissionFlow(t *testing.T) {
	ts := newTestServer(t, "")
	client := noRedirectClient()

	form := url.Values{"food-name": {"Oatmeal"}, "calories": {"350"}}
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/add_food", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", pkg.ContentType.Form)
	req.Header.Set("Referer", "/food")

	resp, err := client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	// the monitor starts offline, so the submission is captured locally
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/food", resp.Header.Get("Location"))

	resp, err = client.Get(ts.URL + "/entries?type=food")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var records []offline.LocalRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&records))
	require.Len(t, records, 1)
	assert.Equal(t, "Oatmeal", records[0].Data["food-name"])

	statusResp, err := client.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer func() { _ = statusResp.Body.Close() }()
	var status statusResponse
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&status))
	assert.Equal(t, 1, status.Pending)
	assert.False(t, status.Online)
	assert.Equal(t, "test", status.Version)
}

func TestServer_AdminRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t, "letmein")

	post := func(path, token string) int {
		req, err := http.NewRequest(http.MethodPost, ts.URL+path, nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set(middleware.AdminTokenHeader, token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, post("/admin/sync", ""))
	assert.Equal(t, http.StatusUnauthorized, post("/admin/sync", "wrong"))
	// authorized, but the agent is offline
	assert.Equal(t, http.StatusConflict, post("/admin/sync", "letmein"))
}

func TestServer_CorsRejectsForeignOrigin(t *testing.T) {
	ts := newTestServer(t, "")

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/status", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServer_Ping(t *testing.T) {
	ts := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", string(body))
}

func TestNewServer_RequiresQueueStore(t *testing.T) {
	_, err := NewServer(NewServerParams{Config: &config.Config{}})
	assert.Error(t, err)
}
