package interceptor

import (
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/2beens/fitsync/internal/telemetry/metrics"
	"github.com/2beens/fitsync/internal/telemetry/tracing"
	"github.com/2beens/fitsync/pkg"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const OfflineBody = "Offline - Content not available"

var allowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
}

// Proxy intercepts GET requests with a cache-first policy and passes everything
// else through to the origin untouched.
type Proxy struct {
	worker         *Worker
	storage        *Storage
	httpClient     *http.Client
	passThrough    *httputil.ReverseProxy
	metricsManager *metrics.Manager
}

func NewProxy(worker *Worker, httpClient *http.Client, metricsManager *metrics.Manager) *Proxy {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	origin := worker.origin
	passThrough := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			if pr.In.URL.IsAbs() {
				pr.Out.URL = pr.In.URL
				pr.Out.Host = pr.In.URL.Host
			} else {
				pr.SetURL(origin)
			}
			pr.SetXForwarded()
		},
		Transport: httpClient.Transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Warnf("interceptor: pass through %s %s: %s", r.Method, r.URL, err)
			pkg.WriteResponse(w, pkg.ContentType.Text, OfflineBody, http.StatusServiceUnavailable)
		},
	}

	return &Proxy{
		worker:         worker,
		storage:        worker.storage,
		httpClient:     httpClient,
		passThrough:    passThrough,
		metricsManager: metricsManager,
	}
}

func (p *Proxy) count(result string) {
	if p.metricsManager != nil {
		p.metricsManager.CounterCacheLookups.WithLabelValues(result).Inc()
	}
}

// targetURL is the absolute URL a request is keyed and fetched by.
func (p *Proxy) targetURL(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		return r.URL
	}
	return p.worker.origin.ResolveReference(&url.URL{Path: r.URL.Path, RawQuery: r.URL.RawQuery})
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := p.targetURL(r)
	if r.Method != http.MethodGet || !allowedSchemes[target.Scheme] {
		p.count("bypass")
		p.passThrough.ServeHTTP(w, r)
		return
	}

	ctx, span := tracing.GlobalTracer.Start(r.Context(), "interceptor.proxy.fetch")
	defer span.End()
	key := target.String()
	span.SetAttributes(attribute.String("cache.key", key))

	ent, ok, err := p.matchActive(key)
	if err != nil {
		log.Errorf("interceptor: cache match %s: %s", key, err)
	}
	if ok {
		span.SetAttributes(attribute.String("cache.result", "hit"))
		p.count("hit")
		writeEntry(w, ent, "hit")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key, nil)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	copyRequestHeaders(req.Header, r.Header)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		log.Debugf("interceptor: fetch %s: %s", key, err)
		span.SetAttributes(attribute.String("cache.result", "offline"))
		p.count("offline")
		p.serveOffline(w, r)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		p.count("offline")
		p.serveOffline(w, r)
		return
	}
	fetched := newEntry(resp, body)

	// only complete 200 responses are stored
	if resp.StatusCode == http.StatusOK {
		if manifest := p.worker.Active(); manifest != nil {
			if err := p.storage.Put(manifest.StaticCacheName(), key, fetched); err != nil {
				log.Errorf("interceptor: cache put %s: %s", key, err)
			}
		}
	}
	span.SetAttributes(attribute.String("cache.result", "miss"))
	p.count("miss")
	writeEntry(w, fetched, "miss")
}

// matchActive looks key up in the active generation's caches only, so a
// waiting generation never answers before it is activated.
func (p *Proxy) matchActive(key string) (Entry, bool, error) {
	manifest := p.worker.Active()
	if manifest == nil {
		return Entry{}, false, nil
	}
	for _, name := range []string{manifest.StaticCacheName(), manifest.OfflineCacheName()} {
		ent, ok, err := p.storage.MatchIn(name, key)
		if err != nil || ok {
			return ent, ok, err
		}
	}
	return Entry{}, false, nil
}

// serveOffline answers a failed fetch: the cached offline document for HTML
// requests, a plain text 503 otherwise.
func (p *Proxy) serveOffline(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		if manifest := p.worker.Active(); manifest != nil {
			offlineURL, err := p.worker.ResolveURL(manifest.OfflinePage)
			if err == nil {
				ent, ok, err := p.storage.MatchIn(manifest.OfflineCacheName(), offlineURL.String())
				if err != nil {
					log.Errorf("interceptor: match offline page: %s", err)
				}
				if ok {
					writeEntry(w, ent, "offline")
					return
				}
			}
		}
	}
	pkg.WriteResponse(w, pkg.ContentType.Text, OfflineBody, http.StatusServiceUnavailable)
}

func writeEntry(w http.ResponseWriter, ent Entry, result string) {
	for k, vs := range ent.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Fitsync-Cache", result)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func copyRequestHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || strings.EqualFold(k, "Connection") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	// bodies are stored as received
	dst.Set("Accept-Encoding", "identity")
}
