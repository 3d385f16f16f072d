package interceptor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/2beens/fitsync/internal/telemetry/tracing"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
)

// ErrInstallFailed means a precache asset could not be fetched. The generation
// becomes redundant; there is no internal retry.
var ErrInstallFailed = errors.New("cache install failed")

type GenerationState string

const (
	StateInstalling GenerationState = "installing"
	StateInstalled  GenerationState = "installed"
	StateActivated  GenerationState = "activated"
	StateRedundant  GenerationState = "redundant"
)

// Generation is one installed version of the precache manifest.
type Generation struct {
	Manifest *Manifest
	State    GenerationState
}

func (g *Generation) Version() string {
	return g.Manifest.Version
}

type WorkerParams struct {
	Storage      *Storage
	HttpClient   *http.Client
	OriginURL    string
	ManifestPath string
}

// Worker owns the cache generation lifecycle: install, activate, skip waiting
// and force reset.
type Worker struct {
	storage      *Storage
	httpClient   *http.Client
	origin       *url.URL
	manifestPath string

	mu      sync.RWMutex
	active  *Generation
	waiting *Generation
}

type WorkerStatus struct {
	ActiveVersion  string `json:"activeVersion"`
	WaitingVersion string `json:"waitingVersion,omitempty"`
	StaticCache    string `json:"staticCache,omitempty"`
	OfflineCache   string `json:"offlineCache,omitempty"`
}

func NewWorker(params WorkerParams) (*Worker, error) {
	if params.Storage == nil {
		return nil, errors.New("worker: storage is nil")
	}
	origin, err := url.Parse(params.OriginURL)
	if err != nil {
		return nil, fmt.Errorf("worker: parse origin url: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("worker: origin url must be absolute: %q", params.OriginURL)
	}
	httpClient := params.HttpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Worker{
		storage:      params.Storage,
		httpClient:   httpClient,
		origin:       origin,
		manifestPath: params.ManifestPath,
	}, nil
}

// ResolveURL maps a request or asset path onto the origin. Absolute URLs are kept.
func (w *Worker) ResolveURL(raw string) (*url.URL, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	return w.origin.ResolveReference(ref), nil
}

func (w *Worker) Status() WorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var st WorkerStatus
	if w.active != nil {
		st.ActiveVersion = w.active.Version()
		st.StaticCache = w.active.Manifest.StaticCacheName()
		st.OfflineCache = w.active.Manifest.OfflineCacheName()
	}
	if w.waiting != nil {
		st.WaitingVersion = w.waiting.Version()
	}
	return st
}

// Version is the active generation's version, empty when nothing is registered.
func (w *Worker) Version() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.active == nil {
		return ""
	}
	return w.active.Version()
}

func (w *Worker) Active() *Manifest {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.active == nil {
		return nil
	}
	return w.active.Manifest
}

// Register installs the manifest from disk. With no active generation the new one
// activates immediately; otherwise it waits for SkipWaiting.
func (w *Worker) Register(ctx context.Context) (*Generation, error) {
	manifest, err := LoadManifest(w.manifestPath)
	if err != nil {
		return nil, err
	}
	return w.RegisterManifest(ctx, manifest)
}

func (w *Worker) RegisterManifest(ctx context.Context, manifest *Manifest) (*Generation, error) {
	gen, err := w.Install(ctx, manifest)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	first := w.active == nil
	if first {
		w.active = gen
	} else {
		if w.waiting != nil {
			w.waiting.State = StateRedundant
		}
		w.waiting = gen
	}
	w.mu.Unlock()

	if first {
		if _, err := w.Activate(ctx); err != nil {
			return nil, err
		}
	}
	return gen, nil
}

// Install fetches every asset of the manifest into the static cache and the offline
// page into the offline cache. Any failed asset fails the whole install.
func (w *Worker) Install(ctx context.Context, manifest *Manifest) (_ *Generation, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "interceptor.worker.install")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()
	span.SetAttributes(attribute.String("manifest.version", manifest.Version))

	gen := &Generation{Manifest: manifest, State: StateInstalling}

	type fetched struct {
		key string
		ent Entry
	}
	var staticEntries []fetched
	var fetchErrs error
	for _, asset := range manifest.Assets {
		key, ent, err := w.fetchAsset(ctx, asset)
		if err != nil {
			fetchErrs = multierr.Append(fetchErrs, err)
			continue
		}
		staticEntries = append(staticEntries, fetched{key: key, ent: ent})
	}
	offlineKey, offlineEnt, err := w.fetchAsset(ctx, manifest.OfflinePage)
	if err != nil {
		fetchErrs = multierr.Append(fetchErrs, err)
	}
	if fetchErrs != nil {
		gen.State = StateRedundant
		log.Errorf("interceptor: install %s failed: %s", manifest.Version, fetchErrs)
		return nil, fmt.Errorf("%w: %s: %w", ErrInstallFailed, manifest.Version, fetchErrs)
	}

	for _, f := range staticEntries {
		if err := w.storage.Put(manifest.StaticCacheName(), f.key, f.ent); err != nil {
			gen.State = StateRedundant
			return nil, fmt.Errorf("%w: store %s: %w", ErrInstallFailed, f.key, err)
		}
	}
	if err := w.storage.Put(manifest.OfflineCacheName(), offlineKey, offlineEnt); err != nil {
		gen.State = StateRedundant
		return nil, fmt.Errorf("%w: store offline page: %w", ErrInstallFailed, err)
	}

	gen.State = StateInstalled
	log.Infof("interceptor: installed %s (%d assets)", manifest.Version, len(staticEntries))
	return gen, nil
}

func (w *Worker) fetchAsset(ctx context.Context, asset string) (string, Entry, error) {
	target, err := w.ResolveURL(asset)
	if err != nil {
		return "", Entry{}, fmt.Errorf("asset %q: %w", asset, err)
	}
	key := target.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key, nil)
	if err != nil {
		return "", Entry{}, fmt.Errorf("asset %q: %w", asset, err)
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", Entry{}, fmt.Errorf("asset %q: %w", asset, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", Entry{}, fmt.Errorf("asset %q: status %d", asset, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Entry{}, fmt.Errorf("asset %q: read body: %w", asset, err)
	}
	return key, newEntry(resp, body), nil
}

func newEntry(resp *http.Response, body []byte) Entry {
	header := resp.Header.Clone()
	header.Del("Content-Length")
	return Entry{
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: time.Now().Unix(),
	}
}

// Activate deletes every cache that is not the active static or offline cache.
// It returns the purged cache names.
func (w *Worker) Activate(ctx context.Context) (_ []string, err error) {
	_, span := tracing.GlobalTracer.Start(ctx, "interceptor.worker.activate")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active == nil {
		return nil, errors.New("activate: no active generation")
	}

	purged, err := PurgeStale(w.storage, w.active.Manifest.StaticCacheName(), w.active.Manifest.OfflineCacheName())
	if err != nil {
		return purged, err
	}
	w.active.State = StateActivated
	if len(purged) > 0 {
		log.Infof("interceptor: activated %s, purged %v", w.active.Version(), purged)
	}
	return purged, nil
}

// PurgeStale deletes every cache whose name is not one of keep.
func PurgeStale(s *Storage, keep ...string) ([]string, error) {
	names, err := s.Keys()
	if err != nil {
		return nil, err
	}

	keepSet := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		keepSet[k] = struct{}{}
	}

	var purged []string
	var errs error
	for _, name := range names {
		if _, ok := keepSet[name]; ok {
			continue
		}
		if _, err := s.Delete(name); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("delete cache %s: %w", name, err))
			continue
		}
		purged = append(purged, name)
	}
	return purged, errs
}

// SkipWaiting promotes the waiting generation and activates it right away.
// It reports false when nothing was waiting.
func (w *Worker) SkipWaiting(ctx context.Context) (bool, error) {
	w.mu.Lock()
	if w.waiting == nil {
		w.mu.Unlock()
		return false, nil
	}
	if w.active != nil {
		w.active.State = StateRedundant
	}
	w.active = w.waiting
	w.waiting = nil
	w.mu.Unlock()

	if _, err := w.Activate(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// CheckForUpdate re-reads the manifest and installs a waiting generation when the
// version changed. It reports whether a generation is waiting and its version.
func (w *Worker) CheckForUpdate(ctx context.Context) (waiting bool, version string, err error) {
	manifest, err := LoadManifest(w.manifestPath)
	if err != nil {
		return false, "", err
	}

	w.mu.RLock()
	activeVersion := ""
	if w.active != nil {
		activeVersion = w.active.Version()
	}
	waitingGen := w.waiting
	w.mu.RUnlock()

	if manifest.Version == activeVersion {
		return false, activeVersion, nil
	}
	if waitingGen != nil && waitingGen.Version() == manifest.Version {
		return true, manifest.Version, nil
	}

	if _, err := w.RegisterManifest(ctx, manifest); err != nil {
		return false, activeVersion, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.waiting != nil, manifest.Version, nil
}

// ForceReset deletes all caches and unregisters every generation.
func (w *Worker) ForceReset(ctx context.Context) error {
	_, span := tracing.GlobalTracer.Start(ctx, "interceptor.worker.forceReset")
	defer span.End()

	w.mu.Lock()
	w.active = nil
	w.waiting = nil
	w.mu.Unlock()

	_, err := PurgeStale(w.storage)
	return err
}
