package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/2beens/fitsync/internal/notify"
	"github.com/2beens/fitsync/internal/offline"
	"github.com/2beens/fitsync/internal/telemetry/metrics"
	"github.com/2beens/fitsync/internal/telemetry/tracing"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
)

var (
	// ErrReplay marks a single failed replay. The mutation stays queued.
	ErrReplay = errors.New("mutation replay failed")
	// ErrDrainInProgress is returned when another drain is already running in this process.
	ErrDrainInProgress = errors.New("drain already in progress")
)

const DefaultClaimLease = 30 * time.Second

// Drain triggers, used as metric labels.
const (
	TriggerStartup        = "startup"
	TriggerReconnect      = "reconnect"
	TriggerBackgroundSync = "background-sync"
	TriggerPeriodic       = "periodic"
	TriggerManual         = "manual"
)

// Result summarises one drain.
type Result struct {
	Total   int
	Synced  int
	Failed  int
	Skipped int
	// Err combines the replay failures of this drain.
	Err error
}

// Summary is the wire form of a Result.
type Summary struct {
	Total   int    `json:"total"`
	Synced  int    `json:"synced"`
	Failed  int    `json:"failed"`
	Skipped int    `json:"skipped"`
	Errors  string `json:"errors,omitempty"`
}

func (r Result) Summary() Summary {
	s := Summary{Total: r.Total, Synced: r.Synced, Failed: r.Failed, Skipped: r.Skipped}
	if r.Err != nil {
		s.Errors = r.Err.Error()
	}
	return s
}

type EngineParams struct {
	Queue          *offline.Queue
	HttpClient     *http.Client
	UpstreamURL    string
	Notifier       notify.Notifier
	MetricsManager *metrics.Manager
	// Claimant identifies this execution context in mutation claims.
	Claimant   string
	ClaimLease time.Duration
}

// Engine replays queued mutations against the upstream server.
type Engine struct {
	queue          *offline.Queue
	httpClient     *http.Client
	upstream       *url.URL
	notifier       notify.Notifier
	metricsManager *metrics.Manager
	claimant       string
	claimLease     time.Duration

	drainMu sync.Mutex
}

func NewEngine(params EngineParams) (*Engine, error) {
	if params.Queue == nil {
		return nil, errors.New("sync engine: queue is nil")
	}
	upstream, err := url.Parse(params.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("sync engine: parse upstream url: %w", err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("sync engine: upstream url must be absolute: %q", params.UpstreamURL)
	}

	httpClient := params.HttpClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	lease := params.ClaimLease
	if lease <= 0 {
		lease = DefaultClaimLease
	}
	claimant := params.Claimant
	if claimant == "" {
		claimant = "fitsync"
	}

	return &Engine{
		queue:          params.Queue,
		httpClient:     httpClient,
		upstream:       upstream,
		notifier:       params.Notifier,
		metricsManager: params.MetricsManager,
		claimant:       claimant,
		claimLease:     lease,
	}, nil
}

// Drain replays every queued mutation once, in insertion order. The caller is
// responsible for checking connectivity first. Replay failures leave the entry
// queued and do not stop the drain; only a listing failure is returned as error.
func (e *Engine) Drain(ctx context.Context, trigger string) (_ Result, err error) {
	if !e.drainMu.TryLock() {
		return Result{}, ErrDrainInProgress
	}
	defer e.drainMu.Unlock()

	ctx, span := tracing.GlobalTracer.Start(ctx, "syncer.engine.drain")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()
	span.SetAttributes(attribute.String("drain.trigger", trigger))

	start := time.Now()
	if e.metricsManager != nil {
		e.metricsManager.CounterDrains.WithLabelValues(trigger).Inc()
		defer func() {
			e.metricsManager.HistDrainDuration.Observe(time.Since(start).Seconds())
		}()
	}

	mutations, err := e.queue.ListMutations(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("drain: %w", err)
	}

	res := Result{Total: len(mutations)}
	for _, m := range mutations {
		if ctx.Err() != nil {
			// abandoned, whatever is left stays queued
			res.Err = multierr.Append(res.Err, ctx.Err())
			break
		}
		e.drainOne(ctx, m, &res)
	}

	span.SetAttributes(
		attribute.Int("drain.total", res.Total),
		attribute.Int("drain.synced", res.Synced),
		attribute.Int("drain.failed", res.Failed),
		attribute.Int("drain.skipped", res.Skipped),
	)

	if res.Total > 0 {
		log.Infof("sync [%s]: %d mutations, %d synced, %d failed, %d skipped", trigger, res.Total, res.Synced, res.Failed, res.Skipped)
		if e.notifier != nil {
			e.notifier.Publish(notify.Toast(notify.LevelSuccess, notify.MsgSyncComplete))
		}
	}
	if res.Err != nil {
		log.Warnf("sync [%s]: replay errors: %s", trigger, res.Err)
	}

	return res, nil
}

func (e *Engine) drainOne(ctx context.Context, m offline.PendingMutation, res *Result) {
	claimed, err := e.queue.ClaimMutation(ctx, m.ID, e.claimant, e.claimLease)
	if err != nil {
		res.Failed++
		res.Err = multierr.Append(res.Err, err)
		e.countReplay("failed")
		return
	}
	if !claimed {
		log.Debugf("sync: mutation [%d] claimed elsewhere, skipping", m.ID)
		res.Skipped++
		e.countReplay("skipped")
		return
	}

	if err := e.replay(ctx, m); err != nil {
		res.Failed++
		res.Err = multierr.Append(res.Err, err)
		e.countReplay("failed")
		// release with a fresh context, ctx may be the reason the replay failed
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := e.queue.ReleaseMutation(releaseCtx, m.ID, e.claimant); err != nil {
			log.Errorf("sync: release mutation [%d]: %s", m.ID, err)
		}
		return
	}

	if err := e.queue.RemoveMutation(ctx, m.ID); err != nil {
		// delivered but still queued, the next drain replays it again
		res.Failed++
		res.Err = multierr.Append(res.Err, err)
		e.countReplay("failed")
		return
	}
	res.Synced++
	e.countReplay("synced")
}

func (e *Engine) countReplay(outcome string) {
	if e.metricsManager != nil {
		e.metricsManager.CounterReplays.WithLabelValues(outcome).Inc()
	}
}

// ResolveURL turns a queued relative endpoint into an absolute upstream URL.
func (e *Engine) ResolveURL(raw string) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return e.upstream.ResolveReference(ref).String(), nil
}

func (e *Engine) replay(ctx context.Context, m offline.PendingMutation) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "syncer.engine.replay")
	defer func() { tracing.EndSpanWithErrCheck(span, err) }()
	span.SetAttributes(attribute.Int64("mutation.id", m.ID), attribute.String("mutation.url", m.URL))

	target, err := e.ResolveURL(m.URL)
	if err != nil {
		return fmt.Errorf("%w: mutation %d: bad url: %w", ErrReplay, m.ID, err)
	}
	body, err := json.Marshal(m.Payload)
	if err != nil {
		return fmt.Errorf("%w: mutation %d: encode payload: %w", ErrReplay, m.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, m.Method, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: mutation %d: %w", ErrReplay, m.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: mutation %d: %w", ErrReplay, m.ID, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: mutation %d: %s %s: status %d", ErrReplay, m.ID, m.Method, m.URL, resp.StatusCode)
	}
	return nil
}
