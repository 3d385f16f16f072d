package connectivity

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2beens/fitsync/internal/notify"
	"github.com/2beens/fitsync/internal/syncer"
	"github.com/2beens/fitsync/internal/telemetry/metrics"
	"github.com/2beens/fitsync/internal/telemetry/tracing"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Drainer is satisfied by *syncer.Engine.
type Drainer interface {
	Drain(ctx context.Context, trigger string) (syncer.Result, error)
}

type MonitorParams struct {
	Notifier        notify.Notifier
	Drainer         Drainer
	HttpClient      *http.Client
	ProbeURL        string
	ProbeInterval   time.Duration
	InitiallyOnline bool
	MetricsManager  *metrics.Manager
}

// Monitor owns the online flag. Going online drains the queue and fires the
// reconnect listeners; going offline shows the offline banner.
type Monitor struct {
	notifier       notify.Notifier
	drainer        Drainer
	httpClient     *http.Client
	probeURL       string
	probeInterval  time.Duration
	metricsManager *metrics.Manager

	online atomic.Bool

	transitionMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   []func(ctx context.Context)
}

func NewMonitor(params MonitorParams) *Monitor {
	httpClient := params.HttpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 3 * time.Second}
	}
	interval := params.ProbeInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	m := &Monitor{
		notifier:       params.Notifier,
		drainer:        params.Drainer,
		httpClient:     httpClient,
		probeURL:       params.ProbeURL,
		probeInterval:  interval,
		metricsManager: params.MetricsManager,
	}
	m.online.Store(params.InitiallyOnline)
	return m
}

func (m *Monitor) Online() bool {
	return m.online.Load()
}

// OnReconnect registers fn to run after every offline to online transition.
func (m *Monitor) OnReconnect(fn func(ctx context.Context)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Monitor) publish(ev notify.Event) {
	if m.notifier != nil {
		m.notifier.Publish(ev)
	}
}

func (m *Monitor) setGauge(online bool) {
	if m.metricsManager == nil {
		return
	}
	if online {
		m.metricsManager.GaugeOnline.Set(1)
	} else {
		m.metricsManager.GaugeOnline.Set(0)
	}
}

// SetOnline applies a connectivity signal. Repeating the current state is a no-op.
// It blocks until the reconnect drain and the listeners are done.
func (m *Monitor) SetOnline(ctx context.Context, online bool, source string) {
	m.transitionMu.Lock()
	if m.online.Load() == online {
		m.transitionMu.Unlock()
		return
	}
	m.online.Store(online)
	m.setGauge(online)
	m.publish(notify.Status(online))
	if !online {
		m.publish(notify.Banner(true, notify.MsgOfflineBanner))
	}
	m.transitionMu.Unlock()

	state := "offline"
	if online {
		state = "online"
	}
	log.Infof("connectivity: %s (%s)", state, source)
	if m.metricsManager != nil {
		m.metricsManager.CounterConnectivityTransitions.WithLabelValues(state).Inc()
	}

	if online {
		m.onReconnect(ctx)
	}
}

func (m *Monitor) onReconnect(ctx context.Context) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "connectivity.monitor.reconnect")
	defer span.End()

	m.drain(ctx, syncer.TriggerReconnect)
	m.publish(notify.Banner(false, ""))

	m.listenersMu.RLock()
	listeners := make([]func(ctx context.Context), len(m.listeners))
	copy(listeners, m.listeners)
	m.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(ctx)
	}
}

func (m *Monitor) drain(ctx context.Context, trigger string) {
	if m.drainer == nil {
		return
	}
	res, err := m.drainer.Drain(ctx, trigger)
	if errors.Is(err, syncer.ErrDrainInProgress) {
		log.Debugf("connectivity: drain already running")
		return
	}
	if err != nil {
		log.Errorf("connectivity: drain after reconnect: %s", err)
		m.publish(notify.Toast(notify.LevelError, "Could not read offline data for syncing."))
		return
	}
	log.Debugf("connectivity: drain done: %+v", res)
}

// Probe reports whether the probe URL answers at all. Any HTTP status counts as reachable.
func (m *Monitor) Probe(ctx context.Context) (online bool) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "connectivity.monitor.probe")
	defer func() {
		span.SetAttributes(attribute.Bool("online", online))
		span.End()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		log.Errorf("connectivity: probe request: %s", err)
		return false
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		log.Debugf("connectivity: probe failed: %s", err)
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return true
}

// Run seeds the flag from the first probe (or the configured initial state when no
// probe URL is set), then probes periodically until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	online := m.online.Load()
	if m.probeURL != "" {
		online = m.Probe(ctx)
	}
	m.seed(ctx, online)

	if m.probeURL == "" {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetOnline(ctx, m.Probe(ctx), "probe")
		}
	}
}

// seed publishes the initial state. Pending data from an earlier session is
// drained right away when starting online.
func (m *Monitor) seed(ctx context.Context, online bool) {
	m.transitionMu.Lock()
	m.online.Store(online)
	m.setGauge(online)
	m.publish(notify.Status(online))
	m.publish(notify.Banner(!online, bannerMessage(online)))
	m.transitionMu.Unlock()

	if online {
		m.drain(ctx, syncer.TriggerStartup)
	}
}

func bannerMessage(online bool) string {
	if online {
		return ""
	}
	return notify.MsgOfflineBanner
}

// HandleUIMessage applies connectivity events relayed by the UI.
func (m *Monitor) HandleUIMessage(ctx context.Context, msg notify.UIMessage) {
	if msg.Type != notify.UIConnectivity || msg.Online == nil {
		return
	}
	m.SetOnline(ctx, *msg.Online, "ui")
}
