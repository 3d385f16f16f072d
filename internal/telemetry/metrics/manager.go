package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Manager struct {
	// counters
	CounterRequests                *prometheus.CounterVec
	CounterHandleRequestPanic      prometheus.Counter
	CounterRateLimitedRequests     prometheus.Counter
	CounterQueuedMutations         prometheus.Counter
	CounterLocalRecords            *prometheus.CounterVec
	CounterReplays                 *prometheus.CounterVec
	CounterDrains                  *prometheus.CounterVec
	CounterForwardedSubmissions    *prometheus.CounterVec
	CounterCacheLookups            *prometheus.CounterVec
	CounterConnectivityTransitions *prometheus.CounterVec
	CounterUpdateTransitions       *prometheus.CounterVec
	CounterMessages                *prometheus.CounterVec

	// gauges
	GaugeRequests         prometheus.Gauge
	GaugeLifeSignal       prometheus.Gauge
	GaugeOnline           prometheus.Gauge
	GaugePendingMutations prometheus.Gauge
	GaugeEventSubscribers prometheus.Gauge

	// histograms
	HistDrainDuration        prometheus.Histogram
	HistogramRequestDuration *prometheus.HistogramVec
}

func NewTestManager() *Manager {
	return NewManager("fitsync", "test", prometheus.NewRegistry())
}

func NewTestManagerAndRegistry() (*Manager, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return NewManager("fitsync", "test", reg), reg
}

func NewManager(namespace, subsystem string, reg prometheus.Registerer) *Manager {
	factory := promauto.With(reg)

	counterRequests := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "request",
		Help:      "The total number of incoming requests",
	}, []string{"method", "status"})
	counterHandleRequestPanic := factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "handle_request_panic",
		Help:      "The total number of serve request panics",
	})
	counterRateLimitedRequests := factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "rate_limited_requests",
		Help:      "The total number of rate limited requests",
	})
	counterQueuedMutations := factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "queued_mutations",
		Help:      "The total number of mutations queued while offline",
	})
	counterLocalRecords := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "local_records",
		Help:      "The total number of local records written, by entry type",
	}, []string{"type"})
	counterReplays := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "mutation_replays",
		Help:      "Queued mutation replay outcomes (synced, failed, skipped)",
	}, []string{"outcome"})
	counterDrains := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "drains",
		Help:      "The total number of queue drains, by trigger",
	}, []string{"trigger"})
	counterForwardedSubmissions := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "forwarded_submissions",
		Help:      "Tracked form submissions, by outcome (forwarded, queued, rejected)",
	}, []string{"outcome"})
	counterCacheLookups := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "cache_lookups",
		Help:      "Intercepted GET requests, by result",
	}, []string{"result"})
	counterConnectivityTransitions := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "connectivity_transitions",
		Help:      "Online/offline transitions",
	}, []string{"state"})
	counterUpdateTransitions := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "update_transitions",
		Help:      "Update lifecycle state transitions, by target state",
	}, []string{"state"})
	counterMessages := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "messages",
		Help:      "Messages handled on the agent/proxy channel, by type",
	}, []string{"type"})

	gaugeRequests := factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "current_requests",
		Help:      "Current number of requests served",
	})
	gaugeLifeSignal := factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "life_signal",
		Help:      "Shows whether the service is alive",
	})
	gaugeOnline := factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "online",
		Help:      "1 when upstream connectivity is up, 0 otherwise",
	})
	gaugePendingMutations := factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "pending_mutations",
		Help:      "Mutations waiting in the offline queue after the last drain",
	})
	gaugeEventSubscribers := factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "event_subscribers",
		Help:      "Connected UI event stream subscribers",
	})

	histDrainDuration := factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "drain_duration_seconds",
		Help:      "Duration of a single queue drain in seconds",
		Buckets:   []float64{.005, .01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
	})
	histogramRequestDuration := factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "request_duration_seconds",
		Help:      "Histogram of response time for requests in seconds",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"route", "method", "status_code"})

	return &Manager{
		CounterRequests:                counterRequests,
		CounterHandleRequestPanic:      counterHandleRequestPanic,
		CounterRateLimitedRequests:     counterRateLimitedRequests,
		CounterQueuedMutations:         counterQueuedMutations,
		CounterLocalRecords:            counterLocalRecords,
		CounterReplays:                 counterReplays,
		CounterDrains:                  counterDrains,
		CounterForwardedSubmissions:    counterForwardedSubmissions,
		CounterCacheLookups:            counterCacheLookups,
		CounterConnectivityTransitions: counterConnectivityTransitions,
		CounterUpdateTransitions:       counterUpdateTransitions,
		CounterMessages:                counterMessages,
		GaugeRequests:                  gaugeRequests,
		GaugeLifeSignal:                gaugeLifeSignal,
		GaugeOnline:                    gaugeOnline,
		GaugePendingMutations:          gaugePendingMutations,
		GaugeEventSubscribers:          gaugeEventSubscribers,
		HistDrainDuration:              histDrainDuration,
		HistogramRequestDuration:       histogramRequestDuration,
	}
}
