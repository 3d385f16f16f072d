package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/2beens/fitsync/internal/config"
	"github.com/2beens/fitsync/internal/connectivity"
	"github.com/2beens/fitsync/internal/db"
	"github.com/2beens/fitsync/internal/messaging"
	"github.com/2beens/fitsync/internal/middleware"
	"github.com/2beens/fitsync/internal/notify"
	"github.com/2beens/fitsync/internal/offline"
	"github.com/2beens/fitsync/internal/syncer"
	"github.com/2beens/fitsync/internal/telemetry/metrics"
	"github.com/2beens/fitsync/internal/telemetry/tracing"
	"github.com/2beens/fitsync/internal/updates"
	"github.com/2beens/fitsync/pkg"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis_rate/v9"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

// Server is the foreground side: it takes the tracked form submissions, keeps the
// UI informed over the event stream and drains the queue when connectivity returns.
type Server struct {
	httpServer        *http.Server
	metricsHttpServer *http.Server

	config         *config.Config
	versionInfo    string
	adminTokenHash string

	queue       *offline.Queue
	hub         *notify.Hub
	engine      *syncer.Engine
	monitor     *connectivity.Monitor
	intake      *connectivity.FormIntake
	controller  *updates.Controller
	rateLimiter middleware.RequestRateLimiter

	// metrics
	metricsManager *metrics.Manager
	promRegistry   *prometheus.Registry
	otelShutdown   func()

	wg sync.WaitGroup
}

type NewServerParams struct {
	Config *config.Config
	// QueueStore is owned by the caller, it may be shared with the proxy.
	QueueStore              *db.QueueStore
	AdminTokenHash          string
	VersionInfo             string
	HoneycombTracingEnabled bool
}

func NewServer(params NewServerParams) (*Server, error) {
	cfg := params.Config
	if params.QueueStore == nil || params.QueueStore.Repo == nil {
		return nil, errors.New("agent: queue store is required")
	}

	promRegistry := metrics.SetupPrometheus(params.QueueStore.Collectors...)
	metricsManager := metrics.NewManager("fitsync", "agent", promRegistry)
	metricsManager.GaugeLifeSignal.Set(0)

	otelShutdown, err := tracing.HoneycombSetup(params.HoneycombTracingEnabled, "fitsync-agent")
	if err != nil {
		return nil, err
	}

	queue := offline.NewQueue(params.QueueStore.Repo, metricsManager)
	hub := notify.NewHub(metricsManager)
	queue.OnChange(notify.QueueRefresher(hub))

	tracedHttpClient := pkg.NewTracedHttpClient(time.Minute)

	engine, err := syncer.NewEngine(syncer.EngineParams{
		Queue:          queue,
		HttpClient:     tracedHttpClient,
		UpstreamURL:    cfg.UpstreamURL,
		Notifier:       hub,
		MetricsManager: metricsManager,
		Claimant:       "agent",
		ClaimLease:     cfg.ClaimLease,
	})
	if err != nil {
		return nil, fmt.Errorf("new sync engine: %w", err)
	}

	monitor := connectivity.NewMonitor(connectivity.MonitorParams{
		Notifier:        hub,
		Drainer:         engine,
		HttpClient:      pkg.NewTracedHttpClient(cfg.ProbeTimeout),
		ProbeURL:        cfg.ProbeURL,
		ProbeInterval:   cfg.ProbeInterval,
		InitiallyOnline: cfg.InitiallyOnline,
		MetricsManager:  metricsManager,
	})

	intake, err := connectivity.NewFormIntake(connectivity.FormIntakeParams{
		Queue:          queue,
		Monitor:        monitor,
		Notifier:       hub,
		HttpClient:     tracedHttpClient,
		UpstreamURL:    cfg.UpstreamURL,
		MetricsManager: metricsManager,
	})
	if err != nil {
		return nil, fmt.Errorf("new form intake: %w", err)
	}

	controller := updates.NewController(updates.ControllerParams{
		Channel:        messaging.NewClient(cfg.MessagingSocketPath(), cfg.MessageTimeout),
		Notifier:       hub,
		MetricsManager: metricsManager,
		QuietPeriod:    cfg.UpdateQuietPeriod,
		ReloadDelay:    cfg.UpdateReloadDelay,
		SnoozeFor:      cfg.UpdateSnooze,
		CheckInterval:  cfg.UpdateCheckInterval,
	})

	s := &Server{
		config:         cfg,
		versionInfo:    params.VersionInfo,
		adminTokenHash: params.AdminTokenHash,
		queue:          queue,
		hub:            hub,
		engine:         engine,
		monitor:        monitor,
		intake:         intake,
		controller:     controller,
		metricsManager: metricsManager,
		promRegistry:   promRegistry,
		otelShutdown:   otelShutdown,
	}
	if rdb := params.QueueStore.RedisClient; rdb != nil {
		s.rateLimiter = redis_rate.NewLimiter(rdb)
	}

	return s, nil
}

func (s *Server) routerSetup() *mux.Router {
	r := mux.NewRouter()
	r.Use(otelmux.Middleware("agent-router"))

	var formHandler http.Handler = s.intake
	if s.rateLimiter != nil {
		formHandler = middleware.RateLimit(s.rateLimiter, "forms", s.config.FormRateLimitPerMin, s.metricsManager)(formHandler)
	} else {
		log.Debugln("redis not configured, form intake is not rate limited")
	}
	for _, path := range offline.TrackedPaths() {
		r.Handle(path, formHandler).Methods("POST", "OPTIONS").Name("form" + path)
	}

	handler := NewHandler(s.queue, s.monitor, s.engine, s.controller, s.hub, s.versionInfo)
	r.HandleFunc("/ping", handler.HandlePing).Methods("GET").Name("ping")
	r.HandleFunc("/status", handler.HandleStatus).Methods("GET").Name("status")
	r.HandleFunc("/entries", handler.HandleEntries).Methods("GET").Name("entries")
	r.HandleFunc("/ws/events", s.hub.WebSocketHandler(s.config.AllowedOrigins)).Methods("GET").Name("events")

	r.HandleFunc("/admin/queue", handler.HandlePending).Methods("GET", "OPTIONS").Name("admin-queue")
	r.HandleFunc("/admin/sync", handler.HandleSync).Methods("POST", "OPTIONS").Name("admin-sync")
	r.HandleFunc("/admin/updates/check", handler.HandleUpdatesCheck).Methods("POST", "OPTIONS").Name("admin-updates-check")
	r.HandleFunc("/admin/updates/force", handler.HandleUpdatesForce).Methods("POST", "OPTIONS").Name("admin-updates-force")

	authMiddleware := middleware.NewAuthMiddlewareHandler(s.adminTokenHash)

	r.Use(middleware.PanicRecovery("agent", s.metricsManager))
	r.Use(middleware.LogRequest())
	r.Use(middleware.RequestMetrics(s.metricsManager))
	r.Use(middleware.Cors(s.config.AllowedOrigins))
	r.Use(authMiddleware.AuthCheck())
	r.Use(middleware.DrainAndCloseRequest())

	return r
}

// wireUI routes UI messages to the connectivity monitor and the update controller,
// and re-checks for updates on every reconnect.
func (s *Server) wireUI(ctx context.Context) {
	s.hub.OnInbound(func(msg notify.UIMessage) {
		s.monitor.HandleUIMessage(ctx, msg)
		s.controller.HandleUIMessage(ctx, msg)
	})
	s.monitor.OnReconnect(func(ctx context.Context) {
		if err := s.controller.CheckForUpdates(ctx); err != nil {
			log.Errorf("agent: update check on reconnect: %s", err)
		}
	})
}

// Serve starts the http servers and the background loops. The loops stop when
// ctx is cancelled; cancel it before calling GracefulShutdown.
func (s *Server) Serve(ctx context.Context, host string, port int) {
	s.wireUI(ctx)

	ipAndPort := net.JoinHostPort(host, strconv.Itoa(port))
	s.httpServer = &http.Server{
		Handler:      s.routerSetup(),
		Addr:         ipAndPort,
		WriteTimeout: time.Minute,
		ReadTimeout:  time.Minute,
		ConnState:    s.connStateMetrics,
	}

	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", metrics.Handler(s.promRegistry))
	metricsAddr := net.JoinHostPort(s.config.PrometheusMetricsHost, s.config.PrometheusMetricsPort)
	s.metricsHttpServer = &http.Server{
		Addr:    metricsAddr,
		Handler: metricsRouter,
	}

	go func() {
		log.Infof(" > agent listening on: [%s]", ipAndPort)
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("agent service, listen and serve: %s", err)
		}
	}()

	go func() {
		log.Debugf(" > agent metrics listening on: [%s]", metricsAddr)
		err := s.metricsHttpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("agent metrics service, listen and serve: %s", err)
		}
	}()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.monitor.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.controller.Run(ctx)
	}()

	s.metricsManager.GaugeLifeSignal.Set(1)
}

func (s *Server) GracefulShutdown() {
	log.Debug("agent graceful shutdown initiated ...")
	s.metricsManager.GaugeLifeSignal.Set(0)

	maxWaitDuration := time.Second * 15
	ctx, timeoutCancel := context.WithTimeout(context.Background(), maxWaitDuration)
	defer timeoutCancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Error(" >>> failed to gracefully shutdown agent http server")
		}
		log.Warnln("agent server shut down")
	}
	if s.metricsHttpServer != nil {
		if err := s.metricsHttpServer.Shutdown(ctx); err != nil {
			log.Error(" >>> failed to gracefully shutdown agent metrics http server")
		}
	}

	s.wg.Wait()
	s.otelShutdown()

	if ok := sentry.Flush(5 * time.Second); ok {
		log.Debugf("sentry flush ok: %t", ok)
	}
}

func (s *Server) connStateMetrics(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		s.metricsManager.GaugeRequests.Add(1)
	case http.StateClosed, http.StateHijacked:
		s.metricsManager.GaugeRequests.Add(-1)
	default:
		// do nothing
	}
}
