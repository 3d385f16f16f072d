package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/2beens/fitsync/internal/config"
	"github.com/2beens/fitsync/internal/db"
	"github.com/2beens/fitsync/internal/interceptor"
	"github.com/2beens/fitsync/internal/messaging"
	"github.com/2beens/fitsync/internal/middleware"
	"github.com/2beens/fitsync/internal/offline"
	"github.com/2beens/fitsync/internal/syncer"
	"github.com/2beens/fitsync/internal/telemetry/metrics"
	"github.com/2beens/fitsync/internal/telemetry/tracing"
	"github.com/2beens/fitsync/pkg"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

// StatusPath reports the cache generations. It is answered by the proxy itself,
// never forwarded to the origin.
const StatusPath = "/_fitsync/status"

// Server is the network interception layer in front of the origin: cache-first
// static assets, the offline fallback, the message channel for the agent and
// background sync of the shared queue.
type Server struct {
	httpServer        *http.Server
	metricsHttpServer *http.Server

	config    *config.Config
	storage   *interceptor.Storage
	worker    *interceptor.Worker
	proxy     *interceptor.Proxy
	engine    *syncer.Engine
	msgServer *messaging.Server

	metricsManager *metrics.Manager
	promRegistry   *prometheus.Registry
	otelShutdown   func()

	wg sync.WaitGroup
}

type NewServerParams struct {
	Config *config.Config
	// QueueStore is owned by the caller, it may be shared with the agent.
	QueueStore              *db.QueueStore
	HoneycombTracingEnabled bool
}

func NewServer(params NewServerParams) (*Server, error) {
	cfg := params.Config
	if params.QueueStore == nil || params.QueueStore.Repo == nil {
		return nil, errors.New("proxy: queue store is required")
	}

	promRegistry := metrics.SetupPrometheus()
	metricsManager := metrics.NewManager("fitsync", "proxy", promRegistry)
	metricsManager.GaugeLifeSignal.Set(0)

	otelShutdown, err := tracing.HoneycombSetup(params.HoneycombTracingEnabled, "fitsync-proxy")
	if err != nil {
		return nil, err
	}

	storage, err := interceptor.OpenStorage(cfg.CacheDir, cfg.CacheRAMBytes)
	if err != nil {
		return nil, fmt.Errorf("open cache storage: %w", err)
	}

	tracedHttpClient := pkg.NewTracedHttpClient(30 * time.Second)

	worker, err := interceptor.NewWorker(interceptor.WorkerParams{
		Storage:      storage,
		HttpClient:   tracedHttpClient,
		OriginURL:    cfg.OriginURL,
		ManifestPath: cfg.PrecacheManifestPath,
	})
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	// replays go straight to the origin, the agent already went through us
	engine, err := syncer.NewEngine(syncer.EngineParams{
		Queue:          offline.NewQueue(params.QueueStore.Repo, metricsManager),
		HttpClient:     tracedHttpClient,
		UpstreamURL:    cfg.OriginURL,
		MetricsManager: metricsManager,
		Claimant:       "proxy",
		ClaimLease:     cfg.ClaimLease,
	})
	if err != nil {
		_ = storage.Close()
		return nil, fmt.Errorf("new sync engine: %w", err)
	}

	msgServer := messaging.NewServer(cfg.MessagingSocketPath(), metricsManager)
	interceptor.RegisterMessageHandlers(msgServer, worker, engine)

	return &Server{
		config:         cfg,
		storage:        storage,
		worker:         worker,
		proxy:          interceptor.NewProxy(worker, tracedHttpClient, metricsManager),
		engine:         engine,
		msgServer:      msgServer,
		metricsManager: metricsManager,
		promRegistry:   promRegistry,
		otelShutdown:   otelShutdown,
	}, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pkg.WriteJSONResponse(w, s.worker.Status(), http.StatusOK)
}

func (s *Server) routerSetup() *mux.Router {
	r := mux.NewRouter()
	r.Use(otelmux.Middleware("proxy-router"))

	r.HandleFunc(StatusPath, s.handleStatus).Methods("GET").Name("status")
	r.PathPrefix("/").Handler(s.proxy).Name("intercept")

	r.Use(middleware.PanicRecovery("proxy", s.metricsManager))
	r.Use(middleware.LogRequest())
	r.Use(middleware.RequestMetrics(s.metricsManager))

	return r
}

// Serve installs the precache generation, opens the message channel and starts
// the http servers. A failed install is logged and the proxy keeps serving
// network-first until the next successful registration.
func (s *Server) Serve(ctx context.Context, host string, port int) {
	if _, err := s.worker.Register(ctx); err != nil {
		log.Errorf("proxy: register cache generation: %s", err)
	} else {
		log.Infof("proxy: serving cache generation %s", s.worker.Version())
	}

	if err := os.MkdirAll(s.config.MessagingSocketDir, os.ModePerm); err != nil {
		log.Errorf("failed to create messaging socket dir: %s", err)
	} else if addr, err := s.msgServer.Listen(ctx); err != nil {
		log.Errorf("failed to open messaging socket: %s", err)
	} else {
		log.Debugf("messaging socket: %s", addr)
	}

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
	metricsAddr := net.JoinHostPort(s.config.PrometheusMetricsHost, s.config.ProxyMetricsPort)
	s.metricsHttpServer = &http.Server{
		Addr:    metricsAddr,
		Handler: metricsRouter,
	}

	go func() {
		log.Infof(" > proxy listening on: [%s]", ipAndPort)
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("proxy service, listen and serve: %s", err)
		}
	}()

	go func() {
		log.Debugf(" > proxy metrics listening on: [%s]", metricsAddr)
		err := s.metricsHttpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("proxy metrics service, listen and serve: %s", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		interceptor.RunBackgroundSync(ctx, s.engine, s.config.BackgroundSyncInterval)
	}()

	s.metricsManager.GaugeLifeSignal.Set(1)
}

// GracefulShutdown expects the ctx given to Serve to be cancelled already.
func (s *Server) GracefulShutdown() {
	log.Debug("proxy graceful shutdown initiated ...")
	s.metricsManager.GaugeLifeSignal.Set(0)

	maxWaitDuration := time.Second * 15
	ctx, timeoutCancel := context.WithTimeout(context.Background(), maxWaitDuration)
	defer timeoutCancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Error(" >>> failed to gracefully shutdown proxy http server")
		}
		log.Warnln("proxy server shut down")
	}
	if s.metricsHttpServer != nil {
		if err := s.metricsHttpServer.Shutdown(ctx); err != nil {
			log.Error(" >>> failed to gracefully shutdown proxy metrics http server")
		}
	}

	s.wg.Wait()
	s.msgServer.Wait()

	log.Debugln("removing messaging socket ...")
	if err := os.Remove(s.config.MessagingSocketPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Errorf("failed to cleanup messaging socket: %s", err)
	}

	if err := s.storage.Close(); err != nil {
		log.Errorf("close cache storage: %s", err)
	}

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
