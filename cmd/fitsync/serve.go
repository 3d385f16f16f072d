package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/2beens/fitsync/internal/agent"
	"github.com/2beens/fitsync/internal/config"
	"github.com/2beens/fitsync/internal/db"
	"github.com/2beens/fitsync/internal/proxy"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type serveMode struct {
	name  string
	short string
	agent bool
	proxy bool
}

var (
	serveProxy = serveMode{name: "proxy", short: "Run the caching proxy in front of the origin", proxy: true}
	serveAgent = serveMode{name: "agent", short: "Run the form intake, event stream and sync agent", agent: true}
	serveAll   = serveMode{name: "all", short: "Run proxy and agent in one process, sharing the queue", agent: true, proxy: true}
)

type secrets struct {
	adminTokenHash   string
	redisPassword    string
	postgresUser     string
	postgresPassword string
	honeycombEnabled bool
}

func readSecrets(needAdmin bool) secrets {
	s := secrets{
		adminTokenHash:   os.Getenv("FITSYNC_ADMIN_TOKEN_HASH"),
		redisPassword:    os.Getenv("FITSYNC_REDIS_PASS"),
		postgresUser:     os.Getenv("FITSYNC_POSTGRES_USER"),
		postgresPassword: os.Getenv("FITSYNC_POSTGRES_PASS"),
		honeycombEnabled: os.Getenv("HONEYCOMB_ENABLED") == "true",
	}
	if needAdmin && s.adminTokenHash == "" {
		log.Errorf("admin token hash not set, admin routes are locked. use FITSYNC_ADMIN_TOKEN_HASH")
	}
	if s.honeycombEnabled {
		if os.Getenv("HONEYCOMB_API_KEY") == "" {
			log.Warnln("HONEYCOMB_API_KEY env var not set")
		}
	} else {
		log.Debugln("honeycomb tracing disabled")
	}
	return s
}

func openQueueStore(ctx context.Context, cfg *config.Config, sec secrets) (*db.QueueStore, error) {
	return db.OpenQueueStore(ctx, db.OpenQueueStoreParams{
		Config:           cfg,
		RedisPassword:    sec.redisPassword,
		PostgresUser:     sec.postgresUser,
		PostgresPassword: sec.postgresPassword,
		TracingEnabled:   sec.honeycombEnabled,
	})
}

func newServeCmd(flags *rootFlags, mode serveMode) *cobra.Command {
	return &cobra.Command{
		Use:   mode.name,
		Short: mode.short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.setup("fitsync-" + mode.name)
			if err != nil {
				return err
			}
			sec := readSecrets(mode.agent)

			chOsInterrupt := make(chan os.Signal, 1)
			signal.Notify(chOsInterrupt, os.Interrupt, syscall.SIGTERM)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			store, err := openQueueStore(ctx, cfg, sec)
			if err != nil {
				return err
			}
			defer store.Close()

			var proxyServer *proxy.Server
			if mode.proxy {
				proxyServer, err = proxy.NewServer(proxy.NewServerParams{
					Config:                  cfg,
					QueueStore:              store,
					HoneycombTracingEnabled: sec.honeycombEnabled,
				})
				if err != nil {
					return err
				}
				proxyServer.Serve(ctx, cfg.ProxyHost, cfg.ProxyPort)
			}

			var agentServer *agent.Server
			if mode.agent {
				agentServer, err = agent.NewServer(agent.NewServerParams{
					Config:                  cfg,
					QueueStore:              store,
					AdminTokenHash:          sec.adminTokenHash,
					VersionInfo:             versionInfo(),
					HoneycombTracingEnabled: sec.honeycombEnabled,
				})
				if err != nil {
					cancel()
					if proxyServer != nil {
						proxyServer.GracefulShutdown()
					}
					return err
				}
				agentServer.Serve(ctx, cfg.Host, cfg.Port)
			}

			receivedSig := <-chOsInterrupt
			log.Warnf("signal [%s] received ...", receivedSig)

			cancel()
			// agent first, so its final requests still reach the proxy
			if agentServer != nil {
				agentServer.GracefulShutdown()
			}
			if proxyServer != nil {
				proxyServer.GracefulShutdown()
			}

			log.Info("bye")
			return nil
		},
	}
}
