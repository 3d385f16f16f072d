package db

import (
	"context"
	"fmt"

	"github.com/2beens/fitsync/internal/config"
	"github.com/2beens/fitsync/internal/offline"
	"github.com/2beens/fitsync/internal/offline/leveldbrepo"
	"github.com/2beens/fitsync/internal/offline/pgrepo"
	"github.com/2beens/fitsync/internal/offline/redisrepo"

	"github.com/IBM/pgxpoolprometheus"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

type OpenQueueStoreParams struct {
	Config           *config.Config
	RedisPassword    string
	PostgresUser     string
	PostgresPassword string
	TracingEnabled   bool
}

// QueueStore is the offline queue backend picked by config, plus the clients it owns.
type QueueStore struct {
	Repo        offline.Repo
	RedisClient *redis.Client
	DBPool      *pgxpool.Pool
	// Collectors are extra prometheus collectors for the backend, if any.
	Collectors []prometheus.Collector
}

// OpenQueueStore opens the configured queue backend. A redis client is created
// whenever redis_host is set, since the form rate limiter uses it too.
func OpenQueueStore(ctx context.Context, params OpenQueueStoreParams) (*QueueStore, error) {
	cfg := params.Config
	store := &QueueStore{}

	if cfg.RedisHost != "" {
		store.RedisClient = NewRedisClient(ctx, NewRedisClientParams{
			Host:           cfg.RedisHost,
			Port:           cfg.RedisPort,
			Password:       params.RedisPassword,
			TracingEnabled: params.TracingEnabled,
		})
	}

	switch cfg.QueueBackend {
	case config.QueueBackendLevelDB:
		repo, err := leveldbrepo.Open(cfg.QueueLevelDBPath)
		if err != nil {
			store.Close()
			return nil, err
		}
		store.Repo = repo
	case config.QueueBackendRedis:
		store.Repo = redisrepo.NewRepo(store.RedisClient)
	case config.QueueBackendPostgres:
		dbPool, err := NewDBPool(ctx, NewDBPoolParams{
			DBHost:         cfg.PostgresHost,
			DBPort:         cfg.PostgresPort,
			DBName:         cfg.PostgresDBName,
			DBUser:         params.PostgresUser,
			DBPassword:     params.PostgresPassword,
			TracingEnabled: params.TracingEnabled,
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("new db pool: %w", err)
		}
		if err := dbPool.Ping(ctx); err != nil {
			log.Warnf("failed to ping db: %s", err)
		}
		repo := pgrepo.NewRepo(dbPool)
		if err := repo.Migrate(ctx); err != nil {
			dbPool.Close()
			store.Close()
			return nil, fmt.Errorf("migrate queue schema: %w", err)
		}
		store.DBPool = dbPool
		store.Repo = repo
		store.Collectors = append(store.Collectors, pgxpoolprometheus.NewCollector(
			dbPool,
			map[string]string{"db_name": cfg.PostgresDBName},
		))
	default:
		store.Close()
		return nil, fmt.Errorf("unknown queue backend: %s", cfg.QueueBackend)
	}

	log.Infof("offline queue backend: %s", cfg.QueueBackend)
	return store, nil
}

// Close releases the repo and every client the store opened. Safe on a partial store.
func (s *QueueStore) Close() {
	if s.Repo != nil {
		if err := s.Repo.Close(); err != nil {
			log.Errorf("close queue repo: %s", err)
		}
	}
	if s.DBPool != nil {
		log.Debugln("closing db pool ...")
		s.DBPool.Close()
	}
	if s.RedisClient != nil {
		if err := s.RedisClient.Close(); err != nil {
			log.Errorf("failed to close redis client conn: %s", err)
		}
	}
}
