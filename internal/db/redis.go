package db

import (
	"context"
	"net"

	"github.com/go-redis/redis/extra/redisotel/v8"
	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

type NewRedisClientParams struct {
	Host           string
	Port           string
	Password       string
	TracingEnabled bool
}

// NewRedisClient creates the client and pings it; a failed ping is only logged,
// commands will fail (and be reported) later if redis stays unreachable.
func NewRedisClient(ctx context.Context, params NewRedisClientParams) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(params.Host, params.Port),
		Password: params.Password,
		DB:       0, // use default DB
	})
	if params.TracingEnabled {
		rdb.AddHook(redisotel.NewTracingHook())
	}

	rdbStatus := rdb.Ping(ctx)
	if err := rdbStatus.Err(); err != nil {
		log.Errorf("--> failed to ping redis: %s", err)
	} else {
		log.Debugf("redis ping: %s", rdbStatus.Val())
	}

	return rdb
}
