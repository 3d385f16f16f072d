package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/2beens/fitsync/internal/telemetry/metrics"

	"github.com/go-redis/redis_rate/v9"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fakeLimiter struct {
	allowed int
	err     error
	keys    []string
}

func (f *fakeLimiter) Allow(_ context.Context, key string, limit redis_rate.Limit) (*redis_rate.Result, error) {
	f.keys = append(f.keys, key)
	if f.err != nil {
		return nil, f.err
	}
	if f.allowed > 0 {
		f.allowed--
		return &redis_rate.Result{Limit: limit, Allowed: 1, Remaining: f.allowed}, nil
	}
	return &redis_rate.Result{Limit: limit, Allowed: 0, RetryAfter: 3 * time.Second}, nil
}

func TestRateLimit(t *testing.T) {
	metricsManager := metrics.NewTestManager()
	limiter := &fakeLimiter{allowed: 1}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	handler := RateLimit(limiter, "forms", 1, metricsManager)(next)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/add_food", nil)
		req.RemoteAddr = "10.0.0.7:5555"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusAccepted, send().Code)

	rr := send()
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "4", rr.Header().Get("Retry-After"))
	assert.Equal(t, float64(1), testutil.ToFloat64(metricsManager.CounterRateLimitedRequests))
	assert.Equal(t, []string{"forms:10.0.0.7", "forms:10.0.0.7"}, limiter.keys)
}

func TestRateLimit_LimiterErrorLetsThrough(t *testing.T) {
	limiter := &fakeLimiter{err: errors.New("redis down")}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	rr := httptest.NewRecorder()
	RateLimit(limiter, "forms", 1, nil)(next).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/add_food", nil))
	assert.Equal(t, http.StatusAccepted, rr.Code)
}
