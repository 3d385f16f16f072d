package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"runtime/debug"

	"github.com/2beens/fitsync/internal/telemetry/metrics"

	log "github.com/sirupsen/logrus"
)

// PanicRecovery turns a handler panic into a 500 and a panic counter increment.
// When the handler already answered, the response is left as it is.
func PanicRecovery(serverName string, metricsManager *metrics.Manager) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			rw := &recoveryWriter{ResponseWriter: w}
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// net/http uses this one to abort the connection on purpose
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				log.WithFields(log.Fields{
					"server": serverName,
					"method": req.Method,
					"path":   req.URL.Path,
				}).Errorf("%s: panic serving request: %v\n%s", serverName, rec, debug.Stack())
				if metricsManager != nil {
					metricsManager.CounterHandleRequestPanic.Inc()
				}
				if !rw.started {
					http.Error(w, "internal error", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(rw, req)
		})
	}
}

type recoveryWriter struct {
	http.ResponseWriter
	started bool
}

func (r *recoveryWriter) WriteHeader(statusCode int) {
	r.started = true
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *recoveryWriter) Write(b []byte) (int, error) {
	r.started = true
	return r.ResponseWriter.Write(b)
}

func (r *recoveryWriter) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		r.started = true
		f.Flush()
	}
}

func (r *recoveryWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.started = true
	return h.Hijack()
}

func (r *recoveryWriter) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
