package middleware

import (
	"net/http"
	"strings"

	"github.com/2beens/fitsync/internal/telemetry/tracing"
	"github.com/2beens/fitsync/pkg"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/codes"
)

// AdminTokenHeader carries the admin secret. A non-standard header makes browsers
// send a preflight request, which Cors answers.
const AdminTokenHeader = "X-FITSYNC-TOKEN"

type tokenChecker interface {
	Check(token string) bool
}

// bcryptChecker compares tokens against a bcrypt hash from the env config.
type bcryptChecker struct {
	hash string
}

func (c bcryptChecker) Check(token string) bool {
	return pkg.CheckSecretHash(token, c.hash)
}

type AuthMiddlewareHandler struct {
	checker           tokenChecker
	protectedPrefixes []string
}

// NewAuthMiddlewareHandler protects every path under /admin/ with the admin token.
// An empty hash locks the admin routes entirely.
func NewAuthMiddlewareHandler(adminTokenHash string) *AuthMiddlewareHandler {
	return newAuthMiddlewareHandler(bcryptChecker{hash: adminTokenHash})
}

func newAuthMiddlewareHandler(checker tokenChecker) *AuthMiddlewareHandler {
	return &AuthMiddlewareHandler{
		checker:           checker,
		protectedPrefixes: []string{"/admin/"},
	}
}

func (h *AuthMiddlewareHandler) pathIsProtected(path string) bool {
	for _, prefix := range h.protectedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (h *AuthMiddlewareHandler) AuthCheck() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || !h.pathIsProtected(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			_, span := tracing.GlobalTracer.Start(r.Context(), "middleware.auth")
			defer span.End()

			authToken := r.Header.Get(AdminTokenHeader)
			if authToken == "" {
				log.Tracef("[missing token] [auth middleware] unauthorized => %s", r.URL.Path)
				http.Error(w, "no can do", http.StatusUnauthorized)
				span.SetStatus(codes.Error, "missing-auth-token")
				return
			}

			if !h.checker.Check(authToken) {
				log.Warnf("[invalid token] [auth middleware] unauthorized => %s from %s", r.URL.Path, pkg.ReadUserIP(r))
				http.Error(w, "no can do", http.StatusUnauthorized)
				span.SetStatus(codes.Error, "invalid-token")
				return
			}

			span.SetStatus(codes.Ok, "ok")
			next.ServeHTTP(w, r)
		})
	}
}
