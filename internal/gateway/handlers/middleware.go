package handlers

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/apiengine/internal/identity"
	"github.com/mrmushfiq/apiengine/internal/shared/apperr"
)

type contextKey struct{ name string }

var principalKey = &contextKey{"principal"}

// TokenVerifier turns a bearer token into a principal id.
type TokenVerifier interface {
	Verify(raw string) (string, error)
}

// PrincipalFrom returns the verified principal stored by AuthMiddleware.
func PrincipalFrom(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(principalKey).(string)
	return p, ok && p != ""
}

// WithPrincipal returns a context carrying principal.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

type Middleware struct {
	verifier TokenVerifier
	log      logrus.FieldLogger
}

func NewMiddleware(verifier TokenVerifier, log logrus.FieldLogger) *Middleware {
	return &Middleware{verifier: verifier, log: log}
}

// AuthMiddleware requires a valid bearer token and stores its principal.
func (m *Middleware) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := identity.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, m.log, apperr.New(apperr.Unauthenticated, "missing bearer token"))
			return
		}

		principal, err := m.verifier.Verify(token)
		if err != nil {
			m.log.WithError(err).Debug("management token rejected")
			writeError(w, m.log, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// CORSMiddleware handles CORS for the management API.
func (m *Middleware) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP returns the caller's address. Forwarding headers are only
// believed when the gateway sits behind a trusted proxy.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requestProto returns the scheme the caller used.
func requestProto(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
			return p
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
