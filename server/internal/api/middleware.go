package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/fleetctl/fleetctl/server/internal/auth"
)

// contextKey is an unexported type for context keys defined in this package.
// Using a custom type prevents collisions with keys defined in other packages.
type contextKey int

const (
	// contextKeySubject is the context key under which the authenticated
	// *auth.AuthenticatedSubject is stored after a successful Authenticate.
	contextKeySubject contextKey = iota
)

// Authenticate validates the bearer token present in the Authorization
// header via auth.Service — the same local-JWT-first, identity-provider-
// fallback path the ws package uses — and stores the resulting subject in
// the request context. On failure it writes a 401 and stops the chain.
//
// Token format: "Authorization: Bearer <token>"
func Authenticate(svc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				ErrUnauthorized(w)
				return
			}

			subject, err := svc.Authenticate(r.Context(), parts[1], r.RemoteAddr)
			if err != nil {
				ErrUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeySubject, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireCapability returns a middleware that allows the request to proceed
// only if the authenticated subject's role carries capability. It must run
// after Authenticate, since it reads the subject from context.
//
// Usage:
//
//	r.With(RequireCapability(auth.CapAgentManage)).Patch("/agents/{id}", h.Update)
func RequireCapability(capability auth.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := subjectFromCtx(r.Context())
			if subject == nil {
				// Should never happen if Authenticate runs first.
				ErrUnauthorized(w)
				return
			}
			if !auth.HasCapability(subject.Role, capability) {
				ErrForbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// using the provided zap logger. It logs method, path, status, and latency.
// Chi's middleware.RequestID is expected to run before this middleware so
// the request ID is available in the context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// subjectFromCtx retrieves the subject stored by the Authenticate middleware.
// Returns nil if no subject is present (i.e. the request is unauthenticated).
func subjectFromCtx(ctx context.Context) *auth.AuthenticatedSubject {
	subject, _ := ctx.Value(contextKeySubject).(*auth.AuthenticatedSubject)
	return subject
}
