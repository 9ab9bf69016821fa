package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/keyhub/keyhub/internal/domain/user"
)

// UserIDHeader carries the caller's user id. Upstream authentication sets it.
const UserIDHeader = "X-User-ID"

// identify resolves the caller from UserIDHeader to an active stored user.
func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if raw == "" {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing "+UserIDHeader)
			return
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid "+UserIDHeader)
			return
		}
		u, err := s.userSvc.Lookup(r.Context(), id)
		if err != nil {
			s.respondAppError(w, r, err)
			return
		}
		if u == nil || !u.IsActive() {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unknown or disabled user")
			return
		}
		ctx := withAuthUser(r.Context(), &AuthUser{
			User:  u,
			Actor: user.Actor{UserID: u.ID, Role: u.Role},
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireRole(roles ...user.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := authUserFromContext(r.Context())
			if auth == nil {
				respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth")
				return
			}
			if !auth.Actor.HasRole(roles...) {
				respondError(w, http.StatusForbidden, "INSUFFICIENT_ROLE", "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		ev := s.logger.Debug()
		if ww.Status() >= http.StatusInternalServerError {
			ev = s.logger.Error()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("requestId", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
