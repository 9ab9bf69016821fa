package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appAudit "github.com/keyhub/keyhub/internal/application/audit"
	appKey "github.com/keyhub/keyhub/internal/application/key"
	appReconcile "github.com/keyhub/keyhub/internal/application/reconcile"
	appReport "github.com/keyhub/keyhub/internal/application/report"
	appRequest "github.com/keyhub/keyhub/internal/application/request"
	appTransaction "github.com/keyhub/keyhub/internal/application/transaction"
	appUser "github.com/keyhub/keyhub/internal/application/user"
	"github.com/keyhub/keyhub/internal/domain/notification"
	domainUser "github.com/keyhub/keyhub/internal/domain/user"
)

// Services groups the application services the API exposes.
type Services struct {
	Keys         *appKey.Service
	Transactions *appTransaction.Service
	Requests     *appRequest.Service
	Users        *appUser.Service
	Reconcile    *appReconcile.Service
	Reports      *appReport.Service
	Audit        *appAudit.Service
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	keySvc         *appKey.Service
	transactionSvc *appTransaction.Service
	requestSvc     *appRequest.Service
	userSvc        *appUser.Service
	reconcileSvc   *appReconcile.Service
	reportSvc      *appReport.Service
	auditSvc       *appAudit.Service
	sseHub         notification.SSEHub
	now            func() time.Time
	logger         zerolog.Logger
}

func NewServer(svcs Services, sseHub notification.SSEHub, now func() time.Time, logger zerolog.Logger) *Server {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Server{
		keySvc:         svcs.Keys,
		transactionSvc: svcs.Transactions,
		requestSvc:     svcs.Requests,
		userSvc:        svcs.Users,
		reconcileSvc:   svcs.Reconcile,
		reportSvc:      svcs.Reports,
		auditSvc:       svcs.Audit,
		sseHub:         sseHub,
		now:            now,
		logger:         logger.With().Str("component", "http").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	staff := s.requireRole(domainUser.RoleAdmin, domainUser.RoleIssuer)
	admin := s.requireRole(domainUser.RoleAdmin)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.identify)

		// streaming must not be cut by the request timeout
		r.Get("/events", s.sseEndpoint)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Route("/keys", func(r chi.Router) {
				r.With(admin).Post("/", s.createKey)
				r.Get("/", s.listKeys)
				r.With(staff).Get("/summary", s.keySummary)
				r.With(staff).Post("/validate", s.validateKeys)
				r.Get("/{keyId}", s.getKey)
				r.With(staff).Patch("/{keyId}", s.updateKey)
				r.With(admin).Delete("/{keyId}", s.deleteKey)
				r.With(staff).Post("/{keyId}/status", s.transitionKey)
				r.Get("/{keyId}/history", s.keyHistory)
				r.With(staff).Get("/{keyId}/audit", s.keyAudit)
			})

			r.Route("/transactions", func(r chi.Router) {
				r.With(staff).Post("/", s.createTransaction)
				r.Get("/", s.listTransactions)
				r.With(staff).Get("/overdue", s.listOverdue)
				r.With(staff).Get("/trends", s.trendsReport)
				r.Get("/{id}", s.getTransaction)
				r.With(staff).Get("/{id}/audit", s.transactionAudit)
				r.With(staff).Post("/{id}/items", s.addItems)
				r.With(staff).Post("/{id}/finalize", s.finalizeTransaction)
				r.With(staff).Post("/{id}/return", s.returnItem)
				r.With(staff).Post("/{id}/lost", s.markItemLost)
				r.With(staff).Post("/{id}/cancel", s.cancelTransaction)
				r.With(admin).Delete("/{id}", s.deleteTransaction)
			})

			r.Route("/requests", func(r chi.Router) {
				r.Post("/", s.createRequest)
				r.Get("/", s.listOwnRequests)
				r.With(staff).Get("/pending", s.listPendingRequests)
				r.Get("/{id}", s.getRequest)
				r.With(staff).Post("/{id}/approve", s.approveRequest)
				r.With(staff).Post("/{id}/reject", s.rejectRequest)
				r.Post("/{id}/messages", s.addRequestMessage)
			})

			r.Route("/users", func(r chi.Router) {
				r.With(admin).Post("/", s.createUser)
				r.With(admin).Get("/", s.listUsers)
				r.Get("/{userId}", s.getUser)
				r.With(admin).Post("/{userId}/status", s.setUserStatus)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(admin)
				r.Post("/reconcile", s.runReconcile)
				r.Get("/audit", s.queryAudit)
				r.Get("/audit/{auditId}", s.getAudit)
				r.Get("/audit/{auditId}/verify", s.verifyAudit)
				r.Get("/reports/activity", s.activityReport)
			})
		})
	})

	return r
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	val := chi.URLParam(r, key)
	return uuid.Parse(val)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func contextFromRequest(r *http.Request) context.Context {
	return r.Context()
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil {
			offset = o
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// parseTimeQuery reads an RFC 3339 timestamp or a plain date.
func parseTimeQuery(r *http.Request, key string) (*time.Time, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func optionalQuery(r *http.Request, key string) *string {
	if v := strings.TrimSpace(r.URL.Query().Get(key)); v != "" {
		return &v
	}
	return nil
}
