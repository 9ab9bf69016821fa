package httpapi

import (
	"net/http"
	"strconv"

	appAudit "github.com/keyhub/keyhub/internal/application/audit"
	domainAudit "github.com/keyhub/keyhub/internal/domain/audit"
)

func (s *Server) runReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.reconcileSvc.RunAll(contextFromRequest(r), actorFromContext(r.Context()))
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) queryAudit(w http.ResponseWriter, r *http.Request) {
	params := appAudit.QueryParams{
		Limit:      50,
		EntityType: optionalQuery(r, "entityType"),
		EntityID:   optionalQuery(r, "entityId"),
		Action:     optionalQuery(r, "action"),
		Actor:      optionalQuery(r, "actor"),
		RiskLevel:  optionalQuery(r, "riskLevel"),
		Cursor:     optionalQuery(r, "cursor"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			params.Limit = l
		}
	}
	var err error
	if params.StartTime, err = parseTimeQuery(r, "start"); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid start")
		return
	}
	if params.EndTime, err = parseTimeQuery(r, "end"); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid end")
		return
	}
	res, err := s.auditSvc.Query(contextFromRequest(r), params)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "auditId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid auditId")
		return
	}
	log, err := s.auditSvc.GetByID(contextFromRequest(r), id)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, log)
}

func (s *Server) verifyAudit(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "auditId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid auditId")
		return
	}
	res, err := s.auditSvc.VerifyIntegrity(contextFromRequest(r), id)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) activityReport(w http.ResponseWriter, r *http.Request) {
	start, err := parseTimeQuery(r, "start")
	if err != nil || start == nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "start is required")
		return
	}
	end, err := parseTimeQuery(r, "end")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid end")
		return
	}
	if end == nil {
		now := s.now()
		end = &now
	}
	activity, err := s.reportSvc.Activity(contextFromRequest(r), actorFromContext(r.Context()), *start, *end)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, activity)
}

func (s *Server) trendsReport(w http.ResponseWriter, r *http.Request) {
	days := 0
	if v := r.URL.Query().Get("days"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid days")
			return
		}
		days = d
	}
	trends, err := s.reportSvc.Trends(contextFromRequest(r), actorFromContext(r.Context()), days)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, trends)
}

func (s *Server) keyAudit(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "keyId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid keyId")
		return
	}
	ctx := contextFromRequest(r)
	if _, err := s.keySvc.Get(ctx, id); err != nil {
		s.respondAppError(w, r, err)
		return
	}
	s.entityAudit(w, r, domainAudit.EntityTypeKey, id.String())
}

// transactionAudit accepts either the uuid or the human-readable transaction id.
func (s *Server) transactionAudit(w http.ResponseWriter, r *http.Request) {
	t, err := s.lookupTransaction(r)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	s.entityAudit(w, r, domainAudit.EntityTypeTransaction, t.ID.String())
}

func (s *Server) entityAudit(w http.ResponseWriter, r *http.Request, entityType domainAudit.EntityType, entityID string) {
	logs, err := s.auditSvc.GetEntityHistory(contextFromRequest(r), entityType, entityID)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(logs))
}
