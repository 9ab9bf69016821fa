package httpapi

import (
	"net/http"

	"github.com/google/uuid"

	appKey "github.com/keyhub/keyhub/internal/application/key"
	domainKey "github.com/keyhub/keyhub/internal/domain/key"
)

type keyStatusRequest struct {
	From *domainKey.Status `json:"from,omitempty"`
	To   domainKey.Status  `json:"to"`
	Note string            `json:"note,omitempty"`
}

type keyIDsRequest struct {
	Keys []uuid.UUID `json:"keys"`
}

func (s *Server) createKey(w http.ResponseWriter, r *http.Request) {
	var req appKey.CreateInput
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	k, err := s.keySvc.Create(contextFromRequest(r), actorFromContext(r.Context()), req)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, k)
}

func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	filter := domainKey.Filter{
		Location: optionalQuery(r, "location"),
		Type:     optionalQuery(r, "type"),
		Query:    optionalQuery(r, "q"),
	}
	if v := optionalQuery(r, "status"); v != nil {
		status := domainKey.Status(*v)
		filter.Status = &status
	}
	limit, offset := parseLimitOffset(r, 100, 500)
	keys, err := s.keySvc.List(contextFromRequest(r), filter, limit, offset)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, keys)
}

func (s *Server) keySummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.reportSvc.KeyStatusSummary(contextFromRequest(r), actorFromContext(r.Context()))
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) validateKeys(w http.ResponseWriter, r *http.Request) {
	var req keyIDsRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	res, err := s.transactionSvc.ValidateKeys(contextFromRequest(r), actorFromContext(r.Context()), req.Keys)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) getKey(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "keyId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid keyId")
		return
	}
	k, err := s.keySvc.Get(contextFromRequest(r), id)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, k)
}

func (s *Server) updateKey(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "keyId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid keyId")
		return
	}
	var req appKey.UpdateInput
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	k, err := s.keySvc.UpdateDetails(contextFromRequest(r), actorFromContext(r.Context()), id, req)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, k)
}

func (s *Server) deleteKey(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "keyId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid keyId")
		return
	}
	if err := s.keySvc.Delete(contextFromRequest(r), actorFromContext(r.Context()), id); err != nil {
		s.respondAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) transitionKey(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "keyId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid keyId")
		return
	}
	var req keyStatusRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	k, err := s.keySvc.TransitionStatus(contextFromRequest(r), actorFromContext(r.Context()), id, req.From, req.To, req.Note)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, k)
}

func (s *Server) keyHistory(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "keyId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid keyId")
		return
	}
	history, err := s.keySvc.History(contextFromRequest(r), id)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, history)
}
