package httpapi

import (
	"net/http"

	appRequest "github.com/keyhub/keyhub/internal/application/request"
	domainRequest "github.com/keyhub/keyhub/internal/domain/request"
	domainTransaction "github.com/keyhub/keyhub/internal/domain/transaction"
)

type approveResponse struct {
	Request     *domainRequest.Request         `json:"request"`
	Transaction *domainTransaction.Transaction `json:"transaction"`
}

func (s *Server) createRequest(w http.ResponseWriter, r *http.Request) {
	var req appRequest.CreateInput
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	out, err := s.requestSvc.Create(contextFromRequest(r), actorFromContext(r.Context()), req)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, out)
}

func (s *Server) listOwnRequests(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r, 50, 200)
	out, err := s.requestSvc.ListForUser(contextFromRequest(r), actorFromContext(r.Context()), limit, offset)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(out))
}

func (s *Server) listPendingRequests(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r, 50, 200)
	out, err := s.requestSvc.ListPending(contextFromRequest(r), actorFromContext(r.Context()), limit, offset)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(out))
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid id")
		return
	}
	out, err := s.requestSvc.Get(contextFromRequest(r), actorFromContext(r.Context()), id)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) approveRequest(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid id")
		return
	}
	req, t, err := s.requestSvc.Approve(contextFromRequest(r), actorFromContext(r.Context()), id)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, approveResponse{Request: req, Transaction: t})
}

func (s *Server) rejectRequest(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid id")
		return
	}
	out, err := s.requestSvc.Reject(contextFromRequest(r), actorFromContext(r.Context()), id)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) addRequestMessage(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid id")
		return
	}
	var req appRequest.MessageInput
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	out, err := s.requestSvc.AddMessage(contextFromRequest(r), actorFromContext(r.Context()), id, req)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}
