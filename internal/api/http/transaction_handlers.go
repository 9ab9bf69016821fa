package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	domainTransaction "github.com/keyhub/keyhub/internal/domain/transaction"
	domainUser "github.com/keyhub/keyhub/internal/domain/user"
)

type transactionCreateRequest struct {
	UserID uuid.UUID   `json:"userId"`
	Keys   []uuid.UUID `json:"keys,omitempty"`
}

type itemRequest struct {
	KeyID uuid.UUID `json:"keyId"`
}

func (s *Server) createTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionCreateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	ctx := contextFromRequest(r)
	actor := actorFromContext(ctx)
	t, err := s.transactionSvc.CreateDraft(ctx, actor, req.UserID)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	if len(req.Keys) > 0 {
		t, err = s.transactionSvc.AddItems(ctx, actor, t.ID, req.Keys)
		if err != nil {
			s.respondAppError(w, r, err)
			return
		}
	}
	respondJSON(w, http.StatusCreated, t)
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	var filter domainTransaction.Filter
	if v := optionalQuery(r, "status"); v != nil {
		status := domainTransaction.Status(*v)
		filter.Status = &status
	}
	for param, dst := range map[string]**uuid.UUID{"userId": &filter.UserID, "issuerId": &filter.IssuerID, "keyId": &filter.KeyID} {
		if v := optionalQuery(r, param); v != nil {
			id, err := uuid.Parse(*v)
			if err != nil {
				respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid "+param)
				return
			}
			*dst = &id
		}
	}
	from, err := parseTimeQuery(r, "from")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid from")
		return
	}
	to, err := parseTimeQuery(r, "to")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid to")
		return
	}
	filter.CheckoutFrom, filter.CheckoutTo = from, to

	limit, offset := parseLimitOffset(r, 50, 200)
	txns, err := s.transactionSvc.List(contextFromRequest(r), actorFromContext(r.Context()), filter, limit, offset)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(txns))
}

func (s *Server) listOverdue(w http.ResponseWriter, r *http.Request) {
	txns, err := s.transactionSvc.ListOverdue(contextFromRequest(r), actorFromContext(r.Context()), s.now())
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(txns))
}

// getTransaction accepts either the uuid or the human-readable transaction id.
func (s *Server) getTransaction(w http.ResponseWriter, r *http.Request) {
	t, err := s.lookupTransaction(r)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) lookupTransaction(r *http.Request) (*domainTransaction.Transaction, error) {
	ctx := contextFromRequest(r)
	actor := actorFromContext(ctx)
	raw := chi.URLParam(r, "id")
	if id, err := uuid.Parse(raw); err == nil {
		return s.transactionSvc.Get(ctx, actor, id)
	}
	return s.transactionSvc.GetByTransactionID(ctx, actor, strings.ToUpper(raw))
}

func (s *Server) addItems(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid id")
		return
	}
	var req keyIDsRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	t, err := s.transactionSvc.AddItems(contextFromRequest(r), actorFromContext(r.Context()), id, req.Keys)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) finalizeTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid id")
		return
	}
	t, err := s.transactionSvc.Finalize(contextFromRequest(r), actorFromContext(r.Context()), id)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) returnItem(w http.ResponseWriter, r *http.Request) {
	s.finishItem(w, r, s.transactionSvc.ReturnItem)
}

func (s *Server) markItemLost(w http.ResponseWriter, r *http.Request) {
	s.finishItem(w, r, s.transactionSvc.MarkItemLost)
}

func (s *Server) finishItem(w http.ResponseWriter, r *http.Request, op itemOp) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid id")
		return
	}
	var req itemRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	t, err := op(contextFromRequest(r), actorFromContext(r.Context()), id, req.KeyID)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) cancelTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid id")
		return
	}
	t, err := s.transactionSvc.Cancel(contextFromRequest(r), actorFromContext(r.Context()), id)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) deleteTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid id")
		return
	}
	if err := s.transactionSvc.DeleteTransaction(contextFromRequest(r), actorFromContext(r.Context()), id); err != nil {
		s.respondAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

type itemOp func(ctx context.Context, actor domainUser.Actor, txnID, keyID uuid.UUID) (*domainTransaction.Transaction, error)
