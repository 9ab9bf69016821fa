package httpapi

import (
	"net/http"
	"strings"

	appUser "github.com/keyhub/keyhub/internal/application/user"
	domainUser "github.com/keyhub/keyhub/internal/domain/user"
)

type userStatusRequest struct {
	Status domainUser.Status `json:"status"`
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req appUser.CreateInput
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	u, err := s.userSvc.Create(r.Context(), actorFromContext(r.Context()), req)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, u)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r, 100, 200)
	filter := domainUser.Filter{}
	if v := r.URL.Query().Get("role"); v != "" {
		role, err := parseRole(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
			return
		}
		filter.Role = &role
	}
	if v := r.URL.Query().Get("status"); v != "" {
		st := domainUser.Status(strings.ToLower(v))
		filter.Status = &st
	}
	if v := r.URL.Query().Get("username"); v != "" {
		name := domainUser.NormalizeUsername(v)
		filter.Username = &name
	}
	users, err := s.userSvc.List(r.Context(), actorFromContext(r.Context()), filter, limit, offset)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"users": nonNil(users)})
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "userId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid userId")
		return
	}
	u, err := s.userSvc.Get(r.Context(), actorFromContext(r.Context()), id)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, u)
}

func (s *Server) setUserStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "userId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid userId")
		return
	}
	var req userStatusRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	u, err := s.userSvc.SetStatus(r.Context(), actorFromContext(r.Context()), id, req.Status)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, u)
}

func parseRole(role string) (domainUser.Role, error) {
	r := domainUser.Role(strings.ToLower(role))
	if err := domainUser.ValidateRole(r); err != nil {
		return "", err
	}
	return r, nil
}
