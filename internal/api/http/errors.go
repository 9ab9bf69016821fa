package httpapi

import (
	"net/http"

	"github.com/keyhub/keyhub/internal/apperr"
)

// httpStatusFor maps an error kind to a response status.
func httpStatusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindInsufficientRole:
		return http.StatusForbidden
	case apperr.KindNotFound, apperr.KindUserNotFound:
		return http.StatusNotFound
	case apperr.KindKeyUnavailable,
		apperr.KindKeysUnavailable,
		apperr.KindKeyInUse,
		apperr.KindNotInDraftState,
		apperr.KindRequestNotPending,
		apperr.KindPendingRequestConflict,
		apperr.KindConcurrentModification,
		apperr.KindConflict,
		apperr.KindKeyReferenced:
		return http.StatusConflict
	case apperr.KindInvalidTransition,
		apperr.KindInvalidItemState,
		apperr.KindEmptyRequest,
		apperr.KindOrphanedCheckedOutKey:
		return http.StatusUnprocessableEntity
	case apperr.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) respondAppError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := httpStatusFor(kind)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("unhandled error")
		respondError(w, status, "INTERNAL_ERROR", "internal error")
		return
	}
	if status == http.StatusServiceUnavailable {
		s.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("storage unavailable")
	}
	body := map[string]interface{}{
		"error":   string(kind),
		"message": err.Error(),
	}
	if ids := apperr.IDsOf(err); len(ids) > 0 {
		body["ids"] = ids
	}
	respondJSON(w, status, body)
}
