package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"yhmv/internal/apperrors"
	"yhmv/services/auth"
	"yhmv/services/catalog"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response failed", "error", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// statusFor maps a connectivity error onto the status the local API answers
// with. Upstream client errors keep their status; everything the remote end
// is responsible for becomes a gateway error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrNotAuthenticated), errors.Is(err, auth.ErrNoServerSelected):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrServerNotFound),
		errors.Is(err, catalog.ErrNoMovieSection),
		errors.Is(err, catalog.ErrNoShowSection):
		return http.StatusNotFound
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindAuth:
		return http.StatusUnauthorized
	case apperrors.KindOffline:
		return http.StatusServiceUnavailable
	case apperrors.KindConstruction:
		return http.StatusBadRequest
	case apperrors.KindClient:
		if s := apperrors.StatusOf(err); s >= 400 && s < 500 {
			return s
		}
		return http.StatusBadGateway
	case apperrors.KindTransport:
		if apperrors.CodeOf(err) == apperrors.CodeTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case apperrors.KindServer, apperrors.KindDiscovery:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Error: err.Error(), Code: string(apperrors.CodeOf(err))})
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
