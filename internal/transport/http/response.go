package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/logging"
)

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Kind    domain.Kind `json:"kind"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindBadRequest:
		return http.StatusBadRequest
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	case domain.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

// writeError centralizes error responses. Unknown errors become internal and
// are logged with their cause.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	de := domain.AsError(err)
	status := statusFor(de.Kind)
	log := logging.FromContext(r.Context())
	if status >= 500 {
		log.Error("request failed", "path", r.URL.Path, "code", de.Code, "err", err)
	} else {
		log.Debug("request rejected", "path", r.URL.Path, "code", de.Code)
	}
	writeJSON(w, status, envelope{Error: toErrorBody(de)})
}

func toErrorBody(de *domain.Error) *errorBody {
	return &errorBody{Kind: de.Kind, Code: de.Code, Message: de.Message}
}

// decodeBody reads a JSON body into dst. An empty body leaves dst untouched.
func decodeBody(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return domain.BadRequest("INVALID_BODY", "request body is not valid JSON")
}
