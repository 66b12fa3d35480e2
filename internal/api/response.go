package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/SuperALKALINEdroiD/unsend/internal/dispatch"
	"github.com/SuperALKALINEdroiD/unsend/internal/logger"
)

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Code   string              `json:"code"`
	Error  string              `json:"error"`
	Scope  string              `json:"scope,omitempty"`
	Fields map[string][]string `json:"fields,omitempty"`
}

// respondJSON writes a JSON response with the given status code and data.
// If data is nil, only the status code and Content-Type header are written.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondError writes a JSON error with a machine-readable code.
func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Code: code, Error: message})
}

// respondValidationErrors writes a 400 listing the failed tags per field.
func respondValidationErrors(w http.ResponseWriter, err error) {
	fields := map[string][]string{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			field := fieldPath(fe.Namespace())
			fields[field] = append(fields[field], fe.Tag())
		}
	}
	respondJSON(w, http.StatusBadRequest, errorResponse{
		Code:   string(dispatch.KindValidation),
		Error:  "validation failed",
		Fields: fields,
	})
}

// fieldPath drops the struct name from a validator namespace
// ("sendEmailRequest.to[0]" -> "to[0]").
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

// respondServiceError maps a dispatch error kind to its HTTP status.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := dispatch.KindOf(err)
	status := statusForKind(kind)

	body := errorResponse{Code: string(kind), Error: err.Error()}
	var de *dispatch.Error
	if errors.As(err, &de) {
		body.Error = de.Message
		body.Scope = de.Scope
	}
	if status == http.StatusInternalServerError {
		reqLog := logger.FromContext(r.Context())
		reqLog.Error().Err(err).Str("kind", string(kind)).Msg("request failed")
		if kind == dispatch.KindInternal {
			body.Error = "internal server error"
		}
	}
	respondJSON(w, status, body)
}

func statusForKind(kind dispatch.Kind) int {
	switch kind {
	case dispatch.KindValidation:
		return http.StatusBadRequest
	case dispatch.KindRateLimited:
		return http.StatusTooManyRequests
	case dispatch.KindNotFound:
		return http.StatusNotFound
	case dispatch.KindAlreadyProcessed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
