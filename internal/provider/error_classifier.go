package provider

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// ProviderError is a non-2xx answer from an ESP.
type ProviderError struct {
	Provider   string
	StatusCode int
	// Code is the ESP's error type with namespace and "Exception" suffix
	// removed, e.g. "MessageRejected".
	Code    string
	Message string
	// Permanent means retrying the same request cannot succeed.
	Permanent bool
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return e.Provider + ": " + e.Code + ": " + e.Message
	}
	return e.Provider + ": " + e.Message
}

// IsPermanent reports whether err carries a permanent ProviderError.
func IsPermanent(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Permanent
}

// sesErrorCodes lists the SES v2 error types and whether each is permanent.
// Codes not listed fall back to the HTTP status.
var sesErrorCodes = map[string]bool{
	"MessageRejected":           true,
	"MailFromDomainNotVerified": true,
	"AccountSuspended":          true,
	"SendingPaused":             true,
	"NotFound":                  true,
	"BadRequest":                true,
	"AccessDenied":              true,
	"InvalidSignature":          true,
	"UnrecognizedClient":        true,
	"TooManyRequests":           false,
	"LimitExceeded":             false,
	"Throttling":                false,
	"InternalFailure":           false,
	"ServiceUnavailable":        false,
}

// ClassifyHTTPError turns a provider response into a ProviderError, or nil
// for 2xx. JSON bodies of the form {"__type": ..., "message": ...} are
// classified by type.
func ClassifyHTTPError(providerName string, statusCode int, body string) *ProviderError {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	pe := &ProviderError{Provider: providerName, StatusCode: statusCode, Message: body}

	var payload struct {
		Type    string `json:"__type"`
		Message string `json:"message"`
	}
	if json.Unmarshal([]byte(body), &payload) == nil && payload.Type != "" {
		pe.Code = errorCode(payload.Type)
		if payload.Message != "" {
			pe.Message = payload.Message
		}
		if permanent, known := sesErrorCodes[pe.Code]; known {
			pe.Permanent = permanent
			return pe
		}
	}

	switch {
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusTooManyRequests:
	case statusCode >= 500:
	default:
		pe.Permanent = statusCode >= 400
	}
	return pe
}

// errorCode strips "com.amazon...#" and the Exception suffix.
func errorCode(t string) string {
	if i := strings.LastIndexByte(t, '#'); i >= 0 {
		t = t[i+1:]
	}
	if i := strings.IndexByte(t, ':'); i >= 0 {
		t = t[:i]
	}
	return strings.TrimSuffix(t, "Exception")
}
