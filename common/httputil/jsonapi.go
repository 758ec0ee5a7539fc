package httputil

import "net/http"

// JSONAPIErrorObject represents a single JSON:API error.
type JSONAPIErrorObject struct {
	Status int    `json:"status"`
	Code   string `json:"code"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

// WriteJSONAPIError writes a JSON:API error document holding one error.
func WriteJSONAPIError(w http.ResponseWriter, status int, code, title, detail string) {
	WriteJSONAPI(w, status, map[string]any{
		"errors": []JSONAPIErrorObject{{Status: status, Code: code, Title: title, Detail: detail}},
	})
}

// WriteJSONAPIValidationError writes a 400 validation error.
func WriteJSONAPIValidationError(w http.ResponseWriter, detail string) {
	WriteJSONAPIError(w, http.StatusBadRequest, "validation_failed", "Validation Failed", detail)
}

// WriteJSONAPIUnauthorizedError writes a 401.
func WriteJSONAPIUnauthorizedError(w http.ResponseWriter, detail string) {
	WriteJSONAPIError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", detail)
}

// WriteJSONAPIForbiddenError writes a 403.
func WriteJSONAPIForbiddenError(w http.ResponseWriter, detail string) {
	WriteJSONAPIError(w, http.StatusForbidden, "forbidden", "Forbidden", detail)
}

// WriteJSONAPIInternalError writes a 500. Log the cause before calling it.
func WriteJSONAPIInternalError(w http.ResponseWriter, detail string) {
	WriteJSONAPIError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", detail)
}
